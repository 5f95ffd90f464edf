package synapsedb

import (
	"fmt"

	"github.com/synapsedb/synapsedb/internal/staging"
)

// pendingOp is one buffered write inside an open Tx, applied to in-memory
// state only once its outermost enclosing transaction commits — the same
// "merge upward, apply once at the outermost boundary" rule internal/wal's
// Replay uses for WAL records, applied here to the live write path so an
// aborted transaction never becomes visible to queries even transiently.
type pendingOp func(s *Store)

// Tx is an open, possibly-nested batch of writes. Obtain one with
// Store.Begin; every Tx must end in exactly one Commit or Abort call.
type Tx struct {
	store  *Store
	parent *Tx
	txID   uint64 // only meaningful when parent == nil
	ops    []pendingOp
	done   bool
}

// Begin starts a new transaction, nested inside the caller's currently open
// transaction if any. synapsedb is single-writer: the outermost Begin takes
// the Store's write lock for the duration of the whole (possibly nested)
// transaction; Commit/Abort on the outermost Tx releases it.
func (s *Store) Begin() (*Tx, error) {
	outermost := s.openTxN == 0

	if outermost {
		s.mu.Lock()

		if s.closed {
			s.mu.Unlock()

			return nil, ErrClosed
		}
	}

	s.nextTxID++
	txID := s.nextTxID

	var sessionTxID *uint64
	if outermost {
		sessionTxID = &txID
	}

	if err := s.wal.AppendBegin(sessionTxID, ""); err != nil {
		if outermost {
			s.mu.Unlock()
		}

		return nil, fmt.Errorf("synapsedb: begin: %w", err)
	}

	tx := &Tx{store: s, parent: s.currentTx, txID: txID}
	s.currentTx = tx
	s.openTxN++

	return tx, nil
}

// AddFact stages the addition of t within tx.
func (tx *Tx) AddFact(t staging.Triple) error {
	if err := tx.guard(); err != nil {
		return err
	}

	if err := tx.store.wal.AppendAddFact(t); err != nil {
		return fmt.Errorf("synapsedb: add fact: %w", err)
	}

	tx.ops = append(tx.ops, func(s *Store) { s.applyAddFact(t) })

	return nil
}

// DeleteFact stages a tombstone for t within tx.
func (tx *Tx) DeleteFact(t staging.Triple) error {
	if err := tx.guard(); err != nil {
		return err
	}

	if err := tx.store.wal.AppendDeleteFact(t); err != nil {
		return fmt.Errorf("synapsedb: delete fact: %w", err)
	}

	tx.ops = append(tx.ops, func(s *Store) { s.applyDeleteFact(t) })

	return nil
}

// SetNodeProperties stages a property-bag replacement for node id within tx.
func (tx *Tx) SetNodeProperties(id uint32, data map[string]any) error {
	if err := tx.guard(); err != nil {
		return err
	}

	if err := tx.store.wal.AppendSetNodeProperties(id, data); err != nil {
		return fmt.Errorf("synapsedb: set node properties: %w", err)
	}

	tx.ops = append(tx.ops, func(s *Store) { s.applySetNodeProperties(id, data) })

	return nil
}

// SetEdgeProperties stages a property-bag replacement for edge t within tx.
func (tx *Tx) SetEdgeProperties(t staging.Triple, data map[string]any) error {
	if err := tx.guard(); err != nil {
		return err
	}

	if err := tx.store.wal.AppendSetEdgeProperties(t, data); err != nil {
		return fmt.Errorf("synapsedb: set edge properties: %w", err)
	}

	tx.ops = append(tx.ops, func(s *Store) { s.applySetEdgeProperties(t, data) })

	return nil
}

func (tx *Tx) guard() error {
	if tx.done {
		return ErrNoTx
	}

	if tx.store.currentTx != tx {
		return fmt.Errorf("synapsedb: %w: a nested transaction is still open", ErrTxAlreadyOpen)
	}

	return nil
}

// Commit closes tx. If tx is nested, its buffered ops are merged into the
// parent transaction rather than applied — only committing the outermost
// Tx makes writes visible to queries, mirroring internal/wal.Replay's
// nested-commit "merge upward" rule (see DESIGN.md Open Question 1).
func (tx *Tx) Commit() error {
	if err := tx.guard(); err != nil {
		return err
	}

	s := tx.store

	if err := s.wal.AppendCommit(); err != nil {
		return fmt.Errorf("synapsedb: commit: %w", err)
	}

	tx.done = true
	s.currentTx = tx.parent
	s.openTxN--

	if tx.parent != nil {
		tx.parent.ops = append(tx.parent.ops, tx.ops...)

		return nil
	}

	for _, op := range tx.ops {
		op(s)
	}

	s.tx.Record(tx.txID, s.now())
	s.mu.Unlock()

	return nil
}

// Abort closes tx and discards its buffered writes. Writes already
// committed by a transaction nested inside tx before tx itself aborts are
// discarded too — merge-upward already folded them into tx.ops, which Abort
// now discards along with everything tx itself staged.
func (tx *Tx) Abort() error {
	if err := tx.guard(); err != nil {
		return err
	}

	s := tx.store

	if err := s.wal.AppendAbort(); err != nil {
		return fmt.Errorf("synapsedb: abort: %w", err)
	}

	tx.done = true
	s.currentTx = tx.parent
	s.openTxN--

	if tx.parent == nil {
		s.mu.Unlock()
	}

	return nil
}

// AddFact runs a single fact addition in its own top-level transaction.
func (s *Store) AddFact(t staging.Triple) error {
	return runSingleOp(s, func(tx *Tx) error { return tx.AddFact(t) })
}

// DeleteFact runs a single fact deletion in its own top-level transaction.
func (s *Store) DeleteFact(t staging.Triple) error {
	return runSingleOp(s, func(tx *Tx) error { return tx.DeleteFact(t) })
}

// SetNodeProperties runs a single node property-bag replacement in its own
// top-level transaction.
func (s *Store) SetNodeProperties(id uint32, data map[string]any) error {
	return runSingleOp(s, func(tx *Tx) error { return tx.SetNodeProperties(id, data) })
}

// SetEdgeProperties runs a single edge property-bag replacement in its own
// top-level transaction.
func (s *Store) SetEdgeProperties(t staging.Triple, data map[string]any) error {
	return runSingleOp(s, func(tx *Tx) error { return tx.SetEdgeProperties(t, data) })
}

func runSingleOp(s *Store, fn func(tx *Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Abort()

		return err
	}

	return tx.Commit()
}
