package synapsedb

import "errors"

// Sentinel errors returned by the Store. Wrapped with context via
// fmt.Errorf("...: %w", ...) and checked with errors.Is, matching the
// teacher's error style (no custom error framework, no panics for expected
// conditions).
var (
	// ErrClosed is returned by any Store method called after Close.
	ErrClosed = errors.New("synapsedb: store is closed")

	// ErrTxAlreadyOpen is returned by Begin when a batch is already open on
	// the calling goroutine's Store handle.
	ErrTxAlreadyOpen = errors.New("synapsedb: transaction already open")

	// ErrNoTx is returned by Commit/Abort when no batch is open.
	ErrNoTx = errors.New("synapsedb: no open transaction")

	// ErrLockHeld is returned by Open when another process already holds the
	// exclusive writer lock on this database directory.
	ErrLockHeld = errors.New("synapsedb: database is locked by another process")

	// ErrInvalidOrder is returned when a query names an Order outside 0..5.
	ErrInvalidOrder = errors.New("synapsedb: invalid order")

	// ErrUnknownPin is returned by UnpinEpoch when the given handle was not
	// currently pinned.
	ErrUnknownPin = errors.New("synapsedb: epoch not pinned")
)
