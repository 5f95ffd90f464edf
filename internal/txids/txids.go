// Package txids is the persistent transaction-id registry: the durable
// backing store for WAL idempotence across a WAL reset. internal/wal's
// Replay accepts an in-memory appliedTxIDs set for a single replay pass;
// that set does not survive a WAL Reset (the whole point of a reset is to
// discard the records a registry entry here remembers having already
// applied). Registry is the thing that does survive, trimmed to a bounded
// size by evicting the oldest-by-last-seen entries first.
package txids

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/synapsedb/synapsedb/pkg/fs"
)

// DefaultMaxSize bounds the registry so a long-running store does not grow
// this file without limit. Once over the cap, the oldest-by-seen-time
// entries are evicted first — the assumption being that a replayed WAL
// record with a very old txID is vanishingly unlikely to still be sitting
// unflushed at the tail of a live WAL.
const DefaultMaxSize = 100_000

type entry struct {
	Seen int64
}

// Registry tracks which transaction ids have already been applied, so a
// WAL record carrying a txID the registry has seen is skipped during
// replay rather than applied a second time.
type Registry struct {
	maxSize int
	byTxID  map[uint64]entry
}

// New returns an empty Registry using DefaultMaxSize.
func New() *Registry {
	return NewWithMaxSize(DefaultMaxSize)
}

// NewWithMaxSize returns an empty Registry bounded to maxSize entries.
func NewWithMaxSize(maxSize int) *Registry {
	return &Registry{
		maxSize: maxSize,
		byTxID:  make(map[uint64]entry),
	}
}

// Has reports whether txID has already been recorded as applied.
func (r *Registry) Has(txID uint64) bool {
	_, ok := r.byTxID[txID]

	return ok
}

// Record marks txID as applied as of now (an opaque, monotonic-enough
// timestamp — unix seconds in production, a logical clock in tests),
// trimming the oldest entries if the registry is over its size cap.
func (r *Registry) Record(txID uint64, now int64) {
	r.byTxID[txID] = entry{Seen: now}

	if len(r.byTxID) > r.maxSize {
		r.trim()
	}
}

// Len returns the number of tracked transaction ids.
func (r *Registry) Len() int {
	return len(r.byTxID)
}

// trim evicts entries oldest-by-Seen first until the registry is back
// within maxSize.
func (r *Registry) trim() {
	over := len(r.byTxID) - r.maxSize
	if over <= 0 {
		return
	}

	type keyed struct {
		txID uint64
		seen int64
	}

	all := make([]keyed, 0, len(r.byTxID))
	for id, e := range r.byTxID {
		all = append(all, keyed{txID: id, seen: e.Seen})
	}

	for i := 0; i < over; i++ {
		oldest := 0

		for j := 1; j < len(all); j++ {
			if all[j].seen < all[oldest].seen {
				oldest = j
			}
		}

		delete(r.byTxID, all[oldest].txID)
		all[oldest] = all[len(all)-1]
		all = all[:len(all)-1]
	}
}

// AppliedSet returns a snapshot suitable for internal/wal.Replay's
// appliedTxIDs parameter.
func (r *Registry) AppliedSet() map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(r.byTxID))
	for id := range r.byTxID {
		out[id] = struct{}{}
	}

	return out
}

// MergeApplied records every txID in applied (as produced by a completed
// wal.Replay call, or by the write path as each transaction commits) as of
// now.
func (r *Registry) MergeApplied(applied map[uint64]struct{}, now int64) {
	for id := range applied {
		r.Record(id, now)
	}
}

type onDiskEntry struct {
	TxID uint64 `json:"txId"`
	Seen int64  `json:"seen"`
}

// Serialize encodes the registry as JSON.
func (r *Registry) Serialize() ([]byte, error) {
	out := make([]onDiskEntry, 0, len(r.byTxID))

	for id, e := range r.byTxID {
		out = append(out, onDiskEntry{TxID: id, Seen: e.Seen})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("txids: marshal: %w", err)
	}

	return payload, nil
}

// Deserialize rebuilds a Registry from bytes produced by Serialize.
func Deserialize(data []byte, maxSize int) (*Registry, error) {
	var entries []onDiskEntry

	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("txids: unmarshal: %w", err)
		}
	}

	r := NewWithMaxSize(maxSize)

	for _, e := range entries {
		r.byTxID[e.TxID] = entry{Seen: e.Seen}
	}

	return r, nil
}

// Write atomically persists the registry at path.
func Write(atomic *fs.AtomicWriter, path string, r *Registry) error {
	payload, err := r.Serialize()
	if err != nil {
		return err
	}

	if err := atomic.WriteWithDefaults(path, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("txids: write %q: %w", path, err)
	}

	return nil
}

// Read loads the registry from path. A missing file is not an error: it
// returns an empty Registry, since the worst consequence of losing this
// file is re-applying a handful of already-applied WAL records across a
// narrow window, which the WAL's own per-transaction framing guards
// against for anything still in the live WAL.
func Read(fsys fs.FS, path string, maxSize int) (*Registry, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("txids: stat %q: %w", path, err)
	}

	if !exists {
		return NewWithMaxSize(maxSize), nil
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("txids: read %q: %w", path, err)
	}

	return Deserialize(data, maxSize)
}
