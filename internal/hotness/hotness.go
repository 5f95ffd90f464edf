// Package hotness tracks per-(order, primary value) access counters with
// exponential half-life decay, feeding the compaction heuristics that decide
// which pages are worth rewriting versus leaving alone.
package hotness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/synapsedb/synapsedb/internal/pagedindex"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

// DefaultHalfLifeSeconds is the decay half-life used when Counters is
// constructed with New: a page's recorded hotness halves every 24 hours of
// inactivity.
const DefaultHalfLifeSeconds = 24 * 60 * 60

// Key identifies one page's hotness counter.
type Key struct {
	Order   pagedindex.Order
	Primary uint32
}

type entry struct {
	Value      float64 `json:"value"`
	LastAccess int64   `json:"lastAccess"`
}

// Counters holds decayed access counts, one per (order, primary value) key.
//
// Safe for concurrent use: Record is called by the single writer on every
// query that touches a page; Value may be called by maintenance routines
// concurrently with Record since it only reads.
type Counters struct {
	mu       sync.Mutex
	halfLife float64 // seconds
	byKey    map[Key]entry
}

// New returns an empty Counters using DefaultHalfLifeSeconds.
func New() *Counters {
	return NewWithHalfLife(DefaultHalfLifeSeconds)
}

// NewWithHalfLife returns an empty Counters with a custom decay half-life,
// in seconds.
func NewWithHalfLife(halfLifeSeconds float64) *Counters {
	return &Counters{
		halfLife: halfLifeSeconds,
		byKey:    make(map[Key]entry),
	}
}

// decayedValue returns e's value decayed from lastAccess to now.
func (c *Counters) decayedValue(e entry, now int64) float64 {
	if c.halfLife <= 0 {
		return e.Value
	}

	elapsed := float64(now - e.LastAccess)
	if elapsed <= 0 {
		return e.Value
	}

	return e.Value * math.Pow(0.5, elapsed/c.halfLife)
}

// Record decays the counter for key as of now, then adds one access.
func (c *Counters) Record(key Key, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byKey[key]
	if !ok {
		c.byKey[key] = entry{Value: 1, LastAccess: now}

		return
	}

	c.byKey[key] = entry{Value: c.decayedValue(e, now) + 1, LastAccess: now}
}

// Value returns key's current decayed hotness as of now, without recording
// an access.
func (c *Counters) Value(key Key, now int64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byKey[key]
	if !ok {
		return 0
	}

	return c.decayedValue(e, now)
}

// Len returns the number of tracked keys (including ones that have decayed
// close to zero but not yet been pruned).
func (c *Counters) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.byKey)
}

// Prune removes tracked keys whose decayed value as of now is below
// threshold, keeping the counter table from growing without bound as pages
// come and go across compactions.
func (c *Counters) Prune(now int64, threshold float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.byKey {
		if c.decayedValue(e, now) < threshold {
			delete(c.byKey, k)
		}
	}
}

// onDiskEntry is the JSON-serializable form of one (key, entry) pair — Key
// is a struct and cannot be a JSON object map key, so it is flattened.
type onDiskEntry struct {
	Order      int     `json:"order"`
	Primary    uint32  `json:"primary"`
	Value      float64 `json:"value"`
	LastAccess int64   `json:"lastAccess"`
}

// Serialize encodes the counter table as JSON.
func (c *Counters) Serialize() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]onDiskEntry, 0, len(c.byKey))

	for k, e := range c.byKey {
		out = append(out, onDiskEntry{
			Order:      int(k.Order),
			Primary:    k.Primary,
			Value:      e.Value,
			LastAccess: e.LastAccess,
		})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("hotness: marshal: %w", err)
	}

	return payload, nil
}

// Deserialize rebuilds a Counters from bytes produced by Serialize.
func Deserialize(data []byte, halfLifeSeconds float64) (*Counters, error) {
	var entries []onDiskEntry

	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("hotness: unmarshal: %w", err)
		}
	}

	c := NewWithHalfLife(halfLifeSeconds)

	for _, e := range entries {
		c.byKey[Key{Order: pagedindex.Order(e.Order), Primary: e.Primary}] = entry{
			Value:      e.Value,
			LastAccess: e.LastAccess,
		}
	}

	return c, nil
}

// Write atomically persists the counter table at path.
func Write(atomic *fs.AtomicWriter, path string, c *Counters) error {
	payload, err := c.Serialize()
	if err != nil {
		return err
	}

	if err := atomic.WriteWithDefaults(path, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("hotness: write %q: %w", path, err)
	}

	return nil
}

// Read loads the counter table from path. A missing file is not an error:
// it returns an empty Counters, since hotness data is an optimization hint
// that is safe to lose.
func Read(fsys fs.FS, path string, halfLifeSeconds float64) (*Counters, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("hotness: stat %q: %w", path, err)
	}

	if !exists {
		return NewWithHalfLife(halfLifeSeconds), nil
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hotness: read %q: %w", path, err)
	}

	return Deserialize(data, halfLifeSeconds)
}
