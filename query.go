package synapsedb

import (
	"fmt"

	"github.com/synapsedb/synapsedb/internal/hotness"
	"github.com/synapsedb/synapsedb/internal/manifest"
	"github.com/synapsedb/synapsedb/internal/pagedindex"
	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

// Pattern names a triple query: nil fields are unbound (match anything),
// non-nil fields must equal the given dictionary id.
type Pattern struct {
	S, P, O *uint32
}

// pickOrder chooses the sort order whose leading columns cover the bound
// fields of p, and builds the prefix triple and bound-column-count to
// search with.
func pickOrder(p Pattern) (order staging.Order, prefix staging.Triple, nBound int) {
	sBound, pBound, oBound := p.S != nil, p.P != nil, p.O != nil

	var t staging.Triple
	if sBound {
		t.S = *p.S
	}

	if pBound {
		t.P = *p.P
	}

	if oBound {
		t.O = *p.O
	}

	switch {
	case sBound && pBound && oBound:
		return staging.SPO, t, 3
	case sBound && pBound:
		return staging.SPO, t, 2
	case sBound && oBound:
		return staging.SOP, t, 2
	case pBound && oBound:
		return staging.POS, t, 2
	case sBound:
		return staging.SPO, t, 1
	case pBound:
		return staging.POS, t, 1
	case oBound:
		return staging.OSP, t, 1
	default:
		return staging.SPO, t, 0
	}
}

// columnsUnder returns (primary, second, third) for t under order — the
// same column-priority dispatch staging/pagedindex each keep privately,
// duplicated here in miniature so the query planner does not need to reach
// into either package's internals.
func columnsUnder(order staging.Order, t staging.Triple) (uint32, uint32, uint32) {
	switch order {
	case staging.SPO:
		return t.S, t.P, t.O
	case staging.SOP:
		return t.S, t.O, t.P
	case staging.POS:
		return t.P, t.O, t.S
	case staging.PSO:
		return t.P, t.S, t.O
	case staging.OSP:
		return t.O, t.S, t.P
	case staging.OPS:
		return t.O, t.P, t.S
	default:
		panic(fmt.Sprintf("synapsedb: invalid order %d", order))
	}
}

// matchesPrefix reports whether t's first nBound columns under order equal
// prefix's.
func matchesPrefix(order staging.Order, t, prefix staging.Triple, nBound int) bool {
	tc1, tc2, tc3 := columnsUnder(order, t)
	pc1, pc2, pc3 := columnsUnder(order, prefix)

	if nBound >= 1 && tc1 != pc1 {
		return false
	}

	if nBound >= 2 && tc2 != pc2 {
		return false
	}

	if nBound >= 3 && tc3 != pc3 {
		return false
	}

	return true
}

// tombstoneSet indexes man.Tombstones for O(1) membership checks.
func tombstoneSet(tombstones []staging.Triple) map[staging.Triple]struct{} {
	set := make(map[staging.Triple]struct{}, len(tombstones))

	for _, t := range tombstones {
		set[t] = struct{}{}
	}

	return set
}

// queryPersisted resolves a pattern against a single (fsys, dir, manifest)
// snapshot — either the writer's own cached manifest or a Reader's —
// without consulting any in-memory staged writes. It reads the matching
// order's page file lazily via pagedindex.StreamAll/StreamByPrimaryValue
// rather than loading the whole order into memory, and filters out any
// triple still named in man.Tombstones: an ordinary Flush keeps tombstoned
// triples physically present in their pages, so this is the only place
// that actually hides them again until Compact retires the tombstone.
func queryPersisted(fsys fs.FS, dir string, man *manifest.Manifest, p Pattern) ([]staging.Triple, error) {
	order, prefix, nBound := pickOrder(p)

	name := manifest.OrderNameOf(order)
	om := man.Orders[name]

	if len(om.Pages) == 0 {
		return nil, nil
	}

	codecKind, ok := pagedindex.ParseCodecName(man.Compression.Codec)
	if !ok {
		return nil, fmt.Errorf("synapsedb: manifest names unknown codec %q", man.Compression.Codec)
	}

	f, err := fsys.Open(manifest.OrderFilePath(dir, name))
	if err != nil {
		return nil, fmt.Errorf("synapsedb: query: open order %s: %w", name, err)
	}

	defer f.Close()

	tomb := tombstoneSet(man.Tombstones)

	seen := make(map[staging.Triple]struct{})

	var out []staging.Triple

	collect := func(t staging.Triple) bool {
		if _, dead := tomb[t]; dead {
			return true
		}

		if nBound > 1 && !matchesPrefix(order, t, prefix, nBound) {
			return true
		}

		if _, dup := seen[t]; dup {
			return true
		}

		seen[t] = struct{}{}
		out = append(out, t)

		return true
	}

	if nBound == 0 {
		if err := pagedindex.StreamAll(f, order, codecKind, om.Pages, collect); err != nil {
			return nil, fmt.Errorf("synapsedb: query: stream order %s: %w", name, err)
		}

		return out, nil
	}

	primary, _, _ := columnsUnder(order, prefix)

	if err := pagedindex.StreamByPrimaryValue(f, order, codecKind, om.Pages, primary, collect); err != nil {
		return nil, fmt.Errorf("synapsedb: query: stream order %s primary %d: %w", name, primary, err)
	}

	return out, nil
}

// Query resolves pattern against the database's current state: every
// already-flushed persisted triple plus every staged, not-yet-flushed
// addition, minus every staged or persisted tombstone.
func (s *Store) Query(pattern Pattern) ([]staging.Triple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	order, prefix, nBound := pickOrder(pattern)

	s.hot.Record(hotnessKey(order, prefix), s.now())

	persisted, err := queryPersisted(s.fsys, s.dir, s.man, pattern)
	if err != nil {
		return nil, err
	}

	staged := s.stage.QueryPrefix(order, prefix, nBound)

	out := make([]staging.Triple, 0, len(persisted)+len(staged))
	seen := make(map[staging.Triple]struct{}, len(persisted)+len(staged))

	for _, t := range persisted {
		if tomb, isStaged := s.stage.Lookup(t); isStaged && tomb {
			continue
		}

		if _, dup := seen[t]; dup {
			continue
		}

		seen[t] = struct{}{}

		out = append(out, t)
	}

	for _, t := range staged {
		if _, dup := seen[t]; dup {
			continue
		}

		seen[t] = struct{}{}

		out = append(out, t)
	}

	return out, nil
}

// hotnessKey derives the page hotness counter key a query under order with
// the given prefix touches, for the compaction heuristics in maintenance.
func hotnessKey(order staging.Order, prefix staging.Triple) hotness.Key {
	primary, _, _ := columnsUnder(order, prefix)

	return hotness.Key{Order: order, Primary: primary}
}
