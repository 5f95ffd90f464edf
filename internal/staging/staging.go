// Package staging implements the in-memory, six-order staged triple index:
// writes that have been accepted by the store but not yet flushed into the
// persisted per-order page files. Every order is kept sorted so that range
// queries against staged data use binary search exactly like the persisted
// paged index does.
package staging

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/synapsedb/synapsedb/internal/codec"
)

// Order names one of the six fixed sort orders over (subject, predicate,
// object).
type Order int

const (
	SPO Order = iota
	SOP
	POS
	PSO
	OSP
	OPS
	numOrders

	// NumOrders is the number of sort orders a Staging (and, correspondingly,
	// the persisted pagedindex) maintains.
	NumOrders = numOrders
)

// Triple is a single (subject, predicate, object) fact, referring to
// dictionary ids rather than strings.
type Triple struct {
	S, P, O uint32
}

// entry is a staged triple plus whether it represents a deletion (tombstone)
// rather than an addition.
type entry struct {
	t         Triple
	tombstone bool
}

// less reports whether a sorts before b under the given order.
func less(order Order, a, b Triple) bool {
	switch order {
	case SPO:
		return lessTriple(a.S, a.P, a.O, b.S, b.P, b.O)
	case SOP:
		return lessTriple(a.S, a.O, a.P, b.S, b.O, b.P)
	case POS:
		return lessTriple(a.P, a.O, a.S, b.P, b.O, b.S)
	case PSO:
		return lessTriple(a.P, a.S, a.O, b.P, b.S, b.O)
	case OSP:
		return lessTriple(a.O, a.S, a.P, b.O, b.S, b.P)
	case OPS:
		return lessTriple(a.O, a.P, a.S, b.O, b.P, b.S)
	default:
		panic(fmt.Sprintf("staging: invalid order %d", order))
	}
}

func lessTriple(a1, a2, a3, b1, b2, b3 uint32) bool {
	if a1 != b1 {
		return a1 < b1
	}

	if a2 != b2 {
		return a2 < b2
	}

	return a3 < b3
}

// Staging holds the six sorted orders over the currently-staged triples. The
// zero value is not usable; use New.
type Staging struct {
	orders [numOrders][]entry
}

// New returns an empty Staging.
func New() *Staging {
	return &Staging{}
}

// Insert stages an addition of t. If t is already staged as a tombstone, the
// tombstone is cleared (a re-add cancels a pending delete); otherwise t is
// inserted in sorted position in every order. Idempotent for an already
// live t.
func (s *Staging) Insert(t Triple) {
	s.upsert(t, false)
}

// Delete stages a tombstone for t: future queries will not return it even if
// it is also present, unflushed, as a live addition.
func (s *Staging) Delete(t Triple) {
	s.upsert(t, true)
}

func (s *Staging) upsert(t Triple, tombstone bool) {
	for order := Order(0); order < numOrders; order++ {
		list := s.orders[order]

		idx, found := s.search(order, t)
		if found {
			list[idx].tombstone = tombstone

			continue
		}

		list = append(list, entry{})
		copy(list[idx+1:], list[idx:])
		list[idx] = entry{t: t, tombstone: tombstone}
		s.orders[order] = list
	}
}

// search returns the index at which t is found or should be inserted within
// the given order, and whether it was found.
func (s *Staging) search(order Order, t Triple) (int, bool) {
	list := s.orders[order]

	idx := sort.Search(len(list), func(i int) bool {
		return !less(order, list[i].t, t)
	})

	if idx < len(list) && list[idx].t == t {
		return idx, true
	}

	return idx, false
}

// Lookup reports the staged state of t: (tombstone=true, staged=true) means
// a pending delete; (tombstone=false, staged=true) means a pending add;
// staged=false means t has no staged entry at all.
func (s *Staging) Lookup(t Triple) (tombstone bool, staged bool) {
	idx, found := s.search(SPO, t)
	if !found {
		return false, false
	}

	return s.orders[SPO][idx].tombstone, true
}

// QueryPrefix returns staged, non-tombstoned triples matching the given
// fully- or partially-bound prefix under order, in sorted order. A zero
// value in a prefix field is treated as unbound for that position only if
// nBound says so; callers (the query planner) are responsible for picking
// the order whose leading columns match the bound prefix.
func (s *Staging) QueryPrefix(order Order, prefix Triple, nBound int) []Triple {
	list := s.orders[order]

	lo := sort.Search(len(list), func(i int) bool {
		return !lessPrefix(order, list[i].t, prefix, nBound)
	})

	hi := sort.Search(len(list), func(i int) bool {
		return greaterPrefix(order, list[i].t, prefix, nBound)
	})

	var out []Triple

	for _, e := range list[lo:hi] {
		if !e.tombstone {
			out = append(out, e.t)
		}
	}

	return out
}

// Tombstones returns every triple staged as a pending delete, in SPO order.
// Used by the flush path to add them to the manifest's tombstone list.
func (s *Staging) Tombstones() []Triple {
	var out []Triple

	for _, e := range s.orders[SPO] {
		if e.tombstone {
			out = append(out, e.t)
		}
	}

	return out
}

// lessPrefix/greaterPrefix compare only the first nBound columns of order.
func lessPrefix(order Order, t, prefix Triple, nBound int) bool {
	cols := columnsOf(order, t)
	pcols := columnsOf(order, prefix)

	for i := range nBound {
		if cols[i] != pcols[i] {
			return cols[i] < pcols[i]
		}
	}

	return false
}

func greaterPrefix(order Order, t, prefix Triple, nBound int) bool {
	cols := columnsOf(order, t)
	pcols := columnsOf(order, prefix)

	for i := range nBound {
		if cols[i] != pcols[i] {
			return cols[i] > pcols[i]
		}
	}

	return false
}

func columnsOf(order Order, t Triple) [3]uint32 {
	switch order {
	case SPO:
		return [3]uint32{t.S, t.P, t.O}
	case SOP:
		return [3]uint32{t.S, t.O, t.P}
	case POS:
		return [3]uint32{t.P, t.O, t.S}
	case PSO:
		return [3]uint32{t.P, t.S, t.O}
	case OSP:
		return [3]uint32{t.O, t.S, t.P}
	case OPS:
		return [3]uint32{t.O, t.P, t.S}
	default:
		panic(fmt.Sprintf("staging: invalid order %d", order))
	}
}

// Len returns the number of staged entries (adds and tombstones combined).
func (s *Staging) Len() int {
	return len(s.orders[SPO])
}

// Reset clears all staged entries, typically after a successful flush.
func (s *Staging) Reset() {
	for i := range s.orders {
		s.orders[i] = nil
	}
}

// Serialize encodes only the SPO order, since the other five orders are
// deterministically re-derivable by re-sorting on reload. Format:
// [count:4 LE]{[s:4][p:4][o:4][tombstone:1]}*.
func (s *Staging) Serialize() []byte {
	list := s.orders[SPO]

	var buf bytes.Buffer

	var countBuf [4]byte
	codec.PutUint32LE(countBuf[:], uint32(len(list)))
	buf.Write(countBuf[:])

	var rec [13]byte

	for _, e := range list {
		codec.PutUint32LE(rec[0:4], e.t.S)
		codec.PutUint32LE(rec[4:8], e.t.P)
		codec.PutUint32LE(rec[8:12], e.t.O)

		if e.tombstone {
			rec[12] = 1
		} else {
			rec[12] = 0
		}

		buf.Write(rec[:])
	}

	return buf.Bytes()
}

// Deserialize rebuilds a Staging from bytes produced by Serialize,
// reconstructing all six sort orders from the persisted SPO order.
func Deserialize(data []byte) (*Staging, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("staging: %w: need at least 4 bytes, got %d", codec.ErrShortBuffer, len(data))
	}

	count := codec.Uint32LE(data[:4])
	rest := data[4:]

	const recSize = 13

	if len(rest) < int(count)*recSize {
		return nil, fmt.Errorf("staging: %w: truncated entry table", codec.ErrShortBuffer)
	}

	s := New()

	for i := uint32(0); i < count; i++ {
		rec := rest[i*recSize : (i+1)*recSize]

		t := Triple{
			S: codec.Uint32LE(rec[0:4]),
			P: codec.Uint32LE(rec[4:8]),
			O: codec.Uint32LE(rec[8:12]),
		}

		s.upsert(t, rec[12] != 0)
	}

	return s, nil
}
