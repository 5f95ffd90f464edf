// Package pagedindex implements the persisted, paged per-order triple index:
// pages of at most PageSize (second, third)-column pairs for a given primary
// column value, CRC-checked and optionally compressed, written append-only
// and read either by primary value (binary search over the page table,
// widened across every page belonging to that primary) or as a full ordered
// stream.
//
// A primary value with more triples than fit in one page spans several
// pages, written consecutively; a primary may also gain further pages in a
// later append (a later Flush, say) without the earlier ones moving, so the
// page table's entries for one primary need not be contiguous across every
// append generation, only within the set FindPageRange returns.
//
// Grounded on pkg/slotcache/format.go's fixed-layout, CRC'd binary file
// style, generalized from a single fixed-slot file to an append-only stream
// of variable-length pages.
package pagedindex

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/synapsedb/synapsedb/internal/codec"
	"github.com/synapsedb/synapsedb/internal/staging"
)

// Order mirrors staging.Order: each persisted index file holds pages for
// exactly one of the six sort orders.
type Order = staging.Order

const (
	SPO = staging.SPO
	SOP = staging.SOP
	POS = staging.POS
	PSO = staging.PSO
	OSP = staging.OSP
	OPS = staging.OPS
)

// Codec names a page compression codec.
type Codec byte

const (
	CodecNone Codec = iota
	CodecBrotli
	CodecZstd
)

// codecNames is the manifest's on-disk spelling for each Codec, per
// spec.md section 6.4.
var codecNames = map[Codec]string{
	CodecNone:   "none",
	CodecBrotli: "brotli",
	CodecZstd:   "zstd",
}

var namesToCodec = map[string]Codec{
	"none":   CodecNone,
	"brotli": CodecBrotli,
	"zstd":   CodecZstd,
}

// CodecName returns c's manifest spelling.
func CodecName(c Codec) string { return codecNames[c] }

// ParseCodecName returns the Codec for name, and whether name was
// recognized. An empty name (a manifest that has never recorded a
// compression choice) is treated as CodecNone.
func ParseCodecName(name string) (Codec, bool) {
	if name == "" {
		return CodecNone, true
	}

	c, ok := namesToCodec[name]

	return c, ok
}

// ErrPageCorrupt reports a page whose CRC does not match its bytes.
var ErrPageCorrupt = errors.New("pagedindex: page corrupt")

// DefaultPageSize is the number of (second, third)-column pairs a page
// holds for one primary value before a further page is started.
const DefaultPageSize = 1024

// PageMeta describes one page's location and shape in an order's file.
type PageMeta struct {
	PrimaryValue uint32
	Offset       int64
	Length       int64 // on-disk (possibly compressed) length
	RawLength    int64 // decompressed length
	CRC32        uint32
	Compressed   bool
}

// secondaryPair is one (second, third) column pair within a page, i.e. a
// triple with its primary column stripped off.
type secondaryPair struct {
	a, b uint32
}

// columnsFor returns (primary, secondary, tertiary) for t under order.
func columnsFor(order Order, t staging.Triple) (uint32, uint32, uint32) {
	switch order {
	case SPO:
		return t.S, t.P, t.O
	case SOP:
		return t.S, t.O, t.P
	case POS:
		return t.P, t.O, t.S
	case PSO:
		return t.P, t.S, t.O
	case OSP:
		return t.O, t.S, t.P
	case OPS:
		return t.O, t.P, t.S
	default:
		panic(fmt.Sprintf("pagedindex: invalid order %d", order))
	}
}

func tripleFrom(order Order, primary, second, third uint32) staging.Triple {
	switch order {
	case SPO:
		return staging.Triple{S: primary, P: second, O: third}
	case SOP:
		return staging.Triple{S: primary, O: second, P: third}
	case POS:
		return staging.Triple{P: primary, O: second, S: third}
	case PSO:
		return staging.Triple{P: primary, S: second, O: third}
	case OSP:
		return staging.Triple{O: primary, S: second, P: third}
	case OPS:
		return staging.Triple{O: primary, P: second, S: third}
	default:
		panic(fmt.Sprintf("pagedindex: invalid order %d", order))
	}
}

// EncodedPage is one page produced by EncodePages: the primary value it
// holds triples for, and its encoded (pre-compression) payload. Pages are
// returned in the order they should be written — ascending by
// PrimaryValue, with a primary's own pages (when its group exceeds
// pageSize) consecutive and in ascending-triple order.
type EncodedPage struct {
	PrimaryValue uint32
	Data         []byte
}

// EncodePages groups the given triples (already sorted under order, as
// staging.Staging.QueryPrefix and the manifest's merge step both produce)
// by distinct primary column value, splitting any group larger than
// pageSize into consecutive pages of at most pageSize pairs, and encodes
// each page's raw (pre-compression) payload as
// [pairCount:4]{[second:4][third:4]}*. pageSize <= 0 is treated as
// DefaultPageSize.
func EncodePages(order Order, triples []staging.Triple, pageSize int) []EncodedPage {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var pages []EncodedPage

	var current uint32
	var pairs []secondaryPair
	have := false

	flushGroup := func() {
		for len(pairs) > 0 {
			n := len(pairs)
			if n > pageSize {
				n = pageSize
			}

			pages = append(pages, EncodedPage{PrimaryValue: current, Data: encodePairs(pairs[:n])})
			pairs = pairs[n:]
		}
	}

	for _, t := range triples {
		primary, second, third := columnsFor(order, t)

		if !have || primary != current {
			flushGroup()
			current = primary
			pairs = nil
			have = true
		}

		pairs = append(pairs, secondaryPair{a: second, b: third})
	}

	if have {
		flushGroup()
	}

	return pages
}

// encodePairs renders one page's raw payload from pairs.
func encodePairs(pairs []secondaryPair) []byte {
	var buf bytes.Buffer

	var countBuf [4]byte
	codec.PutUint32LE(countBuf[:], uint32(len(pairs)))
	buf.Write(countBuf[:])

	var pairBuf [8]byte

	for _, p := range pairs {
		codec.PutUint32LE(pairBuf[0:4], p.a)
		codec.PutUint32LE(pairBuf[4:8], p.b)
		buf.Write(pairBuf[:])
	}

	return buf.Bytes()
}

// DecodePage decodes a raw (decompressed) page payload back into triples
// under order, for the given primary value.
func DecodePage(order Order, primaryValue uint32, raw []byte) ([]staging.Triple, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("pagedindex: %w: page too short", codec.ErrShortBuffer)
	}

	count := codec.Uint32LE(raw[:4])
	rest := raw[4:]

	if uint32(len(rest)) < count*8 {
		return nil, fmt.Errorf("pagedindex: %w: truncated page body", codec.ErrShortBuffer)
	}

	out := make([]staging.Triple, 0, count)

	for i := uint32(0); i < count; i++ {
		pair := rest[i*8 : i*8+8]
		second := codec.Uint32LE(pair[0:4])
		third := codec.Uint32LE(pair[4:8])

		out = append(out, tripleFrom(order, primaryValue, second, third))
	}

	return out, nil
}

// compress encodes raw using codec, returning the (possibly unchanged)
// bytes to write to disk.
func compress(c Codec, raw []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return raw, nil
	case CodecBrotli:
		var buf bytes.Buffer

		w := brotli.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("pagedindex: brotli compress: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("pagedindex: brotli close: %w", err)
		}

		return buf.Bytes(), nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("pagedindex: zstd encoder: %w", err)
		}
		defer enc.Close()

		return enc.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("pagedindex: unknown codec %d", c)
	}
}

// decompress is the inverse of compress.
func decompress(c Codec, data []byte, rawLength int64) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecBrotli:
		r := brotli.NewReader(bytes.NewReader(data))

		raw := make([]byte, rawLength)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("pagedindex: brotli decompress: %w", err)
		}

		return raw, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("pagedindex: zstd decoder: %w", err)
		}
		defer dec.Close()

		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("pagedindex: zstd decode: %w", err)
		}

		return raw, nil
	default:
		return nil, fmt.Errorf("pagedindex: unknown codec %d", c)
	}
}

// WritePages writes one page per entry of pages, in the given order
// (EncodePages already emits them ascending by PrimaryValue), to w starting
// at baseOffset, returning the resulting page metas in the same order.
// Callers appending to an existing order file pass baseOffset as that
// file's current length, so successive calls lay pages consecutively
// without disturbing any earlier ones.
func WritePages(w io.Writer, baseOffset int64, codecKind Codec, pages []EncodedPage) ([]PageMeta, error) {
	metas := make([]PageMeta, 0, len(pages))
	offset := baseOffset

	for _, p := range pages {
		onDisk, err := compress(codecKind, p.Data)
		if err != nil {
			return nil, err
		}

		crc := codec.CRC32(onDisk)

		var head [pageHeaderSize]byte
		codec.PutUint32LE(head[0:4], p.PrimaryValue)
		codec.PutUint32LE(head[4:8], uint32(len(onDisk)))
		codec.PutUint32LE(head[8:12], uint32(len(p.Data)))
		codec.PutUint32LE(head[12:16], crc)

		if codecKind != CodecNone {
			head[16] = 1
		}

		if _, err := w.Write(head[:]); err != nil {
			return nil, fmt.Errorf("pagedindex: write page header: %w", err)
		}

		if _, err := w.Write(onDisk); err != nil {
			return nil, fmt.Errorf("pagedindex: write page body: %w", err)
		}

		metas = append(metas, PageMeta{
			PrimaryValue: p.PrimaryValue,
			Offset:       offset,
			Length:       int64(len(onDisk)),
			RawLength:    int64(len(p.Data)),
			CRC32:        crc,
			Compressed:   codecKind != CodecNone,
		})

		offset += int64(len(head)) + int64(len(onDisk))
	}

	return metas, nil
}

// MergePageMetas combines an order's existing page table with the metas a
// just-completed append produced, keeping the result sorted (stably) by
// PrimaryValue so FindPageRange's binary search still sees every primary's
// pages as one contiguous run — regardless of which append generation
// actually wrote them, or at what file offset.
func MergePageMetas(existing, appended []PageMeta) []PageMeta {
	merged := make([]PageMeta, 0, len(existing)+len(appended))
	merged = append(merged, existing...)
	merged = append(merged, appended...)

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].PrimaryValue < merged[j].PrimaryValue })

	return merged
}

// PageHeaderSize is the fixed size of the on-disk page header written by
// WritePages ([primary:4][length:4][rawLength:4][crc32:4][compressedFlag:1]).
const PageHeaderSize = 17

const pageHeaderSize = PageHeaderSize

// ReadPage reads and validates the page described by meta from r, which
// must support ReadAt (e.g. an *os.File), returning the decoded triples.
func ReadPage(r io.ReaderAt, order Order, codecKind Codec, meta PageMeta) ([]staging.Triple, error) {
	buf := make([]byte, meta.Length)

	if _, err := r.ReadAt(buf, meta.Offset+pageHeaderSize); err != nil {
		return nil, fmt.Errorf("pagedindex: read page body at %d: %w", meta.Offset, err)
	}

	if codec.CRC32(buf) != meta.CRC32 {
		return nil, fmt.Errorf("%w: primary value %d", ErrPageCorrupt, meta.PrimaryValue)
	}

	raw, err := decompress(codecKind, buf, meta.RawLength)
	if err != nil {
		return nil, err
	}

	return DecodePage(order, meta.PrimaryValue, raw)
}

// FindPageRange returns [lo, hi), the span of metas (sorted by
// PrimaryValue, as MergePageMetas maintains) holding primaryValue — zero or
// more pages, since a primary with more triples than one page's pageSize,
// or one that has been appended to across more than one flush, owns
// several. An empty range (lo == hi) means primaryValue has no pages.
func FindPageRange(metas []PageMeta, primaryValue uint32) (lo, hi int) {
	lo = sort.Search(len(metas), func(i int) bool { return metas[i].PrimaryValue >= primaryValue })
	hi = sort.Search(len(metas), func(i int) bool { return metas[i].PrimaryValue > primaryValue })

	return lo, hi
}

// StreamAll lazily decodes every page in metas, in order, calling yield once
// per decoded triple. It holds at most one page's triples in memory at a
// time; yield returning false stops decoding further pages immediately,
// giving callers a bounded-memory way to consume a result set of any size
// (full scans, Compact's merge reads) without materializing it all at once.
func StreamAll(r io.ReaderAt, order Order, codecKind Codec, metas []PageMeta, yield func(staging.Triple) bool) error {
	for _, m := range metas {
		triples, err := ReadPage(r, order, codecKind, m)
		if err != nil {
			return err
		}

		for _, t := range triples {
			if !yield(t) {
				return nil
			}
		}
	}

	return nil
}

// StreamByPrimaryValue is StreamAll narrowed to just the pages belonging to
// primaryValue (via FindPageRange), for a point lookup that may now span
// more than one page.
func StreamByPrimaryValue(r io.ReaderAt, order Order, codecKind Codec, metas []PageMeta, primaryValue uint32, yield func(staging.Triple) bool) error {
	lo, hi := FindPageRange(metas, primaryValue)

	return StreamAll(r, order, codecKind, metas[lo:hi], yield)
}

// ReadAllStreaming collects StreamAll's output into a slice, for callers
// (full compaction merges, donor-order repair) that genuinely need an
// order's whole triple set materialized at once rather than consumed
// incrementally.
func ReadAllStreaming(r io.ReaderAt, order Order, codecKind Codec, metas []PageMeta) ([]staging.Triple, error) {
	var out []staging.Triple

	err := StreamAll(r, order, codecKind, metas, func(t staging.Triple) bool {
		out = append(out, t)

		return true
	})

	return out, err
}
