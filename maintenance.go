package synapsedb

import (
	"bytes"
	"fmt"

	"github.com/synapsedb/synapsedb/internal/hotness"
	"github.com/synapsedb/synapsedb/internal/maintenance"
	"github.com/synapsedb/synapsedb/internal/manifest"
	"github.com/synapsedb/synapsedb/internal/pagedindex"
	"github.com/synapsedb/synapsedb/internal/readers"
	"github.com/synapsedb/synapsedb/internal/staging"
)

// Issue is re-exported so callers never need to import internal/maintenance
// directly.
type Issue = maintenance.Issue

// CheckReport is re-exported so callers never need to import
// internal/maintenance directly.
type CheckReport = maintenance.CheckReport

// RepairResult is re-exported so callers never need to import
// internal/maintenance directly.
type RepairResult = maintenance.RepairResult

// Check validates the currently persisted index pages and returns the
// issues found, if any. strict re-reads and CRC-verifies every page body by
// opening each order's own page file; non-strict only checks the page
// tables' structural ordering invariant, which is cheap enough to run on
// every Open.
func (s *Store) Check(strict bool) (*CheckReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	codecKind, _, err := s.resolveFlushCodec()
	if err != nil {
		return nil, err
	}

	return maintenance.Check(s.fsys, s.dir, s.man, codecKind, strict), nil
}

// Repair fixes the orders named in report.CorruptOrders.
//
// full=true rebuilds each corrupt order's entire page file from an intact
// donor order (any of the six suffices, since they all encode the same
// triple set) and atomically replaces that order's page file wholesale —
// the corrupt file itself is not trusted enough to append to. full=false
// instead drops every page of each flagged primary from that order's
// table — fast, but lossy: those pages' triples are no longer reachable
// through the repaired order, and Compact, which reads only that order's
// own table, does not bring them back.
//
// Repair advances the manifest epoch exactly like Flush, so existing
// Readers keep reading the pre-repair state until they reopen.
func (s *Store) Repair(report *CheckReport, full bool) (RepairResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return RepairResult{}, ErrClosed
	}

	if len(report.Issues) == 0 {
		return RepairResult{}, nil
	}

	codecKind, _, err := s.resolveFlushCodec()
	if err != nil {
		return RepairResult{}, err
	}

	next, result, newPages, err := maintenance.Repair(s.fsys, s.dir, s.man, report, codecKind, s.opts.PageSize, full)
	if err != nil {
		return RepairResult{}, fmt.Errorf("synapsedb: repair: %w", err)
	}

	for name, pages := range newPages {
		var buf bytes.Buffer

		metas, err := pagedindex.WritePages(&buf, 0, codecKind, pages)
		if err != nil {
			return RepairResult{}, fmt.Errorf("synapsedb: repair: encode rebuilt order %s: %w", name, err)
		}

		if err := s.atomic.WriteWithDefaults(s.orderPath(name), &buf); err != nil {
			return RepairResult{}, fmt.Errorf("synapsedb: repair: write rebuilt order %s: %w", name, err)
		}

		next.Orders[name] = manifest.OrderManifest{Pages: metas}
	}

	if err := manifest.Write(s.atomic, s.manifestPath(), next); err != nil {
		return RepairResult{}, fmt.Errorf("synapsedb: repair: write manifest: %w", err)
	}

	s.man = next

	return result, nil
}

// CompactOptions configures a Compact call. The zero value performs a full,
// blocking, non-filtered rewrite of every order's pages under the Store's
// current codec.
type CompactOptions struct {
	// Codec is the page codec the rewritten pages use. Zero value keeps
	// whatever codec the manifest already names.
	Codec pagedindex.Codec

	// Incremental restricts compaction to primaries whose existing page
	// count is at least MinMergePages, per order — a cheap partial pass
	// that merges only the most fragmented primaries instead of rewriting
	// everything.
	Incremental bool

	// MinMergePages is the page-count floor Incremental uses. Zero means
	// DefaultMinMergePages.
	MinMergePages int

	// OnlyPrimaries restricts compaction to exactly these primary column
	// values (per order, the column that order uses as primary), taking
	// precedence over Incremental when both are set.
	OnlyPrimaries []uint32

	// TombstoneRatioThreshold, when > 0, gates the whole call: Compact
	// computes tombstones / (tombstones + persisted pages) across the
	// manifest, using each order's page count as a cheap proxy for live
	// triples, and returns a Skipped result without writing anything if
	// the ratio is below this threshold. Zero means always proceed.
	TombstoneRatioThreshold float64

	// DryRun computes and returns what Compact would rewrite without
	// writing anything to disk or advancing the manifest epoch.
	DryRun bool

	// RespectReaders, when true, aborts with a Skipped result if any
	// reader (including the writer's own PushPinnedEpoch pin) is
	// currently registered, rather than rewriting pages a pinned epoch
	// might still need.
	RespectReaders bool

	// IncludeLsmSegments is accepted for interface parity with systems
	// that stage writes in LSM-style immutable segments ahead of their
	// paged index; this store has no such layer — staged writes live only
	// in the in-memory Staging buffer and the WAL — so this flag is
	// always a documented no-op.
	IncludeLsmSegments bool
}

// DefaultMinMergePages is the page-count floor CompactOptions.Incremental
// uses when MinMergePages is left at zero.
const DefaultMinMergePages = 2

// CompactResult reports what a Compact call did or would do.
type CompactResult struct {
	// Skipped is true if Compact aborted without writing anything, either
	// because RespectReaders found a pin or TombstoneRatioThreshold was
	// not met.
	Skipped       bool
	SkippedReason string

	// OrdersRewritten lists the orders Compact rewrote (or, under DryRun,
	// would rewrite).
	OrdersRewritten []manifest.OrderName

	// PrimariesCompacted is the total count of (order, primary) groups
	// actually merged into a single page run.
	PrimariesCompacted int

	// TombstonesRetired is how many tombstones were (or, under DryRun,
	// would be) fully purged from the manifest — only possible once a
	// tombstoned triple has been dropped from all six orders in the same
	// Compact call.
	TombstonesRetired int
}

// Compact rewrites page groups in place, merging a primary's pages (however
// many separate flushes wrote them) back into a single contiguous run and
// physically dropping tombstoned triples — the only operation that ever
// purges a tombstone; an ordinary Flush always keeps tombstoned triples
// present in their pages, shadowed at read time (see queryPersisted).
//
// Every order is rewritten independently into a brand-new page file written
// via the Store's AtomicWriter and renamed over the order's canonical path;
// an already-open file descriptor to the old file (e.g. a Reader mid-query)
// keeps reading the pre-compaction bytes under POSIX rename semantics, so
// Compact never needs the manifest's Orphans list or a reader handoff to be
// safe — only RespectReaders changes what Compact does, not what keeps it
// safe.
func (s *Store) Compact(opts CompactOptions) (CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CompactResult{}, ErrClosed
	}

	if opts.RespectReaders {
		active, err := readers.ActiveReaders(s.readerReg, s.now(), s.opts.ReaderTTLSeconds)
		if err != nil {
			return CompactResult{}, fmt.Errorf("synapsedb: compact: list readers: %w", err)
		}

		if len(active) > 0 {
			return CompactResult{Skipped: true, SkippedReason: fmt.Sprintf("%d reader(s) currently pinning an epoch", len(active))}, nil
		}
	}

	if opts.TombstoneRatioThreshold > 0 {
		ratio := tombstoneRatio(s.man)
		if ratio < opts.TombstoneRatioThreshold {
			return CompactResult{Skipped: true, SkippedReason: fmt.Sprintf(
				"tombstone ratio %.4f below threshold %.4f", ratio, opts.TombstoneRatioThreshold)}, nil
		}
	}

	existingCodec, ok := pagedindex.ParseCodecName(s.man.Compression.Codec)
	if !ok {
		return CompactResult{}, fmt.Errorf("synapsedb: compact: manifest names unknown codec %q", s.man.Compression.Codec)
	}

	minMergePages := opts.MinMergePages
	if minMergePages <= 0 {
		minMergePages = DefaultMinMergePages
	}

	onlyPrimaries := primarySet(opts.OnlyPrimaries)

	// A manifest names exactly one codec for every page across all six
	// order files: mixing codecs within one file would leave some of its
	// pages undecodable once queryPersisted picks a single codec from the
	// manifest to read the whole file with. opts.Codec is therefore only
	// honored when every group in every order is being rewritten (a full
	// compaction) — an incremental or OnlyPrimaries-filtered pass always
	// keeps writing under whatever codec the untouched pages are already
	// in, regardless of what opts.Codec asks for.
	fullCompaction := !opts.Incremental && onlyPrimaries == nil

	codecKind := existingCodec
	codecName := s.man.Compression.Codec

	if fullCompaction && opts.Codec != pagedindex.CodecNone {
		codecKind = opts.Codec
		codecName = pagedindex.CodecName(codecKind)
	}

	tomb := tombstoneSet(s.man.Tombstones)

	next := s.man.NextEpoch()
	result := CompactResult{}

	droppedCount := make(map[staging.Triple]int)

	for order := staging.Order(0); order < staging.NumOrders; order++ {
		name := manifest.OrderNameOf(order)
		om := s.man.Orders[name]

		if len(om.Pages) == 0 {
			continue
		}

		f, err := s.fsys.Open(s.orderPath(name))
		if err != nil {
			return CompactResult{}, fmt.Errorf("synapsedb: compact: open order %s: %w", name, err)
		}

		groups := groupByPrimary(om.Pages)

		var rewritten []staging.Triple
		var carried []pagedindex.PageMeta
		nCompacted := 0

		for _, g := range groups {
			targeted := shouldCompact(g, onlyPrimaries, opts.Incremental, minMergePages)
			if !targeted {
				carried = append(carried, g.pages...)

				continue
			}

			nCompacted++

			triples, err := pagedindex.ReadAllStreaming(f, order, existingCodec, g.pages)
			if err != nil {
				f.Close()

				return CompactResult{}, fmt.Errorf("synapsedb: compact: read order %s primary %d: %w", name, g.primary, err)
			}

			for _, t := range triples {
				if _, dead := tomb[t]; dead {
					droppedCount[t]++

					continue
				}

				rewritten = append(rewritten, t)
			}
		}

		if nCompacted == 0 {
			f.Close()

			continue
		}

		result.PrimariesCompacted += nCompacted
		result.OrdersRewritten = append(result.OrdersRewritten, name)

		if opts.DryRun {
			f.Close()

			continue
		}

		var buf bytes.Buffer

		carriedMetas := make([]pagedindex.PageMeta, len(carried))
		copy(carriedMetas, carried)

		for i := range carriedMetas {
			if err := copyExistingPage(&buf, f, &carriedMetas[i]); err != nil {
				f.Close()

				return CompactResult{}, fmt.Errorf("synapsedb: compact: carry forward order %s: %w", name, err)
			}
		}

		f.Close()

		newPages := pagedindex.EncodePages(order, rewritten, s.opts.PageSize)

		freshMetas, err := pagedindex.WritePages(&buf, int64(buf.Len()), codecKind, newPages)
		if err != nil {
			return CompactResult{}, fmt.Errorf("synapsedb: compact: encode order %s: %w", name, err)
		}

		if err := s.atomic.WriteWithDefaults(s.orderPath(name), bytes.NewReader(buf.Bytes())); err != nil {
			return CompactResult{}, fmt.Errorf("synapsedb: compact: write order %s: %w", name, err)
		}

		merged := pagedindex.MergePageMetas(carriedMetas, freshMetas)

		next.Orders[name] = manifest.OrderManifest{Pages: merged}
	}

	var retained []staging.Triple

	for _, t := range s.man.Tombstones {
		if droppedCount[t] == int(staging.NumOrders) {
			result.TombstonesRetired++

			continue
		}

		retained = append(retained, t)
	}

	if opts.DryRun {
		return result, nil
	}

	next.Tombstones = retained
	next.Compression.Codec = codecName

	if err := manifest.Write(s.atomic, s.manifestPath(), next); err != nil {
		return result, fmt.Errorf("synapsedb: compact: write manifest: %w", err)
	}

	s.man = next

	return result, nil
}

// tombstoneRatio returns len(Tombstones) / (len(Tombstones) + total live
// pages' approximate triple count), using each order's own page count as a
// cheap proxy for triple count rather than decoding every page.
func tombstoneRatio(man *manifest.Manifest) float64 {
	var pages int

	for _, om := range man.Orders {
		pages += len(om.Pages)
	}

	tombstones := len(man.Tombstones)
	total := tombstones + pages

	if total == 0 {
		return 0
	}

	return float64(tombstones) / float64(total)
}

func primarySet(values []uint32) map[uint32]bool {
	if len(values) == 0 {
		return nil
	}

	set := make(map[uint32]bool, len(values))

	for _, v := range values {
		set[v] = true
	}

	return set
}

// primaryGroup is one primary value's contiguous run of pages within an
// order's already-sorted page table.
type primaryGroup struct {
	primary uint32
	pages   []pagedindex.PageMeta
}

// groupByPrimary splits metas (sorted by PrimaryValue, as every page table
// is maintained) into contiguous per-primary runs.
func groupByPrimary(metas []pagedindex.PageMeta) []primaryGroup {
	var groups []primaryGroup

	for _, m := range metas {
		if len(groups) > 0 && groups[len(groups)-1].primary == m.PrimaryValue {
			groups[len(groups)-1].pages = append(groups[len(groups)-1].pages, m)

			continue
		}

		groups = append(groups, primaryGroup{primary: m.PrimaryValue, pages: []pagedindex.PageMeta{m}})
	}

	return groups
}

// shouldCompact decides whether g is a Compact target under the given
// filters: onlyPrimaries, when non-nil, takes precedence; otherwise
// incremental restricts to groups with at least minMergePages pages; with
// neither set, every group is targeted (a full compaction).
func shouldCompact(g primaryGroup, onlyPrimaries map[uint32]bool, incremental bool, minMergePages int) bool {
	if onlyPrimaries != nil {
		return onlyPrimaries[g.primary]
	}

	if incremental {
		return len(g.pages) >= minMergePages
	}

	return true
}

// copyExistingPage re-appends the raw, already-encoded bytes of page m (read
// from f at its current offset, header included) to buf, rewriting m.Offset
// in place to its new position — copying a page verbatim preserves its
// bytes but not its absolute file position within the rewritten file.
func copyExistingPage(buf *bytes.Buffer, f interface {
	ReadAt(p []byte, off int64) (int, error)
}, m *pagedindex.PageMeta,
) error {
	raw := make([]byte, pagedindex.PageHeaderSize+m.Length)

	if _, err := f.ReadAt(raw, m.Offset); err != nil {
		return fmt.Errorf("read page at %d: %w", m.Offset, err)
	}

	newOffset := int64(buf.Len())

	buf.Write(raw)

	m.Offset = newOffset

	return nil
}

// DefaultHotnessPruneThreshold is the decayed-value floor GC uses to drop a
// hotness counter: below this, a page's recorded access pattern is
// indistinguishable from noise and not worth carrying forward.
const DefaultHotnessPruneThreshold = 0.01

// GCOptions configures a GC call.
type GCOptions struct {
	// TTLSeconds bounds how long a reader registration is honored before
	// GC prunes it as abandoned. Zero means the Store's own
	// Options.ReaderTTLSeconds.
	TTLSeconds int64

	// RespectReaders, when true, skips the page-level reclaim pass
	// entirely (registry/hotness pruning still runs) if any reader is
	// currently registered.
	RespectReaders bool
}

// GC performs two independent jobs: pruning abandoned reader registrations
// and cold hotness counters (always), and page-level reclaim (unless
// RespectReaders finds an active reader) — rewriting each order's page file
// to drop any trailing bytes a crashed mid-flush append may have left
// behind past the furthest page its current manifest table names. Pages
// the table no longer names that lie before that point stay in the file,
// and no page offset is changed.
//
// The returned warnings are diagnostic only: each names a still-pinning
// reader registration whose process has, per readers.IsAlive's best-effort
// probe, in fact died without unregistering. GC must still honor that pin
// until its TTL window elapses regardless — warnings never change what GC
// does, only what it reports, matching this codebase's "no logging
// framework, just returned/wrapped information" style.
func (s *Store) GC(opts GCOptions) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	ttlSeconds := opts.TTLSeconds
	if ttlSeconds == 0 {
		ttlSeconds = s.opts.ReaderTTLSeconds
	}

	warnings := deadPinningReaderWarnings(s.readerReg, s.now(), ttlSeconds)

	if err := s.readerReg.CleanStale(s.now(), ttlSeconds); err != nil {
		return warnings, fmt.Errorf("synapsedb: gc: clean stale readers: %w", err)
	}

	s.hot.Prune(s.now(), DefaultHotnessPruneThreshold)

	if err := hotness.Write(s.atomic, s.hotnessPath(), s.hot); err != nil {
		return warnings, fmt.Errorf("synapsedb: gc: write hotness: %w", err)
	}

	if opts.RespectReaders {
		active, err := readers.ActiveReaders(s.readerReg, s.now(), ttlSeconds)
		if err != nil {
			return warnings, fmt.Errorf("synapsedb: gc: list readers: %w", err)
		}

		if len(active) > 0 {
			return warnings, nil
		}
	}

	if err := s.reclaimOrderFiles(); err != nil {
		return warnings, fmt.Errorf("synapsedb: gc: reclaim pages: %w", err)
	}

	return warnings, nil
}

// reclaimOrderFiles rewrites every order whose on-disk page file is longer
// than what its current manifest table reaches, dropping the unreferenced
// tail (bytes from a crashed append that wrote page data but never reached
// the manifest write) via a fresh file written through the Store's
// AtomicWriter — page-level garbage collection, distinct from Compact's
// tombstone/fragmentation-driven rewrite.
func (s *Store) reclaimOrderFiles() error {
	next := s.man.NextEpoch()
	changed := false

	for order := staging.Order(0); order < staging.NumOrders; order++ {
		name := manifest.OrderNameOf(order)
		om := s.man.Orders[name]

		if len(om.Pages) == 0 {
			continue
		}

		var reachableEnd int64

		for _, m := range om.Pages {
			if end := m.Offset + pagedindex.PageHeaderSize + m.Length; end > reachableEnd {
				reachableEnd = end
			}
		}

		f, err := s.fsys.Open(s.orderPath(name))
		if err != nil {
			return fmt.Errorf("open order %s: %w", name, err)
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()

			return fmt.Errorf("stat order %s: %w", name, err)
		}

		if info.Size() <= reachableEnd {
			f.Close()

			continue
		}

		raw := make([]byte, reachableEnd)

		if _, err := f.ReadAt(raw, 0); err != nil {
			f.Close()

			return fmt.Errorf("read order %s: %w", name, err)
		}

		f.Close()

		if err := s.atomic.WriteWithDefaults(s.orderPath(name), bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("rewrite order %s: %w", name, err)
		}

		changed = true
	}

	if !changed {
		return nil
	}

	if err := manifest.Write(s.atomic, s.manifestPath(), next); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	s.man = next

	return nil
}

// deadPinningReaderWarnings checks every currently-pinning (non-stale)
// reader registration against readers.IsAlive, returning one warning
// string per registration whose pid no longer exists.
func deadPinningReaderWarnings(reg *readers.Registry, now, ttlSeconds int64) []string {
	active, err := readers.ActiveReaders(reg, now, ttlSeconds)
	if err != nil {
		return nil
	}

	var warnings []string

	for _, info := range active {
		alive, err := readers.IsAlive(info.PID)
		if err == nil && !alive {
			warnings = append(warnings, fmt.Sprintf(
				"reader pid=%d epoch=%d since=%d appears dead but is still pinning an epoch until its TTL expires",
				info.PID, info.Epoch, info.Since))
		}
	}

	return warnings
}
