package synapsedb

import (
	"fmt"
	"os"

	"github.com/synapsedb/synapsedb/internal/hotness"
	"github.com/synapsedb/synapsedb/internal/manifest"
	"github.com/synapsedb/synapsedb/internal/pagedindex"
	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/internal/storagefile"
	"github.com/synapsedb/synapsedb/internal/txids"
)

// reservedTriplesSection is always written empty: persisted triples live
// entirely in the six pagedindex order files under the "pages" directory
// (see internal/manifest.OrderFilePath), so SectionTriples is currently
// unused — reserved should a future compacted-delta format want it.
var reservedTriplesSection = []byte{0, 0, 0, 0}

// Flush appends every currently staged fact, property change, and deletion
// to the per-order page files and the main file/index manifest, then
// truncates the WAL. When no fact or deletion is staged, Flush writes
// nothing and leaves the WAL as it is, so property changes made on their
// own stay only in the WAL (which Open replays) until a later flush that
// has staged triples. Close calls this automatically; callers needing a
// durability point mid-session (before a long-running read, say) may call
// it directly.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.stage.Len() == 0 {
		return nil
	}

	codecKind, codecName, err := s.resolveFlushCodec()
	if err != nil {
		return err
	}

	return s.appendFlush(codecKind, codecName)
}

// appendFlush is the ordinary, cheap flush path: for each of the six
// orders, it encodes only this round's staged (non-tombstoned) triples into
// fresh pages and appends them to that order's existing page file — it
// never re-reads or rewrites a single byte already on disk. Staged
// tombstones are folded into the manifest's Tombstones list, not purged
// from any page: a tombstoned triple stays physically present in its
// order's pages, shadowed at read time (see queryPersisted), until an
// explicit Compact rewrites that primary's pages and retires the tombstone.
//
// Flush (staged writes, sticky codec) appends pages to an order's existing
// file through pagedindex.WritePages; Compact, GC and a full Repair
// instead replace a whole order file.
func (s *Store) appendFlush(codecKind pagedindex.Codec, codecName string) error {
	newOrders := make(map[manifest.OrderName]manifest.OrderManifest, staging.NumOrders)

	for order := staging.Order(0); order < staging.NumOrders; order++ {
		name := manifest.OrderNameOf(order)

		staged := s.stage.QueryPrefix(order, staging.Triple{}, 0)

		existing := s.man.Orders[name]

		if len(staged) == 0 {
			newOrders[name] = existing

			continue
		}

		if err := s.injectCrash("before-page-append"); err != nil {
			return err
		}

		pages := pagedindex.EncodePages(order, staged, s.opts.PageSize)

		appended, err := s.appendOrderPages(name, codecKind, pages)
		if err != nil {
			return fmt.Errorf("synapsedb: flush: append order %s: %w", name, err)
		}

		newOrders[name] = manifest.OrderManifest{Pages: pagedindex.MergePageMetas(existing.Pages, appended)}
	}

	dictBytes := s.dict.Serialize()

	propsBytes, err := s.props.Serialize()
	if err != nil {
		return fmt.Errorf("synapsedb: flush: serialize properties: %w", err)
	}

	sections := [3][]byte{dictBytes, reservedTriplesSection, propsBytes}

	if err := s.injectCrash("before-main-write"); err != nil {
		return err
	}

	if err := storagefile.Write(s.atomic, s.mainPath(), sections); err != nil {
		return fmt.Errorf("synapsedb: flush: write main file: %w", err)
	}

	layout, raw, err := storagefile.Read(s.fsys, s.mainPath())
	if err != nil {
		return fmt.Errorf("synapsedb: flush: reread main file: %w", err)
	}

	s.mainLayout = layout
	s.mainData = raw

	newMan := s.man.NextEpoch()
	newMan.Orders = newOrders
	newMan.Compression.Codec = codecName
	newMan.Tombstones = mergeTombstones(s.man.Tombstones, s.stage.Tombstones())

	if err := s.injectCrash("before-manifest-write"); err != nil {
		return err
	}

	if err := manifest.Write(s.atomic, s.manifestPath(), newMan); err != nil {
		return fmt.Errorf("synapsedb: flush: write manifest: %w", err)
	}

	s.man = newMan
	s.stage.Reset()

	if err := hotness.Write(s.atomic, s.hotnessPath(), s.hot); err != nil {
		return fmt.Errorf("synapsedb: flush: write hotness: %w", err)
	}

	if err := txids.Write(s.atomic, s.txidsPath(), s.tx); err != nil {
		return fmt.Errorf("synapsedb: flush: write txids: %w", err)
	}

	if err := s.injectCrash("before-wal-reset"); err != nil {
		return err
	}

	if err := s.wal.Reset(); err != nil {
		return fmt.Errorf("synapsedb: flush: reset wal: %w", err)
	}

	return nil
}

// appendOrderPages opens (creating if necessary) the page file for name in
// append mode, writes pages starting at the file's current length, and
// returns the resulting metas. Using O_APPEND rather than a seek-then-write
// keeps this safe even though ReadAt-based readers may have the same file
// open concurrently for lookups: appended bytes only ever extend the file,
// never move or rewrite anything a concurrent reader might be mid-read on.
func (s *Store) appendOrderPages(name manifest.OrderName, codecKind pagedindex.Codec, pages []pagedindex.EncodedPage) ([]pagedindex.PageMeta, error) {
	f, err := s.fsys.OpenFile(s.orderPath(name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", s.orderPath(name), err)
	}

	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", s.orderPath(name), err)
	}

	metas, err := pagedindex.WritePages(f, info.Size(), codecKind, pages)
	if err != nil {
		return nil, err
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync %q: %w", s.orderPath(name), err)
	}

	return metas, nil
}

// resolveFlushCodec picks the codec new pages are written with: the
// manifest's already-recorded codec takes precedence over Options.Codec,
// since changing codecs for already-written pages requires an explicit
// maintenance recompaction rather than happening implicitly on the next
// flush (a flush only ever appends new pages, never rewrites an existing
// one under a different codec).
func (s *Store) resolveFlushCodec() (pagedindex.Codec, string, error) {
	if s.man.Compression.Codec != "" {
		c, ok := pagedindex.ParseCodecName(s.man.Compression.Codec)
		if !ok {
			return 0, "", fmt.Errorf("synapsedb: manifest names unknown codec %q", s.man.Compression.Codec)
		}

		return c, s.man.Compression.Codec, nil
	}

	return s.opts.Codec, pagedindex.CodecName(s.opts.Codec), nil
}

// mergeTombstones returns existing plus any of fresh not already present,
// deduplicated. Tombstones accumulate across ordinary flushes — they are
// only ever retired by Compact, which physically omits the triples they
// name from a rewritten order's pages.
func mergeTombstones(existing, fresh []staging.Triple) []staging.Triple {
	if len(fresh) == 0 {
		return existing
	}

	seen := make(map[staging.Triple]struct{}, len(existing)+len(fresh))

	out := make([]staging.Triple, 0, len(existing)+len(fresh))

	for _, t := range existing {
		if _, dup := seen[t]; dup {
			continue
		}

		seen[t] = struct{}{}

		out = append(out, t)
	}

	for _, t := range fresh {
		if _, dup := seen[t]; dup {
			continue
		}

		seen[t] = struct{}{}

		out = append(out, t)
	}

	return out
}
