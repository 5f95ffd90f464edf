// Package synapsedb is an embedded, single-writer/multi-reader triple
// store: dictionary-encoded (subject, predicate, object) facts plus
// free-form JSON property bags on nodes and edges, durable via a
// write-ahead log and a crash-safe main file, queryable through six
// persisted sort orders.
//
// Grounded on pkg/mddb.MDDB[T]'s staged open sequence (init file layout →
// replay WAL → register) and its dual in-process/flock locking discipline,
// generalized from a single markdown-document WAL to the six-order triple
// WAL described by this project's SPEC_FULL.md.
package synapsedb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/synapsedb/synapsedb/internal/dictionary"
	"github.com/synapsedb/synapsedb/internal/hotness"
	"github.com/synapsedb/synapsedb/internal/manifest"
	"github.com/synapsedb/synapsedb/internal/properties"
	"github.com/synapsedb/synapsedb/internal/readers"
	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/internal/storagefile"
	"github.com/synapsedb/synapsedb/internal/txids"
	"github.com/synapsedb/synapsedb/internal/wal"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

const (
	defaultHalfLife            = hotness.DefaultHalfLifeSeconds
	defaultTxIDRegistryMaxSize = txids.DefaultMaxSize

	mainFileName     = "main.db"
	walFileName      = "wal.log"
	manifestFileName = "index-manifest.json"
	hotnessFileName  = "hotness.json"
	txidsFileName    = "txids.json"
	readersDirName   = "readers"
)

func defaultNow() int64 { return time.Now().Unix() }

// Store is a single open handle to a synapsedb database directory. One
// process may hold a write-mode Store at a time (enforced by an advisory
// flock on "<dir>/main.db.lock"); any number of processes may hold
// read-only Readers concurrently (see OpenReader).
type Store struct {
	mu sync.RWMutex

	fsys   fs.FS
	atomic *fs.AtomicWriter
	dir    string
	opts   Options

	lock *writerLock

	dict  *dictionary.Dictionary
	stage *staging.Staging
	props *properties.Store

	wal *wal.WAL

	man *manifest.Manifest
	hot *hotness.Counters
	tx  *txids.Registry

	readerReg *readers.Registry

	mainLayout storagefile.Layout
	mainData   []byte

	// crashHook, if set, is consulted at each labeled flush step
	// ("before-main-write", "before-page-append", "before-manifest-write",
	// "before-wal-reset") and its error, if any, aborts the flush in place —
	// the hook used by the crash-injection test harness to simulate a
	// process crash at a specific point in the flush pipeline, layered on
	// top of pkg/fs.Crash's lower-level op failpoints.
	crashHook func(label string) error

	closed bool

	nextTxID  uint64
	openTxN   int
	currentTx *Tx

	// pinMu guards the writer-side refcounted epoch pin (PushPinnedEpoch/
	// PopPinnedEpoch), separate from mu since a pin must survive across
	// many independent Query calls, each of which only briefly holds mu.
	pinMu       sync.Mutex
	pinHandle   *readers.Handle
	pinRefCount int
}

func (s *Store) mainPath() string     { return filepath.Join(s.dir, mainFileName) }
func (s *Store) walPath() string      { return filepath.Join(s.dir, walFileName) }
func (s *Store) manifestPath() string { return filepath.Join(s.dir, manifestFileName) }
func (s *Store) hotnessPath() string  { return filepath.Join(s.dir, hotnessFileName) }
func (s *Store) txidsPath() string    { return filepath.Join(s.dir, txidsFileName) }
func (s *Store) readersDir() string   { return filepath.Join(s.dir, readersDirName) }

func (s *Store) pagesDir() string { return manifest.PagesDir(s.dir) }

func (s *Store) orderPath(name manifest.OrderName) string {
	return manifest.OrderFilePath(s.dir, name)
}

// Open opens (creating if missing) the database directory dir, replaying
// its WAL into memory and returning a write-mode Store. Only one process
// may hold a write-mode Store on a given dir at a time; a second Open call
// against the same dir fails with ErrLockHeld.
//
// Open sequence, mirroring pkg/mddb.MDDB[T].Open: acquire the writer lock →
// initialize any missing on-disk files → load the manifest/hotness/txid
// sidecars → load the main file's dictionary/properties sections →
// replay the WAL on top (idempotently, via the persistent txid registry) →
// ready for writes.
func Open(fsys fs.FS, dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("synapsedb: mkdir %q: %w", dir, err)
	}

	s := &Store{
		fsys:   fsys,
		atomic: fs.NewAtomicWriter(fsys),
		dir:    dir,
		opts:   opts,
	}

	lock, err := acquireWriterLock(s.mainPath())
	if err != nil {
		return nil, err
	}

	s.lock = lock

	if err := s.openLocked(); err != nil {
		_ = s.lock.release()

		return nil, err
	}

	return s, nil
}

func (s *Store) openLocked() error {
	if err := s.fsys.MkdirAll(s.pagesDir(), 0o755); err != nil {
		return fmt.Errorf("synapsedb: mkdir %q: %w", s.pagesDir(), err)
	}

	if err := storagefile.InitializeIfMissing(s.fsys, s.atomic, s.mainPath()); err != nil {
		return err
	}

	if err := manifest.InitializeIfMissing(s.fsys, s.atomic, s.manifestPath()); err != nil {
		return err
	}

	man, err := manifest.Read(s.fsys, s.manifestPath())
	if err != nil {
		return err
	}

	s.man = man

	hot, err := hotness.Read(s.fsys, s.hotnessPath(), s.opts.HotnessHalfLifeSeconds)
	if err != nil {
		return err
	}

	s.hot = hot

	txReg, err := txids.Read(s.fsys, s.txidsPath(), s.opts.TxIDRegistryMaxSize)
	if err != nil {
		return err
	}

	s.tx = txReg

	readerReg, err := readers.Open(s.fsys, s.atomic, s.readersDir())
	if err != nil {
		return err
	}

	s.readerReg = readerReg

	layout, raw, err := storagefile.Read(s.fsys, s.mainPath())
	if err != nil {
		return err
	}

	s.mainLayout = layout
	s.mainData = raw

	dict, err := dictionary.Deserialize(layout.Bytes(raw, storagefile.SectionDictionary))
	if err != nil {
		return fmt.Errorf("synapsedb: load dictionary: %w", err)
	}

	s.dict = dict

	props, err := properties.Deserialize(layout.Bytes(raw, storagefile.SectionProperties))
	if err != nil {
		return fmt.Errorf("synapsedb: load properties: %w", err)
	}

	s.props = props

	s.stage = staging.New()

	w, err := wal.Open(s.fsys, s.walPath())
	if err != nil {
		return fmt.Errorf("synapsedb: open wal: %w", err)
	}

	s.wal = w

	applied := s.tx.AppliedSet()
	if err := s.wal.Replay(storeApplier{s}, applied); err != nil {
		return fmt.Errorf("synapsedb: replay wal: %w", err)
	}

	if err := s.wal.TruncateToSafeOffset(); err != nil {
		return fmt.Errorf("synapsedb: truncate wal: %w", err)
	}

	// Replay updates applied in place with every txID it just (re)applied;
	// fold those back into the persistent registry so a later WAL reset
	// (which clears the WAL's own in-memory applied set) still knows not to
	// re-apply them after a crash between this replay and the next flush.
	s.tx.MergeApplied(applied, s.now())

	return nil
}

// Close flushes any staged writes, releases the writer lock, and closes
// the WAL file handle. Calling Close while Readers are still open is
// allowed — existing Readers keep their pinned epoch's pages valid on
// disk as long as maintenance respects the reader registry, per the
// reader-safety invariant.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var firstErr error

	if s.stage.Len() > 0 {
		if err := s.flushLocked(); err != nil {
			firstErr = err
		}
	}

	if err := s.wal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("synapsedb: close wal: %w", err)
	}

	if err := s.lock.release(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.closed = true

	return firstErr
}

func (s *Store) now() int64 { return s.opts.Now() }

// apply* methods mutate in-memory state for one replayed or just-committed
// op. They back both wal.Replay (via the storeApplier adapter below) and
// Tx's buffered pendingOps, applied once at the outermost commit boundary.

func (s *Store) applyAddFact(t staging.Triple) { s.stage.Insert(t) }

func (s *Store) applyDeleteFact(t staging.Triple) {
	s.stage.Delete(t)
	s.props.DeleteEdgeProperties(t)
}

func (s *Store) applySetNodeProperties(id uint32, data map[string]any) {
	s.props.SetNodeProperties(id, data)
}

func (s *Store) applySetEdgeProperties(t staging.Triple, data map[string]any) {
	s.props.SetEdgeProperties(t, data)
}

// storeApplier adapts a Store to wal.Applier without adding those exact
// method names to Store's own public surface, which instead exposes
// error-returning, transaction-wrapped AddFact/DeleteFact/SetNodeProperties/
// SetEdgeProperties (see txn.go).
type storeApplier struct{ s *Store }

func (a storeApplier) AddFact(t staging.Triple)    { a.s.applyAddFact(t) }
func (a storeApplier) DeleteFact(t staging.Triple) { a.s.applyDeleteFact(t) }

func (a storeApplier) SetNodeProperties(id uint32, data map[string]any) {
	a.s.applySetNodeProperties(id, data)
}

func (a storeApplier) SetEdgeProperties(t staging.Triple, data map[string]any) {
	a.s.applySetEdgeProperties(t, data)
}

// GetNodeID returns the dictionary id for name, creating one if it does not
// already exist. Only the writer calls this.
func (s *Store) GetNodeID(name string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dict.GetOrCreateID(name)
}

// LookupNodeID returns the dictionary id for name without creating one.
func (s *Store) LookupNodeID(name string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dict.GetID(name)
}

// NodeName returns the dictionary string for id.
func (s *Store) NodeName(id uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dict.Value(id)
}

// GetNodeProperties returns the property bag for node id.
func (s *Store) GetNodeProperties(id uint32) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	v, ok := s.props.GetNodeProperties(id)

	return v, ok, nil
}

// GetEdgeProperties returns the property bag for edge t.
func (s *Store) GetEdgeProperties(t staging.Triple) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	v, ok := s.props.GetEdgeProperties(t)

	return v, ok, nil
}

// SetCrashHook installs fn as the Store's labeled flush-step crash hook,
// for use by crash-consistency tests only. Passing nil disables it. See
// the crashHook field doc for the labels fn is called with.
func (s *Store) SetCrashHook(fn func(label string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.crashHook = fn
}

// PushPinnedEpoch pins the Store's own current manifest epoch in the same
// cross-process reader registry OpenReader uses, so a long read the writer
// itself is about to perform (without giving up its writer status) survives
// a concurrent Compact or GC the way an external Reader's pin would. Calls
// nest: a second PushPinnedEpoch while the first is still held just bumps a
// refcount and keeps the epoch pinned at whatever it was when the first
// call registered it; PopPinnedEpoch unregisters once the count returns to
// zero.
func (s *Store) PushPinnedEpoch() error {
	s.mu.RLock()
	closed := s.closed
	epoch := s.man.Epoch
	s.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	if s.pinRefCount == 0 {
		h, err := s.readerReg.Register(os.Getpid(), epoch, s.now())
		if err != nil {
			return fmt.Errorf("synapsedb: push pinned epoch: %w", err)
		}

		s.pinHandle = h
	}

	s.pinRefCount++

	return nil
}

// PopPinnedEpoch releases one reference taken by PushPinnedEpoch, unpinning
// the epoch once the count reaches zero. Calling it without a matching
// PushPinnedEpoch is an error.
func (s *Store) PopPinnedEpoch() error {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	if s.pinRefCount == 0 {
		return fmt.Errorf("synapsedb: pop pinned epoch: no pin is currently held")
	}

	s.pinRefCount--

	if s.pinRefCount > 0 {
		return nil
	}

	h := s.pinHandle
	s.pinHandle = nil

	if err := h.Close(); err != nil {
		return fmt.Errorf("synapsedb: pop pinned epoch: %w", err)
	}

	return nil
}

func (s *Store) injectCrash(label string) error {
	if s.crashHook == nil {
		return nil
	}

	return s.crashHook(label)
}

var _ wal.Applier = storeApplier{}
