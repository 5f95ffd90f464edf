package synapsedb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/synapsedb/synapsedb/internal/dictionary"
	"github.com/synapsedb/synapsedb/internal/manifest"
	"github.com/synapsedb/synapsedb/internal/properties"
	"github.com/synapsedb/synapsedb/internal/readers"
	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/internal/storagefile"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

// Reader is a read-only handle on a database directory, open concurrently
// with a writer's Store and with any number of other Readers. A Reader sees
// only already-flushed state as of the manifest epoch it pinned when
// opened — it never observes a writer's staged, not-yet-flushed facts, and
// it keeps its pinned epoch's pages valid even if a concurrent Flush or
// maintenance pass would otherwise reclaim them (see MinPinnedEpoch).
type Reader struct {
	mu sync.RWMutex

	fsys fs.FS
	dir  string

	man   *manifest.Manifest
	dict  *dictionary.Dictionary
	props *properties.Store

	mainData []byte

	registry *readers.Registry
	handle   *readers.Handle

	closed bool
}

// OpenReader opens dir read-only, pinning its current manifest epoch in the
// cross-process reader registry so a concurrent writer's maintenance pass
// will not delete pages this Reader is still using. Unlike Open, any number
// of Readers (in this or other processes) may be open on the same dir at
// once, and OpenReader never takes the writer flock.
func OpenReader(fsys fs.FS, dir string, opts Options) (*Reader, error) {
	opts = opts.withDefaults()

	atomic := fs.NewAtomicWriter(fsys)

	if err := storagefile.InitializeIfMissing(fsys, atomic, filepath.Join(dir, mainFileName)); err != nil {
		return nil, err
	}

	if err := manifest.InitializeIfMissing(fsys, atomic, filepath.Join(dir, manifestFileName)); err != nil {
		return nil, err
	}

	man, err := manifest.Read(fsys, filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, err
	}

	layout, raw, err := storagefile.Read(fsys, filepath.Join(dir, mainFileName))
	if err != nil {
		return nil, err
	}

	dict, err := dictionary.Deserialize(layout.Bytes(raw, storagefile.SectionDictionary))
	if err != nil {
		return nil, fmt.Errorf("synapsedb: reader: load dictionary: %w", err)
	}

	props, err := properties.Deserialize(layout.Bytes(raw, storagefile.SectionProperties))
	if err != nil {
		return nil, fmt.Errorf("synapsedb: reader: load properties: %w", err)
	}

	registry, err := readers.Open(fsys, atomic, filepath.Join(dir, readersDirName))
	if err != nil {
		return nil, err
	}

	handle, err := registry.Register(os.Getpid(), man.Epoch, opts.Now())
	if err != nil {
		return nil, err
	}

	return &Reader{
		fsys:     fsys,
		dir:      dir,
		man:      man,
		dict:     dict,
		props:    props,
		mainData: raw,
		registry: registry,
		handle:   handle,
	}, nil
}

// Close unregisters the Reader's epoch pin. A Reader must always be closed
// (typically via defer) or its pin is only reclaimed once ReaderTTLSeconds
// elapses and a maintenance pass calls CleanStale.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	return r.handle.Close()
}

// PinnedEpoch returns the manifest epoch this Reader pinned when opened.
func (r *Reader) PinnedEpoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.man.Epoch
}

// Query resolves pattern against this Reader's pinned, flushed-only
// snapshot. It never observes a writer's staged, unflushed writes.
func (r *Reader) Query(pattern Pattern) ([]staging.Triple, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	return queryPersisted(r.fsys, r.dir, r.man, pattern)
}

// LookupNodeID returns the dictionary id for name as of this Reader's
// pinned snapshot.
func (r *Reader) LookupNodeID(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.dict.GetID(name)
}

// NodeName returns the dictionary string for id as of this Reader's pinned
// snapshot.
func (r *Reader) NodeName(id uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.dict.Value(id)
}

// GetNodeProperties returns the property bag for node id as of this
// Reader's pinned snapshot.
func (r *Reader) GetNodeProperties(id uint32) (map[string]any, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, false, ErrClosed
	}

	v, ok := r.props.GetNodeProperties(id)

	return v, ok, nil
}

// GetEdgeProperties returns the property bag for edge t as of this Reader's
// pinned snapshot.
func (r *Reader) GetEdgeProperties(t staging.Triple) (map[string]any, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, false, ErrClosed
	}

	v, ok := r.props.GetEdgeProperties(t)

	return v, ok, nil
}
