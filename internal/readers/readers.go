// Package readers implements the cross-process reader registry: a
// directory of small "{pid}-{ts}.reader" files, one per active reader
// session, pinning the epoch that session is reading so compaction and GC
// never unlink a page a live reader might still touch.
//
// Grounded on pkg/slotcache's small-file-under-a-well-known-directory style
// (see writer_lock.go), but using plain create/remove rather than flock,
// since registry membership, not mutual exclusion, is what is being tracked
// here.
package readers

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/synapsedb/synapsedb/internal/codec"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

const fileSuffix = ".reader"

// Registry manages the reader directory for a single database.
type Registry struct {
	fsys   fs.FS
	atomic *fs.AtomicWriter
	dir    string
}

// Open ensures dir exists and returns a Registry rooted there.
func Open(fsys fs.FS, atomic *fs.AtomicWriter, dir string) (*Registry, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("readers: mkdir %q: %w", dir, err)
	}

	return &Registry{fsys: fsys, atomic: atomic, dir: dir}, nil
}

// Handle represents one registered reader session. Close removes its
// registry file; callers must always close a Handle, typically via defer,
// to avoid leaving a registration around for the full TTL window.
type Handle struct {
	registry *Registry
	path     string
}

// Register pins epoch on behalf of the calling process (pid) as of now
// (unix seconds), writing a "{pid}-{now}.reader" file containing the
// pinned epoch.
func (r *Registry) Register(pid int, epoch uint64, now int64) (*Handle, error) {
	name := fmt.Sprintf("%d-%d%s", pid, now, fileSuffix)
	path := filepath.Join(r.dir, name)

	var body [8]byte
	codec.PutUint64LE(body[:], epoch)

	if err := r.atomic.WriteWithDefaults(path, bytes.NewReader(body[:])); err != nil {
		return nil, fmt.Errorf("readers: register %q: %w", path, err)
	}

	return &Handle{registry: r, path: path}, nil
}

// Close unregisters the reader session.
func (h *Handle) Close() error {
	if err := h.registry.fsys.Remove(h.path); err != nil {
		return fmt.Errorf("readers: unregister %q: %w", h.path, err)
	}

	return nil
}

// Info describes one entry found in the registry directory.
type Info struct {
	PID   int
	Since int64
	Epoch uint64
	Stale bool // Since older than the TTL window passed to List
}

// List returns every entry currently in the registry directory, marking
// entries older than ttlSeconds (relative to now) as Stale. Stale entries
// are reported, not removed — call CleanStale to actually remove them.
func (r *Registry) List(now, ttlSeconds int64) ([]Info, error) {
	entries, err := r.fsys.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("readers: list %q: %w", r.dir, err)
	}

	var infos []Info

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}

		pid, since, ok := parseName(e.Name())
		if !ok {
			continue
		}

		epoch, err := r.readEpoch(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue // racing with a Close/unregister; skip this entry
		}

		infos = append(infos, Info{
			PID:   pid,
			Since: since,
			Epoch: epoch,
			Stale: now-since > ttlSeconds,
		})
	}

	return infos, nil
}

func (r *Registry) readEpoch(path string) (uint64, error) {
	data, err := r.fsys.ReadFile(path)
	if err != nil {
		return 0, err
	}

	if len(data) < 8 {
		return 0, fmt.Errorf("readers: %w: truncated registry file %q", codec.ErrShortBuffer, path)
	}

	return codec.Uint64LE(data[:8]), nil
}

func parseName(name string) (pid int, since int64, ok bool) {
	base := strings.TrimSuffix(name, fileSuffix)

	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	pidVal, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}

	sinceVal, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return pidVal, sinceVal, true
}

// CleanStale removes every registry entry older than ttlSeconds relative to
// now. This is the correctness mechanism for reclaiming registrations left
// behind by a process that crashed without calling Handle.Close.
func (r *Registry) CleanStale(now, ttlSeconds int64) error {
	infos, err := r.List(now, ttlSeconds)
	if err != nil {
		return err
	}

	for _, info := range infos {
		if !info.Stale {
			continue
		}

		name := fmt.Sprintf("%d-%d%s", info.PID, info.Since, fileSuffix)

		if err := r.fsys.Remove(filepath.Join(r.dir, name)); err != nil {
			return fmt.Errorf("readers: clean stale %q: %w", name, err)
		}
	}

	return nil
}

// MinPinnedEpoch returns the smallest epoch pinned by any non-stale reader,
// and whether any reader is currently registered at all. Maintenance must
// not remove pages that belong only to epochs >= the returned value.
func (r *Registry) MinPinnedEpoch(now, ttlSeconds int64) (epoch uint64, ok bool) {
	infos, err := r.List(now, ttlSeconds)
	if err != nil {
		return 0, false
	}

	for _, info := range infos {
		if info.Stale {
			continue
		}

		if !ok || info.Epoch < epoch {
			epoch = info.Epoch
			ok = true
		}
	}

	return epoch, ok
}

// IsAlive is a best-effort liveness probe for a registered reader's pid,
// using a signal-0 kill(2) the way "kill -0" does. It never returns an
// error for "process not found" — that is reported as (false, nil). A
// positive result here is a diagnostic aid only; a
// registration's staleness is always decided by the TTL, never by this
// probe, since a live, slow reader could otherwise be evicted prematurely.
func IsAlive(pid int) (bool, error) {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true, nil
	}

	if err == unix.ESRCH {
		return false, nil
	}

	if err == unix.EPERM {
		// Process exists but is owned by someone else: alive.
		return true, nil
	}

	return false, fmt.Errorf("readers: probe pid %d: %w", pid, err)
}

// ActiveReaders returns List's result for every non-stale registration. It
// does not probe liveness itself; maintenance calls IsAlive on each entry
// purely to log a warning when a pinning reader's process has in fact died
// without unregistering — the pin itself is still honored until the TTL
// window elapses regardless of what that probe reports.
func ActiveReaders(r *Registry, now, ttlSeconds int64) ([]Info, error) {
	infos, err := r.List(now, ttlSeconds)
	if err != nil {
		return nil, err
	}

	var live []Info

	for _, info := range infos {
		if !info.Stale {
			live = append(live, info)
		}
	}

	return live, nil
}
