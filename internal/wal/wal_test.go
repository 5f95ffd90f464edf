package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

type recordingApplier struct {
	added   []staging.Triple
	deleted []staging.Triple
	nodes   map[uint32]map[string]any
	edges   []staging.Triple
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{nodes: make(map[uint32]map[string]any)}
}

func (a *recordingApplier) AddFact(t staging.Triple)    { a.added = append(a.added, t) }
func (a *recordingApplier) DeleteFact(t staging.Triple) { a.deleted = append(a.deleted, t) }

func (a *recordingApplier) SetNodeProperties(id uint32, data map[string]any) {
	a.nodes[id] = data
}

func (a *recordingApplier) SetEdgeProperties(t staging.Triple, data map[string]any) {
	a.edges = append(a.edges, t)
}

func TestAppendReplaySingleTransaction(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(fsys, path)
	require.NoError(t, err)

	require.NoError(t, w.AppendBegin(nil, "session-1"))
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 1, P: 2, O: 3}))
	require.NoError(t, w.AppendDeleteFact(staging.Triple{S: 4, P: 5, O: 6}))
	require.NoError(t, w.AppendCommit())
	require.NoError(t, w.Close())

	w2, err := Open(fsys, path)
	require.NoError(t, err)
	defer w2.Close()

	applier := newRecordingApplier()
	require.NoError(t, w2.Replay(applier, nil))

	require.Equal(t, []staging.Triple{{S: 1, P: 2, O: 3}}, applier.added)
	require.Equal(t, []staging.Triple{{S: 4, P: 5, O: 6}}, applier.deleted)
}

func TestNestedCommitMergesUpward(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(fsys, path)
	require.NoError(t, err)

	require.NoError(t, w.AppendBegin(nil, "outer"))
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 1, P: 1, O: 1}))
	require.NoError(t, w.AppendBegin(nil, "inner"))
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 2, P: 2, O: 2}))
	require.NoError(t, w.AppendCommit()) // inner commits, merges upward
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 3, P: 3, O: 3}))
	require.NoError(t, w.AppendCommit()) // outer commits, applies all three

	applier := newRecordingApplier()
	require.NoError(t, w.Replay(applier, nil))

	require.Len(t, applier.added, 3)
}

func TestAbortDiscardsTransaction(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(fsys, path)
	require.NoError(t, err)

	require.NoError(t, w.AppendBegin(nil, "s"))
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 1, P: 1, O: 1}))
	require.NoError(t, w.AppendAbort())

	applier := newRecordingApplier()
	require.NoError(t, w.Replay(applier, nil))

	require.Empty(t, applier.added)
}

func TestTxIDIdempotence(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(fsys, path)
	require.NoError(t, err)

	txID := uint64(42)

	require.NoError(t, w.AppendBegin(&txID, "s1"))
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 1, P: 1, O: 1}))
	require.NoError(t, w.AppendCommit())

	require.NoError(t, w.AppendBegin(&txID, "s1-retry"))
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 1, P: 1, O: 1}))
	require.NoError(t, w.AppendCommit())

	applier := newRecordingApplier()
	seen := make(map[uint64]struct{})
	require.NoError(t, w.Replay(applier, seen))

	require.Len(t, applier.added, 1, "second transaction shares the first's txID and must not be re-applied")
}

func TestUnterminatedTransactionNotApplied(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(fsys, path)
	require.NoError(t, err)

	require.NoError(t, w.AppendBegin(nil, "s"))
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 1, P: 1, O: 1}))
	// no commit/abort: simulates a crash mid-transaction

	applier := newRecordingApplier()
	require.NoError(t, w.Replay(applier, nil))

	require.Empty(t, applier.added)
	require.Equal(t, int64(headerSize), w.SafeOffset())
}

func TestResetTruncatesToHeader(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(fsys, path)
	require.NoError(t, err)

	require.NoError(t, w.AppendBegin(nil, "s"))
	require.NoError(t, w.AppendAddFact(staging.Triple{S: 1, P: 1, O: 1}))
	require.NoError(t, w.AppendCommit())

	require.NoError(t, w.Reset())

	applier := newRecordingApplier()
	require.NoError(t, w.Replay(applier, nil))
	require.Empty(t, applier.added)
}

func TestSetPropertiesReplay(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(fsys, path)
	require.NoError(t, err)

	require.NoError(t, w.AppendBegin(nil, "s"))
	require.NoError(t, w.AppendSetNodeProperties(7, map[string]any{"name": "alice"}))
	require.NoError(t, w.AppendSetEdgeProperties(staging.Triple{S: 1, P: 2, O: 3}, map[string]any{"since": "2020"}))
	require.NoError(t, w.AppendCommit())

	applier := newRecordingApplier()
	require.NoError(t, w.Replay(applier, nil))

	require.Equal(t, "alice", applier.nodes[7]["name"])
	require.Equal(t, []staging.Triple{{S: 1, P: 2, O: 3}}, applier.edges)
}
