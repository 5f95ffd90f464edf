package synapsedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapsedb/internal/staging"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	fsys := fs.NewReal()
	dir := filepath.Join(t.TempDir(), "db")

	s, err := Open(fsys, dir, testOptions())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestBeginCommitAppliesWrites(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.AddFact(staging.Triple{S: 1, P: 2, O: 3}))
	require.NoError(t, tx.Commit())

	got, err := s.Query(Pattern{S: uint32Ptr(1)})
	require.NoError(t, err)
	require.Equal(t, []staging.Triple{{S: 1, P: 2, O: 3}}, got)
}

func TestAbortDiscardsWrites(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.AddFact(staging.Triple{S: 1, P: 2, O: 3}))
	require.NoError(t, tx.Abort())

	got, err := s.Query(Pattern{S: uint32Ptr(1)})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestNestedTransactionMergesUpwardOnOuterCommit(t *testing.T) {
	s := openTestStore(t)

	outer, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, outer.AddFact(staging.Triple{S: 1, P: 1, O: 1}))

	inner, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, inner.AddFact(staging.Triple{S: 2, P: 2, O: 2}))

	// The inner commit must not make its write visible on its own: nothing
	// is applied to in-memory state until the outermost transaction
	// commits.
	require.NoError(t, inner.Commit())

	got, err := s.Query(Pattern{S: uint32Ptr(2)})
	require.NoError(t, err)
	require.Empty(t, got, "nested commit must not apply until outer commits")

	require.NoError(t, outer.Commit())

	got, err = s.Query(Pattern{S: uint32Ptr(1)})
	require.NoError(t, err)
	require.Equal(t, []staging.Triple{{S: 1, P: 1, O: 1}}, got)

	got, err = s.Query(Pattern{S: uint32Ptr(2)})
	require.NoError(t, err)
	require.Equal(t, []staging.Triple{{S: 2, P: 2, O: 2}}, got)
}

func TestNestedAbortDoesNotDiscardOuterWrites(t *testing.T) {
	s := openTestStore(t)

	outer, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, outer.AddFact(staging.Triple{S: 1, P: 1, O: 1}))

	inner, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, inner.AddFact(staging.Triple{S: 2, P: 2, O: 2}))
	require.NoError(t, inner.Abort())

	require.NoError(t, outer.Commit())

	got, err := s.Query(Pattern{S: uint32Ptr(1)})
	require.NoError(t, err)
	require.Equal(t, []staging.Triple{{S: 1, P: 1, O: 1}}, got)

	got, err = s.Query(Pattern{S: uint32Ptr(2)})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOuterCommitWhileNestedTxOpenErrors(t *testing.T) {
	s := openTestStore(t)

	outer, err := s.Begin()
	require.NoError(t, err)

	inner, err := s.Begin()
	require.NoError(t, err)

	require.ErrorIs(t, outer.Commit(), ErrTxAlreadyOpen)

	require.NoError(t, inner.Commit())
	require.NoError(t, outer.Commit())
}

func TestCommitTwiceReturnsErrNoTx(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), ErrNoTx)
}

func TestSingleOpHelpersRunInOwnTransaction(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AddFact(staging.Triple{S: 9, P: 9, O: 9}))

	got, err := s.Query(Pattern{S: uint32Ptr(9)})
	require.NoError(t, err)
	require.Equal(t, []staging.Triple{{S: 9, P: 9, O: 9}}, got)
}
