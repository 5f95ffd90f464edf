package readers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapsedb/pkg/fs"
)

func TestRegisterAndList(t *testing.T) {
	fsys := fs.NewReal()
	atomic := fs.NewAtomicWriter(fsys)
	dir := filepath.Join(t.TempDir(), "readers")

	reg, err := Open(fsys, atomic, dir)
	require.NoError(t, err)

	h, err := reg.Register(123, 7, 1000)
	require.NoError(t, err)

	infos, err := reg.List(1000, 60)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, 123, infos[0].PID)
	require.Equal(t, uint64(7), infos[0].Epoch)
	require.False(t, infos[0].Stale)

	require.NoError(t, h.Close())

	infos, err = reg.List(1000, 60)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestStaleDetection(t *testing.T) {
	fsys := fs.NewReal()
	atomic := fs.NewAtomicWriter(fsys)
	dir := filepath.Join(t.TempDir(), "readers")

	reg, err := Open(fsys, atomic, dir)
	require.NoError(t, err)

	_, err = reg.Register(1, 1, 0)
	require.NoError(t, err)

	infos, err := reg.List(1000, 60)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.True(t, infos[0].Stale)
}

func TestCleanStaleRemovesOldEntries(t *testing.T) {
	fsys := fs.NewReal()
	atomic := fs.NewAtomicWriter(fsys)
	dir := filepath.Join(t.TempDir(), "readers")

	reg, err := Open(fsys, atomic, dir)
	require.NoError(t, err)

	_, err = reg.Register(1, 1, 0)
	require.NoError(t, err)
	_, err = reg.Register(2, 2, 990)
	require.NoError(t, err)

	require.NoError(t, reg.CleanStale(1000, 60))

	infos, err := reg.List(1000, 60)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, 2, infos[0].PID)
}

func TestMinPinnedEpoch(t *testing.T) {
	fsys := fs.NewReal()
	atomic := fs.NewAtomicWriter(fsys)
	dir := filepath.Join(t.TempDir(), "readers")

	reg, err := Open(fsys, atomic, dir)
	require.NoError(t, err)

	_, err = reg.Register(1, 5, 1000)
	require.NoError(t, err)
	_, err = reg.Register(2, 2, 1000)
	require.NoError(t, err)

	epoch, ok := reg.MinPinnedEpoch(1000, 60)
	require.True(t, ok)
	require.Equal(t, uint64(2), epoch)
}

func TestMinPinnedEpochNoReaders(t *testing.T) {
	fsys := fs.NewReal()
	atomic := fs.NewAtomicWriter(fsys)
	dir := filepath.Join(t.TempDir(), "readers")

	reg, err := Open(fsys, atomic, dir)
	require.NoError(t, err)

	_, ok := reg.MinPinnedEpoch(1000, 60)
	require.False(t, ok)
}

func TestIsAliveForCurrentProcess(t *testing.T) {
	alive, err := IsAlive(os.Getpid())
	require.NoError(t, err)
	require.True(t, alive)
}

func TestIsAliveForBogusPID(t *testing.T) {
	alive, err := IsAlive(1 << 30)
	require.NoError(t, err)
	require.False(t, alive)
}
