package hotness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapsedb/internal/pagedindex"
	"github.com/synapsedb/synapsedb/pkg/fs"
)

func TestRecordAccumulates(t *testing.T) {
	c := New()
	key := Key{Order: pagedindex.SPO, Primary: 1}

	c.Record(key, 1000)
	c.Record(key, 1000)

	require.Equal(t, float64(2), c.Value(key, 1000))
}

func TestDecayHalvesAtHalfLife(t *testing.T) {
	c := NewWithHalfLife(100)
	key := Key{Order: pagedindex.SPO, Primary: 1}

	c.Record(key, 0)

	require.InDelta(t, 0.5, c.Value(key, 100), 1e-9)
	require.InDelta(t, 0.25, c.Value(key, 200), 1e-9)
}

func TestUnknownKeyIsZero(t *testing.T) {
	c := New()
	require.Equal(t, float64(0), c.Value(Key{Order: pagedindex.SPO, Primary: 99}, 0))
}

func TestPruneRemovesColdKeys(t *testing.T) {
	c := NewWithHalfLife(10)
	key := Key{Order: pagedindex.SPO, Primary: 1}

	c.Record(key, 0)
	c.Prune(1000, 0.01)

	require.Equal(t, 0, c.Len())
}

func TestSerializeRoundTrip(t *testing.T) {
	c := NewWithHalfLife(100)
	c.Record(Key{Order: pagedindex.SPO, Primary: 1}, 50)
	c.Record(Key{Order: pagedindex.POS, Primary: 2}, 60)

	data, err := c.Serialize()
	require.NoError(t, err)

	c2, err := Deserialize(data, 100)
	require.NoError(t, err)
	require.Equal(t, c.Len(), c2.Len())
}

func TestWriteReadMissingFile(t *testing.T) {
	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "hotness.json")

	c, err := Read(fsys, path, DefaultHalfLifeSeconds)
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}

func TestWriteReadRoundTrip(t *testing.T) {
	fsys := fs.NewReal()
	atomic := fs.NewAtomicWriter(fsys)
	path := filepath.Join(t.TempDir(), "hotness.json")

	c := New()
	c.Record(Key{Order: pagedindex.SPO, Primary: 1}, 10)

	require.NoError(t, Write(atomic, path, c))

	c2, err := Read(fsys, path, DefaultHalfLifeSeconds)
	require.NoError(t, err)
	require.Equal(t, 1, c2.Len())
}
