package properties

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synapsedb/synapsedb/internal/staging"
)

func TestSetGetNodeProperties(t *testing.T) {
	s := New()

	s.SetNodeProperties(1, map[string]any{"name": "alice"})

	data, ok := s.GetNodeProperties(1)
	require.True(t, ok)
	require.Equal(t, "alice", data["name"])

	_, ok = s.GetNodeProperties(2)
	require.False(t, ok)
}

func TestDeleteNodeProperties(t *testing.T) {
	s := New()

	s.SetNodeProperties(1, map[string]any{"name": "alice"})
	s.DeleteNodeProperties(1)

	_, ok := s.GetNodeProperties(1)
	require.False(t, ok)
}

func TestSetGetEdgeProperties(t *testing.T) {
	s := New()

	tr := staging.Triple{S: 1, P: 2, O: 3}
	s.SetEdgeProperties(tr, map[string]any{"since": "2020"})

	data, ok := s.GetEdgeProperties(tr)
	require.True(t, ok)
	require.Equal(t, "2020", data["since"])
}

func TestSerializeRoundTrip(t *testing.T) {
	s := New()

	s.SetNodeProperties(1, map[string]any{"name": "alice"})
	s.SetNodeProperties(2, map[string]any{"name": "bob"})
	s.SetEdgeProperties(staging.Triple{S: 1, P: 2, O: 2}, map[string]any{"since": "2020"})

	data, err := s.Serialize()
	require.NoError(t, err)

	s2, err := Deserialize(data)
	require.NoError(t, err)

	got, ok := s2.GetNodeProperties(1)
	require.True(t, ok)
	require.Equal(t, "alice", got["name"])

	gotEdge, ok := s2.GetEdgeProperties(staging.Triple{S: 1, P: 2, O: 2})
	require.True(t, ok)
	require.Equal(t, "2020", gotEdge["since"])
}

func TestDeserializeEmpty(t *testing.T) {
	s := New()

	data, err := s.Serialize()
	require.NoError(t, err)

	s2, err := Deserialize(data)
	require.NoError(t, err)
	require.Empty(t, s2.nodes)
	require.Empty(t, s2.edges)
}
