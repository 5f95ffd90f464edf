package staging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndQuery(t *testing.T) {
	s := New()

	s.Insert(Triple{1, 1, 2})
	s.Insert(Triple{1, 1, 3})
	s.Insert(Triple{2, 1, 3})

	got := s.QueryPrefix(SPO, Triple{S: 1, P: 1}, 2)
	require.Len(t, got, 2)
	require.Equal(t, Triple{1, 1, 2}, got[0])
	require.Equal(t, Triple{1, 1, 3}, got[1])
}

func TestDeleteTombstonesHideResults(t *testing.T) {
	s := New()

	s.Insert(Triple{1, 1, 2})
	s.Delete(Triple{1, 1, 2})

	got := s.QueryPrefix(SPO, Triple{S: 1, P: 1}, 2)
	require.Empty(t, got)

	tombstone, staged := s.Lookup(Triple{1, 1, 2})
	require.True(t, staged)
	require.True(t, tombstone)
}

func TestReAddCancelsTombstone(t *testing.T) {
	s := New()

	s.Delete(Triple{1, 1, 2})
	s.Insert(Triple{1, 1, 2})

	tombstone, staged := s.Lookup(Triple{1, 1, 2})
	require.True(t, staged)
	require.False(t, tombstone)
}

func TestSerializeRoundTrip(t *testing.T) {
	s := New()

	s.Insert(Triple{1, 1, 2})
	s.Insert(Triple{3, 2, 1})
	s.Delete(Triple{5, 5, 5})

	data := s.Serialize()

	s2, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, s.Len(), s2.Len())

	got := s2.QueryPrefix(SPO, Triple{S: 1, P: 1}, 2)
	require.Len(t, got, 1)

	tombstone, staged := s2.Lookup(Triple{5, 5, 5})
	require.True(t, staged)
	require.True(t, tombstone)
}

func TestAllOrdersStaySorted(t *testing.T) {
	s := New()

	s.Insert(Triple{2, 5, 9})
	s.Insert(Triple{1, 9, 5})
	s.Insert(Triple{1, 1, 1})

	for order := Order(0); order < numOrders; order++ {
		list := s.orders[order]
		for i := 1; i < len(list); i++ {
			require.False(t, less(order, list[i].t, list[i-1].t), "order %d not sorted", order)
		}
	}
}
