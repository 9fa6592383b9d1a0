package pollset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddRemoveLookup(t *testing.T) {
	v := New()
	require.NoError(t, v.Add(3, EventRead))
	require.NoError(t, v.Add(5, EventWrite))
	require.Equal(t, 2, v.Len())
	require.True(t, v.Has(3))

	require.Error(t, v.Add(3, EventRead))
	require.Error(t, v.Add(-1, EventRead))

	require.NoError(t, v.Remove(3))
	require.False(t, v.Has(3))
	require.Equal(t, 1, v.Len())

	require.Error(t, v.Remove(3))
}

func TestIncludeExclude(t *testing.T) {
	v := New()
	require.NoError(t, v.Add(1, EventRead))
	require.NoError(t, v.Include(1, EventWrite))

	raw := v.Raw()
	require.Equal(t, int16(EventRead|EventWrite), raw[0].Events)

	require.NoError(t, v.Exclude(1, EventRead))
	raw = v.Raw()
	require.Equal(t, int16(EventWrite), raw[0].Events)

	require.Error(t, v.Include(99, EventRead))
}

func TestReturnedAndClear(t *testing.T) {
	v := New()
	require.NoError(t, v.Add(1, EventRead))
	v.Raw()[0].Revents = int16(EventRead)

	ev, ok := v.Returned(1)
	require.True(t, ok)
	require.Equal(t, EventRead, ev)

	v.ClearReturned()
	ev, ok = v.Returned(1)
	require.True(t, ok)
	require.Equal(t, Event(0), ev)

	_, ok = v.Returned(42)
	require.False(t, ok)
}

func TestRemoveSwapsWithLast(t *testing.T) {
	v := New()
	require.NoError(t, v.Add(1, EventRead))
	require.NoError(t, v.Add(2, EventRead))
	require.NoError(t, v.Add(3, EventRead))

	require.NoError(t, v.Remove(1))
	require.Equal(t, 2, v.Len())
	require.True(t, v.Has(2))
	require.True(t, v.Has(3))

	for _, fd := range []int{2, 3} {
		ev, ok := v.Returned(fd)
		require.True(t, ok)
		_ = ev
	}
}
