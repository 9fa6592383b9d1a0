package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowMonotonicIsIncreasing(t *testing.T) {
	a := NowMonotonic()
	time.Sleep(time.Millisecond)
	b := NowMonotonic()
	require.True(t, b.After(a))
}

func TestAddSub(t *testing.T) {
	a := Time{Sec: 1, Nsec: 500_000_000}
	d := FromDuration(600 * time.Millisecond)
	sum := a.Add(d)
	require.Equal(t, int64(2), sum.Sec)
	require.Equal(t, int64(100_000_000), sum.Nsec)

	back, err := sum.Sub(d)
	require.NoError(t, err)
	require.Equal(t, a, back)
}

func TestSubOverflow(t *testing.T) {
	a := Time{Sec: 1}
	b := Time{Sec: 2}
	_, err := a.Sub(b)
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	a := Time{Sec: 1, Nsec: 0}
	b := Time{Sec: 1, Nsec: 1}
	require.True(t, a.Before(b))
	require.True(t, b.After(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestDurationRoundTrip(t *testing.T) {
	d := 3*time.Second + 250*time.Millisecond
	require.Equal(t, d, FromDuration(d).Duration())
}

func TestNanosecondsRoundTrip(t *testing.T) {
	var ns int64 = 12_345_678_901
	tm := FromNanoseconds(ns)
	require.Equal(t, ns, tm.Nanoseconds())
}

func TestIsZero(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.False(t, Time{Sec: 1}.IsZero())
}
