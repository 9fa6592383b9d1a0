package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/dcore/clock"
)

func TestOneShotSchedule(t *testing.T) {
	s := NewScheduler()
	ev := s.ScheduleOnceDelayed(clock.FromDuration(20*time.Millisecond), 78, "test", nil)
	require.True(t, ev.Busy())

	require.Nil(t, s.Pop())

	interval, ok := s.NextInterval()
	require.True(t, ok)
	require.True(t, interval.Duration() > 0)
	require.True(t, interval.Duration() <= 20*time.Millisecond)

	time.Sleep(25 * time.Millisecond)

	fired := s.Pop()
	require.NotNil(t, fired)
	require.Equal(t, 78, fired.ID())
	require.Equal(t, "test", fired.Payload())
	require.False(t, fired.Busy())

	require.Nil(t, s.Pop())
}

func TestPeriodicSchedule(t *testing.T) {
	s := NewScheduler()
	period := clock.FromDuration(20 * time.Millisecond)
	ev, err := s.SchedulePeriodicDelayed(1, "tick", period, 2, nil)
	require.NoError(t, err)
	require.True(t, ev.Busy())

	require.Nil(t, s.Pop())

	time.Sleep(25 * time.Millisecond)
	first := s.Pop()
	require.NotNil(t, first)
	require.Equal(t, 1, first.ID())
	require.Nil(t, s.Pop())

	time.Sleep(25 * time.Millisecond)
	second := s.Pop()
	require.NotNil(t, second)
	require.Equal(t, 1, second.ID())
	require.False(t, second.Busy())

	require.Nil(t, s.Pop())
	time.Sleep(5 * time.Millisecond)
	require.Nil(t, s.Pop())
}

func TestSchedulerMonotonicity(t *testing.T) {
	s := NewScheduler()
	s.ScheduleOnceDelayed(clock.FromDuration(50*time.Millisecond), 1, nil, nil)
	s.ScheduleOnceDelayed(clock.FromDuration(10*time.Millisecond), 2, nil, nil)
	s.ScheduleOnceDelayed(clock.FromDuration(200*time.Millisecond), 3, nil, nil)

	for s.Len() > 0 {
		ev := s.Pop()
		if ev == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		require.False(t, ev.FireTime().After(clock.NowMonotonic()))
	}
}

func TestFireTimeTiesBreakByInsertionOrder(t *testing.T) {
	s := NewScheduler()
	same := clock.NowMonotonic()
	first := s.ScheduleOnce(same, 1, "a", nil)
	second := s.ScheduleOnce(same, 2, "b", nil)
	_ = first

	got1 := s.Pop()
	require.NotNil(t, got1)
	require.Equal(t, 1, got1.ID())

	got2 := s.Pop()
	require.NotNil(t, got2)
	require.Equal(t, 2, got2.ID())
	_ = second
}

func TestDeleteRemovesAndReleases(t *testing.T) {
	s := NewScheduler()
	var released interface{}
	ev := s.ScheduleOnceDelayed(clock.FromDuration(time.Hour), 5, "payload", func(p interface{}) {
		released = p
	})
	require.Equal(t, 1, s.Len())

	n := s.Delete(ev)
	require.Equal(t, 1, n)
	require.Equal(t, 0, s.Len())
	require.Equal(t, "payload", released)
	require.False(t, ev.Busy())

	require.Equal(t, 0, s.Delete(ev))
}

func TestDeleteByIDAndPayload(t *testing.T) {
	s := NewScheduler()
	s.ScheduleOnceDelayed(clock.FromDuration(time.Hour), 7, "x", nil)
	s.ScheduleOnceDelayed(clock.FromDuration(time.Hour), 7, "y", nil)
	s.ScheduleOnceDelayed(clock.FromDuration(time.Hour), 9, "z", nil)

	require.Equal(t, 2, s.DeleteByID(7))
	require.Equal(t, 1, s.Len())

	require.Equal(t, 1, s.DeleteByPayload("z"))
	require.Equal(t, 0, s.Len())
}

func TestSetPeriodicRejectsZeroCycles(t *testing.T) {
	ev := NewEvent(1, nil, nil)
	err := ev.SetPeriodic(clock.FromDuration(time.Second), 0)
	require.Error(t, err)
}

func TestNextIntervalEmptyScheduler(t *testing.T) {
	s := NewScheduler()
	_, ok := s.NextInterval()
	require.False(t, ok)
}
