// Package timer implements the scheduler: a time-ordered set of one-shot
// and periodic events that the reactor consults to compute its wait
// deadline.
//
// Grounded on gaio's timedHeap (container/heap over *aiocb keyed by
// deadline, with idx tracking heap position for O(log n) removal) and on
// malbeclabs-doublezero's liveness.EventQueue (PopIfDue's due-or-wait
// return shape and its monotonic seq tie-break, which is exactly the
// insertion-order rule spec.md requires for equal fire times).
package timer

import (
	"container/heap"

	"go.uber.org/zap"

	"github.com/xtaci/dcore/clock"
	"github.com/xtaci/dcore/errs"
)

// Infinite is the remaining-cycle-count sentinel for an unbounded
// periodic event.
const Infinite uint64 = ^uint64(0)

// ReleaseFunc releases a payload an event no longer needs, invoked when
// an event is removed from the scheduler other than by firing.
type ReleaseFunc func(payload interface{})

// Event is a single scheduled occurrence: a fire time, an optional
// period and remaining-cycle-count, a caller-chosen id, and an opaque
// payload.
type Event struct {
	id       int
	payload  interface{}
	release  ReleaseFunc
	fireTime clock.Time
	period   clock.Time
	cycles   uint64
	busy     bool

	idx int   // heap index, maintained by container/heap
	seq uint64 // insertion sequence, breaks fire-time ties in FIFO order
}

// ID returns the event's caller-chosen id.
func (e *Event) ID() int { return e.id }

// Payload returns the event's opaque payload.
func (e *Event) Payload() interface{} { return e.payload }

// Busy reports whether the event is currently owned by a scheduler.
func (e *Event) Busy() bool { return e.busy }

// FireTime returns the event's current fire time.
func (e *Event) FireTime() clock.Time { return e.fireTime }

// Periodic reports whether the event reschedules itself on pop.
func (e *Event) Periodic() bool { return e.period != clock.Zero }

// RemainingCycles returns the event's remaining cycle count; meaningful
// only when Periodic() is true.
func (e *Event) RemainingCycles() uint64 { return e.cycles }

// NewEvent constructs a not-yet-scheduled event carrying id and payload.
// release, if non-nil, is invoked with payload when the event is
// discarded by Delete rather than fired.
func NewEvent(id int, payload interface{}, release ReleaseFunc) *Event {
	return &Event{id: id, payload: payload, release: release, idx: -1}
}

// SetTime sets the event's absolute fire time. A zero Time means "now",
// resolved against the monotonic clock at call time.
func (e *Event) SetTime(t clock.Time) {
	if t.IsZero() {
		t = clock.NowMonotonic()
	}
	e.fireTime = t
}

// SetPeriodic marks e as periodic with the given period and cycle count.
// cycles of 0 is rejected with errs.InvalidArgument; Infinite means
// unbounded.
func (e *Event) SetPeriodic(period clock.Time, cycles uint64) error {
	if cycles == 0 {
		return errs.New(errs.InvalidArgument)
	}
	e.period = period
	e.cycles = cycles
	return nil
}

// TimeLeft returns the non-negative interval until e's fire time, zero
// if that time is already in the past.
func (e *Event) TimeLeft() clock.Time {
	now := clock.NowMonotonic()
	if !e.fireTime.After(now) {
		return clock.Zero
	}
	left, err := e.fireTime.Sub(now)
	if err != nil {
		return clock.Zero
	}
	return left
}

// eventHeap is a container/heap min-heap over *Event ordered by fire
// time, ties broken by insertion sequence.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	c := h[i].fireTime.Compare(h[j].fireTime)
	if c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}
func (h *eventHeap) Push(x interface{}) {
	e := x.(*Event)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// Scheduler is an ordered set of future events.
type Scheduler struct {
	h       eventHeap
	nextSeq uint64
	log     *zap.SugaredLogger
}

// NewScheduler returns an empty Scheduler that logs nothing.
func NewScheduler() *Scheduler {
	return NewSchedulerWithLogger(zap.NewNop())
}

// NewSchedulerWithLogger returns an empty Scheduler that reports reaped
// periodic events through log.
func NewSchedulerWithLogger(log *zap.Logger) *Scheduler {
	s := &Scheduler{log: log.Sugar()}
	heap.Init(&s.h)
	return s
}

// Insert adds ev to the scheduler, marking it busy.
func (s *Scheduler) Insert(ev *Event) {
	ev.seq = s.nextSeq
	s.nextSeq++
	ev.busy = true
	heap.Push(&s.h, ev)
}

// ScheduleOnce constructs and inserts a one-shot event at absolute time
// t (zero means now).
func (s *Scheduler) ScheduleOnce(t clock.Time, id int, payload interface{}, release ReleaseFunc) *Event {
	ev := NewEvent(id, payload, release)
	ev.SetTime(t)
	s.Insert(ev)
	return ev
}

// ScheduleOnceDelayed constructs and inserts a one-shot event that fires
// after interval from now.
func (s *Scheduler) ScheduleOnceDelayed(interval clock.Time, id int, payload interface{}, release ReleaseFunc) *Event {
	return s.ScheduleOnce(clock.NowMonotonic().Add(interval), id, payload, release)
}

// SchedulePeriodic constructs and inserts a periodic event whose first
// occurrence is at absolute time t (zero means now).
func (s *Scheduler) SchedulePeriodic(t clock.Time, id int, payload interface{}, period clock.Time, cycles uint64, release ReleaseFunc) (*Event, error) {
	ev := NewEvent(id, payload, release)
	ev.SetTime(t)
	if err := ev.SetPeriodic(period, cycles); err != nil {
		return nil, err
	}
	s.Insert(ev)
	return ev, nil
}

// SchedulePeriodicDelayed constructs and inserts a periodic event whose
// first occurrence is period after now.
func (s *Scheduler) SchedulePeriodicDelayed(id int, payload interface{}, period clock.Time, cycles uint64, release ReleaseFunc) (*Event, error) {
	return s.SchedulePeriodic(clock.NowMonotonic().Add(period), id, payload, period, cycles, release)
}

// NextInterval reports the non-negative interval until the earliest
// event, or ok=false if the scheduler is empty.
func (s *Scheduler) NextInterval() (interval clock.Time, ok bool) {
	if s.h.Len() == 0 {
		return clock.Zero, false
	}
	return s.h[0].TimeLeft(), true
}

// Pop removes and returns the earliest event if its fire time has
// passed or equals now; otherwise it returns nil without modifying the
// scheduler. A periodic event with remaining cycles > 1 is advanced by
// its period, its cycle count decremented (unless Infinite), and
// re-inserted; the returned Event's Busy() reflects whether it was
// re-inserted.
func (s *Scheduler) Pop() *Event {
	if s.h.Len() == 0 {
		return nil
	}
	now := clock.NowMonotonic()
	head := s.h[0]
	if head.fireTime.After(now) {
		return nil
	}

	ev := heap.Pop(&s.h).(*Event)
	ev.busy = false

	if ev.Periodic() && ev.cycles != 1 {
		if ev.cycles != Infinite {
			ev.cycles--
		}
		ev.fireTime = ev.fireTime.Add(ev.period)
		s.Insert(ev)
		s.log.Debugw("reaped periodic event, rescheduled", "id", ev.id, "remaining_cycles", ev.cycles)
	}
	return ev
}

// Delete removes ev from the scheduler if present, invoking its release
// callback on the payload. Returns the number of events removed (0 or
// 1).
func (s *Scheduler) Delete(ev *Event) int {
	if ev.idx < 0 || ev.idx >= s.h.Len() || s.h[ev.idx] != ev {
		return 0
	}
	heap.Remove(&s.h, ev.idx)
	ev.busy = false
	if ev.release != nil {
		ev.release(ev.payload)
	}
	return 1
}

// DeleteByID removes all events whose ID equals id, invoking release
// callbacks, and returns the count removed.
func (s *Scheduler) DeleteByID(id int) int {
	return s.deleteMatch(func(e *Event) bool { return e.id == id })
}

// DeleteByPayload removes all events whose payload equals payload under
// ==, invoking release callbacks, and returns the count removed.
func (s *Scheduler) DeleteByPayload(payload interface{}) int {
	return s.deleteMatch(func(e *Event) bool { return e.payload == payload })
}

func (s *Scheduler) deleteMatch(match func(*Event) bool) int {
	var victims []*Event
	for _, e := range s.h {
		if match(e) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		s.Delete(e)
	}
	return len(victims)
}

// DeleteAll removes every scheduled event, invoking release callbacks,
// and returns the count removed.
func (s *Scheduler) DeleteAll() int {
	n := s.h.Len()
	for s.h.Len() > 0 {
		s.Delete(s.h[0])
	}
	return n
}

// Len returns the number of events currently scheduled.
func (s *Scheduler) Len() int { return s.h.Len() }
