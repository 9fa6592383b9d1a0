// Package reactor implements the event loop: a single-threaded,
// cooperative dispatcher over fd readiness, scheduled timers, and
// process signals. No component here takes an internal lock; there is
// exactly one active Run per Loop at a time, enforced by a running
// guard.
//
// Grounded on gaio's watcher.loop (watcher.go): the select-over-event-
// sources dispatch shape, timeout-heap draining before event handling,
// and per-fd registration bookkeeping are kept, generalized from
// gaio's channel-fed goroutine into a blocking ppoll/poll call made
// directly on the calling goroutine, since the loop here has no
// internal concurrency to hand events across.
package reactor

import (
	"errors"

	"go.uber.org/zap"

	"github.com/xtaci/dcore/clock"
	"github.com/xtaci/dcore/errs"
	"github.com/xtaci/dcore/pollset"
	"github.com/xtaci/dcore/timer"
)

// EventKind classifies what woke a callback.
type EventKind int

const (
	KindFD EventKind = iota
	KindSignal
	KindTimer
)

// Callback is the uniform handler shape for fd, signal, and timer
// events. Returning false instructs the loop to stop after the
// current dispatch pass completes.
type Callback func(l *Loop, kind EventKind, info interface{}, userData interface{}) bool

// FDInfo is the kind-specific info delivered for KindFD.
type FDInfo struct {
	FD     int
	Events pollset.Event
}

// SignalInfo is the kind-specific info delivered for KindSignal.
type SignalInfo struct {
	Signo int
}

// TimerInfo is the kind-specific info delivered for KindTimer. Event
// is non-nil only when the fired event was periodic and has been
// rescheduled, remaining owned by the scheduler.
type TimerInfo struct {
	EventID int
	Event   *timer.Event
}

type fdReg struct {
	cb       Callback
	userData interface{}
}

type sigReg struct {
	cb       Callback
	userData interface{}
}

type timerPayload struct {
	cb       Callback
	userData interface{}
}

// Loop is a single reactor: one pollfd vector, one scheduler, and the
// registrations that back their dispatch.
type Loop struct {
	pv    *pollset.Vector
	sched *timer.Scheduler
	fds   map[int]*fdReg
	sigs  map[int]*sigReg

	defaultCB Callback
	running   bool
	log       *zap.SugaredLogger

	plat platformState
}

// New returns an empty Loop that logs nothing. defaultCB, if non-nil,
// is invoked for signal deliveries whose signal is not currently
// registered; it may be nil, in which case unregistered signals are
// silently dropped.
func New(defaultCB Callback) *Loop {
	return NewWithLogger(defaultCB, zap.NewNop())
}

// NewWithLogger is New but reports loop start/stop, signal
// registration changes, and dropped signal deliveries through log.
func NewWithLogger(defaultCB Callback, log *zap.Logger) *Loop {
	return &Loop{
		pv:        pollset.New(),
		sched:     timer.NewSchedulerWithLogger(log),
		fds:       make(map[int]*fdReg),
		sigs:      make(map[int]*sigReg),
		defaultCB: defaultCB,
		log:       log.Sugar(),
	}
}

// AddFd registers fd with interest events and cb. Fails (returns
// false) without side effects if fd is already registered.
func (l *Loop) AddFd(fd int, events pollset.Event, cb Callback, userData interface{}) bool {
	if _, ok := l.fds[fd]; ok {
		return false
	}
	if err := l.pv.Add(fd, events); err != nil {
		return false
	}
	l.fds[fd] = &fdReg{cb: cb, userData: userData}
	return true
}

// IncludeFdEvent ORs event into fd's interest mask.
func (l *Loop) IncludeFdEvent(fd int, event pollset.Event) bool {
	return l.pv.Include(fd, event) == nil
}

// ExcludeFdEvent AND-NOTs event out of fd's interest mask.
func (l *Loop) ExcludeFdEvent(fd int, event pollset.Event) bool {
	return l.pv.Exclude(fd, event) == nil
}

// DelFd unregisters fd. Idempotent-on-failure if fd is absent.
func (l *Loop) DelFd(fd int) bool {
	if _, ok := l.fds[fd]; !ok {
		return false
	}
	delete(l.fds, fd)
	return l.pv.Remove(fd) == nil
}

// DelFdAll unregisters every fd.
func (l *Loop) DelFdAll() {
	for fd := range l.fds {
		l.DelFd(fd)
	}
}

// AddSignal registers cb for signo. Re-adding an already-registered
// signal replaces the prior registration.
func (l *Loop) AddSignal(signo int, cb Callback, userData interface{}) {
	if _, replaced := l.sigs[signo]; replaced {
		l.log.Debugw("replacing signal registration", "signo", signo)
	}
	l.sigs[signo] = &sigReg{cb: cb, userData: userData}
}

// DelSignal unregisters signo. Idempotent-on-failure if absent.
func (l *Loop) DelSignal(signo int) bool {
	if _, ok := l.sigs[signo]; !ok {
		return false
	}
	delete(l.sigs, signo)
	return true
}

// DelSignalAll unregisters every signal.
func (l *Loop) DelSignalAll() {
	l.sigs = make(map[int]*sigReg)
}

func releaseTimerPayload(payload interface{}) {
	_ = payload.(*timerPayload)
}

// AddSchedOnce schedules a one-shot timer event at absolute time t
// (zero means now), dispatched as KindTimer.
func (l *Loop) AddSchedOnce(t clock.Time, id int, cb Callback, userData interface{}) *timer.Event {
	return l.sched.ScheduleOnce(t, id, &timerPayload{cb: cb, userData: userData}, releaseTimerPayload)
}

// AddSchedOnceDelayed schedules a one-shot timer event interval from
// now.
func (l *Loop) AddSchedOnceDelayed(interval clock.Time, id int, cb Callback, userData interface{}) *timer.Event {
	return l.sched.ScheduleOnceDelayed(interval, id, &timerPayload{cb: cb, userData: userData}, releaseTimerPayload)
}

// AddSchedPeriodic schedules a periodic timer event whose first
// occurrence is at absolute time t (zero means now).
func (l *Loop) AddSchedPeriodic(t clock.Time, id int, period clock.Time, cycles uint64, cb Callback, userData interface{}) (*timer.Event, error) {
	return l.sched.SchedulePeriodic(t, id, &timerPayload{cb: cb, userData: userData}, period, cycles, releaseTimerPayload)
}

// AddSchedPeriodicDelayed schedules a periodic timer event whose first
// occurrence is period from now.
func (l *Loop) AddSchedPeriodicDelayed(id int, period clock.Time, cycles uint64, cb Callback, userData interface{}) (*timer.Event, error) {
	return l.sched.SchedulePeriodicDelayed(id, &timerPayload{cb: cb, userData: userData}, period, cycles, releaseTimerPayload)
}

// DelSched removes ev from the scheduler.
func (l *Loop) DelSched(ev *timer.Event) int { return l.sched.Delete(ev) }

// DelSchedByID removes every scheduled event with the given id.
func (l *Loop) DelSchedByID(id int) int { return l.sched.DeleteByID(id) }

// DelSchedAll removes every scheduled event.
func (l *Loop) DelSchedAll() int { return l.sched.DeleteAll() }

// Run executes the loop algorithm until a callback returns false (the
// loop stops once that dispatch pass completes) or the kernel
// multiplexer reports a non-interruption error. Returns false if the
// loop was already running (no nesting), if setting up signal delivery
// failed, or if it exited due to a multiplexer error.
func (l *Loop) Run() bool {
	if l.running {
		return false
	}
	l.running = true
	defer func() { l.running = false }()

	if err := l.platformSetup(); err != nil {
		l.log.Errorw("loop setup failed", "error", err)
		return false
	}
	defer l.platformTeardown()

	l.log.Debug("loop started")
	defer l.log.Debug("loop stopped")

	success := true
	for {
		var timeout clock.Time
		haveTimeout := false
		if iv, ok := l.sched.NextInterval(); ok {
			timeout = iv
			haveTimeout = true
		}

		n, err := l.platformWait(timeout, haveTimeout)
		if err != nil {
			if errors.Is(err, errs.New(errs.Interrupted)) {
				continue
			}
			success = false
			break
		}

		if n == 0 {
			if !l.dispatchDueTimers() {
				break
			}
			continue
		}

		if !l.dispatchFDEvents() {
			break
		}
	}

	return success
}

func (l *Loop) dispatchDueTimers() bool {
	keepRunning := true
	for {
		ev := l.sched.Pop()
		if ev == nil {
			break
		}
		p := ev.Payload().(*timerPayload)
		var rescheduled *timer.Event
		if ev.Busy() {
			rescheduled = ev
		}
		info := TimerInfo{EventID: ev.ID(), Event: rescheduled}
		if p.cb == nil {
			continue
		}
		if !p.cb(l, KindTimer, info, p.userData) {
			keepRunning = false
		}
	}
	return keepRunning
}

type returnedFD struct {
	fd      int
	revents pollset.Event
}

func (l *Loop) dispatchFDEvents() bool {
	keepRunning := true
	// snapshot before dispatch: a callback may add/remove fds, and those
	// edits must take effect next iteration, not mid-pass.
	raw := snapshotReturned(l.pv)

	for _, entry := range raw {
		if entry.revents == 0 {
			continue
		}
		if l.plat.isNotifyFD(entry.fd) {
			for {
				signo, ok := l.platformDrainSignal()
				if !ok {
					break
				}
				reg, known := l.sigs[signo]
				if !known {
					if l.defaultCB != nil {
						if !l.defaultCB(l, KindSignal, SignalInfo{Signo: signo}, nil) {
							keepRunning = false
						}
					} else {
						l.log.Debugw("dropped unregistered signal", "signo", signo)
					}
					continue
				}
				if !reg.cb(l, KindSignal, SignalInfo{Signo: signo}, reg.userData) {
					keepRunning = false
				}
			}
			continue
		}

		reg, ok := l.fds[entry.fd]
		if !ok {
			continue
		}
		info := FDInfo{FD: entry.fd, Events: entry.revents}
		if !reg.cb(l, KindFD, info, reg.userData) {
			keepRunning = false
		}
	}

	l.pv.ClearReturned()
	return keepRunning
}

func snapshotReturned(pv *pollset.Vector) []returnedFD {
	raw := pv.Raw()
	out := make([]returnedFD, 0, len(raw))
	for _, pfd := range raw {
		out = append(out, returnedFD{fd: int(pfd.Fd), revents: pollset.Event(pfd.Revents)})
	}
	return out
}
