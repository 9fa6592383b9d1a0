// Package clock implements the timespec arithmetic dcore's scheduler and
// network primitives build their deadlines on: a (seconds, nanoseconds)
// value that can be compared, added, subtracted, and checked against
// "now" on either the monotonic or the wall-clock source.
package clock

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/dcore/errs"
)

const nsecPerSec = int64(time.Second)

// Source selects which kernel clock Now reads from.
type Source int

const (
	// Monotonic is CLOCK_MONOTONIC: immune to wall-clock adjustment,
	// the clock the scheduler and event loop deadlines are measured on.
	Monotonic Source = unix.CLOCK_MONOTONIC
	// Realtime is CLOCK_REALTIME: the wall clock.
	Realtime Source = unix.CLOCK_REALTIME
)

// Time is a (seconds, nanoseconds) pair with 0 <= Nsec < 1e9 preserved
// across every operation in this package.
type Time struct {
	Sec  int64
	Nsec int64
}

// Zero is the zero Time value.
var Zero = Time{}

// IsZero reports whether t is the zero value.
func (t Time) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

// Now reads the current time from the given clock source.
func Now(src Source) (Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(int32(src), &ts); err != nil {
		return Time{}, errs.Wrap(errs.IO, err, "clock_gettime")
	}
	return normalize(int64(ts.Sec), int64(ts.Nsec)), nil
}

// NowMonotonic is a convenience wrapper around Now(Monotonic) that panics
// on failure; clock_gettime(CLOCK_MONOTONIC) is not expected to fail on
// any POSIX system dcore targets, and most call sites (scheduler
// insertion, deadline computation) have no useful way to propagate the
// error further up a hot path.
func NowMonotonic() Time {
	t, err := Now(Monotonic)
	if err != nil {
		panic(err)
	}
	return t
}

func normalize(sec, nsec int64) Time {
	if nsec >= nsecPerSec {
		sec += nsec / nsecPerSec
		nsec %= nsecPerSec
	} else if nsec < 0 {
		borrow := (-nsec + nsecPerSec - 1) / nsecPerSec
		sec -= borrow
		nsec += borrow * nsecPerSec
	}
	return Time{Sec: sec, Nsec: nsec}
}

// FromDuration converts a time.Duration into a Time relative to the zero
// epoch; used to build deadlines as Now().Add(FromDuration(d)).
func FromDuration(d time.Duration) Time {
	return normalize(int64(d/time.Second), int64(d%time.Second))
}

// Duration converts t back into a time.Duration. Callers should only do
// this for intervals known to fit in a time.Duration's range.
func (t Time) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration(t.Nsec)
}

// Add returns t+o, with carry normalized into Sec.
func (t Time) Add(o Time) Time {
	return normalize(t.Sec+o.Sec, t.Nsec+o.Nsec)
}

// Sub returns t-o. If the result would be negative it fails with
// errs.Overflow rather than silently wrapping, per spec.
func (t Time) Sub(o Time) (Time, error) {
	sec := t.Sec - o.Sec
	nsec := t.Nsec - o.Nsec
	r := normalize(sec, nsec)
	if r.Sec < 0 || (r.Sec == 0 && r.Nsec < 0) {
		return Time{}, errs.New(errs.Overflow)
	}
	return r, nil
}

// Compare returns -1, 0, or 1 as t is before, equal to, or after o.
func (t Time) Compare(o Time) int {
	switch {
	case t.Sec < o.Sec:
		return -1
	case t.Sec > o.Sec:
		return 1
	case t.Nsec < o.Nsec:
		return -1
	case t.Nsec > o.Nsec:
		return 1
	default:
		return 0
	}
}

// Before reports whether t is strictly before o.
func (t Time) Before(o Time) bool { return t.Compare(o) < 0 }

// After reports whether t is strictly after o.
func (t Time) After(o Time) bool { return t.Compare(o) > 0 }

// IsPast reports whether t is at or before the current monotonic time.
func (t Time) IsPast() bool {
	now := NowMonotonic()
	return !t.After(now)
}

// Nanoseconds returns t as a total nanosecond count from its epoch.
func (t Time) Nanoseconds() int64 {
	return t.Sec*nsecPerSec + t.Nsec
}

// FromNanoseconds builds a Time from a total nanosecond count.
func FromNanoseconds(ns int64) Time {
	return normalize(0, ns)
}
