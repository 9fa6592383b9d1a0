// Package pollset implements the pollfd vector: a compact, resizable
// array of (fd, interested-events, returned-events) tuples with
// fd-keyed lookup, passed directly to ppoll/poll.
//
// Grounded on gaio's descs map[int]*fdDesc (fd-keyed registration map)
// generalized into the literal kernel-ABI tuple golang.org/x/sys/unix
// already defines (unix.PollFd), the way trpc-group-tnet passes its
// own kernel-shaped event structs straight to the syscall layer.
package pollset

import (
	"golang.org/x/sys/unix"

	"github.com/xtaci/dcore/errs"
)

// Event is a single poll readiness bit.
type Event int16

const (
	EventRead  Event = unix.POLLIN
	EventWrite Event = unix.POLLOUT
	// EventError/Hangup are never set by a caller as interest but may
	// appear in a Vector entry's returned events.
	EventError  Event = unix.POLLERR
	EventHangup Event = unix.POLLHUP
)

// Vector is a resizable array of unix.PollFd with at most one entry per
// fd, suitable for passing directly to unix.Ppoll/unix.Poll.
type Vector struct {
	entries []unix.PollFd
	index   map[int]int // fd -> index into entries
}

// New returns an empty Vector.
func New() *Vector {
	return &Vector{index: make(map[int]int)}
}

// Len returns the number of registered fds.
func (v *Vector) Len() int { return len(v.entries) }

// Raw returns the underlying slice for passing directly to
// unix.Ppoll/unix.Poll. Callers must not retain it past the next
// mutating call on v.
func (v *Vector) Raw() []unix.PollFd { return v.entries }

// Has reports whether fd is currently registered.
func (v *Vector) Has(fd int) bool {
	_, ok := v.index[fd]
	return ok
}

// Add registers fd with the given interest mask. Returns
// errs.InvalidArgument if fd is negative, errs.Busy if fd is already
// registered.
func (v *Vector) Add(fd int, interest Event) error {
	if fd < 0 {
		return errs.New(errs.InvalidArgument)
	}
	if _, ok := v.index[fd]; ok {
		return errs.New(errs.Busy)
	}
	v.index[fd] = len(v.entries)
	v.entries = append(v.entries, unix.PollFd{Fd: int32(fd), Events: int16(interest)})
	return nil
}

// Remove unregisters fd. Returns errs.InvalidArgument if fd is not
// registered (idempotent-on-failure, no side effects).
func (v *Vector) Remove(fd int) error {
	i, ok := v.index[fd]
	if !ok {
		return errs.New(errs.InvalidArgument)
	}
	last := len(v.entries) - 1
	if i != last {
		v.entries[i] = v.entries[last]
		v.index[int(v.entries[i].Fd)] = i
	}
	v.entries = v.entries[:last]
	delete(v.index, fd)
	return nil
}

// Include ORs event into fd's interest mask.
func (v *Vector) Include(fd int, event Event) error {
	i, ok := v.index[fd]
	if !ok {
		return errs.New(errs.InvalidArgument)
	}
	v.entries[i].Events |= int16(event)
	return nil
}

// Exclude AND-NOTs event out of fd's interest mask.
func (v *Vector) Exclude(fd int, event Event) error {
	i, ok := v.index[fd]
	if !ok {
		return errs.New(errs.InvalidArgument)
	}
	v.entries[i].Events &^= int16(event)
	return nil
}

// Returned returns the returned-events mask observed for fd on the most
// recent wait, or 0 with ok=false if fd is not registered.
func (v *Vector) Returned(fd int) (Event, bool) {
	i, ok := v.index[fd]
	if !ok {
		return 0, false
	}
	return Event(v.entries[i].Revents), true
}

// ClearReturned zeroes the returned-events mask for every entry, called
// before each wait.
func (v *Vector) ClearReturned() {
	for i := range v.entries {
		v.entries[i].Revents = 0
	}
}
