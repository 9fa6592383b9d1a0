// Package netio implements timeout- and signal-mask-aware send/recv
// primitives and their scatter/gather variants over a raw fd, plus a
// Socket wrapper that remembers an fd's deadline, signal mask, and an
// optional "should break?" predicate.
//
// Grounded on gaio's non-blocking tryRead/tryWrite (watcher.go: an
// EAGAIN-retry loop against a raw fd, called from inside the reactor
// rather than blocking the caller) combined with trpc-group-tnet's
// netFD.Readv/Writev (unix.RawSyscall(unix.SYS_READV/SYS_WRITEV, ...)
// via unsafe.Pointer(&ivs[0])) for the scatter/gather variants. The
// single-pollfd wait each blocking call performs is split across
// platformPollWait (wait_ppoll.go, wait_poll.go) the same way reactor
// splits its whole-vector wait across reactor_linux.go/reactor_other.go:
// unix.Ppoll only exists on linux and openbsd, so every other POSIX
// target here falls back to unix.Poll with the signal mask swapped in
// and out around the call, per spec.md §4.2 step 4b.
package netio

import (
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/xtaci/dcore/clock"
	"github.com/xtaci/dcore/errs"
)

// Deadline is an absolute point in monotonic time after which a
// blocking call gives up and returns whatever progress it made. A zero
// Deadline means "no timeout".
type Deadline struct {
	t   clock.Time
	set bool
}

// NoDeadline is the zero Deadline: wait indefinitely.
var NoDeadline = Deadline{}

// NewDeadline returns a Deadline that expires after timeout from now.
func NewDeadline(timeout clock.Time) Deadline {
	return Deadline{t: clock.NowMonotonic().Add(timeout), set: true}
}

func (d Deadline) remaining() (clock.Time, bool) {
	if !d.set {
		return clock.Zero, false
	}
	now := clock.NowMonotonic()
	if !d.t.After(now) {
		return clock.Zero, true
	}
	left, err := d.t.Sub(now)
	if err != nil {
		return clock.Zero, true
	}
	return left, true
}

// BreakFunc is consulted immediately before each blocking wait; if it
// returns true, the call returns early with whatever progress was made
// and errs.Interrupted.
type BreakFunc func() bool

func waitFD(fd int, forWrite bool, d Deadline, sigmask *unix.Sigset_t) (ready bool, err error) {
	events := int16(unix.POLLIN)
	if forWrite {
		events = unix.POLLOUT
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}

	var ts *unix.Timespec
	if left, has := d.remaining(); has {
		t := unix.NsecToTimespec(left.Nanoseconds())
		ts = &t
	}

	n, perr := platformPollWait(pfd, ts, sigmask)
	if perr != nil {
		if perr == unix.EINTR {
			return false, errs.New(errs.Interrupted)
		}
		return false, errs.Wrap(errs.IO, errors.Wrap(perr, "poll wait"), "netio wait")
	}
	if n == 0 {
		return false, nil // timeout
	}
	// POLLHUP counts as ready: pending bytes are still read, and a peer
	// close then shows up as a 0-byte read (or a failed send).
	if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return true, errs.New(errs.IO)
	}
	return true, nil
}

// Send writes up to len(buf) bytes to fd, retrying on EAGAIN and
// polling for POLLOUT between attempts, until all bytes are sent, the
// deadline expires, or a signal outside sigmask interrupts the wait.
// Returns the number of bytes actually sent. A deadline expiry is not
// an error: the bytes sent so far (possibly zero) come back with a nil
// error. A signal interrupting the wait returns the bytes sent so far
// together with errs.Interrupted.
func Send(fd int, buf []byte, d Deadline, sigmask *unix.Sigset_t) (int, error) {
	return sendLoop(fd, buf, d, sigmask)
}

func sendLoop(fd int, buf []byte, d Deadline, sigmask *unix.Sigset_t) (int, error) {
	sent := 0
	for sent < len(buf) {
		ready, err := waitFD(fd, true, d, sigmask)
		if err != nil {
			if errors.Is(err, errs.New(errs.Interrupted)) {
				return sent, errs.New(errs.Interrupted)
			}
			return sent, err
		}
		if !ready {
			return sent, nil // timeout: partial progress, not an error
		}

		n, serr := unix.Send(fd, buf[sent:], unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if serr != nil {
			if serr == unix.EAGAIN || serr == unix.EINTR {
				continue
			}
			return sent, errs.Wrap(errs.IO, serr, "send")
		}
		sent += n
	}
	return sent, nil
}

// Recv reads up to len(buf) bytes from fd, polling for POLLIN between
// attempts, stopping once buf is full, the deadline expires, the peer
// closes (0-byte read), or a signal interrupts the wait.
func Recv(fd int, buf []byte, d Deadline, sigmask *unix.Sigset_t) (int, error) {
	read := 0
	for read < len(buf) {
		ready, err := waitFD(fd, false, d, sigmask)
		if err != nil {
			if errors.Is(err, errs.New(errs.Interrupted)) {
				return read, errs.New(errs.Interrupted)
			}
			return read, err
		}
		if !ready {
			return read, nil
		}

		n, rerr := unix.Recv(fd, buf[read:], unix.MSG_DONTWAIT)
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EINTR {
				continue
			}
			return read, errs.Wrap(errs.IO, rerr, "recv")
		}
		if n == 0 {
			return read, errs.New(errs.ShortRead) // peer closed
		}
		read += n
	}
	return read, nil
}

// iovTotal returns the sum of lengths across iov.
func iovTotal(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}

func toUnixIovec(iov [][]byte) []unix.Iovec {
	out := make([]unix.Iovec, 0, len(iov))
	for _, b := range iov {
		if len(b) == 0 {
			continue
		}
		var v unix.Iovec
		v.SetLen(len(b))
		v.Base = &b[0]
		out = append(out, v)
	}
	return out
}

// sliceAfter returns iov with the first skip bytes dropped across
// however many leading entries that spans.
func sliceAfter(iov [][]byte, skip int) [][]byte {
	for len(iov) > 0 && skip > 0 {
		if skip < len(iov[0]) {
			rest := make([][]byte, len(iov))
			copy(rest, iov)
			rest[0] = iov[0][skip:]
			return rest
		}
		skip -= len(iov[0])
		iov = iov[1:]
	}
	return iov
}

// SendV is the scatter/gather form of Send: it writes the concatenation
// of iov's entries to fd via writev, following trpc-group-tnet's
// raw-syscall Writev pattern.
func SendV(fd int, iov [][]byte, d Deadline, sigmask *unix.Sigset_t) (int, error) {
	total := iovTotal(iov)
	sent := 0
	remaining := iov
	for sent < total {
		ready, err := waitFD(fd, true, d, sigmask)
		if err != nil {
			if errors.Is(err, errs.New(errs.Interrupted)) {
				return sent, errs.New(errs.Interrupted)
			}
			return sent, err
		}
		if !ready {
			return sent, nil
		}

		uv := toUnixIovec(remaining)
		if len(uv) == 0 {
			break
		}
		n, _, e := unix.RawSyscall(unix.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&uv[0])), uintptr(len(uv)))
		if e != 0 {
			if e == unix.EAGAIN || e == unix.EINTR {
				continue
			}
			return sent, errs.Wrap(errs.IO, unix.Errno(e), "writev")
		}
		sent += int(n)
		remaining = sliceAfter(remaining, int(n))
	}
	return sent, nil
}

// RecvV is the scatter/gather form of Recv: it reads into the
// concatenation of iov's entries from fd via readv.
func RecvV(fd int, iov [][]byte, d Deadline, sigmask *unix.Sigset_t) (int, error) {
	total := iovTotal(iov)
	read := 0
	remaining := iov
	for read < total {
		ready, err := waitFD(fd, false, d, sigmask)
		if err != nil {
			if errors.Is(err, errs.New(errs.Interrupted)) {
				return read, errs.New(errs.Interrupted)
			}
			return read, err
		}
		if !ready {
			return read, nil
		}

		uv := toUnixIovec(remaining)
		if len(uv) == 0 {
			break
		}
		n, _, e := unix.RawSyscall(unix.SYS_READV, uintptr(fd), uintptr(unsafe.Pointer(&uv[0])), uintptr(len(uv)))
		if e != 0 {
			if e == unix.EAGAIN || e == unix.EINTR {
				continue
			}
			return read, errs.Wrap(errs.IO, unix.Errno(e), "readv")
		}
		if n == 0 {
			return read, errs.New(errs.ShortRead)
		}
		read += int(n)
		remaining = sliceAfter(remaining, int(n))
	}
	return read, nil
}

// withSignalsBlocked blocks every signal for the calling thread, checks
// brk once the mask is safely in place, and then invokes fn with the
// caller's original sigmask restored as the set to unblock during any
// nested ppoll wait. This is the self-pipe-race pattern from reactor's
// platformSetup, applied per-call instead of for the whole loop: brk
// and "enter the blocking syscall" can no longer interleave with a
// signal arriving in between, because signals are blocked for the
// entire window and only let back in atomically inside ppoll itself.
func withSignalsBlocked(brk BreakFunc, sigmask *unix.Sigset_t, fn func(unblock *unix.Sigset_t) (int, error)) (int, error) {
	var full, saved unix.Sigset_t
	unix.SigFillset(&full)
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &full, &saved); err != nil {
		return 0, errs.Wrap(errs.IO, err, "pthread_sigmask block-all")
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &saved, nil)

	if brk != nil && brk() {
		return 0, errs.New(errs.Interrupted)
	}

	unblock := sigmask
	if unblock == nil {
		unblock = &saved
	}
	return fn(unblock)
}

// SendBlock wraps Send with an is-break? predicate consulted atomically
// before the blocking window begins, eliminating the race between
// checking a stop condition and entering ppoll.
func SendBlock(fd int, buf []byte, d Deadline, sigmask *unix.Sigset_t, brk BreakFunc) (int, error) {
	return withSignalsBlocked(brk, sigmask, func(unblock *unix.Sigset_t) (int, error) {
		return Send(fd, buf, d, unblock)
	})
}

// RecvBlock is the Recv analogue of SendBlock.
func RecvBlock(fd int, buf []byte, d Deadline, sigmask *unix.Sigset_t, brk BreakFunc) (int, error) {
	return withSignalsBlocked(brk, sigmask, func(unblock *unix.Sigset_t) (int, error) {
		return Recv(fd, buf, d, unblock)
	})
}

// SendVBlock is the SendV analogue of SendBlock.
func SendVBlock(fd int, iov [][]byte, d Deadline, sigmask *unix.Sigset_t, brk BreakFunc) (int, error) {
	return withSignalsBlocked(brk, sigmask, func(unblock *unix.Sigset_t) (int, error) {
		return SendV(fd, iov, d, unblock)
	})
}

// RecvVBlock is the RecvV analogue of SendBlock.
func RecvVBlock(fd int, iov [][]byte, d Deadline, sigmask *unix.Sigset_t, brk BreakFunc) (int, error) {
	return withSignalsBlocked(brk, sigmask, func(unblock *unix.Sigset_t) (int, error) {
		return RecvV(fd, iov, d, unblock)
	})
}

// Socket wraps a raw fd with its default timeouts, signal mask, and
// break predicate, so callers don't have to thread them through every
// call site.
type Socket struct {
	FD          int
	SendTimeout clock.Time // zero means no timeout
	RecvTimeout clock.Time
	SigMask     *unix.Sigset_t
	Break       BreakFunc

	log *zap.SugaredLogger
}

// NewSocket returns a Socket wrapping fd with no timeouts, no signal
// mask, no break predicate, and no logging.
func NewSocket(fd int) *Socket {
	return NewSocketWithLogger(fd, zap.NewNop())
}

// NewSocketWithLogger is NewSocket but reports short reads and broken
// sends/receives through log.
func NewSocketWithLogger(fd int, log *zap.Logger) *Socket {
	return &Socket{FD: fd, log: log.Sugar()}
}

func (s *Socket) sendDeadline() Deadline {
	if s.SendTimeout == clock.Zero {
		return NoDeadline
	}
	return NewDeadline(s.SendTimeout)
}

func (s *Socket) recvDeadline() Deadline {
	if s.RecvTimeout == clock.Zero {
		return NoDeadline
	}
	return NewDeadline(s.RecvTimeout)
}

// Send sends buf using the socket's configured timeout, signal mask,
// and break predicate.
func (s *Socket) Send(buf []byte) (int, error) {
	n, err := SendBlock(s.FD, buf, s.sendDeadline(), s.SigMask, s.Break)
	if err != nil && !errors.Is(err, errs.New(errs.Interrupted)) {
		s.log.Debugw("broken send", "fd", s.FD, "sent", n, "want", len(buf), "error", err)
	}
	return n, err
}

// Recv receives into buf using the socket's configured settings.
func (s *Socket) Recv(buf []byte) (int, error) {
	n, err := RecvBlock(s.FD, buf, s.recvDeadline(), s.SigMask, s.Break)
	if err != nil && !errors.Is(err, errs.New(errs.Interrupted)) {
		s.log.Debugw("short read", "fd", s.FD, "read", n, "want", len(buf), "error", err)
	}
	return n, err
}

// SendV is the scatter/gather form of Send.
func (s *Socket) SendV(iov [][]byte) (int, error) {
	n, err := SendVBlock(s.FD, iov, s.sendDeadline(), s.SigMask, s.Break)
	if err != nil && !errors.Is(err, errs.New(errs.Interrupted)) {
		s.log.Debugw("broken sendv", "fd", s.FD, "sent", n, "error", err)
	}
	return n, err
}

// RecvV is the scatter/gather form of Recv.
func (s *Socket) RecvV(iov [][]byte) (int, error) {
	n, err := RecvVBlock(s.FD, iov, s.recvDeadline(), s.SigMask, s.Break)
	if err != nil && !errors.Is(err, errs.New(errs.Interrupted)) {
		s.log.Debugw("short readv", "fd", s.FD, "read", n, "error", err)
	}
	return n, err
}
