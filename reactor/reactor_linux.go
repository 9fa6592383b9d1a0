//go:build linux

// Grounded on trpc-group-tnet's poller_epoll.go for the golang.org/x/sys/unix
// raw-syscall wait pattern and github.com/pkg/errors wrapping, adapted from
// epoll_wait to ppoll over dcore's own pollfd vector, and from epoll's
// edge-triggered Desc callbacks to signalfd-delivered signal events.
package reactor

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/xtaci/dcore/clock"
	"github.com/xtaci/dcore/errs"
	"github.com/xtaci/dcore/pollset"
)

// platformState is the signalfd delivery path: a single fd covering
// every signal (dispatch then filters by registration), plus the
// saved process signal mask to restore on exit.
type platformState struct {
	signalFD  int
	savedMask unix.Sigset_t
	buf       []byte
}

func (p *platformState) isNotifyFD(fd int) bool {
	return p.signalFD != 0 && fd == p.signalFD
}

func (l *Loop) platformSetup() error {
	var full unix.Sigset_t
	unix.SigFillset(&full)

	var saved unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &full, &saved); err != nil {
		return errs.Wrap(errs.IO, err, "pthread_sigmask block-all")
	}
	l.plat.savedMask = saved

	fd, err := unix.Signalfd(-1, &full, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		unix.PthreadSigmask(unix.SIG_SETMASK, &saved, nil)
		return errs.Wrap(errs.IO, err, "signalfd")
	}
	l.plat.signalFD = fd
	l.plat.buf = make([]byte, unsafe.Sizeof(unix.SignalfdSiginfo{}))

	if err := l.pv.Add(fd, pollset.EventRead); err != nil {
		unix.Close(fd)
		unix.PthreadSigmask(unix.SIG_SETMASK, &saved, nil)
		return errs.Wrap(errs.IO, err, "add signalfd to pollset")
	}
	return nil
}

func (l *Loop) platformTeardown() {
	if l.plat.signalFD != 0 {
		l.pv.Remove(l.plat.signalFD)
		unix.Close(l.plat.signalFD)
		l.plat.signalFD = 0
	}
	unix.PthreadSigmask(unix.SIG_SETMASK, &l.plat.savedMask, nil)
}

func (l *Loop) platformWait(timeout clock.Time, haveTimeout bool) (int, error) {
	var ts *unix.Timespec
	if haveTimeout {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	raw := l.pv.Raw()
	n, err := unix.Ppoll(raw, ts, nil)
	if err != nil {
		if err == unix.EINTR {
			return 0, errs.New(errs.Interrupted)
		}
		return 0, errs.Wrap(errs.IO, errors.Wrap(err, "ppoll"), "kernel multiplexer failure")
	}
	return n, nil
}

func (l *Loop) platformDrainSignal() (int, bool) {
	n, err := unix.Read(l.plat.signalFD, l.plat.buf)
	if err != nil || n != len(l.plat.buf) {
		return 0, false
	}
	info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&l.plat.buf[0]))
	return int(info.Signo), true
}
