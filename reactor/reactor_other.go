//go:build !linux

// Package reactor's non-Linux signal delivery path. Linux gets a
// signalfd (reactor_linux.go); every other POSIX target here gets the
// portable self-pipe trick instead. The classic C implementation of
// the self-pipe trick installs a raw sigaction handler that writes the
// signal number into a pipe; Go's runtime already owns signal
// disposition and exposes it exclusively through os/signal, so the
// Go-idiomatic analogue is a signal.Notify channel fed by a single
// forwarding goroutine that writes each signal number into the pipe.
// The forwarding goroutine is the one piece of true concurrency in
// dcore: it never touches Loop state, it only feeds bytes into an fd
// the single-threaded Run loop already polls, so it does not violate
// the "no internal locks, one thread of control" model.
package reactor

import (
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/xtaci/dcore/clock"
	"github.com/xtaci/dcore/errs"
	"github.com/xtaci/dcore/pollset"
)

type platformState struct {
	pipeR, pipeW *os.File
	sigCh        chan os.Signal
	done         chan struct{}
}

func (p *platformState) isNotifyFD(fd int) bool {
	return p.pipeR != nil && fd == int(p.pipeR.Fd())
}

func (l *Loop) platformSetup() error {
	r, w, err := os.Pipe()
	if err != nil {
		return errs.Wrap(errs.IO, err, "self-pipe")
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return errs.Wrap(errs.IO, err, "self-pipe read end nonblock")
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return errs.Wrap(errs.IO, err, "self-pipe write end nonblock")
	}

	l.plat.pipeR = r
	l.plat.pipeW = w
	l.plat.sigCh = make(chan os.Signal, 64)
	l.plat.done = make(chan struct{})

	// no explicit signal list: relay everything the process can catch,
	// the same breadth the Linux signalfd path covers by filling its
	// mask, and let dispatchFDEvents filter by registration.
	signal.Notify(l.plat.sigCh)

	go l.forwardSignals()

	if err := l.pv.Add(int(r.Fd()), pollset.EventRead); err != nil {
		signal.Stop(l.plat.sigCh)
		close(l.plat.done)
		r.Close()
		w.Close()
		return errs.Wrap(errs.IO, err, "add self-pipe to pollset")
	}
	return nil
}

func (l *Loop) forwardSignals() {
	for {
		select {
		case sig := <-l.plat.sigCh:
			signo := int(sig.(unix.Signal))
			var buf [4]byte
			buf[0] = byte(signo)
			buf[1] = byte(signo >> 8)
			buf[2] = byte(signo >> 16)
			buf[3] = byte(signo >> 24)
			l.plat.pipeW.Write(buf[:]) // best-effort; a full pipe means a signal storm, drop it
		case <-l.plat.done:
			return
		}
	}
}

func (l *Loop) platformTeardown() {
	if l.plat.pipeR == nil {
		return
	}
	signal.Stop(l.plat.sigCh)
	close(l.plat.done)
	l.pv.Remove(int(l.plat.pipeR.Fd()))
	l.plat.pipeR.Close()
	l.plat.pipeW.Close()
	l.plat.pipeR = nil
	l.plat.pipeW = nil
}

// platformWait uses plain poll(2) rather than ppoll/pselect: the
// signal/wait race ppoll's atomic mask-swap exists to close is already
// closed here by construction, because signal delivery runs through
// Go's own os/signal machinery on a separate goroutine rather than a
// synchronous handler nested inside this syscall. A signal arriving
// while poll blocks simply makes the self-pipe's read end readable,
// exactly like any other fd becoming ready.
func (l *Loop) platformWait(timeout clock.Time, haveTimeout bool) (int, error) {
	ms := -1
	if haveTimeout {
		ms = int(timeout.Duration().Milliseconds())
	}
	n, err := unix.Poll(l.pv.Raw(), ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, errs.New(errs.Interrupted)
		}
		return 0, errs.Wrap(errs.IO, errors.Wrap(err, "poll"), "kernel multiplexer failure")
	}
	return n, nil
}

func (l *Loop) platformDrainSignal() (int, bool) {
	var buf [4]byte
	n, err := l.plat.pipeR.Read(buf[:])
	if err != nil || n != 4 {
		return 0, false
	}
	signo := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16 | int(buf[3])<<24
	return signo, true
}
