package reactor

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/xtaci/dcore/bytebuffer"
	"github.com/xtaci/dcore/clock"
	"github.com/xtaci/dcore/netio"
	"github.com/xtaci/dcore/pollset"
)

func runInBackground(t *testing.T, l *Loop) <-chan bool {
	t.Helper()
	done := make(chan bool, 1)
	go func() { done <- l.Run() }()
	return done
}

func TestFdDispatchStopsLoop(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	l := New(nil)
	var gotFD int
	ok := l.AddFd(int(r.Fd()), pollset.EventRead, func(loop *Loop, kind EventKind, info interface{}, ud interface{}) bool {
		fi := info.(FDInfo)
		gotFD = fi.FD
		return false // stop the loop
	}, nil)
	require.True(t, ok)

	done := runInBackground(t, l)

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case success := <-done:
		require.True(t, success)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	require.Equal(t, int(r.Fd()), gotFD)
}

func TestAddFdIdempotentOnFailure(t *testing.T) {
	l := New(nil)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	cb := func(*Loop, EventKind, interface{}, interface{}) bool { return true }
	require.True(t, l.AddFd(int(r.Fd()), pollset.EventRead, cb, nil))
	require.False(t, l.AddFd(int(r.Fd()), pollset.EventRead, cb, nil))
	require.True(t, l.DelFd(int(r.Fd())))
	require.False(t, l.DelFd(int(r.Fd())))
}

func TestIncludeExcludeFdEvent(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	l := New(nil)
	cb := func(*Loop, EventKind, interface{}, interface{}) bool { return true }
	require.True(t, l.AddFd(int(r.Fd()), pollset.EventRead, cb, nil))

	require.True(t, l.IncludeFdEvent(int(r.Fd()), pollset.EventWrite))
	ev, ok := l.pv.Returned(int(r.Fd()))
	_ = ev
	require.True(t, ok)

	require.True(t, l.ExcludeFdEvent(int(r.Fd()), pollset.EventWrite))
	require.False(t, l.IncludeFdEvent(12345, pollset.EventWrite)) // unregistered fd
	require.False(t, l.ExcludeFdEvent(12345, pollset.EventWrite))
}

func TestTimerDispatchViaRun(t *testing.T) {
	l := New(nil)
	fired := make(chan int, 1)

	l.AddSchedOnceDelayed(clock.FromDuration(10*time.Millisecond), 42, func(loop *Loop, kind EventKind, info interface{}, ud interface{}) bool {
		ti := info.(TimerInfo)
		fired <- ti.EventID
		return false
	}, nil)

	done := runInBackground(t, l)

	select {
	case id := <-fired:
		require.Equal(t, 42, id)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	require.True(t, <-done)
}

func TestSignalDispatch(t *testing.T) {
	l := New(nil)
	got := make(chan int, 1)
	l.AddSignal(int(unix.SIGUSR1), func(loop *Loop, kind EventKind, info interface{}, ud interface{}) bool {
		si := info.(SignalInfo)
		got <- si.Signo
		return false
	}, nil)

	done := runInBackground(t, l)
	time.Sleep(20 * time.Millisecond) // let platformSetup install the signal path
	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))

	select {
	case signo := <-got:
		require.Equal(t, int(unix.SIGUSR1), signo)
	case <-time.After(2 * time.Second):
		t.Fatal("signal never dispatched")
	}
	require.True(t, <-done)
}

func TestNoNestedRun(t *testing.T) {
	l := New(nil)
	l.AddSchedOnceDelayed(clock.FromDuration(50*time.Millisecond), 1, func(*Loop, EventKind, interface{}, interface{}) bool {
		return false
	}, nil)

	done := runInBackground(t, l)
	time.Sleep(5 * time.Millisecond)
	require.False(t, l.Run()) // already running: no nesting

	require.True(t, <-done)
}

// scenario 6: async-style pipe drain. A producer writes 9MB of a
// deterministic pattern into a bytebuffer; the reactor drains it to
// the pipe's write end via netio.SendV whenever the fd is writable,
// while a second fd registration reads the pipe's other end into a
// destination buffer. After the producer closes and the pipe drains,
// the destination matches the source byte-for-byte.
func TestPipeDrainEndToEnd(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(int(r.Fd()), true))
	require.NoError(t, unix.SetNonblock(int(w.Fd()), true))

	const total = 9 * 1024 * 1024
	src := bytebuffer.New(64 * 1024)
	src.SetLimit(total + 1)
	pattern := make([]byte, total)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	_, err = src.Write(pattern)
	require.NoError(t, err)

	var dst bytes.Buffer

	l := New(nil)
	writerDone := false

	l.AddFd(int(w.Fd()), pollset.EventWrite, func(loop *Loop, kind EventKind, info interface{}, ud interface{}) bool {
		fi := info.(FDInfo)
		if fi.Events&pollset.EventWrite == 0 {
			return true
		}
		n := src.Len()
		if n == 0 {
			if !writerDone {
				writerDone = true
				loop.DelFd(fi.FD)
				w.Close()
			}
			return true
		}
		if n > 64*1024 {
			n = 64 * 1024
		}
		iov, err := src.DReadLock(n)
		if err != nil {
			return true
		}
		// fi already reports this fd writable; probe rather than block
		// so this callback never waits on the reader side to make
		// progress while nested inside the reactor's own dispatch.
		sent, _ := netio.SendV(fi.FD, iov, netio.NewDeadline(clock.Zero), nil)
		src.DReadUnlock(sent, iov)
		return true
	}, nil)

	readBuf := make([]byte, 64*1024)
	l.AddFd(int(r.Fd()), pollset.EventRead, func(loop *Loop, kind EventKind, info interface{}, ud interface{}) bool {
		fi := info.(FDInfo)
		n, err := netio.RecvV(fi.FD, [][]byte{readBuf}, netio.NewDeadline(clock.Zero), nil)
		if n > 0 {
			dst.Write(readBuf[:n])
		}
		if err != nil || n == 0 {
			if dst.Len() >= total {
				return false // stop: full payload drained
			}
		}
		return true
	}, nil)

	done := runInBackground(t, l)

	select {
	case success := <-done:
		require.True(t, success)
	case <-time.After(10 * time.Second):
		t.Fatal("pipe drain did not finish")
	}

	r.Close()
	require.Equal(t, total, dst.Len())
	require.True(t, bytes.Equal(pattern, dst.Bytes()))
}
