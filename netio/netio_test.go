package netio

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/xtaci/dcore/clock"
)

var errShortXfer = errorString("short transfer")

type errorString string

func (e errorString) Error() string { return string(e) }

// Send and Recv use send(2)/recv(2), which need a socket; a pipe fd
// fails with ENOTSOCK, so these tests use a socketpair.
func TestSendRecvRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	w, r := fds[0], fds[1]

	require.NoError(t, unix.SetNonblock(w, true))
	require.NoError(t, unix.SetNonblock(r, true))

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		n, err := Send(w, payload, NoDeadline, nil)
		if err == nil && n != len(payload) {
			err = errShortXfer
		}
		done <- err
	}()

	out := make([]byte, len(payload))
	n, err := Recv(r, out, NoDeadline, nil)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)

	require.NoError(t, <-done)
}

func TestRecvTimeoutPartialProgress(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	w, r := fds[0], fds[1]

	require.NoError(t, unix.SetNonblock(r, true))

	_, err = unix.Write(w, []byte("hi"))
	require.NoError(t, err)

	out := make([]byte, 10)
	d := NewDeadline(clock.FromDuration(50 * time.Millisecond))
	n, err := Recv(r, out, d, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRecvShortReadOnPeerClose(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	w, r := fds[0], fds[1]
	defer unix.Close(r)

	require.NoError(t, unix.SetNonblock(r, true))
	unix.Close(w)

	out := make([]byte, 10)
	_, err = Recv(r, out, NoDeadline, nil)
	require.Error(t, err)
}

// scenario 6 (async-style pipe drain), trimmed to exercise SendV/RecvV
// directly against os.Pipe rather than through the full reactor.
func TestSendVRecvVLargePayload(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, unix.SetNonblock(int(w.Fd()), true))
	require.NoError(t, unix.SetNonblock(int(r.Fd()), true))

	const total = 9 * 1024 * 1024
	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i)
	}
	chunkSize := 4096
	var srcIov [][]byte
	for off := 0; off < total; off += chunkSize {
		end := off + chunkSize
		if end > total {
			end = total
		}
		srcIov = append(srcIov, src[off:end])
	}

	done := make(chan error, 1)
	go func() {
		n, err := SendV(int(w.Fd()), srcIov, NoDeadline, nil)
		if err == nil && n != total {
			err = errShortXfer
		}
		done <- err
	}()

	dst := make([]byte, total)
	var dstIov [][]byte
	for off := 0; off < total; off += chunkSize {
		end := off + chunkSize
		if end > total {
			end = total
		}
		dstIov = append(dstIov, dst[off:end])
	}
	n, err := RecvV(int(r.Fd()), dstIov, NoDeadline, nil)
	require.NoError(t, err)
	require.Equal(t, total, n)
	require.Equal(t, src, dst)

	require.NoError(t, <-done)
}
