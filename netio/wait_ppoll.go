//go:build linux || openbsd

package netio

import "golang.org/x/sys/unix"

// platformPollWait multiplexes a single pollfd via ppoll(2), atomically
// swapping sigmask in for the duration of the wait. linux and openbsd
// are the only POSIX targets golang.org/x/sys/unix exposes Ppoll on.
func platformPollWait(pfd []unix.PollFd, ts *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	return unix.Ppoll(pfd, ts, sigmask)
}
