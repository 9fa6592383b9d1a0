//go:build !linux && !openbsd

package netio

import "golang.org/x/sys/unix"

// platformPollWait multiplexes a single pollfd via poll(2) on targets
// where unix.Ppoll does not exist (darwin, freebsd, netbsd, dragonfly).
// Lacking ppoll's atomic mask swap, it swaps sigmask in via
// pthread_sigmask immediately before the call and restores the saved
// mask immediately after, the "mask swapped in and out around the
// call" fallback spec.md §4.2 step 4b describes. (reactor_other.go's
// platformWait, by contrast, calls plain poll with no mask swap.)
func platformPollWait(pfd []unix.PollFd, ts *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	if sigmask != nil {
		var saved unix.Sigset_t
		if err := unix.PthreadSigmask(unix.SIG_SETMASK, sigmask, &saved); err != nil {
			return 0, err
		}
		defer unix.PthreadSigmask(unix.SIG_SETMASK, &saved, nil)
	}

	timeoutMs := -1
	if ts != nil {
		timeoutMs = int(ts.Sec)*1000 + int(ts.Nsec)/1_000_000
	}
	return unix.Poll(pfd, timeoutMs)
}
