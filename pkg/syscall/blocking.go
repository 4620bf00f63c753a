package syscall

import (
	"errors"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// errNotReady is probeReady's internal "try again" signal, distinct from a
// hard poll() failure.
var errNotReady = errors.New("syscall: fd not ready")

// probeReady implements the non-blocking I/O probe of §4.8: a bounded
// exponential backoff around a zero-timeout poll(), rather than a
// hand-rolled sleep loop, exactly as SPEC_FULL.md's domain stack section
// specifies for github.com/cenkalti/backoff.
func probeReady(hostFD int, events int16) (bool, error) {
	op := func() error {
		pfd := []unix.PollFd{{Fd: int32(hostFD), Events: events}}
		n, err := unix.Poll(pfd, 0)
		if err != nil {
			return backoff.Permanent(err)
		}
		if n == 0 || pfd[0].Revents&events == 0 {
			return errNotReady
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return true, nil
	case err == errNotReady:
		return false, nil
	default:
		return false, err
	}
}

// maybeCancel is the shared guard every blocking-capable handler opens
// with: when thread_blocking_io is false, it probes the fd and returns
// Cancel if not ready, per "returns a cancel sentinel so the dispatcher
// can roll back the syscall PC and yield to the next guest thread."
func maybeCancel(d *Deps, hostFD int, events int16) error {
	if d.ThreadBlockingIO {
		return nil
	}
	ready, err := probeReady(hostFD, events)
	if err != nil {
		return err
	}
	if !ready {
		return Cancel
	}
	return nil
}
