//go:build !windows

package websocket

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitReadable blocks until conn's file descriptor is readable or
// timeout elapses (0 meaning no timeout), per spec.md §5's readiness
// selection ahead of a resumable decode. It lets a caller distinguish
// "nothing arrived within ping_timeout" from a genuine blocking read,
// without tying up a goroutine in a read that can't be cancelled.
func waitReadable(conn net.Conn, timeout time.Duration) (ready bool, err error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		// No fd to poll (e.g. a pipe from a test double); fall back to
		// treating it as always ready so callers degrade to a plain
		// blocking read.
		return true, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false, wrap(err, "obtaining raw connection for poll")
	}

	var pollErr error
	var n int
	ctrlErr := raw.Control(func(fd uintptr) {
		ms := -1
		if timeout > 0 {
			ms = int(timeout / time.Millisecond)
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, pollErr = unix.Poll(fds, ms)
	})
	if ctrlErr != nil {
		return false, wrap(ctrlErr, "poll control")
	}
	if pollErr != nil {
		return false, wrap(pollErr, "poll")
	}
	return n > 0, nil
}
