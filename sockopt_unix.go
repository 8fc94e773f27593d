//go:build !windows

package websocket

import (
	"net"

	"golang.org/x/sys/unix"
)

// applySockOpts applies each SockOpt to conn's underlying file
// descriptor via setsockopt, per spec.md §6. Failures are logged by the
// caller's Dialer rather than aborting the dial, matching sockopt being
// best-effort tuning rather than a correctness requirement.
func applySockOpts(conn *net.TCPConn, opts []SockOpt) error {
	if len(opts) == 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return wrap(err, "obtaining raw connection for sockopt")
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		for _, o := range opts {
			if err := unix.SetsockoptInt(int(fd), o.Level, o.Name, o.Value); err != nil {
				setErr = err
				return
			}
		}
	})
	if err != nil {
		return wrap(err, "sockopt control")
	}
	return setErr
}
