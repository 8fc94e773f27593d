//go:build windows

package websocket

import (
	"net"
	"time"
)

// waitReadable on platforms without unix.Poll falls back to setting a
// read deadline and letting the subsequent Decode's io.ReadFull report a
// timeout the same way a poll timeout would.
func waitReadable(conn net.Conn, timeout time.Duration) (ready bool, err error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	return true, nil
}
