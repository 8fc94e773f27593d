//go:build windows

package websocket

import "net"

// applySockOpts is a no-op on platforms where the unix sockopt
// constants in SockOpt do not apply.
func applySockOpts(conn *net.TCPConn, opts []SockOpt) error {
	return nil
}
