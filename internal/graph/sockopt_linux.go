//go:build linux

package graph

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl lets a restarted relay rebind its ingest ports immediately
// and raises the receive buffer beyond rmem_max when running privileged.
func listenControl(readBuffer int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if sockErr != nil || readBuffer <= 0 {
				return
			}
			// SO_RCVBUFFORCE needs CAP_NET_ADMIN; SetReadBuffer after bind covers the rest.
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, readBuffer)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
