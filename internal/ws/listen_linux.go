//go:build linux

package ws

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl returns the socket option hook for the listener. With
// reusePort set, several processes may bind the same address and the kernel
// balances incoming connections between them.
func listenControl(reusePort bool) func(network, address string, c syscall.RawConn) error {
	if !reusePort {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
