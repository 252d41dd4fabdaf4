//go:build !linux

package ws

import "syscall"

// listenControl is a no-op outside Linux; ReusePort is ignored there.
func listenControl(reusePort bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
