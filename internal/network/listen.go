package network

import (
	"net"
	"syscall"
)

// ReuseAddrListenConfig returns a ListenConfig that sets SO_REUSEADDR before bind
// where the platform supports it, so a restarted daemon can rebind at once.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) { opErr = setReuseAddr(fd) }); err != nil {
				return err
			}
			return opErr
		},
	}
}
