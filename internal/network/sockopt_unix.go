//go:build !windows

package network

import (
	"net"
	"syscall"
)

// ListenConfig returns a net.ListenConfig that sets SO_REUSEADDR before
// binding, so a restarted server can rebind at once. A positive
// bufferBytes also sizes the kernel send and receive buffers; frame bursts
// to many viewers overflow the defaults.
func ListenConfig(bufferBytes int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opErr != nil || bufferBytes <= 0 {
					return
				}
				// Buffer sizes are best effort; the kernel clamps them.
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, bufferBytes)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, bufferBytes)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
