//go:build windows

package network

import (
	"net"
	"syscall"
)

// ListenConfig returns a net.ListenConfig that sets SO_REUSEADDR and, for
// a positive bufferBytes, the socket buffer sizes.
func ListenConfig(bufferBytes int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				h := syscall.Handle(fd)
				syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if bufferBytes > 0 {
					syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_RCVBUF, bufferBytes)
					syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_SNDBUF, bufferBytes)
				}
			})
		},
	}
}
