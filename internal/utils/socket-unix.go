//go:build linux || darwin

package utils

import "golang.org/x/sys/unix"

func setSocketOptions(fd uintptr) {
	unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1) // Disable Nagle's algorithm
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, DefaultBufferSize)
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, DefaultBufferSize)
}
