//go:build windows

package utils

import "golang.org/x/sys/windows"

func setSocketOptions(fd uintptr) {
	windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_TCP, windows.TCP_NODELAY, 1) // Disable Nagle's algorithm
	windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, DefaultBufferSize)
	windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, DefaultBufferSize)
}
