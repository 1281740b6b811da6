//go:build linux || darwin

package utils

import "golang.org/x/sys/unix"

// FreeBytes is the space available to an unprivileged user on the volume of path.
func FreeBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
