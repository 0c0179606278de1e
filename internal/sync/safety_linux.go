//go:build linux

package sync

import "golang.org/x/sys/unix"

// getDiskSpace returns the bytes available to unprivileged users on the
// volume containing path.
func getDiskSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:gosec // kernel guarantees non-negative values
}
