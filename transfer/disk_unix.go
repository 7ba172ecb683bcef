//go:build !windows

package transfer

import (
	"path/filepath"
	"syscall"
)

// freeDiskBytes reports the free space on the filesystem holding path's
// parent directory.
func freeDiskBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(path), &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
