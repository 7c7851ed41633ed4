//go:build linux

package report

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// birthTime returns the creation time of path from statx, falling back to
// the modification time when the filesystem does not record it.
func birthTime(path string, info os.FileInfo) time.Time {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME, &stx)
	if err == nil && stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return info.ModTime()
}
