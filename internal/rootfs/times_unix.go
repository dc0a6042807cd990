//go:build unix

package rootfs

import (
	"time"

	"golang.org/x/sys/unix"
)

// lutimes sets a symlink's timestamps without following it.
func lutimes(path string, t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Lutimes(path, []unix.Timeval{tv, tv})
}
