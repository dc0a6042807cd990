//go:build unix

package rootfs

import (
	"io/fs"
	"syscall"
)

// statSys extracts ownership and link identity from lstat data.
func statSys(info fs.FileInfo) (uid, gid int, inode, nlink uint64) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0, 0
	}
	return int(st.Uid), int(st.Gid), uint64(st.Ino), uint64(st.Nlink)
}
