//go:build !unix

package rootfs

import "io/fs"

// statSys has no lstat data to draw on outside unix platforms.
func statSys(info fs.FileInfo) (uid, gid int, inode, nlink uint64) {
	return 0, 0, 0, 0
}
