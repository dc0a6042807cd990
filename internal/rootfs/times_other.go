//go:build !unix

package rootfs

import "time"

// lutimes is a no-op where lstat-style time updates are unavailable.
func lutimes(path string, t time.Time) error {
	return nil
}
