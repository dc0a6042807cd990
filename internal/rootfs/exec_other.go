//go:build !linux

package rootfs

import (
	"fmt"
	"runtime"
)

// Run reports that chrooted execution is unavailable on this platform.
// Plans whose instructions only copy files still work everywhere.
func (c *Cmd) Run() error {
	return fmt.Errorf("run %s on %s: %w", c.name, runtime.GOOS, ErrUnsupportedPlatform)
}
