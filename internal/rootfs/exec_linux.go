//go:build linux

package rootfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Run executes the command chrooted inside the staging rootfs, wiring output
// through to the rootfs's streams. Requires root.
func (c *Cmd) Run() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("run %s: chroot requires root privileges", c.name)
	}

	// The command path must resolve inside the rootfs, not against the
	// host. exec.Command's own lookup would consult the host PATH.
	binary := c.name
	if !strings.Contains(binary, "/") {
		resolved, err := c.lookPath(binary)
		if err != nil {
			return err
		}
		binary = resolved
	}

	dir := c.dir
	if dir == "" {
		dir = "/"
	}

	cmd := exec.CommandContext(c.ctx, binary, c.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: c.rootfs.dir}
	cmd.Dir = dir
	cmd.Env = c.env
	cmd.Stdout = c.rootfs.Stdout
	cmd.Stderr = c.rootfs.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command exited with status %d", exitErr.ExitCode())
		}
		return err
	}

	return nil
}

// lookPath searches the rootfs for name along the command's PATH, falling
// back to the conventional default when the environment does not set one.
func (c *Cmd) lookPath(name string) (string, error) {
	searchPath := defaultPath
	for _, kv := range c.env {
		if value, ok := strings.CutPrefix(kv, "PATH="); ok {
			searchPath = value
		}
	}

	for _, dir := range strings.Split(searchPath, ":") {
		if dir == "" {
			continue
		}
		candidate := "/" + strings.TrimPrefix(dir, "/") + "/" + name

		info, err := os.Stat(filepath.Join(c.rootfs.dir, filepath.FromSlash(candidate)))
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("command %q not found in rootfs: %w", name, fs.ErrNotExist)
}
