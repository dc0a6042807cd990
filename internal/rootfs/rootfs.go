// Package rootfs manages the staging directory a build assembles its image
// in. Base layers extract into the directory, run instructions execute
// chrooted inside it, and the differ turns the resulting tree changes into
// new layers.
package rootfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsupportedPlatform reports that command execution inside the rootfs is
// not available on this operating system.
var ErrUnsupportedPlatform = errors.New("rootfs command execution is only supported on linux")

// Rootfs is a staging directory owned by a single build.
type Rootfs struct {
	dir    string
	logger *slog.Logger

	// Stdout and Stderr receive the output of commands run inside the
	// rootfs. They default to the process's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// New creates an empty staging rootfs under parent. An empty parent uses the
// system temp directory.
func New(parent string, logger *slog.Logger) (*Rootfs, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("create staging parent: %w", err)
		}
	}

	dir, err := os.MkdirTemp(parent, "rootfs_*")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Rootfs{
		dir:    dir,
		logger: logger,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Dir returns the staging directory path.
func (r *Rootfs) Dir() string {
	return r.dir
}

// Close removes the staging directory and everything in it.
func (r *Rootfs) Close() error {
	return os.RemoveAll(r.dir)
}

// resolveTarget maps a path inside the image to a path inside the staging
// directory, rejecting escapes. The returned path is lexically contained;
// callers that follow symlinks must resolve parents themselves.
func (r *Rootfs) resolveTarget(name string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimPrefix(name, "/"))
	if cleaned == "/" {
		return r.dir, nil
	}

	target := filepath.Join(r.dir, filepath.FromSlash(cleaned))

	rel, err := filepath.Rel(r.dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes rootfs", name)
	}

	return target, nil
}

// WriteFile writes data to name inside the rootfs, creating parent
// directories as needed.
func (r *Rootfs) WriteFile(name string, data []byte, perm fs.FileMode) error {
	target, err := r.resolveTarget(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", name, err)
	}

	if err := os.WriteFile(target, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	return nil
}

// Cmd is a pending command execution inside the rootfs.
type Cmd struct {
	rootfs *Rootfs
	ctx    context.Context
	name   string
	args   []string
	env    []string
	dir    string
}

// CommandContext prepares a command to run chrooted inside the rootfs.
func (r *Rootfs) CommandContext(ctx context.Context, name string, args ...string) *Cmd {
	return &Cmd{
		rootfs: r,
		ctx:    ctx,
		name:   name,
		args:   args,
	}
}

// SetEnv replaces the command's environment.
func (c *Cmd) SetEnv(env []string) {
	c.env = env
}

// SetDir sets the working directory, interpreted inside the rootfs.
func (c *Cmd) SetDir(dir string) {
	c.dir = dir
}

// DefaultExcludes lists the runtime mount points the differ never captures.
func DefaultExcludes() []string {
	return []string{"/proc", "/sys", "/dev", "/tmp"}
}

// shouldExclude reports whether a path matches any exclusion pattern, either
// exactly, by glob, or as a child of an excluded directory.
func shouldExclude(nodePath string, excludes []string) bool {
	for _, pattern := range excludes {
		if nodePath == pattern {
			return true
		}

		matched, err := path.Match(pattern, nodePath)
		if err == nil && matched {
			return true
		}

		if strings.HasPrefix(nodePath, pattern+"/") {
			return true
		}
	}
	return false
}
