package rootfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/tinyrange/mason/internal/archive"
	"github.com/tinyrange/mason/internal/layer"
)

const modeBits = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// ApplyLayer extracts one layer into the staging directory. Entries apply in
// layer order: whiteouts remove paths, opaque entries clear directories, and
// everything else materializes on disk.
func (r *Rootfs) ApplyLayer(l *layer.Layer) error {
	return l.Walk(func(e archive.Entry, content io.Reader) error {
		if err := r.applyEntry(e, content); err != nil {
			return fmt.Errorf("apply %s: %w", e.Name, err)
		}
		return nil
	})
}

func (r *Rootfs) applyEntry(e archive.Entry, content io.Reader) error {
	target, err := r.resolveTarget(e.Name)
	if err != nil {
		return err
	}

	switch e.Kind {
	case archive.EntryKindDirectory:
		return r.applyDirectory(e, target)
	case archive.EntryKindRegular:
		return r.applyRegular(e, target, content)
	case archive.EntryKindSymlink:
		return r.applySymlink(e, target)
	case archive.EntryKindHardlink:
		return r.applyHardlink(e, target)
	case archive.EntryKindWhiteout:
		return os.RemoveAll(target)
	case archive.EntryKindOpaque:
		return r.applyOpaque(e, target)
	default:
		r.logger.Debug("skipping unsupported layer entry",
			slog.String("name", e.Name),
			slog.String("kind", e.Kind.String()))
		return nil
	}
}

func (r *Rootfs) applyDirectory(e archive.Entry, target string) error {
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(target, e.Mode.Perm()); err != nil {
		return err
	}

	// MkdirAll is subject to the umask; apply the recorded mode directly.
	if err := os.Chmod(target, e.Mode&modeBits); err != nil {
		return err
	}
	if err := r.lchown(target, e.UID, e.GID); err != nil {
		return err
	}
	return os.Chtimes(target, e.ModTime, e.ModTime)
}

func (r *Rootfs) applyRegular(e archive.Entry, target string, content io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	// Remove first so an existing hardlink, symlink, or directory never
	// receives the new contents.
	if err := os.RemoveAll(target); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, e.Mode.Perm())
	if err != nil {
		return err
	}

	if content != nil {
		if _, err := io.Copy(f, content); err != nil {
			f.Close()
			return err
		}
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Chmod(target, e.Mode&modeBits); err != nil {
		return err
	}
	if err := r.lchown(target, e.UID, e.GID); err != nil {
		return err
	}
	return os.Chtimes(target, e.ModTime, e.ModTime)
}

func (r *Rootfs) applySymlink(e archive.Entry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}

	if err := os.Symlink(e.Linkname, target); err != nil {
		return err
	}
	if err := r.lchown(target, e.UID, e.GID); err != nil {
		return err
	}

	if err := lutimes(target, e.ModTime); err != nil {
		return fmt.Errorf("set symlink times: %w", err)
	}
	return nil
}

func (r *Rootfs) applyHardlink(e archive.Entry, target string) error {
	source, err := r.resolveTarget(e.Linkname)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}

	return os.Link(source, target)
}

func (r *Rootfs) applyOpaque(e archive.Entry, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	children, err := os.ReadDir(target)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := os.RemoveAll(filepath.Join(target, child.Name())); err != nil {
			return err
		}
	}

	return nil
}

// lchown applies ownership, tolerating EPERM so unprivileged runs (tests,
// rootless extraction) still work.
func (r *Rootfs) lchown(target string, uid, gid int) error {
	if err := os.Lchown(target, uid, gid); err != nil {
		if errors.Is(err, syscall.EPERM) {
			return nil
		}
		return err
	}
	return nil
}
