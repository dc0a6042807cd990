package assemble

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the context filter file, gitignore syntax.
const IgnoreFileName = ".masonignore"

// BuildContext provides the source files copy instructions read from.
type BuildContext interface {
	// Open opens a file for reading.
	Open(path string) (io.ReadCloser, error)
	// Stat returns file info for a path.
	Stat(path string) (os.FileInfo, error)
	// Walk calls fn for every regular file under path in lexical order,
	// handing it an open reader that fn must close.
	Walk(path string, fn func(relPath string, info os.FileInfo, rc io.ReadCloser) error) error
	// Root returns the context root path.
	Root() string
}

// DirBuildContext is a BuildContext backed by a directory tree, filtered by
// an optional ignore file at its root.
type DirBuildContext struct {
	root    string
	matcher *ignore.GitIgnore
}

// NewDirBuildContext creates a build context rooted at a directory. An
// ignore file at the root filters what the context exposes.
func NewDirBuildContext(root string) (*DirBuildContext, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve context root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat context root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("context root is not a directory: %s", abs)
	}

	c := &DirBuildContext{root: abs}

	if data, err := os.ReadFile(filepath.Join(abs, IgnoreFileName)); err == nil {
		c.matcher = ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
	}

	return c, nil
}

func (c *DirBuildContext) Root() string {
	return c.root
}

// ignored reports whether a context-relative path is filtered out.
func (c *DirBuildContext) ignored(relPath string) bool {
	if c.matcher == nil {
		return false
	}
	return c.matcher.MatchesPath(relPath)
}

func (c *DirBuildContext) Open(path string) (io.ReadCloser, error) {
	cleaned, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	if c.ignored(cleaned) {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return os.Open(filepath.Join(c.root, cleaned))
}

func (c *DirBuildContext) Stat(path string) (os.FileInfo, error) {
	cleaned, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	if c.ignored(cleaned) {
		return nil, fmt.Errorf("stat %s: %w", path, fs.ErrNotExist)
	}
	return os.Stat(filepath.Join(c.root, cleaned))
}

// Walk visits every regular file under path, skipping ignored paths and
// symlinks. fn receives paths relative to the walked directory.
func (c *DirBuildContext) Walk(path string, fn func(relPath string, info os.FileInfo, rc io.ReadCloser) error) error {
	cleaned, err := c.resolve(path)
	if err != nil {
		return err
	}

	base := filepath.Join(c.root, cleaned)

	return filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		contextRel, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		if contextRel != "." && c.ignored(filepath.ToSlash(contextRel)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}

		rc, err := os.Open(p)
		if err != nil {
			return err
		}

		return fn(filepath.ToSlash(rel), info, rc)
	})
}

// resolve validates a context path and returns its cleaned relative form.
func (c *DirBuildContext) resolve(path string) (string, error) {
	if err := ValidatePath(c.root, path); err != nil {
		return "", err
	}

	cleaned := filepath.Clean(strings.TrimPrefix(path, "/"))
	return cleaned, nil
}

// ValidatePath ensures a path stays within the context root. It rejects
// traversal through ".." components and null bytes.
func ValidatePath(contextRoot, path string) error {
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("path contains null byte")
	}

	cleaned := filepath.Clean(path)

	// Absolute copy sources are interpreted relative to the context root,
	// the way docker treats them.
	if filepath.IsAbs(cleaned) {
		cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))
		cleaned = filepath.Clean(cleaned)
	}

	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return &PathTraversalError{Path: path}
	}

	for part := range strings.SplitSeq(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return &PathTraversalError{Path: path}
		}
	}

	if contextRoot != "" {
		abs := filepath.Join(contextRoot, cleaned)
		rel, err := filepath.Rel(contextRoot, abs)
		if err != nil {
			return fmt.Errorf("cannot resolve path %q", path)
		}
		if strings.HasPrefix(rel, "..") {
			return &PathTraversalError{Path: path}
		}
	}

	return nil
}
