package assemble

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/tinyrange/mason/internal/layer"
)

// Instance is the execution surface an operation applies against: a staging
// rootfs during real builds, a mock in tests.
type Instance interface {
	CommandContext(ctx context.Context, name string, args ...string) Cmd
	WriteFile(name string, data []byte, perm fs.FileMode) error
}

// Cmd is one pending command inside an instance.
type Cmd interface {
	Run() error
	SetEnv(env []string)
	SetDir(dir string)
}

// Op is a single cacheable operation in the build fold. Two ops with equal
// cache keys must produce identical filesystem changes.
type Op interface {
	// CacheKey returns a deterministic key for this operation.
	CacheKey() string
	// Apply executes the operation against an instance.
	Apply(ctx context.Context, inst Instance) error
}

// runOp executes a command inside the instance.
type runOp struct {
	cmd     []string
	env     []string
	workDir string
}

func (o *runOp) CacheKey() string {
	return layer.RunOpKey(o.cmd, o.env, o.workDir)
}

func (o *runOp) Apply(ctx context.Context, inst Instance) error {
	cmd := inst.CommandContext(ctx, o.cmd[0], o.cmd[1:]...)
	if len(o.env) > 0 {
		cmd.SetEnv(o.env)
	}
	if o.workDir != "" {
		cmd.SetDir(o.workDir)
	}
	return cmd.Run()
}

// readerOp writes one file captured from the build context.
type readerOp struct {
	data        []byte
	dst         string
	mode        fs.FileMode
	contentHash string
}

func (o *readerOp) CacheKey() string {
	return layer.CopyOpKey("reader", o.dst, o.contentHash)
}

func (o *readerOp) Apply(ctx context.Context, inst Instance) error {
	if err := inst.WriteFile(o.dst, o.data, o.mode); err != nil {
		return fmt.Errorf("write %s: %w", o.dst, err)
	}
	return nil
}

// copyOp copies a directory tree from the build context. The tree is hashed
// at assembly time and streamed at apply time, so large contexts never sit
// in memory.
type copyOp struct {
	context     BuildContext
	src         string
	dst         string
	contentHash string
}

func (o *copyOp) CacheKey() string {
	return layer.CopyOpKey(o.src, o.dst, o.contentHash)
}

func (o *copyOp) Apply(ctx context.Context, inst Instance) error {
	return o.context.Walk(o.src, func(relPath string, info fs.FileInfo, rc io.ReadCloser) error {
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read %s: %w", relPath, err)
		}

		dst := path.Join(o.dst, relPath)
		if err := inst.WriteFile(dst, data, info.Mode().Perm()); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		return nil
	})
}
