package assemble

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"runtime"
	"strings"

	"github.com/tinyrange/mason/internal/image"
	"github.com/tinyrange/mason/internal/layer"
	"github.com/tinyrange/mason/internal/rootfs"
)

// rootfsInstance adapts a staging rootfs to the Instance interface ops
// execute against.
type rootfsInstance struct {
	fs *rootfs.Rootfs
}

func (r rootfsInstance) CommandContext(ctx context.Context, name string, args ...string) Cmd {
	return r.fs.CommandContext(ctx, name, args...)
}

func (r rootfsInstance) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return r.fs.WriteFile(name, data, perm)
}

// BuildOptions configures a build run.
type BuildOptions struct {
	Store *layer.Store
	Base  *image.Image

	// BaseRef overrides the plan's base reference in cache keys, so a
	// normalized reference and the literal plan text key identically.
	BaseRef      string
	Architecture string

	// NoCache forces every step to execute even when cached layers exist.
	NoCache bool

	// StagingDir is the parent directory for the staging rootfs. Empty
	// means the system temp directory.
	StagingDir string

	Logger *slog.Logger

	// Stdout and Stderr receive command output from RUN steps.
	Stdout io.Writer
	Stderr io.Writer
}

// BuiltImage is the outcome of executing an assembled plan.
type BuiltImage struct {
	CacheKey string
	Manifest *layer.BuildManifest
	Config   image.Config
	Layers   []layer.Layer // base layers first, then built layers
	Base     *image.Image
}

// Image returns the built image in the in-memory form exporters consume.
func (b *BuiltImage) Image() *image.Image {
	return &image.Image{Config: b.Config, Layers: b.Layers}
}

// Build executes an assembled plan on top of its base image. Each step's
// filesystem changes are captured as a layer and recorded under the step's
// derived cache key, so rebuilding an unchanged plan replays from the store
// without executing anything.
func Build(ctx context.Context, result *Result, opts BuildOptions) (*BuiltImage, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("build: layer store is required")
	}
	if opts.Base == nil {
		return nil, fmt.Errorf("build: base image is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseRef := opts.BaseRef
	if baseRef == "" {
		baseRef = result.BaseRef
	}
	arch := opts.Architecture
	if arch == "" {
		arch = runtime.GOARCH
	}

	// keys[i] identifies the filesystem state after i steps.
	keys := make([]string, len(result.Steps)+1)
	keys[0] = layer.BaseKey(baseRef, arch)
	for i, step := range result.Steps {
		keys[i+1] = layer.DeriveKey(keys[i], step.Op.CacheKey())
	}
	finalKey := keys[len(keys)-1]

	cachedSteps, prefixLayers, prefixHashes := 0, []layer.Layer(nil), []string(nil)
	if !opts.NoCache {
		cachedSteps, prefixLayers, prefixHashes = longestCachedPrefix(opts.Store, keys, logger)
	}

	if cachedSteps == len(result.Steps) {
		if cachedSteps > 0 {
			logger.Info("build fully cached",
				slog.String("cacheKey", finalKey),
				slog.Int("steps", len(result.Steps)))
		}
		return finishBuild(result, opts, finalKey, baseRef, arch, prefixLayers, prefixHashes)
	}
	if cachedSteps > 0 {
		logger.Info("resuming from cached prefix",
			slog.Int("cached", cachedSteps),
			slog.Int("total", len(result.Steps)))
	}

	rfs, err := rootfs.New(opts.StagingDir, logger)
	if err != nil {
		return nil, fmt.Errorf("create staging rootfs: %w", err)
	}
	defer rfs.Close()

	if opts.Stdout != nil {
		rfs.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		rfs.Stderr = opts.Stderr
	}

	for i := range opts.Base.Layers {
		if err := rfs.ApplyLayer(&opts.Base.Layers[i]); err != nil {
			return nil, fmt.Errorf("extract base layer %s: %w", opts.Base.Layers[i].Hash, err)
		}
	}
	for i := range prefixLayers {
		if err := rfs.ApplyLayer(&prefixLayers[i]); err != nil {
			return nil, fmt.Errorf("replay cached layer %s: %w", prefixLayers[i].Hash, err)
		}
	}

	before, err := rfs.Scan(rootfs.DefaultExcludes())
	if err != nil {
		return nil, fmt.Errorf("scan staging rootfs: %w", err)
	}

	inst := rootfsInstance{fs: rfs}
	builtHashes := append([]string{}, prefixHashes...)
	builtLayers := append([]layer.Layer{}, prefixLayers...)

	for i := cachedSteps; i < len(result.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		step := result.Steps[i]
		logger.Info("applying instruction",
			slog.String("op", step.Instruction.Kind.String()),
			slog.Int("line", step.Instruction.Line),
			slog.Int("step", i+1),
			slog.Int("total", len(result.Steps)))

		if err := step.Op.Apply(ctx, inst); err != nil {
			return nil, &InstructionError{
				Index:    step.Index,
				Line:     step.Instruction.Line,
				Op:       step.Instruction.Kind.String(),
				Original: step.Instruction.Original,
				Err:      err,
			}
		}

		data, after, err := rfs.Diff(before, rootfs.DefaultExcludes())
		if err != nil {
			return nil, fmt.Errorf("diff staging rootfs: %w", err)
		}
		before = after

		l, err := opts.Store.WriteLayer(data)
		if err != nil {
			return nil, fmt.Errorf("store layer: %w", err)
		}
		builtHashes = append(builtHashes, l.Hash)
		builtLayers = append(builtLayers, *l)

		m := &layer.BuildManifest{
			CacheKey:     keys[i+1],
			Layers:       append([]string{}, builtHashes...),
			BaseRef:      baseRef,
			Architecture: arch,
		}
		if err := opts.Store.SaveManifest(m); err != nil {
			return nil, fmt.Errorf("save manifest: %w", err)
		}
	}

	return finishBuild(result, opts, finalKey, baseRef, arch, builtLayers, builtHashes)
}

// longestCachedPrefix finds the largest step count whose manifest and layers
// are all present in the store. Unreadable manifests and missing layers are
// skipped, not fatal.
func longestCachedPrefix(store *layer.Store, keys []string, logger *slog.Logger) (int, []layer.Layer, []string) {
	for i := len(keys) - 1; i >= 1; i-- {
		if !store.HasManifest(keys[i]) {
			continue
		}

		m, err := store.LoadManifest(keys[i])
		if err != nil {
			logger.Warn("ignoring unreadable build manifest",
				slog.String("cacheKey", keys[i]),
				slog.Any("error", err))
			continue
		}

		layers, err := resolveLayers(store, m.Layers)
		if err != nil {
			logger.Warn("ignoring build manifest with missing layers",
				slog.String("cacheKey", keys[i]),
				slog.Any("error", err))
			continue
		}

		return i, layers, m.Layers
	}
	return 0, nil, nil
}

func resolveLayers(store *layer.Store, hashes []string) ([]layer.Layer, error) {
	layers := make([]layer.Layer, 0, len(hashes))
	for _, hash := range hashes {
		l, err := store.Layer(strings.TrimPrefix(hash, "sha256:"))
		if err != nil {
			return nil, err
		}
		layers = append(layers, *l)
	}
	return layers, nil
}

func finishBuild(result *Result, opts BuildOptions, finalKey, baseRef, arch string, builtLayers []layer.Layer, builtHashes []string) (*BuiltImage, error) {
	m := &layer.BuildManifest{
		CacheKey:     finalKey,
		Layers:       builtHashes,
		BaseRef:      baseRef,
		Architecture: arch,
	}
	if err := opts.Store.SaveManifest(m); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}

	allLayers := append(append([]layer.Layer{}, opts.Base.Layers...), builtLayers...)

	return &BuiltImage{
		CacheKey: finalKey,
		Manifest: m,
		Config:   mergeConfig(opts.Base.Config, result, arch, allLayers),
		Layers:   allLayers,
		Base:     opts.Base,
	}, nil
}

// mergeConfig layers the plan's accumulated metadata over the base image
// configuration.
func mergeConfig(base image.Config, result *Result, arch string, layers []layer.Layer) image.Config {
	cfg := base

	cfg.Env = mergeEnv(base.Env, result.Env)

	if result.WorkDir != "" {
		cfg.WorkingDir = result.WorkDir
	}
	if result.User != "" {
		cfg.User, cfg.UID, cfg.GID = image.ParseUser(result.User)
	}
	if result.StopSignal != "" {
		cfg.StopSignal = result.StopSignal
	}

	if result.Entrypoint != nil {
		cfg.Entrypoint = result.Entrypoint
		if result.Cmd == nil {
			// A new entrypoint discards the base image's default arguments.
			cfg.Cmd = nil
		}
	}
	if result.Cmd != nil {
		cfg.Cmd = result.Cmd
	}
	if len(cfg.Entrypoint) == 0 && len(cfg.Cmd) == 0 {
		cfg.Cmd = []string{"/bin/sh"}
	}

	if len(result.Labels) > 0 {
		labels := make(map[string]string, len(base.Labels)+len(result.Labels))
		maps.Copy(labels, base.Labels)
		maps.Copy(labels, result.Labels)
		cfg.Labels = labels
	}

	if len(result.ExposedPorts) > 0 {
		ports := append([]string{}, base.ExposedPorts...)
		seen := make(map[string]bool, len(ports))
		for _, p := range ports {
			seen[p] = true
		}
		for _, p := range result.ExposedPorts {
			if !seen[p] {
				ports = append(ports, p)
				seen[p] = true
			}
		}
		cfg.ExposedPorts = ports
	}

	if arch != "" {
		cfg.Architecture = arch
	}

	cfg.Layers = make([]string, 0, len(layers))
	for _, l := range layers {
		cfg.Layers = append(cfg.Layers, "sha256:"+strings.TrimPrefix(l.Hash, "sha256:"))
	}

	return cfg
}

// mergeEnv applies override entries onto base, replacing entries whose key
// matches and appending new keys in order.
func mergeEnv(base, overrides []string) []string {
	out := append([]string{}, base...)
	for _, kv := range overrides {
		key, _, _ := strings.Cut(kv, "=")
		replaced := false
		for i, existing := range out {
			if ek, _, _ := strings.Cut(existing, "="); ek == key {
				out[i] = kv
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, kv)
		}
	}
	return out
}
