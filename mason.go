// Package mason builds container images from declarative build plans.
//
// A plan is a Dockerfile-syntax text file. Build pulls the plan's base image
// from an OCI registry, applies the instructions in order inside a staging
// root filesystem, and captures each step's filesystem changes as a
// content-addressed layer. Rebuilding an unchanged plan replays from the
// layer cache without executing anything.
package mason

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinyrange/mason/internal/assemble"
	"github.com/tinyrange/mason/internal/config"
	"github.com/tinyrange/mason/internal/image"
	"github.com/tinyrange/mason/internal/layer"
	"github.com/tinyrange/mason/internal/plan"
	"github.com/tinyrange/mason/internal/registry"
)

// Version is stamped by the release build through -ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Plan is a parsed build plan.
type Plan = plan.Plan

// ParseError reports a syntax problem in a plan.
type ParseError = plan.ParseError

// UnsupportedError marks plan syntax the builder deliberately rejects.
type UnsupportedError = plan.UnsupportedError

// InstructionError reports the instruction a build failed at and why.
type InstructionError = assemble.InstructionError

// PathTraversalError reports a copy source escaping the build context.
type PathTraversalError = assemble.PathTraversalError

// Image is an image materialized on disk.
type Image = image.Image

// ImageConfig is the runtime configuration an image carries.
type ImageConfig = image.Config

// BuiltImage is the outcome of a successful build.
type BuiltImage = assemble.BuiltImage

// BuildManifest records the layers a cache key produced.
type BuildManifest = layer.BuildManifest

// IndexEntry records one tagged image in the local index.
type IndexEntry = image.IndexEntry

// Config is the tool configuration.
type Config = config.Config

// LoadConfig reads the tool configuration file at path, or the default
// location when path is empty.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ParsePlan parses plan source with caller-supplied build arguments.
func ParsePlan(data []byte, buildArgs map[string]string) (*Plan, error) {
	return plan.Parse(data, buildArgs)
}

// NormalizeRef appends the latest tag to a bare image name.
func NormalizeRef(ref string) string { return image.NormalizeRef(ref) }

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

// Builder ties the registry client, the layer store and the local image
// index together. One Builder serves any number of sequential builds.
type Builder struct {
	cfg      *config.Config
	store    *layer.Store
	registry *registry.Client
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// Logger receives diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// Progress enables download progress bars.
	Progress bool

	// Stdout and Stderr receive command output from RUN steps. Nil means
	// the process's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// NewBuilder opens the layer store and registry cache under the configured
// cache directory. A nil cfg loads the default configuration file.
func NewBuilder(cfg *Config, opts BuilderOptions) (*Builder, error) {
	if cfg == nil {
		var err error
		cfg, err = config.Load("")
		if err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := layer.Open(cfg.StoreDir())
	if err != nil {
		return nil, err
	}

	client, err := registry.NewClient(registry.Options{
		CacheDir: cfg.RegistryCacheDir(),
		Mirrors:  cfg.Mirrors(),
		Insecure: cfg.InsecureHosts(),
		Progress: opts.Progress,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Builder{
		cfg:      cfg,
		store:    store,
		registry: client,
		logger:   logger,
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
	}, nil
}

// Config returns the configuration the builder runs with.
func (b *Builder) Config() *Config { return b.cfg }

// BuildRequest describes one build invocation.
type BuildRequest struct {
	// PlanPath is the plan file to build. Plan may carry the content
	// inline instead.
	PlanPath string
	Plan     []byte

	// ContextDir is the build context root. Empty disables COPY.
	ContextDir string

	// BuildArgs override ARG defaults during parsing.
	BuildArgs map[string]string

	// Tags are name:tag references recorded in the local image index.
	Tags []string

	// NoCache forces every step to execute even when cached layers exist.
	NoCache bool

	// Platform overrides the configured target platform, either as a bare
	// architecture ("arm64") or an os/arch pair ("linux/arm64").
	Platform string
}

// Build parses the plan, pulls its base image and executes the instructions.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuiltImage, error) {
	data := req.Plan
	if req.PlanPath != "" {
		var err error
		data, err = os.ReadFile(req.PlanPath)
		if err != nil {
			return nil, fmt.Errorf("read plan: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no plan given")
	}

	p, err := plan.Parse(data, req.BuildArgs)
	if err != nil {
		return nil, err
	}
	if err := p.CheckMinVersion(semverVersion()); err != nil {
		return nil, err
	}

	arch := b.resolveArch(req.Platform, p.Base.Platform)

	base, err := b.registry.PullForArch(ctx, p.Base.Ref, arch)
	if err != nil {
		return nil, fmt.Errorf("pull base image %s: %w", p.Base.Ref, err)
	}

	assembler := assemble.NewAssembler(p)
	if req.ContextDir != "" {
		bctx, err := assemble.NewDirBuildContext(req.ContextDir)
		if err != nil {
			return nil, fmt.Errorf("open build context: %w", err)
		}
		assembler = assembler.WithContext(bctx)
	}

	result, err := assembler.Assemble()
	if err != nil {
		return nil, err
	}

	built, err := assemble.Build(ctx, result, assemble.BuildOptions{
		Store:        b.store,
		Base:         base,
		BaseRef:      p.Base.Ref,
		Architecture: arch,
		NoCache:      req.NoCache,
		Logger:       b.logger,
		Stdout:       b.stdout,
		Stderr:       b.stderr,
	})
	if err != nil {
		return nil, err
	}

	if err := image.SaveConfig(b.builtConfigPath(built.CacheKey), built.Config); err != nil {
		return nil, err
	}

	if len(req.Tags) > 0 {
		if err := b.tag(built, req.Tags); err != nil {
			return nil, err
		}
	}

	return built, nil
}

// Pull downloads an image without building. An empty platform means the
// configured default.
func (b *Builder) Pull(ctx context.Context, ref, platform string) (*Image, error) {
	return b.registry.PullForArch(ctx, ref, b.resolveArch(platform, ""))
}

// Import reads a docker-save tarball into the local cache and records its
// repository tags in the image index.
func (b *Builder) Import(tarPath string) (*Image, []string, error) {
	img, repoTags, err := b.registry.ImportTarball(tarPath)
	if err != nil {
		return nil, nil, err
	}

	if len(repoTags) > 0 {
		ix, err := image.OpenIndex(b.cfg.IndexPath())
		if err != nil {
			return nil, nil, err
		}
		for _, ref := range repoTags {
			ix.Tag(ref, image.IndexEntry{
				Dir:          img.Dir,
				Architecture: img.Config.Architecture,
				Created:      time.Now(),
			})
		}
		if err := ix.Save(); err != nil {
			return nil, nil, err
		}
	}

	return img, repoTags, nil
}

// Export writes a tagged image as a docker-save compatible tarball.
func (b *Builder) Export(ref string, w io.Writer) error {
	img, err := b.ResolveImage(ref)
	if err != nil {
		return err
	}
	return image.ExportTarball(img, image.NormalizeRef(ref), w)
}

// ImageSummary describes one tagged image in the local index.
type ImageSummary struct {
	Ref          string
	CacheKey     string
	BaseRef      string
	Architecture string
	Created      time.Time
	Layers       int
}

// Images lists the tagged images in the local index, sorted by reference.
func (b *Builder) Images() ([]ImageSummary, error) {
	ix, err := image.OpenIndex(b.cfg.IndexPath())
	if err != nil {
		return nil, err
	}

	var summaries []ImageSummary
	for _, ref := range ix.Refs() {
		entry, _ := ix.Lookup(ref)
		summary := ImageSummary{
			Ref:          ref,
			CacheKey:     entry.CacheKey,
			BaseRef:      entry.BaseRef,
			Architecture: entry.Architecture,
			Created:      entry.Created,
		}
		if entry.CacheKey != "" {
			if m, err := b.store.LoadManifest(entry.CacheKey); err == nil {
				summary.Layers = len(m.Layers)
			}
		} else if entry.Dir != "" {
			if img, err := image.LoadFromDir(entry.Dir); err == nil {
				summary.Layers = len(img.Layers)
			}
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// InspectResult bundles what the index and store record about one image.
type InspectResult struct {
	Ref      string
	Entry    IndexEntry
	Config   ImageConfig
	Manifest *BuildManifest // nil for imported images
}

// Inspect resolves a tagged image to its recorded configuration.
func (b *Builder) Inspect(ref string) (*InspectResult, error) {
	ix, err := image.OpenIndex(b.cfg.IndexPath())
	if err != nil {
		return nil, err
	}

	normalized := image.NormalizeRef(ref)
	entry, ok := ix.Lookup(ref)
	if !ok {
		return nil, fmt.Errorf("image %s not found", normalized)
	}

	result := &InspectResult{Ref: normalized, Entry: entry}

	if entry.Dir != "" {
		img, err := image.LoadFromDir(entry.Dir)
		if err != nil {
			return nil, err
		}
		result.Config = img.Config
		return result, nil
	}

	cfg, err := image.LoadConfig(b.builtConfigPath(entry.CacheKey))
	if err != nil {
		return nil, fmt.Errorf("load image config: %w", err)
	}
	result.Config = cfg

	if m, err := b.store.LoadManifest(entry.CacheKey); err == nil {
		result.Manifest = m
	}

	return result, nil
}

// ResolveImage loads a tagged image back from the caches with all its layer
// files located.
func (b *Builder) ResolveImage(ref string) (*Image, error) {
	ix, err := image.OpenIndex(b.cfg.IndexPath())
	if err != nil {
		return nil, err
	}

	entry, ok := ix.Lookup(ref)
	if !ok {
		return nil, fmt.Errorf("image %s not found", image.NormalizeRef(ref))
	}

	if entry.Dir != "" {
		return image.LoadFromDir(entry.Dir)
	}

	cfg, err := image.LoadConfig(b.builtConfigPath(entry.CacheKey))
	if err != nil {
		return nil, fmt.Errorf("load image config: %w", err)
	}

	baseDir := b.registry.ImageDir(entry.BaseRef, entry.Architecture)

	img := &Image{Config: cfg}
	for _, layerRef := range cfg.Layers {
		hash := strings.TrimPrefix(layerRef, "sha256:")

		// Built layers live in the store; base layers in the pulled
		// image's cache directory.
		if l, err := b.store.Layer(hash); err == nil {
			img.Layers = append(img.Layers, *l)
			continue
		}

		idxPath := filepath.Join(baseDir, hash+".idx")
		if _, err := os.Stat(idxPath); err != nil {
			return nil, fmt.Errorf("layer %s not found in store or base image cache", hash)
		}
		img.Layers = append(img.Layers, layer.Layer{
			Hash:         layerRef,
			IndexPath:    idxPath,
			ContentsPath: filepath.Join(baseDir, hash+".contents"),
		})
	}

	return img, nil
}

// RemoveTag drops a reference from the local index. Layers stay in the
// store; they may be shared.
func (b *Builder) RemoveTag(ref string) error {
	ix, err := image.OpenIndex(b.cfg.IndexPath())
	if err != nil {
		return err
	}
	if !ix.Remove(ref) {
		return fmt.Errorf("image %s not found", image.NormalizeRef(ref))
	}
	return ix.Save()
}

func (b *Builder) tag(built *BuiltImage, tags []string) error {
	ix, err := image.OpenIndex(b.cfg.IndexPath())
	if err != nil {
		return err
	}
	for _, ref := range tags {
		ix.Tag(ref, image.IndexEntry{
			CacheKey:     built.CacheKey,
			BaseRef:      built.Manifest.BaseRef,
			Architecture: built.Manifest.Architecture,
			Created:      time.Now(),
		})
	}
	return ix.Save()
}

func (b *Builder) builtConfigPath(cacheKey string) string {
	return filepath.Join(b.cfg.BuiltConfigDir(), cacheKey+".json")
}

// resolveArch picks the target architecture: explicit override, then the
// plan's FROM --platform, then the configured default. os/arch[/variant]
// platform strings reduce to their architecture part.
func (b *Builder) resolveArch(override, planPlatform string) string {
	platform := b.cfg.Platform
	if planPlatform != "" {
		platform = planPlatform
	}
	if override != "" {
		platform = override
	}

	parts := strings.Split(platform, "/")
	if len(parts) > 1 {
		platform = parts[1]
	}
	return registry.NormalizeArch(platform)
}

// semverVersion returns the running version in semver form for plan
// min-version checks. Dev builds skip the comparison.
func semverVersion() string {
	if Version == "" || Version == "dev" {
		return Version
	}
	if strings.HasPrefix(Version, "v") {
		return Version
	}
	return "v" + Version
}
