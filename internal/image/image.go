// Package image models container images materialized on disk: a config.json
// describing the runtime configuration plus one index+contents file pair per
// layer. Both pulled base images and locally assembled images use this shape.
package image

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinyrange/mason/internal/layer"
)

// Config holds the runtime configuration of an image.
type Config struct {
	Layers       []string          `json:"layers"`
	Architecture string            `json:"architecture,omitempty"`
	Env          []string          `json:"env,omitempty"`
	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Cmd          []string          `json:"cmd,omitempty"`
	WorkingDir   string            `json:"workingDir,omitempty"`
	User         string            `json:"user,omitempty"`
	UID          *int              `json:"uid,omitempty"`
	GID          *int              `json:"gid,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	ExposedPorts []string          `json:"exposedPorts,omitempty"`
	StopSignal   string            `json:"stopSignal,omitempty"`
}

// Image is an image on disk: its config and the layers the config references.
type Image struct {
	Config Config
	Layers []layer.Layer
	Dir    string // directory containing config.json and the layer files
}

// Command returns the argv to run, combining entrypoint and cmd.
// If overrideCmd is provided, it replaces the cmd portion.
func (img *Image) Command(overrideCmd []string) []string {
	if len(overrideCmd) > 0 {
		if len(img.Config.Entrypoint) > 0 {
			return append(img.Config.Entrypoint, overrideCmd...)
		}
		return overrideCmd
	}
	if len(img.Config.Entrypoint) > 0 && len(img.Config.Cmd) > 0 {
		return append(img.Config.Entrypoint, img.Config.Cmd...)
	}
	if len(img.Config.Entrypoint) > 0 {
		return img.Config.Entrypoint
	}
	return img.Config.Cmd
}

// LoadFromDir loads an image from a directory containing config.json and
// layer *.idx/*.contents files.
func LoadFromDir(dir string) (*Image, error) {
	configPath := filepath.Join(dir, "config.json")
	f, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	img := &Image{
		Config: cfg,
		Dir:    dir,
	}

	for _, layerHash := range cfg.Layers {
		hash := strings.TrimPrefix(layerHash, "sha256:")
		img.Layers = append(img.Layers, layer.Layer{
			Hash:         layerHash,
			IndexPath:    filepath.Join(dir, hash+".idx"),
			ContentsPath: filepath.Join(dir, hash+".contents"),
		})
	}

	return img, nil
}

// WriteConfig writes config.json into img.Dir.
func (img *Image) WriteConfig() error {
	f, err := os.Create(filepath.Join(img.Dir, "config.json"))
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(img.Config); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return f.Close()
}

// SaveConfig writes a config to an arbitrary path, creating parent
// directories. Built images persist their merged config this way, keyed by
// cache key rather than living in an image directory.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return f.Close()
}

// LoadConfig reads a config written by SaveConfig.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ExportToDir copies the image artifacts for img into dstDir. The destination
// will contain config.json plus all referenced *.idx/*.contents files.
func ExportToDir(img *Image, dstDir string) error {
	if img == nil {
		return fmt.Errorf("nil image")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create dst dir: %w", err)
	}

	if err := copyFile(filepath.Join(img.Dir, "config.json"), filepath.Join(dstDir, "config.json")); err != nil {
		return err
	}

	for _, l := range img.Layers {
		if err := copyFile(l.IndexPath, filepath.Join(dstDir, filepath.Base(l.IndexPath))); err != nil {
			return err
		}
		if err := copyFile(l.ContentsPath, filepath.Join(dstDir, filepath.Base(l.ContentsPath))); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
