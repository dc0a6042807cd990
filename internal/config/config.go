// Package config loads the tool configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"gopkg.in/yaml.v3"
)

// maxConfigSize guards against accidentally pointing --config at a huge file.
const maxConfigSize = 1 << 20

// Registry holds per-registry overrides.
type Registry struct {
	// Mirror redirects pulls for this registry host to another endpoint.
	Mirror string `yaml:"mirror,omitempty"`
	// Insecure allows plain HTTP for this registry host.
	Insecure bool `yaml:"insecure,omitempty"`
}

// Config is the on-disk tool configuration. Zero values mean "use the
// default"; Load fills them in.
type Config struct {
	CacheDir   string              `yaml:"cacheDir,omitempty"`
	Platform   string              `yaml:"platform,omitempty"`
	Registries map[string]Registry `yaml:"registries,omitempty"`

	// UpdateCheck is a pointer to distinguish unset from false.
	UpdateCheck *bool `yaml:"updateCheck,omitempty"`
}

// DefaultPath returns the config file location used when --config is not
// given.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(configDir, "mason", "config.yaml"), nil
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file is not an error; it yields the defaults. Unknown
// fields are rejected so typos fail loudly instead of being ignored.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, cfg.normalize()
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file %s too large (%d bytes)", path, info.Size())
	}

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, cfg.normalize()
}

func (c *Config) normalize() error {
	if c.CacheDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("resolve cache dir: %w", err)
		}
		c.CacheDir = filepath.Join(cacheDir, "mason")
	}
	if c.Platform == "" {
		c.Platform = runtime.GOARCH
	}
	return nil
}

// UpdateCheckEnabled reports whether version checks against the release feed
// are allowed. Unset means enabled.
func (c *Config) UpdateCheckEnabled() bool {
	return c.UpdateCheck == nil || *c.UpdateCheck
}

// StoreDir is where built layers and build manifests live.
func (c *Config) StoreDir() string { return filepath.Join(c.CacheDir, "store") }

// RegistryCacheDir is where pulled manifests, configs and converted layers
// live.
func (c *Config) RegistryCacheDir() string { return filepath.Join(c.CacheDir, "registry") }

// IndexPath is the local image index file.
func (c *Config) IndexPath() string { return filepath.Join(c.CacheDir, "images.json") }

// BuiltConfigDir is where merged configs of built images live, one JSON file
// per cache key.
func (c *Config) BuiltConfigDir() string { return filepath.Join(c.CacheDir, "configs") }

// UpdateCacheDir is where update check results are cached.
func (c *Config) UpdateCacheDir() string { return filepath.Join(c.CacheDir, "update") }

// Mirrors returns the registry host to mirror endpoint remapping.
func (c *Config) Mirrors() map[string]string {
	if len(c.Registries) == 0 {
		return nil
	}
	mirrors := make(map[string]string)
	for host, reg := range c.Registries {
		if reg.Mirror != "" {
			mirrors[host] = reg.Mirror
		}
	}
	if len(mirrors) == 0 {
		return nil
	}
	return mirrors
}

// InsecureHosts returns the registry hosts allowed to use plain HTTP,
// sorted for stable behavior.
func (c *Config) InsecureHosts() []string {
	var hosts []string
	for host, reg := range c.Registries {
		if reg.Insecure {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts
}
