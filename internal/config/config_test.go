package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cacheHome := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", cacheHome)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with missing default config failed: %v", err)
	}

	if want := filepath.Join(cacheHome, "mason"); cfg.CacheDir != want {
		t.Errorf("cache dir = %q, want %q", cfg.CacheDir, want)
	}
	if cfg.Platform != runtime.GOARCH {
		t.Errorf("platform = %q, want %q", cfg.Platform, runtime.GOARCH)
	}
	if !cfg.UpdateCheckEnabled() {
		t.Error("update check should default to enabled")
	}
	if cfg.Mirrors() != nil {
		t.Errorf("mirrors = %v, want nil", cfg.Mirrors())
	}
	if hosts := cfg.InsecureHosts(); len(hosts) != 0 {
		t.Errorf("insecure hosts = %v, want none", hosts)
	}
}

func TestLoadExplicitMissing(t *testing.T) {
	// A missing default config is fine; a missing --config path is not.
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for explicitly named missing config")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `cacheDir: /var/cache/mason-test
platform: arm64
updateCheck: false
registries:
  registry-1.docker.io:
    mirror: mirror.internal:5000
  "localhost:5000":
    insecure: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CacheDir != "/var/cache/mason-test" {
		t.Errorf("cache dir = %q", cfg.CacheDir)
	}
	if cfg.Platform != "arm64" {
		t.Errorf("platform = %q", cfg.Platform)
	}
	if cfg.UpdateCheckEnabled() {
		t.Error("update check should be disabled")
	}

	mirrors := cfg.Mirrors()
	if len(mirrors) != 1 || mirrors["registry-1.docker.io"] != "mirror.internal:5000" {
		t.Errorf("mirrors = %v", mirrors)
	}
	hosts := cfg.InsecureHosts()
	if len(hosts) != 1 || hosts[0] != "localhost:5000" {
		t.Errorf("insecure hosts = %v", hosts)
	}

	// Derived paths all live under the cache dir.
	if want := "/var/cache/mason-test/store"; cfg.StoreDir() != filepath.FromSlash(want) {
		t.Errorf("store dir = %q, want %q", cfg.StoreDir(), want)
	}
	if want := "/var/cache/mason-test/images.json"; cfg.IndexPath() != filepath.FromSlash(want) {
		t.Errorf("index path = %q, want %q", cfg.IndexPath(), want)
	}
	if want := "/var/cache/mason-test/registry"; cfg.RegistryCacheDir() != filepath.FromSlash(want) {
		t.Errorf("registry cache dir = %q, want %q", cfg.RegistryCacheDir(), want)
	}
	if want := "/var/cache/mason-test/configs"; cfg.BuiltConfigDir() != filepath.FromSlash(want) {
		t.Errorf("built config dir = %q, want %q", cfg.BuiltConfigDir(), want)
	}
	if want := "/var/cache/mason-test/update"; cfg.UpdateCacheDir() != filepath.FromSlash(want) {
		t.Errorf("update cache dir = %q, want %q", cfg.UpdateCacheDir(), want)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "cacheDri: /oops\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "cacheDri") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoadRejectsHugeFile(t *testing.T) {
	path := writeConfig(t, strings.Repeat("#", maxConfigSize+1))

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("error = %v, want size guard error", err)
	}
}

func TestUpdateCheckEnabled(t *testing.T) {
	enabled := true
	disabled := false

	tests := []struct {
		name string
		val  *bool
		want bool
	}{
		{"unset", nil, true},
		{"true", &enabled, true},
		{"false", &disabled, false},
	}
	for _, tt := range tests {
		cfg := &Config{UpdateCheck: tt.val}
		if got := cfg.UpdateCheckEnabled(); got != tt.want {
			t.Errorf("%s: UpdateCheckEnabled() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRegistryMaps(t *testing.T) {
	// Insecure-only registries contribute no mirror entries.
	cfg := &Config{Registries: map[string]Registry{
		"b.example.com": {Insecure: true},
		"a.example.com": {Insecure: true},
	}}
	if m := cfg.Mirrors(); m != nil {
		t.Errorf("mirrors = %v, want nil", m)
	}

	hosts := cfg.InsecureHosts()
	if len(hosts) != 2 || hosts[0] != "a.example.com" || hosts[1] != "b.example.com" {
		t.Errorf("insecure hosts = %v, want sorted pair", hosts)
	}
}
