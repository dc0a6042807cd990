package layer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuildManifest records the layers a cache key produced, so an unchanged
// instruction prefix replays without re-execution.
type BuildManifest struct {
	Version      int      `json:"version"`
	CacheKey     string   `json:"cacheKey"`
	Layers       []string `json:"layers"` // built layer hashes in step order
	BaseRef      string   `json:"baseRef"`
	Architecture string   `json:"architecture"`
}

const manifestVersion = 1

// Store is an on-disk layer and manifest store rooted at a single directory.
type Store struct {
	root string
}

// Open creates the store directories under root if needed.
func Open(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.layersDir(), s.manifestsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return s, nil
}

func (s *Store) layersDir() string    { return filepath.Join(s.root, "layers") }
func (s *Store) manifestsDir() string { return filepath.Join(s.root, "manifests") }

// WriteLayer persists data content-addressed and returns the stored layer.
func (s *Store) WriteLayer(data *Data) (*Layer, error) {
	return writeLayer(data, s.layersDir())
}

// Layer locates a stored layer by hash.
func (s *Store) Layer(hash string) (*Layer, error) {
	return readLayer(s.layersDir(), hash)
}

// SaveManifest persists a build manifest under its cache key.
func (s *Store) SaveManifest(m *BuildManifest) error {
	m.Version = manifestVersion

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(s.manifestsDir(), m.CacheKey+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest for a cache key. Manifests written by an
// incompatible version are rejected.
func (s *Store) LoadManifest(cacheKey string) (*BuildManifest, error) {
	data, err := os.ReadFile(filepath.Join(s.manifestsDir(), cacheKey+".json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m BuildManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d", m.Version)
	}

	return &m, nil
}

// HasManifest reports whether a manifest exists for the cache key.
func (s *Store) HasManifest(cacheKey string) bool {
	_, err := os.Stat(filepath.Join(s.manifestsDir(), cacheKey+".json"))
	return err == nil
}

// ListManifests returns every stored manifest cache key.
func (s *Store) ListManifests() ([]string, error) {
	entries, err := os.ReadDir(s.manifestsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifests dir: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

// DeleteManifest removes a manifest. Layers stay; they may be shared with
// other manifests.
func (s *Store) DeleteManifest(cacheKey string) error {
	return os.Remove(filepath.Join(s.manifestsDir(), cacheKey+".json"))
}
