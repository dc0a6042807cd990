package image

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// IndexEntry records one tagged image in the local index. Built images are
// identified by cache key; imported and pulled images by the directory they
// materialized into.
type IndexEntry struct {
	CacheKey     string    `json:"cacheKey,omitempty"`
	Dir          string    `json:"dir,omitempty"`
	BaseRef      string    `json:"baseRef,omitempty"`
	Architecture string    `json:"architecture,omitempty"`
	Created      time.Time `json:"created"`
}

// Index maps name:tag references to locally built images. It persists as a
// single JSON file.
type Index struct {
	path   string
	Images map[string]IndexEntry `json:"images"`
}

// OpenIndex loads the index at path, returning an empty index when the file
// does not exist yet.
func OpenIndex(path string) (*Index, error) {
	ix := &Index{
		path:   path,
		Images: make(map[string]IndexEntry),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ix, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read image index: %w", err)
	}

	if err := json.Unmarshal(data, ix); err != nil {
		return nil, fmt.Errorf("decode image index: %w", err)
	}
	if ix.Images == nil {
		ix.Images = make(map[string]IndexEntry)
	}

	return ix, nil
}

// NormalizeRef appends the latest tag to a bare image name.
func NormalizeRef(ref string) string {
	if !strings.Contains(ref, ":") {
		return ref + ":latest"
	}
	return ref
}

// Tag records entry under ref, replacing any previous record.
func (ix *Index) Tag(ref string, entry IndexEntry) {
	ix.Images[NormalizeRef(ref)] = entry
}

// Lookup resolves ref to its index entry.
func (ix *Index) Lookup(ref string) (IndexEntry, bool) {
	entry, ok := ix.Images[NormalizeRef(ref)]
	return entry, ok
}

// Remove drops ref from the index, reporting whether it was present.
func (ix *Index) Remove(ref string) bool {
	ref = NormalizeRef(ref)
	if _, ok := ix.Images[ref]; !ok {
		return false
	}
	delete(ix.Images, ref)
	return true
}

// Refs returns all tagged references in sorted order.
func (ix *Index) Refs() []string {
	refs := make([]string, 0, len(ix.Images))
	for ref := range ix.Images {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Save writes the index back to disk.
func (ix *Index) Save() error {
	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("encode image index: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(ix.path), "index_*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write image index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close image index: %w", err)
	}

	if err := os.Rename(tmp.Name(), ix.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("finalize image index: %w", err)
	}

	return nil
}
