// Package layer provides content-addressed storage for filesystem layers
// and the cache-key derivation that makes builds replayable.
package layer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tinyrange/mason/internal/archive"
)

// Entry is a single change captured in a layer.
type Entry struct {
	Path     string
	Kind     archive.EntryKind
	Mode     fs.FileMode
	UID      int
	GID      int
	ModTime  time.Time
	Size     int64
	Data     []byte // regular file contents
	Linkname string // symlink target or hardlink source
}

// Data holds all modifications in one layer, in apply order.
type Data struct {
	Entries []Entry
}

// Layer is a stored, content-addressed layer.
type Layer struct {
	Hash         string // SHA-256 over the canonical serialization
	IndexPath    string
	ContentsPath string
}

// writeLayer serializes data through the archive writer into dir, naming the
// files by content hash. Writing the same data twice returns the existing
// layer.
func writeLayer(data *Data, dir string) (*Layer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create layer dir: %w", err)
	}

	tmpIdx, err := os.CreateTemp(dir, "layer-*.idx.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp index: %w", err)
	}
	tmpIdxPath := tmpIdx.Name()
	defer func() {
		tmpIdx.Close()
		os.Remove(tmpIdxPath)
	}()

	tmpContents, err := os.CreateTemp(dir, "layer-*.contents.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp contents: %w", err)
	}
	tmpContentsPath := tmpContents.Name()
	defer func() {
		tmpContents.Close()
		os.Remove(tmpContentsPath)
	}()

	w, err := archive.NewWriter(tmpIdx, tmpContents)
	if err != nil {
		return nil, fmt.Errorf("create archive writer: %w", err)
	}

	digest := sha256.New()

	for _, e := range data.Entries {
		hdr := &archive.Header{
			Kind:     e.Kind,
			Name:     e.Path,
			Linkname: e.Linkname,
			Mode:     e.Mode,
			UID:      e.UID,
			GID:      e.GID,
			ModTime:  e.ModTime,
		}

		var r io.Reader
		if e.Kind == archive.EntryKindRegular {
			hdr.Size = int64(len(e.Data))
			if len(e.Data) > 0 {
				r = io.TeeReader(bytes.NewReader(e.Data), digest)
			}
		}

		// Entry identity feeds the layer hash alongside file contents.
		digest.Write([]byte(e.Path))
		digest.Write([]byte{byte(e.Kind)})
		digest.Write([]byte(e.Linkname))
		digest.Write([]byte{0})

		if err := w.WriteEntry(hdr, r); err != nil {
			return nil, fmt.Errorf("write entry %s: %w", e.Path, err)
		}
	}

	if err := tmpIdx.Close(); err != nil {
		return nil, fmt.Errorf("close index: %w", err)
	}
	if err := tmpContents.Close(); err != nil {
		return nil, fmt.Errorf("close contents: %w", err)
	}

	hash := hex.EncodeToString(digest.Sum(nil))
	idxPath := filepath.Join(dir, hash+".idx")
	contentsPath := filepath.Join(dir, hash+".contents")

	if _, err := os.Stat(idxPath); err == nil {
		return &Layer{
			Hash:         hash,
			IndexPath:    idxPath,
			ContentsPath: contentsPath,
		}, nil
	}

	if err := os.Rename(tmpIdxPath, idxPath); err != nil {
		return nil, fmt.Errorf("rename index: %w", err)
	}
	if err := os.Rename(tmpContentsPath, contentsPath); err != nil {
		os.Remove(idxPath)
		return nil, fmt.Errorf("rename contents: %w", err)
	}

	return &Layer{
		Hash:         hash,
		IndexPath:    idxPath,
		ContentsPath: contentsPath,
	}, nil
}

// readLayer locates a stored layer by hash.
func readLayer(dir, hash string) (*Layer, error) {
	idxPath := filepath.Join(dir, hash+".idx")
	contentsPath := filepath.Join(dir, hash+".contents")

	if _, err := os.Stat(idxPath); err != nil {
		return nil, fmt.Errorf("layer index not found: %w", err)
	}
	if _, err := os.Stat(contentsPath); err != nil {
		return nil, fmt.Errorf("layer contents not found: %w", err)
	}

	return &Layer{
		Hash:         hash,
		IndexPath:    idxPath,
		ContentsPath: contentsPath,
	}, nil
}

// Walk iterates the layer's entries in order. For regular files, content
// reads exactly the stored bytes; for other kinds it is nil.
func (l *Layer) Walk(fn func(e archive.Entry, content io.Reader) error) error {
	idx, err := os.Open(l.IndexPath)
	if err != nil {
		return fmt.Errorf("open layer index: %w", err)
	}
	defer idx.Close()

	entries, err := archive.ReadAllEntries(idx)
	if err != nil {
		return fmt.Errorf("read layer index: %w", err)
	}

	contents, err := os.Open(l.ContentsPath)
	if err != nil {
		return fmt.Errorf("open layer contents: %w", err)
	}
	defer contents.Close()

	for _, e := range entries {
		var r io.Reader
		if e.Kind == archive.EntryKindRegular {
			h, err := e.Open(contents)
			if err != nil {
				return fmt.Errorf("open entry %s: %w", e.Name, err)
			}
			r = h
		}
		if err := fn(e, r); err != nil {
			return err
		}
	}

	return nil
}
