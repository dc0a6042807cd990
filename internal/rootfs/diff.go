package rootfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tinyrange/mason/internal/archive"
	"github.com/tinyrange/mason/internal/layer"
)

// TreeIndex records the metadata of every path in the staging tree at scan
// time. Two indexes taken around an instruction give the differ everything
// it needs to emit that instruction's layer.
type TreeIndex struct {
	entries map[string]indexEntry
}

type indexEntry struct {
	kind     archive.EntryKind
	mode     fs.FileMode
	uid      int
	gid      int
	size     int64
	mtime    int64 // UnixNano
	linkname string
	inode    uint64
	nlink    uint64
}

func (a indexEntry) changed(b indexEntry) bool {
	return a.kind != b.kind ||
		a.mode != b.mode ||
		a.uid != b.uid ||
		a.gid != b.gid ||
		a.size != b.size ||
		a.mtime != b.mtime ||
		a.linkname != b.linkname
}

// Scan walks the staging tree and indexes every path not excluded. Paths
// that vanish mid-scan (a stray process still writing) are skipped rather
// than failing the build.
func (r *Rootfs) Scan(excludes []string) (*TreeIndex, error) {
	index := &TreeIndex{entries: make(map[string]indexEntry)}

	err := filepath.WalkDir(r.dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if p == r.dir {
			return nil
		}

		rel, err := filepath.Rel(r.dir, p)
		if err != nil {
			return err
		}
		nodePath := "/" + filepath.ToSlash(rel)

		if shouldExclude(nodePath, excludes) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		entry := indexEntry{
			mode:  info.Mode(),
			mtime: info.ModTime().UnixNano(),
		}

		switch {
		case info.Mode().IsDir():
			entry.kind = archive.EntryKindDirectory
		case info.Mode()&fs.ModeSymlink != 0:
			entry.kind = archive.EntryKindSymlink
			linkname, err := os.Readlink(p)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			entry.linkname = linkname
		case info.Mode().IsRegular():
			entry.kind = archive.EntryKindRegular
			entry.size = info.Size()
		default:
			// Sockets, fifos, and devices are runtime artifacts, not
			// image contents.
			return nil
		}

		entry.uid, entry.gid, entry.inode, entry.nlink = statSys(info)

		index.entries[nodePath] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rootfs: %w", err)
	}

	return index, nil
}

// Diff rescans the tree and returns everything that changed since before as
// layer data, plus the fresh index to baseline the next instruction.
func (r *Rootfs) Diff(before *TreeIndex, excludes []string) (*layer.Data, *TreeIndex, error) {
	after, err := r.Scan(excludes)
	if err != nil {
		return nil, nil, err
	}

	paths := make([]string, 0, len(after.entries))
	for p := range after.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	canonical := hardlinkTargets(before, after, paths)

	var data layer.Data
	for _, p := range paths {
		ae := after.entries[p]
		be, existed := before.entries[p]
		if existed && !be.changed(ae) {
			continue
		}

		entry := layer.Entry{
			Path:    p,
			Kind:    ae.kind,
			Mode:    ae.mode,
			UID:     ae.uid,
			GID:     ae.gid,
			ModTime: time.Unix(0, ae.mtime),
		}

		switch ae.kind {
		case archive.EntryKindRegular:
			if canon, ok := canonical[ae.inode]; ok && canon != p {
				entry.Kind = archive.EntryKindHardlink
				entry.Linkname = canon
			} else {
				target, err := r.resolveTarget(p)
				if err != nil {
					return nil, nil, err
				}
				content, err := os.ReadFile(target)
				if err != nil {
					return nil, nil, fmt.Errorf("read %s: %w", p, err)
				}
				entry.Data = content
				entry.Size = int64(len(content))
			}
		case archive.EntryKindSymlink:
			entry.Linkname = ae.linkname
		}

		data.Entries = append(data.Entries, entry)
	}

	data.Entries = append(data.Entries, whiteoutsFor(before, after)...)

	sort.Slice(data.Entries, func(i, j int) bool {
		return data.Entries[i].Path < data.Entries[j].Path
	})

	return &data, after, nil
}

// hardlinkTargets picks one canonical path per multiply-linked inode. A path
// that already existed unchanged wins so new links can point at content the
// lower layers already carry; otherwise the first changed path carries the
// content and the rest become hardlinks.
func hardlinkTargets(before, after *TreeIndex, sortedPaths []string) map[uint64]string {
	canonical := make(map[uint64]string)

	for _, p := range sortedPaths {
		ae := after.entries[p]
		if ae.kind != archive.EntryKindRegular || ae.nlink <= 1 {
			continue
		}

		if existing, ok := canonical[ae.inode]; ok {
			be, existed := before.entries[existing]
			if existed && !be.changed(after.entries[existing]) {
				continue
			}
		}

		be, existed := before.entries[p]
		if existed && !be.changed(ae) {
			canonical[ae.inode] = p
			continue
		}

		if _, ok := canonical[ae.inode]; !ok {
			canonical[ae.inode] = p
		}
	}

	return canonical
}

// whiteoutsFor returns whiteout entries for paths that disappeared, skipping
// children of directories that are themselves whited out.
func whiteoutsFor(before, after *TreeIndex) []layer.Entry {
	var deleted []string
	for p := range before.entries {
		if _, ok := after.entries[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(deleted)

	var entries []layer.Entry
	lastDir := ""
	for _, p := range deleted {
		if lastDir != "" && strings.HasPrefix(p, lastDir+"/") {
			continue
		}
		entries = append(entries, layer.Entry{
			Path: p,
			Kind: archive.EntryKindWhiteout,
		})
		if before.entries[p].kind == archive.EntryKindDirectory {
			lastDir = p
		}
	}

	return entries
}
