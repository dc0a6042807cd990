package image

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinyrange/mason/internal/archive"
	"github.com/tinyrange/mason/internal/layer"
)

// dockerManifestEntry is one entry in a docker-save manifest.json.
type dockerManifestEntry struct {
	Config       string                       `json:"Config"`
	RepoTags     []string                     `json:"RepoTags"`
	Layers       []string                     `json:"Layers"`
	LayerSources map[string]dockerLayerSource `json:"LayerSources,omitempty"`
}

// dockerLayerSource carries layer metadata in OCI-layout docker saves.
type dockerLayerSource struct {
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
}

// ExportTarball writes img as a docker-load compatible tarball tagged ref.
// Layers convert back from the index+contents format to uncompressed tars.
func ExportTarball(img *Image, ref string, w io.Writer) error {
	tw := tar.NewWriter(w)
	now := time.Now().UTC()

	var diffIDs []string
	var layerPaths []string

	for _, l := range img.Layers {
		digest, size, tmpPath, err := layerToTarFile(&l)
		if err != nil {
			return fmt.Errorf("convert layer %s: %w", l.Hash, err)
		}

		err = func() error {
			defer os.Remove(tmpPath)

			layerName := digest + "/layer.tar"
			if err := tw.WriteHeader(&tar.Header{
				Name:     digest + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
				ModTime:  now,
			}); err != nil {
				return err
			}
			if err := tw.WriteHeader(&tar.Header{
				Name:     layerName,
				Typeflag: tar.TypeReg,
				Mode:     0o644,
				Size:     size,
				ModTime:  now,
			}); err != nil {
				return err
			}

			tmp, err := os.Open(tmpPath)
			if err != nil {
				return err
			}
			defer tmp.Close()

			if _, err := io.Copy(tw, tmp); err != nil {
				return err
			}

			diffIDs = append(diffIDs, "sha256:"+digest)
			layerPaths = append(layerPaths, layerName)
			return nil
		}()
		if err != nil {
			return fmt.Errorf("write layer %s: %w", l.Hash, err)
		}
	}

	file := BuildConfigFile(img.Config, diffIDs, now)
	configBytes, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode image config: %w", err)
	}

	configName := fmt.Sprintf("%x.json", sha256.Sum256(configBytes))
	if err := writeTarFile(tw, configName, configBytes, now); err != nil {
		return err
	}

	manifest := []dockerManifestEntry{{
		Config:   configName,
		RepoTags: []string{ref},
		Layers:   layerPaths,
	}}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeTarFile(tw, "manifest.json", manifestBytes, now); err != nil {
		return err
	}

	// Legacy repositories file. Old docker versions want the top layer id.
	name, tag := splitRef(ref)
	topLayer := ""
	if len(layerPaths) > 0 {
		topLayer = strings.TrimSuffix(layerPaths[len(layerPaths)-1], "/layer.tar")
	}
	repoBytes, err := json.Marshal(map[string]map[string]string{name: {tag: topLayer}})
	if err != nil {
		return fmt.Errorf("encode repositories: %w", err)
	}
	if err := writeTarFile(tw, "repositories", repoBytes, now); err != nil {
		return err
	}

	return tw.Close()
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
	}); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func splitRef(ref string) (name, tag string) {
	name, tag, ok := strings.Cut(ref, ":")
	if !ok {
		tag = "latest"
	}
	return name, tag
}

// layerToTarFile renders one archive-format layer as an uncompressed tar in
// a temp file, returning its digest and size. The caller removes the file.
func layerToTarFile(l *layer.Layer) (digest string, size int64, tmpPath string, err error) {
	tmp, err := os.CreateTemp("", "mason_export_*")
	if err != nil {
		return "", 0, "", fmt.Errorf("create temp layer file: %w", err)
	}
	tmpPath = tmp.Name()

	defer func() {
		tmp.Close()
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, hasher)}
	tw := tar.NewWriter(counter)

	err = l.Walk(func(e archive.Entry, content io.Reader) error {
		hdr := &tar.Header{
			Name:    e.Name,
			Mode:    tarMode(e.Mode),
			Uid:     e.UID,
			Gid:     e.GID,
			ModTime: e.ModTime,
		}

		switch e.Kind {
		case archive.EntryKindRegular:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = e.Size
		case archive.EntryKindDirectory:
			hdr.Typeflag = tar.TypeDir
		case archive.EntryKindSymlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.Linkname
		case archive.EntryKindHardlink:
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = e.Linkname
		case archive.EntryKindWhiteout:
			hdr.Typeflag = tar.TypeReg
			hdr.Name = path.Join(path.Dir(e.Name), ".wh."+path.Base(e.Name))
			hdr.Size = 0
		case archive.EntryKindOpaque:
			hdr.Typeflag = tar.TypeReg
			hdr.Name = path.Join(e.Name, ".wh..wh..opq")
			hdr.Size = 0
		default:
			return fmt.Errorf("entry %s: cannot export kind %s", e.Name, e.Kind)
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if e.Kind == archive.EntryKindRegular && content != nil {
			if _, err := io.Copy(tw, content); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return "", 0, "", err
	}

	if err = tw.Close(); err != nil {
		return "", 0, "", err
	}
	if err = tmp.Close(); err != nil {
		return "", 0, "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), counter.n, tmpPath, nil
}

// tarMode converts an fs.FileMode to tar's permission bits, preserving
// setuid, setgid, and sticky.
func tarMode(mode fs.FileMode) int64 {
	m := int64(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		m |= 0o2000
	}
	if mode&fs.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// BuildConfigFile renders cfg as an OCI image config with the given
// uncompressed layer digests.
func BuildConfigFile(cfg Config, diffIDs []string, created time.Time) ConfigFile {
	file := ConfigFile{
		Architecture: cfg.Architecture,
		OS:           "linux",
		Created:      created,
		Config: RunConfig{
			User:       cfg.User,
			Env:        cfg.Env,
			Cmd:        StringSlice(cfg.Cmd),
			Entrypoint: StringSlice(cfg.Entrypoint),
			WorkingDir: cfg.WorkingDir,
			Labels:     cfg.Labels,
			StopSignal: cfg.StopSignal,
		},
		RootFS: RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
	}

	if len(cfg.ExposedPorts) > 0 {
		file.Config.ExposedPorts = make(map[string]struct{}, len(cfg.ExposedPorts))
		for _, port := range cfg.ExposedPorts {
			file.Config.ExposedPorts[port] = struct{}{}
		}
	}

	return file
}

// ImportTarball reads a docker-save tarball into destDir and returns the
// image plus the tags recorded in its manifest. Repeat imports of the same
// destination reuse the converted copy.
func ImportTarball(tarPath string, destDir string) (*Image, []string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create image directory: %w", err)
	}

	entry, err := readTarballManifest(tarPath)
	if err != nil {
		return nil, nil, err
	}

	if _, err := os.Stat(filepath.Join(destDir, "config.json")); err == nil {
		img, err := LoadFromDir(destDir)
		return img, entry.RepoTags, err
	}

	file, err := readTarballConfig(tarPath, entry.Config)
	if err != nil {
		return nil, nil, err
	}

	var cfg Config
	ApplyConfigFile(&cfg, file)

	layers, err := convertTarballLayers(tarPath, entry, destDir)
	if err != nil {
		return nil, nil, err
	}

	img := &Image{Dir: destDir}
	for _, l := range layers {
		cfg.Layers = append(cfg.Layers, l.Hash)
		img.Layers = append(img.Layers, l)
	}
	img.Config = cfg

	if err := img.WriteConfig(); err != nil {
		return nil, nil, err
	}

	return img, entry.RepoTags, nil
}

func readTarballManifest(tarPath string) (dockerManifestEntry, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return dockerManifestEntry{}, fmt.Errorf("open tar file %s: %w", tarPath, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return dockerManifestEntry{}, fmt.Errorf("read tar header: %w", err)
		}

		if hdr.Name != "manifest.json" {
			continue
		}

		var entries []dockerManifestEntry
		if err := json.NewDecoder(tr).Decode(&entries); err != nil {
			return dockerManifestEntry{}, fmt.Errorf("parse manifest.json: %w", err)
		}
		if len(entries) == 0 {
			return dockerManifestEntry{}, fmt.Errorf("no images found in tar archive")
		}
		return entries[0], nil
	}

	return dockerManifestEntry{}, fmt.Errorf("manifest.json not found in %s", tarPath)
}

func readTarballConfig(tarPath string, configName string) (ConfigFile, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return ConfigFile{}, fmt.Errorf("open tar file %s: %w", tarPath, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ConfigFile{}, fmt.Errorf("read tar header: %w", err)
		}

		if hdr.Name != configName {
			continue
		}

		var file ConfigFile
		if err := json.NewDecoder(tr).Decode(&file); err != nil {
			return ConfigFile{}, fmt.Errorf("decode image config: %w", err)
		}
		return file, nil
	}

	return ConfigFile{}, fmt.Errorf("image config %s not found in tar", configName)
}

func convertTarballLayers(tarPath string, entry dockerManifestEntry, destDir string) ([]layer.Layer, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, fmt.Errorf("open tar file %s: %w", tarPath, err)
	}
	defer f.Close()

	wanted := make(map[string]bool, len(entry.Layers))
	for _, name := range entry.Layers {
		wanted[name] = false
	}
	converted := make(map[string]layer.Layer)

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		if _, isLayer := wanted[hdr.Name]; !isLayer {
			continue
		}

		// One layer at a time; tar gives no random access.
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read layer %s: %w", hdr.Name, err)
		}

		compression := tarballLayerCompression(entry, hdr.Name)

		hash := fmt.Sprintf("%x", sha256.Sum256(data))
		indexPath := filepath.Join(destDir, hash+".idx")

		if _, err := os.Stat(indexPath); err == nil {
			converted[hdr.Name] = layer.Layer{
				Hash:         "sha256:" + hash,
				IndexPath:    indexPath,
				ContentsPath: filepath.Join(destDir, hash+".contents"),
			}
			wanted[hdr.Name] = true
			continue
		}

		l, err := LayerFromTar(hash, bytes.NewReader(data), compression, destDir)
		if err != nil {
			return nil, fmt.Errorf("process layer %s: %w", hdr.Name, err)
		}

		converted[hdr.Name] = l
		wanted[hdr.Name] = true
	}

	// Assemble in manifest order, not tar order.
	var layers []layer.Layer
	for _, name := range entry.Layers {
		if !wanted[name] {
			return nil, fmt.Errorf("layer %s not found in tar", name)
		}
		layers = append(layers, converted[name])
	}

	return layers, nil
}

// tarballLayerCompression determines layer compression from LayerSources
// metadata when present. Classic docker saves carry uncompressed layers;
// OCI-layout saves say so in the media type.
func tarballLayerCompression(entry dockerManifestEntry, name string) string {
	if entry.LayerSources != nil {
		layerHash := strings.TrimPrefix(name, "blobs/sha256/")
		if src, ok := entry.LayerSources["sha256:"+layerHash]; ok {
			if compression, err := CompressionFromMediaType(src.MediaType); err == nil {
				return compression
			}
		}
	}

	if strings.HasSuffix(name, ".tar") {
		return "none"
	}
	return "gzip"
}
