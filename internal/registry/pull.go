package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tinyrange/mason/internal/image"
	"github.com/tinyrange/mason/internal/layer"
)

// Manifest types for the OCI/Docker distribution protocol.

type imagePlatform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant"`
}

type manifestDescriptor struct {
	MediaType string        `json:"mediaType"`
	Size      uint64        `json:"size"`
	Digest    string        `json:"digest"`
	Platform  imagePlatform `json:"platform"`
}

type imageIndex struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType"`
	Manifests     []manifestDescriptor `json:"manifests"`
}

type blobDescriptor struct {
	MediaType string `json:"mediaType"`
	Size      uint64 `json:"size"`
	Digest    string `json:"digest"`
}

type imageManifest struct {
	SchemaVersion int              `json:"schemaVersion"`
	MediaType     string           `json:"mediaType"`
	Config        blobDescriptor   `json:"config"`
	Layers        []blobDescriptor `json:"layers"`
}

type v1Layer struct {
	BlobSum string `json:"blobSum"`
}

type v1Manifest struct {
	SchemaVersion int       `json:"schemaVersion"`
	Name          string    `json:"name"`
	Tag           string    `json:"tag"`
	Architecture  string    `json:"architecture"`
	FsLayers      []v1Layer `json:"fsLayers"`
}

// NormalizeArch maps machine architecture names to their OCI equivalents.
func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	default:
		return arch
	}
}

// IsLocalTar reports whether the image reference points at a local tar file
// instead of a registry.
func IsLocalTar(imageRef string) bool {
	return (strings.HasPrefix(imageRef, "./") || strings.HasPrefix(imageRef, "../") || strings.HasPrefix(imageRef, "/")) && strings.HasSuffix(imageRef, ".tar")
}

// Pull downloads an image for the host architecture.
func (c *Client) Pull(ctx context.Context, imageRef string) (*image.Image, error) {
	return c.PullForArch(ctx, imageRef, runtime.GOARCH)
}

// ImageDir returns the cache directory a pulled reference materializes into.
func (c *Client) ImageDir(imageRef, arch string) string {
	if IsLocalTar(imageRef) {
		if abs, err := filepath.Abs(imageRef); err == nil {
			imageRef = abs
		}
		return filepath.Join(c.cacheDir, "images", sanitizeForFilename(imageRef))
	}
	return filepath.Join(c.cacheDir, "images", sanitizeForFilename(imageRef+"-"+NormalizeArch(arch)))
}

// ImportTarball loads a docker-save tarball into the image cache, returning
// the image and the repository tags recorded in its manifest.
func (c *Client) ImportTarball(tarPath string) (*image.Image, []string, error) {
	abs, err := filepath.Abs(tarPath)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve tar path: %w", err)
	}
	return image.ImportTarball(abs, filepath.Join(c.cacheDir, "images", sanitizeForFilename(abs)))
}

// PullForArch downloads an image for a specific architecture. The pulled
// image is cached on disk; repeat pulls of the same reference return the
// cached copy without touching the network.
func (c *Client) PullForArch(ctx context.Context, imageRef string, arch string) (*image.Image, error) {
	arch = NormalizeArch(arch)

	if IsLocalTar(imageRef) {
		img, _, err := c.ImportTarball(imageRef)
		return img, err
	}

	host, imageName, tag, err := ParseImageRef(imageRef)
	if err != nil {
		return nil, fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	rc := &registryContext{
		logger:   c.logger,
		client:   c.client,
		registry: c.baseURL(host),
	}

	// The image directory is keyed by reference and architecture.
	imageDir := c.ImageDir(imageRef, arch)
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}

	if _, err := os.Stat(filepath.Join(imageDir, "config.json")); err == nil {
		return image.LoadFromDir(imageDir)
	}

	c.logger.Info("pulling image",
		slog.String("ref", imageRef),
		slog.String("arch", arch))

	manifest, err := c.fetchManifestForArch(ctx, rc, imageName, arch, tag)
	if err != nil {
		return nil, err
	}

	return c.processManifest(ctx, rc, imageDir, imageName, manifest)
}

func (c *Client) fetchManifestForArch(ctx context.Context, rc *registryContext, imageName string, arch string, tag string) (imageManifest, error) {
	indexPath := fmt.Sprintf("/%s/manifests/%s", imageName, tag)
	accept := []string{
		"application/vnd.docker.distribution.manifest.list.v2+json",
		"application/vnd.oci.image.index.v1+json",
		"application/vnd.docker.distribution.manifest.v2+json",
		"application/vnd.oci.image.manifest.v1+json",
	}

	cachePath, err := c.fetchToCache(ctx, rc, indexPath, accept, "")
	if err != nil {
		return imageManifest{}, err
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		return imageManifest{}, fmt.Errorf("read cache file %s: %w", cachePath, err)
	}

	// The endpoint serves either a platform manifest directly, a multi-arch
	// index, or a legacy schema-1 manifest. Try them in that order.
	var manifest imageManifest
	if err := json.Unmarshal(data, &manifest); err == nil && manifest.Config.Digest != "" {
		return manifest, nil
	}

	var legacy v1Manifest
	if err := json.Unmarshal(data, &legacy); err == nil && legacy.SchemaVersion == 1 && len(legacy.FsLayers) > 0 {
		return buildFromV1Manifest(arch, legacy)
	}

	var index imageIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return imageManifest{}, fmt.Errorf("decode image index: %w", err)
	}

	return c.buildFromIndex(ctx, rc, imageName, arch, index)
}

func buildFromV1Manifest(arch string, legacy v1Manifest) (imageManifest, error) {
	if legacy.Architecture != "" && legacy.Architecture != arch {
		return imageManifest{}, fmt.Errorf("manifest architecture mismatch: %s != %s", legacy.Architecture, arch)
	}

	var layers []blobDescriptor
	for _, l := range legacy.FsLayers {
		layers = append(layers, blobDescriptor{
			Digest:    l.BlobSum,
			MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip",
		})
	}

	return imageManifest{
		SchemaVersion: 1,
		MediaType:     "application/vnd.docker.distribution.manifest.v1+json",
		Layers:        layers,
	}, nil
}

func (c *Client) buildFromIndex(ctx context.Context, rc *registryContext, imageName string, arch string, index imageIndex) (imageManifest, error) {
	var descriptor *manifestDescriptor
	for _, m := range index.Manifests {
		if m.Platform.Architecture == arch && m.Platform.OS != "windows" {
			mCopy := m
			descriptor = &mCopy
			break
		}
	}

	if descriptor == nil {
		return imageManifest{}, fmt.Errorf("manifest for architecture %s not found", arch)
	}

	var manifest imageManifest
	err := c.readJSON(ctx, rc,
		fmt.Sprintf("/%s/manifests/%s", imageName, descriptor.Digest),
		[]string{"application/vnd.oci.image.manifest.v1+json", "application/vnd.docker.distribution.manifest.v2+json"},
		&manifest)
	if err != nil {
		return imageManifest{}, err
	}

	return manifest, nil
}

func (c *Client) processManifest(ctx context.Context, rc *registryContext, imageDir string, imageName string, manifest imageManifest) (*image.Image, error) {
	var cfg image.Config

	blobCount := len(manifest.Layers)
	if manifest.Config.Digest != "" {
		blobCount++
	}
	blobIndex := 0

	if manifest.Config.Digest != "" {
		blobIndex++
		label := fmt.Sprintf("config %s (%d/%d)", shortDigest(manifest.Config.Digest), blobIndex, blobCount)
		configPath, err := c.fetchToCache(ctx, rc, fmt.Sprintf("/%s/blobs/%s", imageName, manifest.Config.Digest), nil, label)
		if err != nil {
			return nil, fmt.Errorf("fetch image config %s: %w", manifest.Config.Digest, err)
		}

		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open image config %s: %w", configPath, err)
		}

		var file image.ConfigFile
		if err := json.NewDecoder(f).Decode(&file); err != nil {
			f.Close()
			return nil, fmt.Errorf("decode image config %s: %w", configPath, err)
		}
		f.Close()

		image.ApplyConfigFile(&cfg, file)
	}

	img := &image.Image{
		Dir: imageDir,
	}

	for _, desc := range manifest.Layers {
		blobIndex++
		label := fmt.Sprintf("layer %s (%d/%d)", shortDigest(desc.Digest), blobIndex, blobCount)
		blobPath, err := c.fetchToCache(ctx, rc, fmt.Sprintf("/%s/blobs/%s", imageName, desc.Digest), nil, label)
		if err != nil {
			return nil, fmt.Errorf("fetch layer %s: %w", desc.Digest, err)
		}

		cfg.Layers = append(cfg.Layers, desc.Digest)

		compression, err := image.CompressionFromMediaType(desc.MediaType)
		if err != nil {
			return nil, err
		}

		hash := strings.TrimPrefix(desc.Digest, "sha256:")
		indexPath := filepath.Join(imageDir, hash+".idx")
		contentsPath := filepath.Join(imageDir, hash+".contents")

		// Skip conversion when an earlier pull already processed this layer.
		if _, err := os.Stat(indexPath); err == nil {
			img.Layers = append(img.Layers, layer.Layer{
				Hash:         desc.Digest,
				IndexPath:    indexPath,
				ContentsPath: contentsPath,
			})
			continue
		}

		f, err := os.Open(blobPath)
		if err != nil {
			return nil, fmt.Errorf("open cached layer %s: %w", desc.Digest, err)
		}

		converted, err := image.LayerFromTar(hash, f, compression, imageDir)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("process layer %s: %w", desc.Digest, err)
		}
		f.Close()

		img.Layers = append(img.Layers, converted)
	}

	img.Config = cfg

	if err := img.WriteConfig(); err != nil {
		return nil, err
	}

	return img, nil
}

func shortDigest(digest string) string {
	digest = strings.TrimPrefix(digest, "sha256:")
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
