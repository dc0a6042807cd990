package image

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/mason/internal/archive"
	"github.com/tinyrange/mason/internal/layer"
)

// ConfigFile mirrors the OCI image config JSON served by registries and
// embedded in docker-save tarballs.
type ConfigFile struct {
	Architecture string    `json:"architecture"`
	OS           string    `json:"os"`
	Created      time.Time `json:"created,omitempty"`
	Config       RunConfig `json:"config"`
	RootFS       RootFS    `json:"rootfs,omitempty"`
	History      []History `json:"history,omitempty"`
}

// RunConfig is the runtime section of an OCI image config.
type RunConfig struct {
	User         string              `json:"User,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	Cmd          StringSlice         `json:"Cmd,omitempty"`
	Entrypoint   StringSlice         `json:"Entrypoint,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	StopSignal   string              `json:"StopSignal,omitempty"`
	Volumes      any                 `json:"Volumes,omitempty"`
	OnBuild      any                 `json:"OnBuild,omitempty"`
}

// RootFS lists the uncompressed layer digests of an image.
type RootFS struct {
	Type    string   `json:"type"`
	DiffIDs []string `json:"diff_ids"`
}

// History is one build-step record in an OCI image config.
type History struct {
	Created    time.Time `json:"created,omitempty"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	EmptyLayer bool      `json:"empty_layer,omitempty"`
}

// StringSlice decodes JSON fields that registries serve either as a string
// or as an array of strings.
type StringSlice []string

func (s *StringSlice) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*s = nil
		return nil
	case trimmed[0] == '[':
		var arr []string
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return err
		}
		*s = arr
		return nil
	default:
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		*s = []string{single}
		return nil
	}
}

// ApplyConfigFile copies the runtime fields of an OCI config file into cfg.
func ApplyConfigFile(cfg *Config, file ConfigFile) {
	if len(file.Config.Env) > 0 {
		cfg.Env = append(cfg.Env, file.Config.Env...)
	}
	if len(file.Config.Cmd) > 0 {
		cfg.Cmd = append(cfg.Cmd, file.Config.Cmd...)
	}
	if len(file.Config.Entrypoint) > 0 {
		cfg.Entrypoint = append(cfg.Entrypoint, file.Config.Entrypoint...)
	}
	cfg.WorkingDir = file.Config.WorkingDir
	cfg.Architecture = file.Architecture
	cfg.StopSignal = file.Config.StopSignal

	if len(file.Config.Labels) > 0 {
		cfg.Labels = make(map[string]string, len(file.Config.Labels))
		for k, v := range file.Config.Labels {
			cfg.Labels[k] = v
		}
	}

	if len(file.Config.ExposedPorts) > 0 {
		ports := make([]string, 0, len(file.Config.ExposedPorts))
		for port := range file.Config.ExposedPorts {
			ports = append(ports, port)
		}
		sort.Strings(ports)
		cfg.ExposedPorts = ports
	}

	user, uid, gid := ParseUser(file.Config.User)
	if user != "" {
		cfg.User = user
	}
	if uid != nil {
		cfg.UID = uid
	}
	if gid != nil {
		cfg.GID = gid
	}
}

// ParseUser splits a user value into its name and optional numeric uid:gid
// components. Non-numeric parts leave the pointers nil.
func ParseUser(value string) (string, *int, *int) {
	user := strings.TrimSpace(value)
	if user == "" {
		return "", nil, nil
	}

	var uidPtr, gidPtr *int

	parts := strings.Split(user, ":")
	if len(parts) > 0 && parts[0] != "" {
		if uid, err := strconv.Atoi(parts[0]); err == nil {
			uidVal := uid
			uidPtr = &uidVal
		}
	}

	if len(parts) > 1 && parts[1] != "" {
		if gid, err := strconv.Atoi(parts[1]); err == nil {
			gidVal := gid
			gidPtr = &gidVal
		}
	}

	return user, uidPtr, gidPtr
}

// CompressionFromMediaType maps an OCI layer media type to the compression
// wrapped around its tar stream.
func CompressionFromMediaType(mediaType string) (string, error) {
	switch mediaType {
	case "application/vnd.docker.image.rootfs.diff.tar.gzip",
		"application/vnd.oci.image.layer.v1.tar+gzip",
		"application/vnd.oci.image.layer.v1.tar+gzip;variant=gzip":
		return "gzip", nil
	case "application/vnd.oci.image.layer.v1.tar",
		"application/vnd.docker.image.rootfs.diff.tar":
		return "none", nil
	default:
		if strings.Contains(mediaType, "gzip") {
			return "gzip", nil
		}
		return "", fmt.Errorf("unsupported media type %s", mediaType)
	}
}

// LayerFromTar converts one OCI tar layer into an index+contents pair named
// <hash>.idx/<hash>.contents under dir. Overlayfs whiteouts translate into
// whiteout and opaque entries so later extraction never sees ".wh." names.
func LayerFromTar(hash string, r io.Reader, compression string, dir string) (layer.Layer, error) {
	var reader io.Reader = r

	if compression == "gzip" {
		gr, err := gzip.NewReader(r)
		if err != nil {
			return layer.Layer{}, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gr.Close()
		reader = gr
	}

	tr := tar.NewReader(reader)

	indexPath := filepath.Join(dir, hash+".idx")
	contentsPath := filepath.Join(dir, hash+".contents")

	indexFile, err := os.Create(indexPath)
	if err != nil {
		return layer.Layer{}, fmt.Errorf("create layer index file: %w", err)
	}
	defer indexFile.Close()

	contentsFile, err := os.Create(contentsPath)
	if err != nil {
		return layer.Layer{}, fmt.Errorf("create layer contents file: %w", err)
	}
	defer contentsFile.Close()

	w, err := archive.NewWriter(indexFile, contentsFile)
	if err != nil {
		return layer.Layer{}, fmt.Errorf("create archive writer: %w", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return layer.Layer{}, err
		}

		entry := archive.Header{
			Name:     hdr.Name,
			Linkname: hdr.Linkname,
			Size:     hdr.Size,
			Mode:     hdr.FileInfo().Mode(),
			UID:      hdr.Uid,
			GID:      hdr.Gid,
			ModTime:  hdr.ModTime,
		}

		switch hdr.Typeflag {
		case tar.TypeReg:
			entry.Kind = archive.EntryKindRegular
		case tar.TypeDir:
			entry.Kind = archive.EntryKindDirectory
		case tar.TypeSymlink:
			entry.Kind = archive.EntryKindSymlink
		case tar.TypeLink:
			entry.Kind = archive.EntryKindHardlink
		case tar.TypeChar, tar.TypeBlock, tar.TypeXGlobalHeader:
			continue
		default:
			return layer.Layer{}, fmt.Errorf("unknown type flag: %d", hdr.Typeflag)
		}

		// Overlayfs whiteout files:
		//
		//   ".wh.<name>"    <name> is deleted in this layer.
		//   ".wh..wh..opq"  the containing directory is opaque: lower-layer
		//                   children are hidden, the directory itself stays.
		if base := path.Base(hdr.Name); base == ".wh..wh..opq" {
			entry.Kind = archive.EntryKindOpaque
			entry.Name = path.Dir(hdr.Name)
			entry.Size = 0
		} else if strings.HasPrefix(base, ".wh.") {
			entry.Kind = archive.EntryKindWhiteout
			entry.Name = path.Join(path.Dir(hdr.Name), base[len(".wh."):])
			entry.Size = 0
		}

		if err := w.WriteEntry(&entry, tr); err != nil {
			return layer.Layer{}, err
		}
	}

	if err := contentsFile.Close(); err != nil {
		return layer.Layer{}, fmt.Errorf("close layer contents: %w", err)
	}
	if err := indexFile.Close(); err != nil {
		return layer.Layer{}, fmt.Errorf("close layer index: %w", err)
	}

	return layer.Layer{
		Hash:         "sha256:" + hash,
		IndexPath:    indexPath,
		ContentsPath: contentsPath,
	}, nil
}
