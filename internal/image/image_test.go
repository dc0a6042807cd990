package image

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/mason/internal/layer"
)

func TestImageCommand(t *testing.T) {
	tests := []struct {
		name     string
		ep, cmd  []string
		override []string
		want     []string
	}{
		{"cmd only", nil, []string{"/bin/sh"}, nil, []string{"/bin/sh"}},
		{"entrypoint only", []string{"/app"}, nil, nil, []string{"/app"}},
		{"entrypoint and cmd", []string{"/app"}, []string{"serve"}, nil, []string{"/app", "serve"}},
		{"override replaces cmd", []string{"/app"}, []string{"serve"}, []string{"debug"}, []string{"/app", "debug"}},
		{"override without entrypoint", nil, []string{"serve"}, []string{"debug"}, []string{"debug"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := &Image{Config: Config{Entrypoint: tt.ep, Cmd: tt.cmd}}
			got := img.Command(tt.override)
			if len(got) != len(tt.want) {
				t.Fatalf("Command() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Command() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	hash := strings.Repeat("ab", 32)
	img := &Image{
		Config: Config{
			Layers:     []string{"sha256:" + hash},
			Entrypoint: []string{"/bin/app"},
		},
		Dir: dir,
	}
	if err := img.WriteConfig(); err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}

	loaded, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir failed: %v", err)
	}
	if len(loaded.Config.Entrypoint) != 1 || loaded.Config.Entrypoint[0] != "/bin/app" {
		t.Errorf("entrypoint = %v", loaded.Config.Entrypoint)
	}
	if len(loaded.Layers) != 1 {
		t.Fatalf("got %d layers, want 1", len(loaded.Layers))
	}
	if loaded.Layers[0].Hash != "sha256:"+hash {
		t.Errorf("layer hash = %q", loaded.Layers[0].Hash)
	}
	if loaded.Layers[0].IndexPath != filepath.Join(dir, hash+".idx") {
		t.Errorf("layer index path = %q", loaded.Layers[0].IndexPath)
	}

	if _, err := LoadFromDir(t.TempDir()); err == nil {
		t.Error("expected error for directory without config.json")
	}
}

func TestExportToDir(t *testing.T) {
	srcDir := t.TempDir()
	hash := strings.Repeat("cd", 32)
	img := &Image{
		Config: Config{Layers: []string{"sha256:" + hash}},
		Dir:    srcDir,
	}
	if err := img.WriteConfig(); err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}

	idx := filepath.Join(srcDir, hash+".idx")
	contents := filepath.Join(srcDir, hash+".contents")
	if err := os.WriteFile(idx, []byte("idx"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(contents, []byte("contents"), 0o644); err != nil {
		t.Fatalf("write contents: %v", err)
	}
	img.Layers = []layer.Layer{{Hash: "sha256:" + hash, IndexPath: idx, ContentsPath: contents}}

	dst := filepath.Join(t.TempDir(), "exported")
	if err := ExportToDir(img, dst); err != nil {
		t.Fatalf("ExportToDir failed: %v", err)
	}

	for _, name := range []string{"config.json", hash + ".idx", hash + ".contents"} {
		if _, err := os.Stat(filepath.Join(dst, name)); err != nil {
			t.Errorf("missing %s after export: %v", name, err)
		}
	}

	if err := ExportToDir(nil, dst); err == nil {
		t.Error("expected error for nil image")
	}
}
