package mason_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/mason"
)

// writeBaseTarball assembles a minimal docker-save tarball with one layer,
// so builds in this test run against a local base image instead of a
// registry.
func writeBaseTarball(t *testing.T, dir string) string {
	t.Helper()
	modTime := time.Unix(1700000000, 0)

	var layerBuf bytes.Buffer
	lw := tar.NewWriter(&layerBuf)
	if err := lw.WriteHeader(&tar.Header{
		Name:     "usr/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  modTime,
	}); err != nil {
		t.Fatalf("write layer dir header: %v", err)
	}
	script := []byte("#!/bin/sh\necho hi from base\n")
	if err := lw.WriteHeader(&tar.Header{
		Name:     "usr/hello",
		Typeflag: tar.TypeReg,
		Mode:     0o755,
		Size:     int64(len(script)),
		ModTime:  modTime,
	}); err != nil {
		t.Fatalf("write layer file header: %v", err)
	}
	if _, err := lw.Write(script); err != nil {
		t.Fatalf("write layer file: %v", err)
	}
	if err := lw.Close(); err != nil {
		t.Fatalf("close layer tar: %v", err)
	}

	configBytes, err := json.Marshal(map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"config": map[string]any{
			"Env": []string{"BASE=1"},
			"Cmd": []string{"/bin/sh"},
		},
	})
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}

	manifestBytes, err := json.Marshal([]map[string]any{{
		"Config":   "cfg.json",
		"RepoTags": []string{"base:orig"},
		"Layers":   []string{"l1/layer.tar"},
	}})
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	members := []struct {
		name string
		data []byte
	}{
		{"l1/layer.tar", layerBuf.Bytes()},
		{"cfg.json", configBytes},
		{"manifest.json", manifestBytes},
	}
	for _, m := range members {
		if err := tw.WriteHeader(&tar.Header{
			Name:     m.name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(m.data)),
			ModTime:  modTime,
		}); err != nil {
			t.Fatalf("write %s header: %v", m.name, err)
		}
		if _, err := tw.Write(m.data); err != nil {
			t.Fatalf("write %s: %v", m.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tarball: %v", err)
	}

	tarPath := filepath.Join(dir, "base.tar")
	if err := os.WriteFile(tarPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write tarball: %v", err)
	}
	return tarPath
}

func newTestBuilder(t *testing.T) *mason.Builder {
	t.Helper()
	cfg := &mason.Config{CacheDir: t.TempDir(), Platform: "amd64"}
	b, err := mason.NewBuilder(cfg, mason.BuilderOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	return b
}

func TestBuilderEndToEnd(t *testing.T) {
	ctx := context.Background()
	tarPath := writeBaseTarball(t, t.TempDir())
	b := newTestBuilder(t)

	planText := "FROM " + tarPath + "\nENV APP_MODE=test\nENTRYPOINT [\"/usr/hello\"]\n"

	built, err := b.Build(ctx, mason.BuildRequest{
		Plan: []byte(planText),
		Tags: []string{"facade"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(built.CacheKey) != 32 {
		t.Errorf("CacheKey = %q, want 32 hex chars", built.CacheKey)
	}
	wantEnv := []string{"BASE=1", "APP_MODE=test"}
	if len(built.Config.Env) != len(wantEnv) {
		t.Fatalf("Env = %v, want %v", built.Config.Env, wantEnv)
	}
	for i := range wantEnv {
		if built.Config.Env[i] != wantEnv[i] {
			t.Errorf("Env[%d] = %q, want %q", i, built.Config.Env[i], wantEnv[i])
		}
	}
	if len(built.Config.Entrypoint) != 1 || built.Config.Entrypoint[0] != "/usr/hello" {
		t.Errorf("Entrypoint = %v, want [/usr/hello]", built.Config.Entrypoint)
	}
	if built.Config.Cmd != nil {
		t.Errorf("Cmd = %v, want nil after the plan set an entrypoint", built.Config.Cmd)
	}
	if built.Config.Architecture != "amd64" {
		t.Errorf("Architecture = %q, want %q", built.Config.Architecture, "amd64")
	}
	if len(built.Layers) != 1 {
		t.Errorf("len(Layers) = %d, want 1 base layer", len(built.Layers))
	}
	if built.Manifest.BaseRef != tarPath {
		t.Errorf("Manifest.BaseRef = %q, want %q", built.Manifest.BaseRef, tarPath)
	}
	if len(built.Manifest.Layers) != 0 {
		t.Errorf("Manifest.Layers = %v, want none for a metadata-only plan", built.Manifest.Layers)
	}

	// An unchanged plan must key identically on rebuild.
	again, err := b.Build(ctx, mason.BuildRequest{Plan: []byte(planText)})
	if err != nil {
		t.Fatalf("rebuild error = %v", err)
	}
	if again.CacheKey != built.CacheKey {
		t.Errorf("rebuild CacheKey = %q, want %q", again.CacheKey, built.CacheKey)
	}

	images, err := b.Images()
	if err != nil {
		t.Fatalf("Images() error = %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("Images() returned %d entries, want 1", len(images))
	}
	if images[0].Ref != "facade:latest" {
		t.Errorf("Images()[0].Ref = %q, want %q", images[0].Ref, "facade:latest")
	}
	if images[0].CacheKey != built.CacheKey {
		t.Errorf("Images()[0].CacheKey = %q, want %q", images[0].CacheKey, built.CacheKey)
	}
	if images[0].BaseRef != tarPath {
		t.Errorf("Images()[0].BaseRef = %q, want %q", images[0].BaseRef, tarPath)
	}

	inspect, err := b.Inspect("facade")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if inspect.Ref != "facade:latest" {
		t.Errorf("Inspect().Ref = %q, want %q", inspect.Ref, "facade:latest")
	}
	if inspect.Entry.CacheKey != built.CacheKey {
		t.Errorf("Inspect().Entry.CacheKey = %q, want %q", inspect.Entry.CacheKey, built.CacheKey)
	}
	if len(inspect.Config.Entrypoint) != 1 || inspect.Config.Entrypoint[0] != "/usr/hello" {
		t.Errorf("Inspect().Config.Entrypoint = %v, want [/usr/hello]", inspect.Config.Entrypoint)
	}
	if inspect.Manifest == nil {
		t.Error("Inspect().Manifest = nil, want the build manifest")
	}

	resolved, err := b.ResolveImage("facade")
	if err != nil {
		t.Fatalf("ResolveImage() error = %v", err)
	}
	if len(resolved.Layers) != 1 {
		t.Fatalf("ResolveImage() returned %d layers, want 1", len(resolved.Layers))
	}
	if resolved.Layers[0].IndexPath == "" {
		t.Error("resolved base layer has no index path")
	}

	var exported bytes.Buffer
	if err := b.Export("facade", &exported); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if exported.Len() == 0 {
		t.Fatal("Export() wrote nothing")
	}

	// Round the exported tarball back through Import.
	exportPath := filepath.Join(t.TempDir(), "facade.tar")
	if err := os.WriteFile(exportPath, exported.Bytes(), 0o644); err != nil {
		t.Fatalf("write exported tarball: %v", err)
	}
	imported, repoTags, err := b.Import(exportPath)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(repoTags) != 1 || repoTags[0] != "facade:latest" {
		t.Errorf("Import() tags = %v, want [facade:latest]", repoTags)
	}
	if len(imported.Config.Entrypoint) != 1 || imported.Config.Entrypoint[0] != "/usr/hello" {
		t.Errorf("imported Entrypoint = %v, want [/usr/hello]", imported.Config.Entrypoint)
	}

	// The import re-tagged facade:latest as a directory-backed entry.
	inspect, err = b.Inspect("facade")
	if err != nil {
		t.Fatalf("Inspect() after import error = %v", err)
	}
	if inspect.Entry.Dir == "" {
		t.Error("Inspect().Entry.Dir is empty after import")
	}
	if inspect.Manifest != nil {
		t.Error("Inspect().Manifest != nil for an imported image")
	}

	if err := b.RemoveTag("facade"); err != nil {
		t.Fatalf("RemoveTag() error = %v", err)
	}
	if err := b.RemoveTag("facade"); err == nil {
		t.Error("RemoveTag() on a removed tag succeeded, want error")
	}
}

func TestBuildRejectsBadPlan(t *testing.T) {
	b := newTestBuilder(t)

	_, err := b.Build(context.Background(), mason.BuildRequest{
		Plan: []byte("RUN echo hi\n"),
	})
	if err == nil {
		t.Fatal("Build() succeeded on a plan with no FROM")
	}

	var parseErr *mason.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Build() error = %v, want *ParseError", err)
	}
	if parseErr.Line != 1 {
		t.Errorf("ParseError.Line = %d, want 1", parseErr.Line)
	}
}

func TestParsePlan(t *testing.T) {
	p, err := mason.ParsePlan([]byte("ARG TAG=3.20\nFROM alpine:$TAG\n"), map[string]string{"TAG": "3.21"})
	if err != nil {
		t.Fatalf("ParsePlan() error = %v", err)
	}
	if p.Base.Ref != "alpine:3.21" {
		t.Errorf("Base.Ref = %q, want %q", p.Base.Ref, "alpine:3.21")
	}
}

func TestNormalizeRef(t *testing.T) {
	if got := mason.NormalizeRef("app"); got != "app:latest" {
		t.Errorf("NormalizeRef(app) = %q, want app:latest", got)
	}
	if got := mason.NormalizeRef("app:v2"); got != "app:v2" {
		t.Errorf("NormalizeRef(app:v2) = %q, want app:v2", got)
	}
}
