package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePlanPath(t *testing.T) {
	t.Run("explicit file wins", func(t *testing.T) {
		got, err := resolvePlanPath("plans/custom.plan", t.TempDir())
		if err != nil {
			t.Fatalf("resolvePlanPath() error = %v", err)
		}
		if got != "plans/custom.plan" {
			t.Errorf("resolvePlanPath() = %q, want %q", got, "plans/custom.plan")
		}
	})

	t.Run("Masonfile in context", func(t *testing.T) {
		dir := t.TempDir()
		want := filepath.Join(dir, "Masonfile")
		if err := os.WriteFile(want, []byte("FROM alpine\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		got, err := resolvePlanPath("", dir)
		if err != nil {
			t.Fatalf("resolvePlanPath() error = %v", err)
		}
		if got != want {
			t.Errorf("resolvePlanPath() = %q, want %q", got, want)
		}
	})

	t.Run("Dockerfile fallback", func(t *testing.T) {
		dir := t.TempDir()
		want := filepath.Join(dir, "Dockerfile")
		if err := os.WriteFile(want, []byte("FROM alpine\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		got, err := resolvePlanPath("", dir)
		if err != nil {
			t.Fatalf("resolvePlanPath() error = %v", err)
		}
		if got != want {
			t.Errorf("resolvePlanPath() = %q, want %q", got, want)
		}
	})

	t.Run("Masonfile preferred over Dockerfile", func(t *testing.T) {
		dir := t.TempDir()
		for _, name := range []string{"Masonfile", "Dockerfile"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("FROM alpine\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		}

		got, err := resolvePlanPath("", dir)
		if err != nil {
			t.Fatalf("resolvePlanPath() error = %v", err)
		}
		if got != filepath.Join(dir, "Masonfile") {
			t.Errorf("resolvePlanPath() = %q, want the Masonfile", got)
		}
	})

	t.Run("no plan found", func(t *testing.T) {
		_, err := resolvePlanPath("", t.TempDir())
		if err == nil {
			t.Fatal("resolvePlanPath() succeeded in an empty context")
		}
		if !strings.Contains(err.Error(), "no plan found") {
			t.Errorf("resolvePlanPath() error = %v, want it to mention 'no plan found'", err)
		}
	})
}

func TestCollectBuildArgs(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		got, err := collectBuildArgs(nil, "")
		if err != nil {
			t.Fatalf("collectBuildArgs() error = %v", err)
		}
		if got != nil {
			t.Errorf("collectBuildArgs() = %v, want nil", got)
		}
	})

	t.Run("flags", func(t *testing.T) {
		got, err := collectBuildArgs([]string{"VERSION=1.2.3", "EMPTY="}, "")
		if err != nil {
			t.Fatalf("collectBuildArgs() error = %v", err)
		}
		if got["VERSION"] != "1.2.3" {
			t.Errorf("VERSION = %q, want %q", got["VERSION"], "1.2.3")
		}
		if v, ok := got["EMPTY"]; !ok || v != "" {
			t.Errorf("EMPTY = %q (present %v), want empty string present", v, ok)
		}
	})

	t.Run("bare key reads environment", func(t *testing.T) {
		t.Setenv("MASON_TEST_ARG", "from-env")

		got, err := collectBuildArgs([]string{"MASON_TEST_ARG"}, "")
		if err != nil {
			t.Fatalf("collectBuildArgs() error = %v", err)
		}
		if got["MASON_TEST_ARG"] != "from-env" {
			t.Errorf("MASON_TEST_ARG = %q, want %q", got["MASON_TEST_ARG"], "from-env")
		}
	})

	t.Run("env file with flag override", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), "build.env")
		if err := os.WriteFile(envFile, []byte("FROM_FILE=1\nSHARED=file\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		got, err := collectBuildArgs([]string{"SHARED=flag"}, envFile)
		if err != nil {
			t.Fatalf("collectBuildArgs() error = %v", err)
		}
		if got["FROM_FILE"] != "1" {
			t.Errorf("FROM_FILE = %q, want %q", got["FROM_FILE"], "1")
		}
		if got["SHARED"] != "flag" {
			t.Errorf("SHARED = %q, want flag to win over the env file", got["SHARED"])
		}
	})

	t.Run("missing env file", func(t *testing.T) {
		if _, err := collectBuildArgs(nil, filepath.Join(t.TempDir(), "missing.env")); err == nil {
			t.Error("collectBuildArgs() succeeded with a missing env file")
		}
	})
}
