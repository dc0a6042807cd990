package registry

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseImageRef(t *testing.T) {
	tests := []struct {
		ref  string
		host string
		img  string
		tag  string
	}{
		{"alpine", "registry-1.docker.io", "library/alpine", "latest"},
		{"alpine:3.20", "registry-1.docker.io", "library/alpine", "3.20"},
		{"myorg/myimg", "registry-1.docker.io", "myorg/myimg", "latest"},
		{"docker.io/library/alpine", "registry-1.docker.io", "library/alpine", "latest"},
		{"ghcr.io/owner/app:v1", "ghcr.io", "owner/app", "v1"},
		{"localhost/app", "localhost", "app", "latest"},
		{"localhost:5000/app", "localhost:5000", "app", "latest"},
		{
			"ubuntu@sha256:45b23dee08af5e43a7fea6c4cf9c25ccf269ee113168c19722f87876677c5cb2",
			"registry-1.docker.io",
			"library/ubuntu",
			"sha256:45b23dee08af5e43a7fea6c4cf9c25ccf269ee113168c19722f87876677c5cb2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			host, img, tag, err := ParseImageRef(tt.ref)
			if err != nil {
				t.Fatalf("ParseImageRef(%q) failed: %v", tt.ref, err)
			}
			if host != tt.host || img != tt.img || tag != tt.tag {
				t.Errorf("ParseImageRef(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.ref, host, img, tag, tt.host, tt.img, tt.tag)
			}
		})
	}

	if _, _, _, err := ParseImageRef("ghcr.io/"); err == nil {
		t.Error("expected error for reference with empty image name")
	}
}

func TestParseAuthenticate(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/alpine:pull"`

	params, err := parseAuthenticate(header)
	if err != nil {
		t.Fatalf("parseAuthenticate failed: %v", err)
	}

	want := map[string]string{
		"realm":   "https://auth.docker.io/token",
		"service": "registry.docker.io",
		"scope":   "repository:library/alpine:pull",
	}
	for key, val := range want {
		if params[key] != val {
			t.Errorf("params[%q] = %q, want %q", key, params[key], val)
		}
	}

	if _, err := parseAuthenticate(""); err == nil {
		t.Error("expected error for empty header")
	}
	if _, err := parseAuthenticate("Bearer realm"); err == nil {
		t.Error("expected error for segment without a value")
	}
}

func TestBaseURL(t *testing.T) {
	c, err := NewClient(Options{
		CacheDir: t.TempDir(),
		Mirrors:  map[string]string{"registry-1.docker.io": "mirror.internal:8080"},
		Insecure: []string{"mirror.internal", "localhost:5000"},
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	tests := []struct {
		host string
		want string
	}{
		// The mirror applies first, then the bare hostname matches Insecure.
		{"registry-1.docker.io", "http://mirror.internal:8080/v2"},
		{"localhost:5000", "http://localhost:5000/v2"},
		{"ghcr.io", "https://ghcr.io/v2"},
	}
	for _, tt := range tests {
		if got := c.baseURL(tt.host); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestSanitizeForFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/library/alpine/manifests/latest", "library_alpine_manifests_latest"},
		{"sha256:deadbeef", "sha256_deadbeef"},
		{`a b\c*d`, "a_b_c_d"},
		{"", "root"},
		{"/", "root"},
	}
	for _, tt := range tests {
		if got := sanitizeForFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeForFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCacheKey(t *testing.T) {
	c := &Client{}

	plain := c.cacheKey("/test/image/manifests/latest", nil)
	typed := c.cacheKey("/test/image/manifests/latest", []string{"application/vnd.oci.image.index.v1+json"})

	if !strings.HasPrefix(plain, "test_image_manifests_latest_") {
		t.Errorf("cache key %q does not start with the sanitized path", plain)
	}
	if plain == typed {
		t.Error("cache keys must differ when accept headers differ")
	}
	if again := c.cacheKey("/test/image/manifests/latest", nil); again != plain {
		t.Errorf("cache key not stable: %q then %q", plain, again)
	}
}
