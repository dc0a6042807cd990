// Package registry implements a pull-only client for the OCI distribution
// API. Manifests and blobs are cached on disk; layer blobs are converted to
// the index+contents layer format as they arrive so the rest of the builder
// never handles tar streams.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/net/http2"
)

const dockerHubRegistry = "registry-1.docker.io"

// Options configures a Client.
type Options struct {
	// CacheDir is where manifests, blobs, and converted images live.
	// Defaults to <user config dir>/mason/registry.
	CacheDir string

	// Mirrors maps a registry host to a replacement endpoint host.
	Mirrors map[string]string

	// Insecure lists registry hosts reached over plain HTTP.
	Insecure []string

	// Progress enables download progress bars.
	Progress bool

	Logger *slog.Logger
}

// Client is an OCI registry client that handles image pulling and caching.
type Client struct {
	cacheDir string
	mirrors  map[string]string
	insecure map[string]bool
	progress bool
	logger   *slog.Logger
	client   *http.Client
}

// NewClient creates a registry client with the given options.
func NewClient(opts Options) (*Client, error) {
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cfg, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("get user config dir: %w", err)
		}
		cacheDir = filepath.Join(cfg, "mason", "registry")
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", cacheDir, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}

	insecure := make(map[string]bool, len(opts.Insecure))
	for _, host := range opts.Insecure {
		insecure[host] = true
	}

	return &Client{
		cacheDir: cacheDir,
		mirrors:  opts.Mirrors,
		insecure: insecure,
		progress: opts.Progress,
		logger:   logger,
		client: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: transport,
		},
	}, nil
}

// ParseImageRef splits an image reference into registry host, image name,
// and tag, applying the Docker defaults: docker.io for a bare name, the
// library/ namespace for official images, and the latest tag.
func ParseImageRef(imageRef string) (host string, img string, tag string, err error) {
	img = imageRef

	// A digest reference pins the manifest instead of a tag.
	if name, digest, ok := strings.Cut(img, "@"); ok {
		img, tag = name, digest
	} else if name, t, ok := strings.Cut(img, ":"); ok && !strings.Contains(t, "/") {
		img, tag = name, t
	} else {
		tag = "latest"
	}

	// The first path segment is a registry host when it looks like one.
	if first, rest, ok := strings.Cut(img, "/"); ok {
		if strings.Contains(first, ".") || strings.Contains(first, ":") || first == "localhost" {
			host, img = first, rest
		}
	}

	if img == "" {
		return "", "", "", fmt.Errorf("invalid image reference %q", imageRef)
	}

	if host == "" || host == "docker.io" {
		host = dockerHubRegistry
		if !strings.Contains(img, "/") {
			img = "library/" + img
		}
	}

	return host, img, tag, nil
}

// baseURL resolves a registry host to its /v2 endpoint, applying mirror and
// insecure configuration.
func (c *Client) baseURL(host string) string {
	if mirror, ok := c.mirrors[host]; ok {
		host = mirror
	}

	scheme := "https"
	if c.insecure[host] || c.insecure[hostWithoutPort(host)] {
		scheme = "http"
	}

	return fmt.Sprintf("%s://%s/v2", scheme, host)
}

func hostWithoutPort(host string) string {
	if name, _, ok := strings.Cut(host, ":"); ok {
		return name
	}
	return host
}

// registryContext holds state for communicating with a single registry.
type registryContext struct {
	logger   *slog.Logger
	client   *http.Client
	registry string // base URL ending in /v2
	token    string
}

func (rc *registryContext) makeRequest(ctx context.Context, method string, url string, accept []string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}

	if rc.token != "" {
		req.Header.Set("Authorization", "Bearer "+rc.token)
	}

	for _, val := range accept {
		req.Header.Add("Accept", val)
	}

	return req, nil
}

// handleResponse returns true when the response carries the requested body.
// On 401 it fetches a token from the challenge endpoint and returns false so
// the caller retries with credentials attached.
func (rc *registryContext) handleResponse(ctx context.Context, resp *http.Response) (bool, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		authHeader := resp.Header.Get("www-authenticate")
		resp.Body.Close()

		authParams, err := parseAuthenticate(authHeader)
		if err != nil {
			return false, fmt.Errorf("parse authenticate header: %w", err)
		}

		tokenURL := fmt.Sprintf("%s?service=%s&scope=%s",
			authParams["realm"],
			authParams["service"],
			authParams["scope"])

		rc.logger.Debug("requesting registry token", slog.String("url", tokenURL))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
		if err != nil {
			return false, fmt.Errorf("build token request: %w", err)
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			return false, fmt.Errorf("request registry token: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("token request failed: %s", resp.Status)
		}

		var token tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
			return false, fmt.Errorf("decode token response: %w", err)
		}

		if token.Token != "" {
			rc.token = token.Token
		} else if token.AccessToken != "" {
			rc.token = token.AccessToken
		} else {
			return false, errors.New("token response missing token field")
		}

		return false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return false, fmt.Errorf("registry request failed: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

func parseAuthenticate(value string) (map[string]string, error) {
	if value == "" {
		return nil, fmt.Errorf("missing authenticate header")
	}

	value = strings.TrimPrefix(value, "Bearer ")

	tokens := strings.Split(value, ",")
	ret := make(map[string]string)

	for _, token := range tokens {
		key, val, ok := strings.Cut(token, "=")
		if !ok {
			return nil, fmt.Errorf("malformed authenticate header segment %q", token)
		}
		val = strings.Trim(val, "\" ")
		key = strings.TrimSpace(key)
		ret[key] = val
	}

	return ret, nil
}

func (c *Client) cacheKey(path string, accept []string) string {
	sum := sha256.Sum256([]byte(path + "\x00" + strings.Join(accept, ",")))
	sanitized := sanitizeForFilename(path)
	return fmt.Sprintf("%s_%s", sanitized, hex.EncodeToString(sum[:8]))
}

func sanitizeForFilename(value string) string {
	value = strings.TrimPrefix(value, "/")
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '/', '\\', ':', '?', '*', '"', '<', '>', '|', ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "root"
	}
	return b.String()
}

// fetchToCache downloads registry+path into the blob cache and returns the
// cached file, retrying on transient failures. label names the download in
// the progress bar.
func (c *Client) fetchToCache(ctx context.Context, rc *registryContext, path string, accept []string, label string) (string, error) {
	cacheName := c.cacheKey(path, accept)
	cachePath := filepath.Join(c.cacheDir, cacheName)

	if _, err := os.Stat(cachePath); err == nil {
		c.logger.Debug("registry cache hit", slog.String("cache", cachePath))
		return cachePath, nil
	}

	if label == "" {
		label = path
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := rc.makeRequest(ctx, http.MethodGet, rc.registry+path, accept)
		if err != nil {
			return "", fmt.Errorf("build registry request: %w", err)
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Debug("registry request failed",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		}

		ok, err := rc.handleResponse(ctx, resp)
		if err != nil {
			return "", err
		}

		if !ok {
			continue
		}

		cached, err := c.writeCacheFile(resp, cachePath, label)
		resp.Body.Close()
		if err != nil {
			return "", err
		}
		return cached, nil
	}

	return "", fmt.Errorf("failed to fetch %s after %d attempts", path, maxAttempts)
}

func (c *Client) writeCacheFile(resp *http.Response, cachePath string, label string) (string, error) {
	tmpFile, err := os.CreateTemp(c.cacheDir, "blob_*")
	if err != nil {
		return "", fmt.Errorf("create temp cache file: %w", err)
	}

	var writer io.Writer = tmpFile

	if c.progress {
		bar := progressbar.DefaultBytes(resp.ContentLength, label)
		defer bar.Close()
		writer = io.MultiWriter(tmpFile, bar)
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("write cache file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("close cache file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), cachePath); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("finalize cache file: %w", err)
	}

	c.logger.Debug("cached registry response", slog.String("cache", cachePath))
	return cachePath, nil
}

func (c *Client) readJSON(ctx context.Context, rc *registryContext, path string, accept []string, out any) error {
	cachePath, err := c.fetchToCache(ctx, rc, path, accept, "")
	if err != nil {
		return err
	}

	f, err := os.Open(cachePath)
	if err != nil {
		return fmt.Errorf("open cache file %s: %w", cachePath, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", cachePath, err)
	}

	return nil
}
