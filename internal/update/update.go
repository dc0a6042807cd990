// Package update checks the release feed for newer versions. It only ever
// reports; installing is left to the operator.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

const (
	// releasesAPI lists all releases. /releases/latest is not used because
	// it hides prereleases and drafts.
	releasesAPI = "https://api.github.com/repos/tinyrange/mason/releases"

	// ReleasesPageURL is where operators download new versions manually.
	ReleasesPageURL = "https://github.com/tinyrange/mason/releases"

	// checkInterval is how long a check result stays cached.
	checkInterval = 24 * time.Hour

	cacheFilename = "update_check.json"
)

// Release is the subset of the release feed entry the checker needs.
type Release struct {
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	HTMLURL     string `json:"html_url"`
	PublishedAt string `json:"published_at"`
	Prerelease  bool   `json:"prerelease"`
}

// Status is the result of an update check.
type Status struct {
	Available      bool
	CurrentVersion string
	LatestVersion  string
	ReleaseURL     string
	CheckedAt      time.Time
}

type cachedStatus struct {
	LatestVersion string    `json:"latest_version"`
	ReleaseURL    string    `json:"release_url"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Checker performs rate-limited update checks against the release feed.
type Checker struct {
	currentVersion string
	cacheDir       string
	endpoint       string
	client         *http.Client
	logger         *slog.Logger
}

// NewChecker creates a checker caching results under cacheDir.
func NewChecker(currentVersion, cacheDir string) *Checker {
	return &Checker{
		currentVersion: currentVersion,
		cacheDir:       cacheDir,
		endpoint:       releasesAPI,
		client:         &http.Client{Timeout: 30 * time.Second},
		logger:         slog.Default(),
	}
}

// SetLogger replaces the checker's logger.
func (c *Checker) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// SetEndpoint overrides the release feed URL.
func (c *Checker) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
}

// Check returns the cached status when fresh, otherwise queries the feed.
func (c *Checker) Check(ctx context.Context) (Status, error) {
	cached, err := c.loadCache()
	if err == nil && time.Since(cached.CheckedAt) < checkInterval {
		c.logger.Debug("using cached update check", slog.Time("checkedAt", cached.CheckedAt))
		return c.buildStatus(cached), nil
	}
	return c.ForceCheck(ctx)
}

// ForceCheck bypasses the cache and always queries the feed.
func (c *Checker) ForceCheck(ctx context.Context) (Status, error) {
	release, err := c.fetchLatestRelease(ctx)
	if err != nil {
		return Status{}, err
	}

	cached := cachedStatus{
		LatestVersion: release.TagName,
		ReleaseURL:    release.HTMLURL,
		CheckedAt:     time.Now(),
	}
	if err := c.saveCache(cached); err != nil {
		c.logger.Warn("failed to save update cache", slog.Any("error", err))
	}

	return c.buildStatus(cached), nil
}

// fetchLatestRelease queries the feed with up to 3 attempts.
func (c *Checker) fetchLatestRelease(ctx context.Context) (*Release, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		release, err := c.doFetchRelease(ctx)
		if err == nil {
			return release, nil
		}
		lastErr = err

		if strings.Contains(err.Error(), "no releases found") || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Debug("release fetch failed, retrying",
			slog.Int("attempt", attempt+1), slog.Any("error", err))
	}

	return nil, lastErr
}

func (c *Checker) doFetchRelease(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "mason/"+c.currentVersion)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	// An optional token raises the API rate limit.
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		if strings.HasPrefix(token, "ghp_") || strings.HasPrefix(token, "github_pat_") {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch releases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limited by release feed (try again later)")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no releases found")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("decode releases: %w", err)
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("no releases found")
	}

	return &releases[0], nil
}

func (c *Checker) buildStatus(cached cachedStatus) Status {
	return Status{
		Available:      IsNewer(c.currentVersion, cached.LatestVersion),
		CurrentVersion: c.currentVersion,
		LatestVersion:  cached.LatestVersion,
		ReleaseURL:     cached.ReleaseURL,
		CheckedAt:      cached.CheckedAt,
	}
}

// IsNewer reports whether latest is a newer version than current. Dev builds
// always see the latest release as an update.
func IsNewer(current, latest string) bool {
	if !strings.HasPrefix(current, "v") {
		current = "v" + current
	}
	if !strings.HasPrefix(latest, "v") {
		latest = "v" + latest
	}

	if current == "vdev" || current == "v0.0.0" {
		return true
	}

	if !semver.IsValid(current) || !semver.IsValid(latest) {
		return latest > current
	}
	return semver.Compare(latest, current) > 0
}

func (c *Checker) cachePath() string {
	return filepath.Join(c.cacheDir, cacheFilename)
}

func (c *Checker) loadCache() (cachedStatus, error) {
	data, err := os.ReadFile(c.cachePath())
	if err != nil {
		return cachedStatus{}, err
	}

	var cached cachedStatus
	if err := json.Unmarshal(data, &cached); err != nil {
		return cachedStatus{}, err
	}
	return cached, nil
}

func (c *Checker) saveCache(cached cachedStatus) error {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.cachePath(), data, 0o644)
}
