package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/clapfinder/internal/types"
	"github.com/oszuidwest/clapfinder/internal/util"
	"golang.org/x/mod/semver"
)

// latestReleaseURL is the GitHub endpoint for the latest release.
var latestReleaseURL = "https://api.github.com/repos/oszuidwest/clapfinder/releases/latest"

const (
	versionCheckInterval = 24 * time.Hour
	versionCheckDelay    = 30 * time.Second // First check runs after startup settled
	versionCheckTimeout  = 30 * time.Second
	versionMaxRetries    = 3
	versionRetryDelay    = 1 * time.Minute
)

// errRetryable marks release lookups worth retrying (rate limits, server errors).
var errRetryable = errors.New("release lookup failed, retry later")

// VersionChecker polls GitHub for the latest release. It is safe for concurrent use.
type VersionChecker struct {
	client *http.Client

	mu     sync.RWMutex
	latest string
	etag   string // For conditional requests (304 Not Modified)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewVersionChecker returns a VersionChecker and starts its polling loop.
func NewVersionChecker() *VersionChecker {
	vc := newVersionChecker()
	go vc.run()
	return vc
}

func newVersionChecker() *VersionChecker {
	return &VersionChecker{
		client: &http.Client{Timeout: versionCheckTimeout},
		stopCh: make(chan struct{}),
	}
}

// Stop ends the polling loop. It is safe to call more than once.
func (vc *VersionChecker) Stop() {
	vc.stopOnce.Do(func() { close(vc.stopCh) })
}

// wait sleeps for d and reports false when the checker was stopped.
func (vc *VersionChecker) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-vc.stopCh:
		return false
	}
}

func (vc *VersionChecker) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in version checker", "panic", r)
		}
	}()

	delay := versionCheckDelay
	for vc.wait(delay) {
		vc.checkWithRetry()
		delay = versionCheckInterval
	}
}

// checkWithRetry retries retryable failures a few times per cycle.
func (vc *VersionChecker) checkWithRetry() {
	for attempt := range versionMaxRetries {
		err := vc.check(context.Background())
		if err == nil {
			return
		}
		slog.Debug("version check failed", "attempt", attempt+1, "error", err)
		if !errors.Is(err, errRetryable) || attempt == versionMaxRetries-1 {
			return
		}
		if !vc.wait(versionRetryDelay) {
			return
		}
	}
}

// githubRelease is the subset of the GitHub release object that is used.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check fetches the latest release and records its version.
func (vc *VersionChecker) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, latestReleaseURL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "clapfinder/"+Version)

	vc.mu.RLock()
	if vc.etag != "" {
		req.Header.Set("If-None-Match", vc.etag)
	}
	vc.mu.RUnlock()

	resp, err := vc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errRetryable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only response body

	switch {
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		// Unchanged, or no releases published yet.
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return fmt.Errorf("%w: decode release: %w", errRetryable, err)
	}
	if release.Draft || release.Prerelease {
		return nil
	}
	if release.TagName == "" {
		return fmt.Errorf("%w: release without tag", errRetryable)
	}

	vc.mu.Lock()
	vc.latest = normalizeVersion(release.TagName)
	if etag := resp.Header.Get("ETag"); etag != "" {
		vc.etag = etag
	}
	vc.mu.Unlock()
	return nil
}

// Info returns the running and latest known version.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	latest := vc.latest
	vc.mu.RUnlock()

	current := normalizeVersion(Version)
	info := types.VersionInfo{
		Current:   current,
		Latest:    latest,
		Commit:    Commit,
		BuildTime: formatBuildTime(BuildTime),
	}
	if latest != "" && current != "dev" && current != "unknown" {
		info.UpdateAvail = isNewerVersion(latest, current)
	}
	return info
}

// formatBuildTime renders an RFC 3339 build timestamp as local time.
// Other values are returned unchanged.
func formatBuildTime(v string) string {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return v
	}
	return util.FormatHumanTime(t)
}

// normalizeVersion strips whitespace and a leading "v".
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion reports whether latest is a higher semantic version than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
