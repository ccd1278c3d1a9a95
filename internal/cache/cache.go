// Package cache implements the on-disk artifact cache shared by the
// transform pipelines. Artifacts are content-addressed by a digest of their
// build parameters; builds are serialized per key with an advisory file lock
// so concurrent requests (and sibling processes) produce each artifact once.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Key digests the given parts into a stable hex cache key. Every parameter
// that affects artifact bytes must be a part; bumping a profile version part
// invalidates the whole rendition class at once.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// BuildFunc produces an artifact at tmpPath. It must treat tmpPath as the
// only output path; the cache publishes it atomically on success.
type BuildFunc func(ctx context.Context, tmpPath string) error

// DiskCache is one artifact directory (thumbnails or proxy renditions).
type DiskCache struct {
	dir    string
	logger *slog.Logger
}

// NewDiskCache creates the directory if needed and returns the cache.
func NewDiskCache(dir string, logger *slog.Logger) (*DiskCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &DiskCache{dir: dir, logger: logger}, nil
}

// Dir returns the cache directory.
func (c *DiskCache) Dir() string { return c.dir }

// Path returns the artifact path for a key. ext includes the dot.
func (c *DiskCache) Path(key, ext string) string {
	return filepath.Join(c.dir, key+ext)
}

// Lookup returns the artifact path when a non-empty artifact exists.
func (c *DiskCache) Lookup(key, ext string) (string, bool) {
	p := c.Path(key, ext)
	info, err := os.Stat(p)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return p, true
}

// Touch bumps the artifact's mtime so age-based reapers see it as live.
func (c *DiskCache) Touch(path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		c.logger.Debug("touch failed", "path", path, "error", err)
	}
}

// GetOrBuild returns the cached artifact for key, building it under the
// per-key file lock if absent. Only one builder runs per key at a time,
// across processes; late acquirers re-check and reuse the winner's output.
// A failed build leaves no artifact behind.
func (c *DiskCache) GetOrBuild(ctx context.Context, key, ext string, build BuildFunc) (string, error) {
	if p, ok := c.Lookup(key, ext); ok {
		return p, nil
	}

	final := c.Path(key, ext)
	lock, err := AcquireLock(final + ".lock")
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	// Another holder may have finished while we waited on the lock.
	if p, ok := c.Lookup(key, ext); ok {
		return p, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp := final + ".tmp"
	// A stale partial from a crashed builder must not confuse the encoder.
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("removing stale temp: %w", err)
	}

	if err := build(ctx, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return "", fmt.Errorf("build produced no output: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(tmp)
		return "", fmt.Errorf("build produced empty output for %s", key)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publishing artifact: %w", err)
	}
	return final, nil
}
