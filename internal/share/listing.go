package share

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/droppr/mediaedge/internal/backend"
	"github.com/droppr/mediaedge/internal/config"
)

// File type labels used by the gallery payloads.
const (
	TypeImage = "image"
	TypeVideo = "video"
	TypeFile  = "file"
)

var imageExts = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "webp": {},
	"bmp": {}, "heic": {}, "heif": {}, "avif": {},
}

var videoExts = map[string]struct{}{
	"mp4": {}, "mov": {}, "m4v": {}, "webm": {}, "mkv": {}, "avi": {},
}

// NormalizeExt lowercases an extension and strips the leading dot, the
// form the gallery payloads carry.
func NormalizeExt(ext string) string {
	return strings.TrimPrefix(strings.ToLower(ext), ".")
}

// TypeForFile classifies a file from the backend's declared type, falling
// back to the extension when the backend calls it something generic.
func TypeForFile(declared, ext string) string {
	switch declared {
	case TypeImage, TypeVideo:
		return declared
	}
	ext = NormalizeExt(ext)
	if _, ok := imageExts[ext]; ok {
		return TypeImage
	}
	if _, ok := videoExts[ext]; ok {
		return TypeVideo
	}
	return TypeFile
}

// ListedFile is one file in the flattened view of a share.
type ListedFile struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Extension string `json:"extension"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
}

// Listing is the flattened, sorted contents of a share.
type Listing struct {
	Files      []ListedFile `json:"files"`
	SingleFile bool         `json:"singleFile"`
	FetchedAt  time.Time    `json:"-"`
}

// FindFile returns the listed file at relPath, or nil.
func (l *Listing) FindFile(relPath string) *ListedFile {
	for i := range l.Files {
		if l.Files[i].Path == relPath {
			return &l.Files[i]
		}
	}
	return nil
}

// Fetcher is the slice of the backend client the listing cache needs.
type Fetcher interface {
	PublicShare(ctx context.Context, hash, subpath string) (*backend.ShareNode, error)
}

// Options control freshness for a single listing lookup.
type Options struct {
	// ForceRefresh bypasses the cache entirely.
	ForceRefresh bool
	// MaxAge, when non-negative, tightens the acceptable entry age below
	// the configured TTL. A negative value means "use the TTL".
	MaxAge time.Duration
}

// DefaultOptions accepts any entry within the configured TTL.
func DefaultOptions() Options {
	return Options{MaxAge: -1}
}

// subdirectory walk cutoff, so a pathological share cannot turn one listing
// request into an unbounded fetch storm against the backend
const maxDirFetches = 512

// ListingCache caches flattened share listings keyed by share hash.
type ListingCache struct {
	mu       sync.Mutex
	entries  map[string]*Listing
	fetcher  Fetcher
	ttl      time.Duration
	capacity int
	logger   *slog.Logger
	now      func() time.Time
}

// NewListingCache creates a listing cache backed by the given fetcher.
func NewListingCache(fetcher Fetcher, cfg config.ListingConfig, logger *slog.Logger) *ListingCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListingCache{
		entries:  make(map[string]*Listing),
		fetcher:  fetcher,
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the flattened listing for a share, from cache when fresh
// enough, otherwise fetched from the backend. Backend errors pass through
// unchanged so callers can map backend.ErrNotFound.
func (c *ListingCache) Get(ctx context.Context, hash string, opts Options) (*Listing, error) {
	maxAge := c.ttl
	if opts.MaxAge >= 0 && opts.MaxAge < maxAge {
		maxAge = opts.MaxAge
	}

	if !opts.ForceRefresh {
		c.mu.Lock()
		cached := c.entries[hash]
		c.mu.Unlock()
		if cached != nil && c.now().Sub(cached.FetchedAt) < maxAge {
			return cached, nil
		}
	}

	listing, err := c.flatten(ctx, hash)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, present := c.entries[hash]; !present && len(c.entries) >= c.capacity {
		// Blunt but effective backpressure: drop everything rather than
		// track per-entry LRU state for a cache this small.
		c.logger.Warn("listing cache at capacity, clearing", "capacity", c.capacity)
		c.entries = make(map[string]*Listing)
	}
	c.entries[hash] = listing
	c.mu.Unlock()

	return listing, nil
}

// Invalidate drops the cached listing for a share, if any.
func (c *ListingCache) Invalidate(hash string) {
	c.mu.Lock()
	delete(c.entries, hash)
	c.mu.Unlock()
}

// flatten walks the share tree breadth-first and collects all files.
// Directories are deduplicated by subpath so cycles in the backend's view
// cannot loop the walk.
func (c *ListingCache) flatten(ctx context.Context, hash string) (*Listing, error) {
	root, err := c.fetcher.PublicShare(ctx, hash, "")
	if err != nil {
		return nil, err
	}

	listing := &Listing{FetchedAt: c.now()}

	if !root.IsFolder() {
		// Single-file share: the node itself is the file.
		listing.SingleFile = true
		listing.Files = []ListedFile{{
			Name:      root.Name,
			Path:      root.Name,
			Extension: NormalizeExt(root.Extension),
			Type:      TypeForFile(root.Type, root.Extension),
			Size:      root.Size,
		}}
		return listing, nil
	}

	type dirEntry struct {
		subpath string
		node    *backend.ShareNode
	}

	worklist := []dirEntry{{subpath: "", node: root}}
	visited := map[string]bool{"": true}
	fetches := 0

	for len(worklist) > 0 {
		dir := worklist[0]
		worklist = worklist[1:]

		for i := range dir.node.Items {
			item := &dir.node.Items[i]
			rel := item.Name
			if dir.subpath != "" {
				rel = dir.subpath + "/" + item.Name
			}
			if !SafeRelPath(rel) {
				c.logger.Warn("skipping unsafe path in share", "share", hash, "name", item.Name)
				continue
			}

			if !item.IsDir {
				listing.Files = append(listing.Files, ListedFile{
					Name:      item.Name,
					Path:      rel,
					Extension: NormalizeExt(item.Extension),
					Type:      TypeForFile(item.Type, item.Extension),
					Size:      item.Size,
				})
				continue
			}

			if visited[rel] {
				continue
			}
			visited[rel] = true
			if fetches >= maxDirFetches {
				c.logger.Warn("share directory walk truncated", "share", hash, "limit", maxDirFetches)
				continue
			}
			fetches++

			sub, err := c.fetcher.PublicShare(ctx, hash, rel)
			if err != nil {
				return nil, fmt.Errorf("listing %s: %w", path.Join(hash, rel), err)
			}
			worklist = append(worklist, dirEntry{subpath: rel, node: sub})
		}
	}

	sort.Slice(listing.Files, func(i, j int) bool {
		return strings.ToLower(listing.Files[i].Path) < strings.ToLower(listing.Files[j].Path)
	})
	return listing, nil
}
