package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/droppr/mediaedge/internal/cache"
	"github.com/droppr/mediaedge/internal/config"
	"github.com/droppr/mediaedge/internal/runner"
)

// ErrEncodeFailed is returned when the encoder exited non-zero. Timeouts
// surface as runner.ErrTimeout instead.
var ErrEncodeFailed = errors.New("encode failed")

// Rendition names used in cache keys, pool names, and source payloads.
const (
	RenditionThumb = "thumb"
	RenditionFast  = "fast"
	RenditionHD    = "hd"
)

// ShareFile identifies one source file for the pipelines.
type ShareFile struct {
	Hash       string
	Path       string
	Size       int64
	SingleFile bool
	// Video switches the thumbnail pipeline to its seek-and-fallback
	// behavior; still images render in one pass.
	Video bool
}

// SourceResolver yields the upstream URL the encoder reads from.
type SourceResolver interface {
	InlineFileURL(hash, relPath string) string
	InlineShareURL(hash string) string
}

// Service owns the transform pipelines.
type Service struct {
	thumbCfg config.ThumbnailConfig
	fastCfg  config.RenditionConfig
	hdCfg    config.RenditionConfig
	ffmpeg   string

	thumbCache *cache.DiskCache
	proxyCache *cache.DiskCache

	runner    runner.Runner
	thumbPool *runner.Pool
	fastPool  *runner.Pool
	hdPool    *runner.Pool

	resolver   SourceResolver
	dispatcher *dispatcher
	logger     *slog.Logger
}

// NewService wires the pipelines from configuration.
func NewService(
	cfg *config.Config,
	thumbCache, proxyCache *cache.DiskCache,
	r runner.Runner,
	resolver SourceResolver,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		thumbCfg:   cfg.Thumbnail,
		fastCfg:    cfg.Proxy,
		hdCfg:      cfg.HD,
		ffmpeg:     ffmpegBinary(cfg.FFmpeg),
		thumbCache: thumbCache,
		proxyCache: proxyCache,
		runner:     r,
		thumbPool:  runner.NewPool(RenditionThumb, cfg.Thumbnail.Concurrency),
		fastPool:   runner.NewPool(RenditionFast, cfg.Proxy.Concurrency),
		hdPool:     runner.NewPool(RenditionHD, cfg.HD.Concurrency),
		resolver:   resolver,
		dispatcher: newDispatcher(logger),
		logger:     logger,
	}
}

func ffmpegBinary(cfg config.FFmpegConfig) string {
	if cfg.BinaryPath != "" {
		return cfg.BinaryPath
	}
	return "ffmpeg"
}

// sourceURL resolves the encoder input for a share file.
func (s *Service) sourceURL(f ShareFile) string {
	if f.SingleFile {
		return s.resolver.InlineShareURL(f.Hash)
	}
	return s.resolver.InlineFileURL(f.Hash, f.Path)
}

// thumbKey addresses a thumbnail. Geometry and quality are part of the key
// so a config change regenerates thumbnails instead of serving stale sizes.
// File size is deliberately absent: thumbnails survive a re-upload of the
// same image, and the blast radius of a wrong hit is one preview frame.
func (s *Service) thumbKey(f ShareFile) string {
	return cache.Key(
		RenditionThumb,
		strconv.Itoa(s.thumbCfg.MaxWidth),
		strconv.Itoa(s.thumbCfg.Quality),
		f.Hash,
		f.Path,
	)
}

// renditionKey addresses a video rendition. Every encode parameter and the
// source size participate; bumping ProfileVersion retires a whole class.
func renditionKey(name string, cfg config.RenditionConfig, f ShareFile) string {
	return cache.Key(
		name,
		cfg.ProfileVersion,
		strconv.Itoa(cfg.MaxDimension),
		strconv.Itoa(cfg.CRF),
		cfg.Preset,
		f.Hash,
		f.Path,
		strconv.FormatInt(f.Size, 10),
	)
}

// FastKey returns the cache key of the fast proxy for f.
func (s *Service) FastKey(f ShareFile) string { return renditionKey(RenditionFast, s.fastCfg, f) }

// HDKey returns the cache key of the HD proxy for f.
func (s *Service) HDKey(f ShareFile) string { return renditionKey(RenditionHD, s.hdCfg, f) }

// FastReady reports whether the fast proxy for f is already cached.
func (s *Service) FastReady(f ShareFile) (string, bool) {
	return s.proxyCache.Lookup(s.FastKey(f), ".mp4")
}

// HDReady reports whether the HD proxy for f is already cached.
func (s *Service) HDReady(f ShareFile) (string, bool) {
	return s.proxyCache.Lookup(s.HDKey(f), ".mp4")
}

// ArtifactPath returns the proxy-cache artifact path for a raw key, used by
// the direct artifact download endpoint.
func (s *Service) ArtifactPath(key string) (string, bool) {
	return s.proxyCache.Lookup(key, ".mp4")
}

func encodeError(rendition string, res *runner.Result) error {
	return fmt.Errorf("%s rendition exited %d: %s: %w", rendition, res.ExitCode, res.Stderr, ErrEncodeFailed)
}
