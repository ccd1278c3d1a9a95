// Package handlers implements the HTTP handlers for the gallery, analytics,
// and health surfaces.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/droppr/mediaedge/internal/analytics"
	"github.com/droppr/mediaedge/internal/backend"
	"github.com/droppr/mediaedge/internal/runner"
	"github.com/droppr/mediaedge/internal/share"
	"github.com/droppr/mediaedge/internal/transform"
)

// Gallery serves the public, share-scoped routes: listings, thumbnails,
// counted downloads, proxy renditions, and source negotiation.
type Gallery struct {
	listings   *share.ListingCache
	transforms *transform.Service
	backend    *backend.Client
	events     *analytics.Store
	logger     *slog.Logger
}

// NewGallery wires the gallery handlers.
func NewGallery(
	listings *share.ListingCache,
	transforms *transform.Service,
	bc *backend.Client,
	events *analytics.Store,
	logger *slog.Logger,
) *Gallery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gallery{
		listings:   listings,
		transforms: transforms,
		backend:    bc,
		events:     events,
		logger:     logger,
	}
}

// Register mounts the gallery routes.
func (g *Gallery) Register(r chi.Router) {
	r.Route("/api/share/{hash}", func(r chi.Router) {
		r.Get("/files", g.listFiles)
		r.Get("/download", g.downloadZip)
		r.Get("/preview/*", g.thumbnail)
		r.Get("/file/*", g.file)
		r.Get("/proxy/*", g.proxyVideo)
		r.Get("/video-sources/*", g.videoSources)
		r.Post("/video-sources/*", g.videoSources)
	})
	r.Get("/api/proxy-cache/{artifact}", g.artifact)
}

// queryFlag reads a loose boolean from the first present alias.
func queryFlag(r *http.Request, names ...string) bool {
	q := r.URL.Query()
	for _, n := range names {
		if v, ok := q[n]; ok && len(v) > 0 {
			return share.ParseBool(v[0])
		}
	}
	return false
}

// querySeconds reads a duration in seconds from the first present alias.
// Returns a negative duration when absent or unparseable.
func querySeconds(r *http.Request, names ...string) time.Duration {
	q := r.URL.Query()
	for _, n := range names {
		if v := q.Get(n); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return -1
}

// shareHash extracts and validates the share hash. A hash that cannot
// possibly name a share is malformed input, not a missing resource.
func (g *Gallery) shareHash(w http.ResponseWriter, r *http.Request) (string, bool) {
	hash := chi.URLParam(r, "hash")
	if !share.ValidHash(hash) {
		http.Error(w, "invalid share hash", http.StatusBadRequest)
		return "", false
	}
	return hash, true
}

// relPath extracts and validates the wildcard file path. The wildcard may
// arrive percent-encoded depending on how the client built the URL.
func (g *Gallery) relPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	if !share.SafeRelPath(p) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return "", false
	}
	return p, true
}

// lookupFile loads the listing and finds the file, mapping misses to HTTP
// errors. Returns the listing too because single-file shares change how
// upstream URLs are built.
func (g *Gallery) lookupFile(w http.ResponseWriter, r *http.Request, hash, relPath string) (*share.Listing, *share.ListedFile, bool) {
	listing, err := g.listings.Get(r.Context(), hash, share.DefaultOptions())
	if err != nil {
		g.writeBackendError(w, r, hash, err)
		return nil, nil, false
	}
	f := listing.FindFile(relPath)
	if f == nil {
		// The file may have been uploaded after the listing was cached;
		// refetch once before declaring it missing.
		listing, err = g.listings.Get(r.Context(), hash, share.Options{ForceRefresh: true, MaxAge: -1})
		if err != nil {
			g.writeBackendError(w, r, hash, err)
			return nil, nil, false
		}
		f = listing.FindFile(relPath)
	}
	if f == nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil, nil, false
	}
	return listing, f, true
}

func (g *Gallery) writeBackendError(w http.ResponseWriter, r *http.Request, hash string, err error) {
	if errors.Is(err, backend.ErrNotFound) {
		http.Error(w, "share not found", http.StatusNotFound)
		return
	}
	g.logger.Error("backend request failed",
		"share", hash, "path", r.URL.Path, "error", err)
	http.Error(w, "upstream error", http.StatusBadGateway)
}

// writeTransformError maps pipeline failures: a killed encoder is the
// client's timeout problem, everything else is ours.
func (g *Gallery) writeTransformError(w http.ResponseWriter, hash, relPath string, err error) {
	switch {
	case errors.Is(err, runner.ErrTimeout):
		g.logger.Warn("transform timed out", "share", hash, "path", relPath)
		http.Error(w, "media processing timed out", http.StatusGatewayTimeout)
	case errors.Is(err, backend.ErrNotFound):
		http.Error(w, "share not found", http.StatusNotFound)
	default:
		g.logger.Error("transform failed", "share", hash, "path", relPath, "error", err)
		http.Error(w, "media processing failed", http.StatusInternalServerError)
	}
}

func (g *Gallery) logEvent(r *http.Request, hash, eventType, filePath string) {
	g.events.LogEvent(r.Context(), analytics.DownloadEvent{
		ShareHash: hash,
		EventType: eventType,
		FilePath:  filePath,
		IP:        analytics.ClientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// galleryFile is one listing entry enriched with its access URLs: the
// backend's inline content URL plus the edge's own counted-download,
// preview, and source-negotiation routes.
type galleryFile struct {
	share.ListedFile
	InlineURL   string `json:"inline_url"`
	DownloadURL string `json:"download_url"`
	PreviewURL  string `json:"previewURL,omitempty"`
	SourcesURL  string `json:"sourcesURL,omitempty"`
}

func (g *Gallery) listFiles(w http.ResponseWriter, r *http.Request) {
	hash, ok := g.shareHash(w, r)
	if !ok {
		return
	}

	opts := share.Options{
		ForceRefresh: queryFlag(r, "refresh", "force"),
		MaxAge:       querySeconds(r, "max_age", "maxAge"),
	}
	listing, err := g.listings.Get(r.Context(), hash, opts)
	if err != nil {
		g.writeBackendError(w, r, hash, err)
		return
	}

	base := "/api/share/" + hash
	files := make([]galleryFile, 0, len(listing.Files))
	for _, f := range listing.Files {
		encoded := backend.EncodePath(f.Path)
		inline := backend.PublicFileURL(hash, f.Path, true)
		if listing.SingleFile {
			inline = backend.PublicShareURL(hash, true)
		}
		gf := galleryFile{
			ListedFile:  f,
			InlineURL:   inline,
			DownloadURL: base + "/file/" + encoded + "?download=1",
		}
		if f.Type == share.TypeImage || f.Type == share.TypeVideo {
			gf.PreviewURL = base + "/preview/" + encoded
		}
		if f.Type == share.TypeVideo {
			gf.SourcesURL = base + "/video-sources/" + encoded
		}
		files = append(files, gf)
	}

	g.logEvent(r, hash, analytics.EventGalleryView, "")
	writeJSON(w, http.StatusOK, files)
}

func (g *Gallery) thumbnail(w http.ResponseWriter, r *http.Request) {
	hash, ok := g.shareHash(w, r)
	if !ok {
		return
	}
	relPath, ok := g.relPath(w, r)
	if !ok {
		return
	}
	listing, f, ok := g.lookupFile(w, r, hash, relPath)
	if !ok {
		return
	}
	if f.Type != share.TypeImage && f.Type != share.TypeVideo {
		http.Error(w, "no thumbnail for this file type", http.StatusUnsupportedMediaType)
		return
	}

	sf := transform.ShareFile{
		Hash: hash, Path: relPath, Size: f.Size,
		SingleFile: listing.SingleFile,
		Video:      f.Type == share.TypeVideo,
	}
	path, err := g.transforms.Thumbnail(r.Context(), sf)
	if err != nil {
		g.writeTransformError(w, hash, relPath, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	// Content-addressed artifact: any parameter change moves the URL's
	// underlying key, so the bytes behind a key never change.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}

func (g *Gallery) file(w http.ResponseWriter, r *http.Request) {
	hash, ok := g.shareHash(w, r)
	if !ok {
		return
	}
	relPath, ok := g.relPath(w, r)
	if !ok {
		return
	}
	listing, _, ok := g.lookupFile(w, r, hash, relPath)
	if !ok {
		return
	}

	download := queryFlag(r, "download", "dl")
	var target string
	if listing.SingleFile {
		target = backend.PublicShareURL(hash, !download)
	} else {
		target = backend.PublicFileURL(hash, relPath, !download)
	}

	// Inline views are what the gallery itself renders; only explicit
	// downloads count.
	if download {
		g.logEvent(r, hash, analytics.EventFileDownload, relPath)
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

func (g *Gallery) proxyVideo(w http.ResponseWriter, r *http.Request) {
	hash, ok := g.shareHash(w, r)
	if !ok {
		return
	}
	relPath, ok := g.relPath(w, r)
	if !ok {
		return
	}
	listing, f, ok := g.lookupFile(w, r, hash, relPath)
	if !ok {
		return
	}
	if f.Type != share.TypeVideo {
		http.Error(w, "not a video", http.StatusUnsupportedMediaType)
		return
	}

	sf := transform.ShareFile{
		Hash: hash, Path: relPath, Size: f.Size,
		SingleFile: listing.SingleFile, Video: true,
	}

	// Build (or find) the fast rendition, then send the player to the
	// content-addressed artifact URL so range requests and caching happen
	// against an immutable resource.
	if _, err := g.transforms.FastProxy(r.Context(), sf); err != nil {
		g.writeTransformError(w, hash, relPath, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, "/api/proxy-cache/"+g.transforms.FastKey(sf)+".mp4", http.StatusFound)
}

func (g *Gallery) videoSources(w http.ResponseWriter, r *http.Request) {
	hash, ok := g.shareHash(w, r)
	if !ok {
		return
	}
	relPath, ok := g.relPath(w, r)
	if !ok {
		return
	}
	listing, f, ok := g.lookupFile(w, r, hash, relPath)
	if !ok {
		return
	}
	if f.Type != share.TypeVideo {
		http.Error(w, "not a video", http.StatusUnsupportedMediaType)
		return
	}

	sf := transform.ShareFile{
		Hash: hash, Path: relPath, Size: f.Size,
		SingleFile: listing.SingleFile, Video: true,
	}
	prepare, targets := prepareRequest(r)

	writeJSON(w, http.StatusOK, g.transforms.VideoSources(sf, prepare, targets))
}

// prepareRequest reads the preparation controls. A POST is a preparation
// request by itself; targets may come from a JSON body ("target" or
// "targets") or from query parameters, comma separated or repeated. An
// empty set means hd.
func prepareRequest(r *http.Request) (prepare bool, targets []string) {
	q := r.URL.Query()
	targets = append(targets, q["target"]...)
	targets = append(targets, q["targets"]...)
	targets = append(targets, q["rendition"]...)
	prepare = queryFlag(r, "prepare")

	if r.Method == http.MethodPost {
		prepare = true
		var body struct {
			Prepare *bool    `json:"prepare"`
			Target  string   `json:"target"`
			Targets []string `json:"targets"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			if body.Prepare != nil {
				prepare = *body.Prepare
			}
			if body.Target != "" {
				targets = append(targets, body.Target)
			}
			targets = append(targets, body.Targets...)
		}
	}
	return prepare, targets
}

func (g *Gallery) downloadZip(w http.ResponseWriter, r *http.Request) {
	hash, ok := g.shareHash(w, r)
	if !ok {
		return
	}

	resp, err := g.backend.DownloadZip(r.Context(), hash)
	if err != nil {
		g.writeBackendError(w, r, hash, err)
		return
	}
	defer resp.Body.Close()

	g.logEvent(r, hash, analytics.EventZipDownload, "")

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/zip")
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	} else {
		w.Header().Set("Content-Disposition", `attachment; filename="share_`+hash+`.zip"`)
	}
	w.Header().Set("Cache-Control", "no-store")

	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Debug("zip stream aborted", "share", hash, "error", err)
	}
}

var artifactRe = regexp.MustCompile(`^[0-9a-f]{64}\.mp4$`)

// artifact serves a proxy-cache rendition directly by its cache key, for
// players that were handed an artifact URL out of band.
func (g *Gallery) artifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "artifact")
	if !artifactRe.MatchString(name) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	key := strings.TrimSuffix(name, ".mp4")

	path, ok := g.transforms.ArtifactPath(key)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}
