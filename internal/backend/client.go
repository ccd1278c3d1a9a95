// Package backend provides the HTTP client for the upstream file-share
// backend. The backend owns shares, auth, and raw downloads; mediaedge only
// consumes its public share JSON and download streams.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/droppr/mediaedge/internal/config"
)

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	// ErrNotFound is returned when the backend reports 404 for a share.
	ErrNotFound = errors.New("share not found")
	// ErrUnauthorized is returned when the backend rejects an auth token.
	ErrUnauthorized = errors.New("unauthorized")
)

// ShareNode is one node of the backend's public share JSON. A folder share
// advertises Items; a single-file share is a bare node without Items.
type ShareNode struct {
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	Size      int64       `json:"size"`
	Extension string      `json:"extension"`
	Type      string      `json:"type"`
	IsDir     bool        `json:"isDir"`
	Items     []ShareNode `json:"items"`
}

// IsFolder reports whether the node advertises child items.
func (n *ShareNode) IsFolder() bool {
	return n.Items != nil
}

// ShareMeta is one entry of the backend's authenticated share list.
type ShareMeta struct {
	Hash     string `json:"hash"`
	Path     string `json:"path"`
	Expire   int64  `json:"expire"`
	UserID   int64  `json:"userID"`
	Username string `json:"username"`
}

// Client talks to the backend over its internal HTTP API.
type Client struct {
	baseURL   string
	client    *http.Client
	zipClient *http.Client
	logger    *slog.Logger
}

// New creates a backend client from configuration.
func New(cfg config.BackendConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Timeout: cfg.Timeout},
		zipClient: &http.Client{Timeout: cfg.ZipTimeout},
		logger:    logger,
	}
}

// PublicShare fetches the public share JSON for a share, optionally at a
// subpath within the share. Returns ErrNotFound on 404.
func (c *Client) PublicShare(ctx context.Context, hash, subpath string) (*ShareNode, error) {
	u := c.baseURL + "/api/public/share/" + url.PathEscape(hash)
	if subpath != "" {
		u += EncodePath("/" + strings.TrimPrefix(subpath, "/"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching share %s: %w", hash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching share %s: unexpected status %d", hash, resp.StatusCode)
	}

	var node ShareNode
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		return nil, fmt.Errorf("decoding share %s: %w", hash, err)
	}
	return &node, nil
}

// Shares fetches the authenticated share list using the operator token.
// Returns ErrUnauthorized when the backend rejects the token; any other
// failure is a transport error the caller maps to 502.
func (c *Client) Shares(ctx context.Context, token string) ([]ShareMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/shares", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Auth", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching shares: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("fetching shares: unexpected status %d", resp.StatusCode)
	}

	var shares []ShareMeta
	if err := json.NewDecoder(resp.Body).Decode(&shares); err != nil {
		return nil, fmt.Errorf("decoding shares: %w", err)
	}
	return shares, nil
}

// ValidateToken checks an operator token against the share-list endpoint.
func (c *Client) ValidateToken(ctx context.Context, token string) error {
	_, err := c.Shares(ctx, token)
	return err
}

// DownloadZip opens the backend's ZIP download stream for a share.
// The caller owns the response body.
func (c *Client) DownloadZip(ctx context.Context, hash string) (*http.Response, error) {
	u := c.baseURL + "/api/public/dl/" + url.PathEscape(hash) + "?download=1"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.zipClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading share %s: %w", hash, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("downloading share %s: unexpected status %d", hash, resp.StatusCode)
	}
	return resp, nil
}

// FileURL returns the absolute backend URL for a file inside a folder
// share, inline for streaming or as an attachment download. Absolute URLs
// are for server-side consumers (the encoder); anything handed to a
// browser uses the Public* builders instead.
func (c *Client) FileURL(hash, relPath string, inline bool) string {
	return c.baseURL + "/api/public/dl/" + url.PathEscape(hash) + "/" + EncodePath(relPath) + publicQuery(inline)
}

// ShareURL returns the absolute backend URL for a single-file share's
// content.
func (c *Client) ShareURL(hash string, inline bool) string {
	return c.baseURL + "/api/public/dl/" + url.PathEscape(hash) + publicQuery(inline)
}

// PublicFileURL returns the edge-relative public URL for a file inside a
// folder share. The front proxy routes /api/public/* to the backend, so a
// redirect here stays on the caller's origin.
func PublicFileURL(hash, relPath string, inline bool) string {
	return "/api/public/dl/" + url.PathEscape(hash) + "/" + EncodePath(relPath) + publicQuery(inline)
}

// PublicShareURL returns the edge-relative public URL for a single-file
// share's content.
func PublicShareURL(hash string, inline bool) string {
	return "/api/public/file/" + url.PathEscape(hash) + publicQuery(inline)
}

func publicQuery(inline bool) string {
	if inline {
		return "?inline=true"
	}
	return "?download=1"
}

// InlineFileURL is the streaming URL handed to the encoder as its input.
func (c *Client) InlineFileURL(hash, relPath string) string {
	return c.FileURL(hash, relPath, true)
}

// InlineShareURL is the encoder input URL for a single-file share.
func (c *Client) InlineShareURL(hash string) string {
	return c.ShareURL(hash, true)
}

// EncodePath percent-encodes a share-relative path, keeping "/" separators.
func EncodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
