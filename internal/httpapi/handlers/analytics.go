package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/droppr/mediaedge/internal/analytics"
	"github.com/droppr/mediaedge/internal/backend"
	"github.com/droppr/mediaedge/internal/config"
	"github.com/droppr/mediaedge/internal/share"
)

// maxRangeDays caps how far back a report query may reach.
const (
	maxRangeDays     = 3650
	defaultRangeDays = 30
)

// TokenValidator checks an operator token against the backend.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) error
	Shares(ctx context.Context, token string) ([]backend.ShareMeta, error)
}

// AnalyticsHandler serves the operator-facing reporting API. Every route
// requires a backend operator token.
type AnalyticsHandler struct {
	store     *analytics.Store
	validator TokenValidator
	cfg       config.AnalyticsConfig
	logger    *slog.Logger
}

// NewAnalyticsHandler wires the reporting handlers.
func NewAnalyticsHandler(store *analytics.Store, validator TokenValidator, cfg config.AnalyticsConfig, logger *slog.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsHandler{store: store, validator: validator, cfg: cfg, logger: logger}
}

// AuthInput carries the operator token in any of its accepted forms.
type AuthInput struct {
	XAuth         string `header:"X-Auth" doc:"Backend auth token"`
	Authorization string `header:"Authorization" doc:"Bearer token alternative"`
	AuthCookie    string `cookie:"auth" doc:"Cookie fallback used by the panel UI"`
}

// token resolves the auth precedence: explicit header, bearer, cookie.
// Values are whitespace-trimmed; proxies and curl invocations pad them.
func (a *AuthInput) token() string {
	if t := strings.TrimSpace(a.XAuth); t != "" {
		return t
	}
	if strings.HasPrefix(a.Authorization, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(a.Authorization, "Bearer "))
	}
	return strings.TrimSpace(a.AuthCookie)
}

// authorize validates the token against the backend.
func (h *AnalyticsHandler) authorize(ctx context.Context, in *AuthInput) (string, error) {
	token := in.token()
	if token == "" {
		return "", huma.Error401Unauthorized("missing auth token")
	}
	if err := h.validator.ValidateToken(ctx, token); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			return "", huma.Error401Unauthorized("invalid auth token")
		}
		h.logger.Error("token validation failed", "error", err)
		return "", huma.Error502BadGateway("auth backend unavailable")
	}
	return token, nil
}

// RangeInput is the shared report time-range query surface.
type RangeInput struct {
	Days  int    `query:"days" doc:"Look-back window in days" minimum:"0" maximum:"3650"`
	Since string `query:"since" doc:"RFC 3339 lower bound, overrides days"`
	Until string `query:"until" doc:"RFC 3339 upper bound"`
}

// timeRange resolves the query parameters into concrete bounds.
func (in *RangeInput) timeRange() (analytics.TimeRange, error) {
	var rng analytics.TimeRange
	if in.Since != "" || in.Until != "" {
		if in.Since != "" {
			t, err := time.Parse(time.RFC3339, in.Since)
			if err != nil {
				return rng, fmt.Errorf("invalid since: %w", err)
			}
			rng.Since = t
		}
		if in.Until != "" {
			t, err := time.Parse(time.RFC3339, in.Until)
			if err != nil {
				return rng, fmt.Errorf("invalid until: %w", err)
			}
			rng.Until = t
		}
		return rng, nil
	}

	days := in.Days
	if days <= 0 {
		days = defaultRangeDays
	}
	if days > maxRangeDays {
		days = maxRangeDays
	}
	rng.Since = time.Now().UTC().AddDate(0, 0, -days)
	return rng, nil
}

// configOutput mirrors the recording configuration.
type configOutput struct {
	Body struct {
		Enabled          bool   `json:"enabled"`
		RetentionDays    int    `json:"retentionDays"`
		IPMode           string `json:"ipMode"`
		LogGalleryViews  bool   `json:"logGalleryViews"`
		LogFileDownloads bool   `json:"logFileDownloads"`
		LogZipDownloads  bool   `json:"logZipDownloads"`
	}
}

type configInput struct {
	AuthInput
}

type sharesInput struct {
	AuthInput
	RangeInput
	IncludeEmpty    bool `query:"include_empty" doc:"Include known shares without events"`
	IncludeEmpty2   bool `query:"includeEmpty" doc:"Alias of include_empty"`
	IncludeDeleted  bool `query:"include_deleted" doc:"Include shares the backend no longer knows"`
	IncludeDeleted2 bool `query:"includeDeleted" doc:"Alias of include_deleted"`
}

// shareRow is one share's aggregate decorated with backend metadata, or
// flagged deleted when the backend no longer knows the hash.
type shareRow struct {
	analytics.ShareSummary
	Path     string `json:"path,omitempty"`
	Username string `json:"username,omitempty"`
	Expire   int64  `json:"expire,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

type rangeEcho struct {
	Since string `json:"since,omitempty"`
	Until string `json:"until,omitempty"`
}

type sharesOutput struct {
	Body struct {
		Shares []shareRow `json:"shares"`
		Totals struct {
			Shares int `json:"shares"`
			analytics.Totals
		} `json:"totals"`
		Range rangeEcho `json:"range"`
	}
}

type shareReportInput struct {
	AuthInput
	RangeInput
	Hash string `path:"hash" doc:"Share hash"`
}

type shareReportOutput struct {
	Body analytics.ShareReport
}

// Register mounts the JSON reporting operations.
func (h *AnalyticsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getAnalyticsConfig",
		Method:      http.MethodGet,
		Path:        "/api/analytics/config",
		Summary:     "Analytics configuration",
		Tags:        []string{"Analytics"},
	}, h.getConfig)

	huma.Register(api, huma.Operation{
		OperationID: "listAnalyticsShares",
		Method:      http.MethodGet,
		Path:        "/api/analytics/shares",
		Summary:     "Per-share usage totals",
		Tags:        []string{"Analytics"},
	}, h.listShares)

	huma.Register(api, huma.Operation{
		OperationID: "getAnalyticsShare",
		Method:      http.MethodGet,
		Path:        "/api/analytics/shares/{hash}",
		Summary:     "Usage drill-down for one share",
		Tags:        []string{"Analytics"},
	}, h.getShare)
}

func (h *AnalyticsHandler) getConfig(ctx context.Context, in *configInput) (*configOutput, error) {
	if _, err := h.authorize(ctx, &in.AuthInput); err != nil {
		return nil, err
	}
	out := &configOutput{}
	out.Body.Enabled = h.store.Enabled()
	out.Body.RetentionDays = h.cfg.RetentionDays
	out.Body.IPMode = h.cfg.IPMode
	out.Body.LogGalleryViews = h.cfg.LogGalleryViews
	out.Body.LogFileDownloads = h.cfg.LogFileDownloads
	out.Body.LogZipDownloads = h.cfg.LogZipDownloads
	return out, nil
}

func (h *AnalyticsHandler) listShares(ctx context.Context, in *sharesInput) (*sharesOutput, error) {
	token, err := h.authorize(ctx, &in.AuthInput)
	if err != nil {
		return nil, err
	}
	rng, err := in.timeRange()
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	summaries, err := h.store.ShareSummaries(ctx, rng)
	if err != nil {
		h.logger.Error("share summary query failed", "error", err)
		return nil, huma.Error500InternalServerError("report query failed")
	}

	known, err := h.backendShares(ctx, token)
	if err != nil {
		return nil, err
	}

	includeDeleted := in.IncludeDeleted || in.IncludeDeleted2
	seen := make(map[string]bool, len(summaries))
	rows := make([]shareRow, 0, len(summaries))
	for _, s := range summaries {
		seen[s.ShareHash] = true
		row := shareRow{ShareSummary: s}
		if meta, ok := known[s.ShareHash]; ok {
			row.Path = meta.Path
			row.Username = meta.Username
			row.Expire = meta.Expire
		} else {
			if !includeDeleted {
				continue
			}
			row.Deleted = true
		}
		rows = append(rows, row)
	}

	if in.IncludeEmpty || in.IncludeEmpty2 {
		for _, meta := range known {
			if !seen[meta.Hash] {
				rows = append(rows, shareRow{
					ShareSummary: analytics.ShareSummary{ShareHash: meta.Hash},
					Path:         meta.Path,
					Username:     meta.Username,
					Expire:       meta.Expire,
				})
			}
		}
	}

	totals, err := h.store.Totals(ctx, rng)
	if err != nil {
		h.logger.Error("totals query failed", "error", err)
		return nil, huma.Error500InternalServerError("report query failed")
	}

	out := &sharesOutput{}
	out.Body.Shares = rows
	out.Body.Totals.Shares = len(rows)
	out.Body.Totals.Totals = totals
	if !rng.Since.IsZero() {
		out.Body.Range.Since = rng.Since.UTC().Format(time.RFC3339)
	}
	if !rng.Until.IsZero() {
		out.Body.Range.Until = rng.Until.UTC().Format(time.RFC3339)
	}
	return out, nil
}

// backendShares fetches the backend's share list keyed by hash. Iteration
// order of the returned map only affects appended idle rows.
func (h *AnalyticsHandler) backendShares(ctx context.Context, token string) (map[string]backend.ShareMeta, error) {
	known, err := h.validator.Shares(ctx, token)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			return nil, huma.Error401Unauthorized("invalid auth token")
		}
		h.logger.Error("listing backend shares failed", "error", err)
		return nil, huma.Error502BadGateway("share list unavailable")
	}
	byHash := make(map[string]backend.ShareMeta, len(known))
	for _, meta := range known {
		byHash[meta.Hash] = meta
	}
	return byHash, nil
}

func (h *AnalyticsHandler) getShare(ctx context.Context, in *shareReportInput) (*shareReportOutput, error) {
	if _, err := h.authorize(ctx, &in.AuthInput); err != nil {
		return nil, err
	}
	if !share.ValidHash(in.Hash) {
		return nil, huma.Error400BadRequest("invalid share hash")
	}
	rng, err := in.timeRange()
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	report, err := h.store.ShareReport(ctx, in.Hash, rng)
	if err != nil {
		h.logger.Error("share report query failed", "share", in.Hash, "error", err)
		return nil, huma.Error500InternalServerError("report query failed")
	}
	return &shareReportOutput{Body: *report}, nil
}

// RegisterExport mounts the CSV export as a plain route; huma's typed
// responses do not fit a streamed text/csv attachment.
func (h *AnalyticsHandler) RegisterExport(r chi.Router) {
	r.Get("/api/analytics/shares/{hash}/export.csv", h.exportCSV)
}

func (h *AnalyticsHandler) exportCSV(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if token == "" {
		http.Error(w, "missing auth token", http.StatusUnauthorized)
		return
	}
	if err := h.validator.ValidateToken(r.Context(), token); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
		} else {
			h.logger.Error("token validation failed", "error", err)
			http.Error(w, "auth backend unavailable", http.StatusBadGateway)
		}
		return
	}

	hash := chi.URLParam(r, "hash")
	if !share.ValidHash(hash) {
		http.Error(w, "invalid share hash", http.StatusBadRequest)
		return
	}

	in := RangeInput{Since: r.URL.Query().Get("since"), Until: r.URL.Query().Get("until")}
	if d := r.URL.Query().Get("days"); d != "" {
		fmt.Sscanf(d, "%d", &in.Days)
	}
	rng, err := in.timeRange()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	events, err := h.store.Events(r.Context(), hash, rng)
	if err != nil {
		h.logger.Error("csv export query failed", "share", hash, "error", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+analytics.ExportFilename(hash)+`"`)
	w.Header().Set("Cache-Control", "no-store")
	if err := analytics.WriteCSV(w, events); err != nil {
		h.logger.Debug("csv stream aborted", "share", hash, "error", err)
	}
}

// requestToken mirrors AuthInput.token for plain handlers.
func requestToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Auth")); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if c, err := r.Cookie("auth"); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
