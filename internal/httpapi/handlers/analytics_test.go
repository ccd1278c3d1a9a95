package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droppr/mediaedge/internal/analytics"
	"github.com/droppr/mediaedge/internal/backend"
	"github.com/droppr/mediaedge/internal/config"
	"github.com/droppr/mediaedge/internal/httpapi/handlers"
)

// fakeValidator accepts one token and knows a fixed share list.
type fakeValidator struct {
	valid  string
	shares []backend.ShareMeta
	down   bool
}

func (f *fakeValidator) ValidateToken(_ context.Context, token string) error {
	if f.down {
		return context.DeadlineExceeded
	}
	if token != f.valid {
		return backend.ErrUnauthorized
	}
	return nil
}

func (f *fakeValidator) Shares(_ context.Context, token string) ([]backend.ShareMeta, error) {
	if err := f.ValidateToken(context.Background(), token); err != nil {
		return nil, err
	}
	return f.shares, nil
}

func newAnalyticsFixture(t *testing.T, validator *fakeValidator) (*chi.Mux, *analytics.Store) {
	t.Helper()

	cfg := config.AnalyticsConfig{
		Enabled:          true,
		DBPath:           filepath.Join(t.TempDir(), "analytics.sqlite3"),
		DBTimeout:        time.Second,
		RetentionDays:    180,
		IPMode:           analytics.IPModeFull,
		LogGalleryViews:  true,
		LogFileDownloads: true,
		LogZipDownloads:  true,
	}
	store, err := analytics.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	h := handlers.NewAnalyticsHandler(store, validator, cfg, nil)
	h.Register(api)
	h.RegisterExport(router)
	return router, store
}

func authedGet(t *testing.T, router *chi.Mux, url, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", url, nil)
	if token != "" {
		req.Header.Set("X-Auth", token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAnalytics_AuthRequired(t *testing.T) {
	router, _ := newAnalyticsFixture(t, &fakeValidator{valid: "secret"})

	assert.Equal(t, http.StatusUnauthorized, authedGet(t, router, "/api/analytics/shares", "").Code)
	assert.Equal(t, http.StatusUnauthorized, authedGet(t, router, "/api/analytics/shares", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, authedGet(t, router, "/api/analytics/shares/abc/export.csv", "wrong").Code)
}

func TestAnalytics_BearerAndCookieFallbacks(t *testing.T) {
	router, _ := newAnalyticsFixture(t, &fakeValidator{valid: "secret"})

	req := httptest.NewRequest("GET", "/api/analytics/config", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("GET", "/api/analytics/config", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: "secret"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Padded tokens are trimmed before validation.
	req = httptest.NewRequest("GET", "/api/analytics/config", nil)
	req.Header.Set("X-Auth", "  secret  ")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("GET", "/api/analytics/config", nil)
	req.Header.Set("Authorization", "Bearer secret ")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalytics_BackendDownIs502(t *testing.T) {
	router, _ := newAnalyticsFixture(t, &fakeValidator{valid: "secret", down: true})
	assert.Equal(t, http.StatusBadGateway, authedGet(t, router, "/api/analytics/config", "secret").Code)
}

func TestAnalytics_ListShares(t *testing.T) {
	validator := &fakeValidator{valid: "secret", shares: []backend.ShareMeta{
		{Hash: "abc", Path: "/srv/holiday", Username: "anna"}, {Hash: "idle"},
	}}
	router, store := newAnalyticsFixture(t, validator)

	ctx := context.Background()
	store.LogEvent(ctx, analytics.DownloadEvent{ShareHash: "abc", EventType: analytics.EventFileDownload})
	store.LogEvent(ctx, analytics.DownloadEvent{ShareHash: "abc", EventType: analytics.EventGalleryView})
	store.LogEvent(ctx, analytics.DownloadEvent{ShareHash: "gone", EventType: analytics.EventZipDownload})

	rec := authedGet(t, router, "/api/analytics/shares", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Shares []struct {
			ShareHash string `json:"shareHash"`
			Total     int64  `json:"total"`
			Path      string `json:"path"`
			Username  string `json:"username"`
			Deleted   bool   `json:"deleted"`
		} `json:"shares"`
		Totals struct {
			Shares    int   `json:"shares"`
			Events    int64 `json:"events"`
			Downloads int64 `json:"downloads"`
		} `json:"totals"`
		Range struct {
			Since string `json:"since"`
		} `json:"range"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Shares, 1, "shares the backend no longer knows are hidden by default")
	assert.Equal(t, "abc", resp.Shares[0].ShareHash)
	assert.Equal(t, "/srv/holiday", resp.Shares[0].Path)
	assert.Equal(t, "anna", resp.Shares[0].Username)
	assert.Equal(t, int64(3), resp.Totals.Events)
	assert.Equal(t, int64(2), resp.Totals.Downloads)
	assert.NotEmpty(t, resp.Range.Since)

	// include_empty merges in the idle share from the backend list.
	rec = authedGet(t, router, "/api/analytics/shares?include_empty=true", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Shares, 2)

	// include_deleted surfaces the orphaned log rows, flagged.
	rec = authedGet(t, router, "/api/analytics/shares?include_deleted=1", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Shares, 2)
	var deleted int
	for _, s := range resp.Shares {
		if s.Deleted {
			deleted++
			assert.Equal(t, "gone", s.ShareHash)
		}
	}
	assert.Equal(t, 1, deleted)
}

func TestAnalytics_ShareReport(t *testing.T) {
	router, store := newAnalyticsFixture(t, &fakeValidator{valid: "secret"})

	store.LogEvent(context.Background(), analytics.DownloadEvent{
		ShareHash: "abc", EventType: analytics.EventFileDownload, FilePath: "a.jpg", IP: "203.0.113.7",
	})

	rec := authedGet(t, router, "/api/analytics/shares/abc", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var report analytics.ShareReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, int64(1), report.Summary.Total)
	require.Len(t, report.TopIPs, 1)
	assert.Equal(t, "203.0.113.7", report.TopIPs[0].IP)
}

func TestAnalytics_Config(t *testing.T) {
	router, _ := newAnalyticsFixture(t, &fakeValidator{valid: "secret"})

	rec := authedGet(t, router, "/api/analytics/config", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg struct {
		Enabled       bool   `json:"enabled"`
		RetentionDays int    `json:"retentionDays"`
		IPMode        string `json:"ipMode"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cfg))
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 180, cfg.RetentionDays)
	assert.Equal(t, "full", cfg.IPMode)
}

func TestAnalytics_ExportCSV(t *testing.T) {
	router, store := newAnalyticsFixture(t, &fakeValidator{valid: "secret"})

	store.LogEvent(context.Background(), analytics.DownloadEvent{
		ShareHash: "abc", EventType: analytics.EventFileDownload, FilePath: "a.jpg",
	})

	assert.Equal(t, http.StatusBadRequest,
		authedGet(t, router, "/api/analytics/shares/bad.hash/export.csv", "secret").Code)

	rec := authedGet(t, router, "/api/analytics/shares/abc/export.csv", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "mediaedge-share-abc-analytics.csv")

	body := rec.Body.String()
	assert.Contains(t, body, "event_type,file_path,ip,user_agent,referer,created_at")
	assert.Contains(t, body, "a.jpg")
}
