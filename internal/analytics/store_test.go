package analytics

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droppr/mediaedge/internal/config"
)

func testStoreConfig(t *testing.T) config.AnalyticsConfig {
	t.Helper()
	return config.AnalyticsConfig{
		Enabled:          true,
		DBPath:           filepath.Join(t.TempDir(), "analytics.sqlite3"),
		DBTimeout:        time.Second,
		RetentionDays:    180,
		IPMode:           IPModeFull,
		LogGalleryViews:  true,
		LogFileDownloads: true,
		LogZipDownloads:  true,
	}
}

func openTestStore(t *testing.T, cfg config.AnalyticsConfig) *Store {
	t.Helper()
	s, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_LogAndReport(t *testing.T) {
	s := openTestStore(t, testStoreConfig(t))
	ctx := context.Background()
	now := time.Now().Unix()

	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventGalleryView, IP: "203.0.113.7", CreatedAt: now - 40})
	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload, FilePath: "a.jpg", IP: "203.0.113.7", CreatedAt: now - 30})
	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload, FilePath: "a.jpg", IP: "203.0.113.7", CreatedAt: now - 20})
	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload, FilePath: "b.png", IP: "198.51.100.2", CreatedAt: now - 10})
	s.LogEvent(ctx, DownloadEvent{ShareHash: "xyz", EventType: EventZipDownload, IP: "203.0.113.7", CreatedAt: now - 50})

	summaries, err := s.ShareSummaries(ctx, TimeRange{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Most recently downloaded share first.
	assert.Equal(t, "abc", summaries[0].ShareHash)
	assert.Equal(t, int64(4), summaries[0].Total)
	assert.Equal(t, int64(1), summaries[0].GalleryViews)
	assert.Equal(t, int64(3), summaries[0].FileDownloads)
	assert.Equal(t, int64(2), summaries[0].UniqueIPs)
	assert.Equal(t, now-10, summaries[0].LastDownload)
	assert.Equal(t, int64(1), summaries[1].ZipDownloads)

	totals, err := s.Totals(ctx, TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), totals.Events)
	assert.Equal(t, int64(4), totals.Downloads)
	assert.Equal(t, int64(2), totals.UniqueIPs)

	report, err := s.ShareReport(ctx, "abc", TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.Summary.Total)
	require.Len(t, report.TopIPs, 2)
	assert.Equal(t, "203.0.113.7", report.TopIPs[0].IP)
	assert.Equal(t, int64(2), report.TopIPs[0].Count)
	assert.Equal(t, int64(2), report.TopIPs[0].FileDownloads)
	require.NotEmpty(t, report.TopFiles)
	assert.Len(t, report.Recent, 4)
	assert.Equal(t, now-10, report.Recent[0].CreatedAt)
}

func TestStore_ReportForUnknownShare(t *testing.T) {
	s := openTestStore(t, testStoreConfig(t))

	report, err := s.ShareReport(context.Background(), "ghost", TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, "ghost", report.Summary.ShareHash)
	assert.Zero(t, report.Summary.Total)
	assert.Empty(t, report.Recent)
}

func TestStore_TimeRangeFilters(t *testing.T) {
	s := openTestStore(t, testStoreConfig(t))
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).Unix()
	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload, CreatedAt: old})
	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload})

	recent, err := s.ShareSummaries(ctx, TimeRange{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(1), recent[0].Total)

	all, err := s.ShareSummaries(ctx, TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all[0].Total)
}

func TestStore_RetentionSweep(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.RetentionDays = 30
	s := openTestStore(t, cfg)
	ctx := context.Background()

	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload, CreatedAt: time.Now().AddDate(0, 0, -90).Unix()})
	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload})

	require.NoError(t, s.Sweep(ctx))

	events, err := s.Events(ctx, "abc", TimeRange{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_EventClassSwitches(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.LogGalleryViews = false
	s := openTestStore(t, cfg)
	ctx := context.Background()

	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventGalleryView})
	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload})

	events, err := s.Events(ctx, "abc", TimeRange{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventFileDownload, events[0].EventType)
}

func TestStore_AnonymizedMode(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.IPMode = IPModeAnonymized
	s := openTestStore(t, cfg)
	ctx := context.Background()

	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload, IP: "203.0.113.77"})

	events, err := s.Events(ctx, "abc", TimeRange{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "203.0.113.0/24", events[0].IP)
}

func TestStore_DisabledIsNoOp(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.Enabled = false
	s := openTestStore(t, cfg)
	ctx := context.Background()

	assert.False(t, s.Enabled())
	s.LogEvent(ctx, DownloadEvent{ShareHash: "abc", EventType: EventFileDownload})

	summaries, err := s.ShareSummaries(ctx, TimeRange{})
	require.NoError(t, err)
	assert.Empty(t, summaries)
	require.NoError(t, s.Sweep(ctx))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:52144"
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.9")
	assert.Equal(t, "198.51.100.9", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(r))

	r.Header.Set("CF-Connecting-IP", "2001:db8::1")
	assert.Equal(t, "2001:db8::1", ClientIP(r))
}

func TestClientIP_SkipsUnparseableCandidates(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:52144"

	// Spoofed header text never lands in the log; resolution falls through
	// to the next candidate.
	r.Header.Set("X-Forwarded-For", "not-an-ip, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.9")
	assert.Equal(t, "198.51.100.9", ClientIP(r))

	r.Header.Set("CF-Connecting-IP", "<script>")
	assert.Equal(t, "198.51.100.9", ClientIP(r))

	bad := httptest.NewRequest("GET", "/", nil)
	bad.RemoteAddr = "garbage"
	bad.Header.Set("X-Forwarded-For", "also-garbage")
	assert.Equal(t, "", ClientIP(bad))
}

func TestAnonymizeIP(t *testing.T) {
	assert.Equal(t, "203.0.113.7", AnonymizeIP("203.0.113.7", IPModeFull))
	assert.Equal(t, "", AnonymizeIP("203.0.113.7", IPModeOff))
	assert.Equal(t, "203.0.113.0/24", AnonymizeIP("203.0.113.7", IPModeAnonymized))
	assert.Equal(t, "2001:db8:1:2::/64", AnonymizeIP("2001:db8:1:2:3:4:5:6", IPModeAnonymized))
	assert.Equal(t, "", AnonymizeIP("not-an-ip", IPModeAnonymized))
}

func TestWriteCSV(t *testing.T) {
	events := []DownloadEvent{
		{
			ShareHash: "abc",
			EventType: EventFileDownload,
			FilePath:  `weird "name", with comma.jpg`,
			IP:        "203.0.113.7",
			UserAgent: "curl/8.0",
			Referer:   "https://example.com/g/abc",
			CreatedAt: 1772366400,
		},
	}

	var sb strings.Builder
	require.NoError(t, WriteCSV(&sb, events))

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "event_type,file_path,ip,user_agent,referer,created_at", lines[0])
	assert.Contains(t, lines[1], `"weird ""name"", with comma.jpg"`)
	assert.Contains(t, lines[1], "1772366400")
}

func TestExportFilename(t *testing.T) {
	assert.Equal(t, "mediaedge-share-abc-analytics.csv", ExportFilename("abc"))
}
