package analytics

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// topLimit caps the per-share drill-down lists.
const topLimit = 200

func (s *Store) ranged(ctx context.Context, rng TimeRange) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&DownloadEvent{})
	if !rng.Since.IsZero() {
		q = q.Where("created_at >= ?", rng.Since.Unix())
	}
	if !rng.Until.IsZero() {
		q = q.Where("created_at < ?", rng.Until.Unix())
	}
	return q
}

// Distinct IPs count downloads only; a gallery view alone does not put an
// address on the books.
const summarySelect = `share_hash,
COUNT(*) AS total,
SUM(CASE WHEN event_type = 'gallery_view' THEN 1 ELSE 0 END) AS gallery_views,
SUM(CASE WHEN event_type = 'file_download' THEN 1 ELSE 0 END) AS file_downloads,
SUM(CASE WHEN event_type = 'zip_download' THEN 1 ELSE 0 END) AS zip_downloads,
COUNT(DISTINCT CASE WHEN event_type <> 'gallery_view' AND ip <> '' THEN ip END) AS unique_ips,
MIN(created_at) AS first_seen,
MAX(created_at) AS last_seen,
MAX(CASE WHEN event_type <> 'gallery_view' THEN created_at END) AS last_download`

// ShareSummaries aggregates per-share totals over the range, most recently
// downloaded share first. Shares with no events in the range are absent; the
// API layer merges in known-but-idle shares when asked to.
func (s *Store) ShareSummaries(ctx context.Context, rng TimeRange) ([]ShareSummary, error) {
	if !s.Enabled() {
		return nil, nil
	}
	var out []ShareSummary
	err := s.ranged(ctx, rng).
		Select(summarySelect).
		Group("share_hash").
		Order("last_download DESC").
		Order("last_seen DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating shares: %w", err)
	}
	return out, nil
}

// Totals aggregates the whole event log over the range.
func (s *Store) Totals(ctx context.Context, rng TimeRange) (Totals, error) {
	if !s.Enabled() {
		return Totals{}, nil
	}
	var t Totals
	err := s.ranged(ctx, rng).
		Select(`COUNT(*) AS events,
SUM(CASE WHEN event_type = 'gallery_view' THEN 1 ELSE 0 END) AS gallery_views,
SUM(CASE WHEN event_type = 'file_download' THEN 1 ELSE 0 END) AS file_downloads,
SUM(CASE WHEN event_type = 'zip_download' THEN 1 ELSE 0 END) AS zip_downloads,
COUNT(DISTINCT CASE WHEN event_type <> 'gallery_view' AND ip <> '' THEN ip END) AS unique_ips`).
		Scan(&t).Error
	if err != nil {
		return Totals{}, fmt.Errorf("aggregating totals: %w", err)
	}
	t.Downloads = t.FileDownloads + t.ZipDownloads
	return t, nil
}

// ShareReport builds the drill-down for one share: totals, busiest
// downloading clients, busiest files, and the most recent raw events.
func (s *Store) ShareReport(ctx context.Context, hash string, rng TimeRange) (*ShareReport, error) {
	if !s.Enabled() {
		return &ShareReport{Summary: ShareSummary{ShareHash: hash}}, nil
	}

	report := &ShareReport{}

	err := s.ranged(ctx, rng).
		Select(summarySelect).
		Where("share_hash = ?", hash).
		Group("share_hash").
		Scan(&report.Summary).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating share %s: %w", hash, err)
	}
	if report.Summary.ShareHash == "" {
		report.Summary.ShareHash = hash
	}

	err = s.ranged(ctx, rng).
		Select(`ip, COUNT(*) AS count,
SUM(CASE WHEN event_type = 'file_download' THEN 1 ELSE 0 END) AS file_downloads,
SUM(CASE WHEN event_type = 'zip_download' THEN 1 ELSE 0 END) AS zip_downloads,
MAX(created_at) AS last_seen`).
		Where("share_hash = ? AND ip <> '' AND event_type <> 'gallery_view'", hash).
		Group("ip").
		Order("count DESC").
		Limit(topLimit).
		Scan(&report.TopIPs).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating ips for %s: %w", hash, err)
	}

	err = s.ranged(ctx, rng).
		Select("file_path, event_type, COUNT(*) AS count, MAX(created_at) AS last_seen").
		Where("share_hash = ?", hash).
		Group("file_path, event_type").
		Order("count DESC").
		Limit(topLimit).
		Scan(&report.TopFiles).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating files for %s: %w", hash, err)
	}

	err = s.ranged(ctx, rng).
		Where("share_hash = ?", hash).
		Order("created_at DESC").
		Order("id DESC").
		Limit(topLimit).
		Find(&report.Recent).Error
	if err != nil {
		return nil, fmt.Errorf("loading recent events for %s: %w", hash, err)
	}

	return report, nil
}

// Events returns all raw events for a share in the range, oldest first.
// Used by the CSV export.
func (s *Store) Events(ctx context.Context, hash string, rng TimeRange) ([]DownloadEvent, error) {
	if !s.Enabled() {
		return nil, nil
	}
	var out []DownloadEvent
	err := s.ranged(ctx, rng).
		Where("share_hash = ?", hash).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("loading events for %s: %w", hash, err)
	}
	return out, nil
}
