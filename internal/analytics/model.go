// Package analytics records download events in a local SQLite database and
// aggregates them into per-share usage reports.
package analytics

import "time"

// Event types recorded by the gallery endpoints.
const (
	EventGalleryView  = "gallery_view"
	EventFileDownload = "file_download"
	EventZipDownload  = "zip_download"
)

// DownloadEvent is one recorded access. The table is append-only; rows age
// out through the retention sweep. CreatedAt is UNIX seconds, which gorm
// fills on insert when left zero.
type DownloadEvent struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ShareHash string `gorm:"size:64;not null;index:idx_events_share_created,priority:1" json:"shareHash"`
	EventType string `gorm:"size:32;not null" json:"eventType"`
	FilePath  string `gorm:"size:1024" json:"filePath,omitempty"`
	IP        string `gorm:"size:64;index" json:"ip,omitempty"`
	UserAgent string `gorm:"size:512" json:"userAgent,omitempty"`
	Referer   string `gorm:"size:1024" json:"referer,omitempty"`
	CreatedAt int64  `gorm:"not null;index;index:idx_events_share_created,priority:2" json:"createdAt"`
}

// TableName pins the table name independent of gorm pluralization rules.
func (DownloadEvent) TableName() string { return "download_events" }

// TimeRange bounds a report query. Zero values mean unbounded.
type TimeRange struct {
	Since time.Time
	Until time.Time
}

// ShareSummary is the aggregate for one share. Seen bounds are UNIX seconds;
// LastDownload is zero for shares that only have gallery views.
type ShareSummary struct {
	ShareHash     string `json:"shareHash"`
	Total         int64  `json:"total"`
	GalleryViews  int64  `json:"galleryViews"`
	FileDownloads int64  `json:"fileDownloads"`
	ZipDownloads  int64  `json:"zipDownloads"`
	UniqueIPs     int64  `json:"uniqueIPs"`
	FirstSeen     int64  `json:"firstSeen"`
	LastSeen      int64  `json:"lastSeen"`
	LastDownload  int64  `json:"lastDownload,omitempty"`
}

// Downloads is the combined file and zip download count.
func (s ShareSummary) Downloads() int64 { return s.FileDownloads + s.ZipDownloads }

// IPCount is one downloading client address with its split counts.
type IPCount struct {
	IP            string `json:"ip"`
	Count         int64  `json:"count"`
	FileDownloads int64  `json:"fileDownloads"`
	ZipDownloads  int64  `json:"zipDownloads"`
	LastSeen      int64  `json:"lastSeen"`
}

// FileCount is one file/event combination with its count.
type FileCount struct {
	FilePath  string `json:"filePath"`
	EventType string `json:"eventType"`
	Count     int64  `json:"count"`
	LastSeen  int64  `json:"lastSeen"`
}

// ShareReport is the full drill-down for one share.
type ShareReport struct {
	Summary  ShareSummary    `json:"summary"`
	TopIPs   []IPCount       `json:"topIPs"`
	TopFiles []FileCount     `json:"topFiles"`
	Recent   []DownloadEvent `json:"recent"`
}

// Totals aggregates the whole event log over a range.
type Totals struct {
	Events        int64 `json:"events"`
	GalleryViews  int64 `json:"galleryViews"`
	FileDownloads int64 `json:"fileDownloads"`
	ZipDownloads  int64 `json:"zipDownloads"`
	Downloads     int64 `json:"downloads"`
	UniqueIPs     int64 `json:"uniqueIPs"`
}
