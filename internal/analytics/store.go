package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/droppr/mediaedge/internal/cache"
	"github.com/droppr/mediaedge/internal/config"
)

const (
	initAttempts  = 10
	initRetryWait = 500 * time.Millisecond
	insertRetries = 3
	sweepInterval = time.Hour
)

// Store owns the analytics database. A nil or disabled store is safe to
// call; every recording method degrades to a no-op.
type Store struct {
	db     *gorm.DB
	cfg    config.AnalyticsConfig
	logger *slog.Logger

	mu        sync.Mutex
	lastSweep time.Time
}

// Open opens (creating if needed) the analytics database. Schema setup is
// serialized across processes with a file lock and retried because a
// sibling may hold the database busy during its own startup.
func Open(cfg config.AnalyticsConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if !cfg.Enabled {
		log.Info("analytics disabled")
		return &Store{cfg: cfg, logger: log}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating analytics dir: %w", err)
	}

	lock, err := cache.AcquireLock(cfg.DBPath + ".init.lock")
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	var db *gorm.DB
	for attempt := 1; ; attempt++ {
		db, err = gorm.Open(sqlite.Open(dsn(cfg)), &gorm.Config{
			Logger:                 logger.Default.LogMode(logger.Silent),
			SkipDefaultTransaction: true,
		})
		if err == nil {
			err = db.AutoMigrate(&DownloadEvent{})
		}
		if err == nil {
			break
		}
		if attempt >= initAttempts {
			return nil, fmt.Errorf("initializing analytics database: %w", err)
		}
		log.Warn("analytics init retry", "attempt", attempt, "error", err)
		time.Sleep(initRetryWait)
	}

	return &Store{db: db, cfg: cfg, logger: log}, nil
}

// dsn applies the SQLite pragmas via DSN parameters; the pure Go driver
// applies them to every pooled connection.
func dsn(cfg config.AnalyticsConfig) string {
	busy := cfg.DBTimeout.Milliseconds()
	if busy <= 0 {
		busy = 30000
	}
	sep := "?"
	if strings.Contains(cfg.DBPath, "?") {
		sep = "&"
	}
	return cfg.DBPath + sep +
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy) +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// Enabled reports whether events are being recorded.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

// Close closes the underlying database.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// shouldLog applies the per-event-class config switches.
func (s *Store) shouldLog(eventType string) bool {
	switch eventType {
	case EventGalleryView:
		return s.cfg.LogGalleryViews
	case EventZipDownload:
		return s.cfg.LogZipDownloads
	default:
		return s.cfg.LogFileDownloads
	}
}

// LogEvent records one event. Recording never fails the request that
// triggered it: after a few retries the event is dropped with a warning.
// The insert path also runs the retention sweep at most once an hour.
func (s *Store) LogEvent(ctx context.Context, ev DownloadEvent) {
	if !s.Enabled() || !s.shouldLog(ev.EventType) {
		return
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	ev.IP = AnonymizeIP(ev.IP, s.cfg.IPMode)

	var err error
	for attempt := 1; attempt <= insertRetries; attempt++ {
		if err = s.db.WithContext(ctx).Create(&ev).Error; err == nil {
			s.MaybeSweep(ctx)
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	s.logger.Warn("dropping analytics event",
		"share", ev.ShareHash, "type", ev.EventType, "error", err)
}

// MaybeSweep runs the retention sweep when one has not run within the last
// hour. Cheap enough to call on every insert.
func (s *Store) MaybeSweep(ctx context.Context) {
	if !s.Enabled() || s.cfg.RetentionDays <= 0 {
		return
	}
	s.mu.Lock()
	due := time.Since(s.lastSweep) >= sweepInterval
	if due {
		s.lastSweep = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.Sweep(ctx); err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
	}
}

// Sweep deletes events older than the retention window.
func (s *Store) Sweep(ctx context.Context) error {
	if !s.Enabled() || s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays).Unix()
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&DownloadEvent{})
	if res.Error != nil {
		return fmt.Errorf("sweeping events: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("retention sweep removed events",
			"removed", res.RowsAffected, "cutoff", cutoff)
	}
	return nil
}
