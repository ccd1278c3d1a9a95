package transform

import (
	"context"
	"log/slog"
	"sync"
)

// dispatcher deduplicates background preparation tasks by id. A task id is
// the cache key of the artifact being produced, so one artifact is never
// prepared twice concurrently no matter how many viewers ask.
type dispatcher struct {
	mu      sync.Mutex
	running map[string]struct{}
	logger  *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{running: make(map[string]struct{}), logger: logger}
}

// start launches fn in the background unless a task with the same id is
// already in flight. Returns whether fn was started.
func (d *dispatcher) start(id string, fn func()) bool {
	d.mu.Lock()
	if _, busy := d.running[id]; busy {
		d.mu.Unlock()
		return false
	}
	d.running[id] = struct{}{}
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.running, id)
			d.mu.Unlock()
		}()
		fn()
	}()
	return true
}

// inFlight reports whether a task with the given id is running.
func (d *dispatcher) inFlight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.running[id]
	return busy
}

// PrepareFast kicks off background production of the fast rendition.
// Returns false when the artifact is already being prepared.
func (s *Service) PrepareFast(f ShareFile) bool {
	key := s.FastKey(f)
	return s.dispatcher.start(key, func() {
		if _, err := s.FastProxy(context.Background(), f); err != nil {
			s.logger.Warn("background fast preparation failed",
				"share", f.Hash, "path", f.Path, "error", err)
		}
	})
}

// PrepareHD kicks off background production of the HD rendition.
func (s *Service) PrepareHD(f ShareFile) bool {
	key := s.HDKey(f)
	return s.dispatcher.start(key, func() {
		if _, err := s.HDProxy(context.Background(), f); err != nil {
			s.logger.Warn("background hd preparation failed",
				"share", f.Hash, "path", f.Path, "error", err)
		}
	})
}

// Preparing reports whether a rendition for f is currently being produced
// in the background.
func (s *Service) Preparing(f ShareFile, rendition string) bool {
	switch rendition {
	case RenditionHD:
		return s.dispatcher.inFlight(s.HDKey(f))
	default:
		return s.dispatcher.inFlight(s.FastKey(f))
	}
}
