// Package faststart rewrites finished MP4 uploads so their index (moov)
// precedes the media data, letting players start before the download ends.
// It runs as a standalone tool against files on disk, typically from an
// upload hook or a watch job.
package faststart

import (
	"context"
	"fmt"
	"os"
	"time"
)

// WaitForStableSize polls the file until two consecutive observations show
// the same non-zero size, i.e. the writer has finished. It gives up after
// timeout or when ctx is done.
func WaitForStableSize(ctx context.Context, path string, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)

	var last int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		size := info.Size()
		if size > 0 && size == last {
			return nil
		}
		last = size

		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("size of %s still changing after %s", path, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
