package transform

import (
	"context"
	"os"

	"github.com/droppr/mediaedge/internal/runner"
)

// Thumbnail returns the path of the cached thumbnail for f, generating it
// if needed. Videos grab a frame one second in, falling back to the very
// first frame for clips shorter than that; still images are rendered in a
// single pass with no seek.
func (s *Service) Thumbnail(ctx context.Context, f ShareFile) (string, error) {
	key := s.thumbKey(f)
	if p, ok := s.thumbCache.Lookup(key, ".jpg"); ok {
		// Liveness signal for any external age-based cleaner.
		s.thumbCache.Touch(p)
		return p, nil
	}

	input := s.sourceURL(f)
	return s.thumbCache.GetOrBuild(ctx, key, ".jpg", func(ctx context.Context, tmp string) error {
		seek := -1
		if f.Video {
			seek = 1
		}
		res, err := s.runner.Run(ctx, runner.Spec{
			Binary:  s.ffmpeg,
			Args:    thumbnailArgs(input, tmp, s.thumbCfg, seek),
			Timeout: s.thumbCfg.Timeout,
			Pool:    s.thumbPool,
		})
		if err != nil {
			return err
		}
		if res.Ok() && usable(tmp) {
			return nil
		}
		if !f.Video {
			return encodeError(RenditionThumb, res)
		}

		s.logger.Debug("thumbnail seek retry from start",
			"share", f.Hash, "path", f.Path, "exit", res.ExitCode)
		os.Remove(tmp)

		res, err = s.runner.Run(ctx, runner.Spec{
			Binary:  s.ffmpeg,
			Args:    thumbnailArgs(input, tmp, s.thumbCfg, 0),
			Timeout: s.thumbCfg.Timeout,
			Pool:    s.thumbPool,
		})
		if err != nil {
			return err
		}
		if !res.Ok() {
			return encodeError(RenditionThumb, res)
		}
		return nil
	})
}

// usable reports whether the encoder left a non-empty file behind.
func usable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
