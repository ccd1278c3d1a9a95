package transform

import (
	"context"
	"errors"
	"os"

	"github.com/droppr/mediaedge/internal/runner"
)

// FastProxy returns the path of the cached fast preview rendition for f,
// transcoding it if needed. The fast rendition is always a full transcode;
// its whole point is a small, uniformly-encoded file.
func (s *Service) FastProxy(ctx context.Context, f ShareFile) (string, error) {
	input := s.sourceURL(f)
	return s.proxyCache.GetOrBuild(ctx, s.FastKey(f), ".mp4", func(ctx context.Context, tmp string) error {
		res, err := s.runner.Run(ctx, runner.Spec{
			Binary:  s.ffmpeg,
			Args:    transcodeArgs(input, tmp, s.fastCfg),
			Timeout: s.fastCfg.Timeout,
			Pool:    s.fastPool,
		})
		if err != nil {
			return err
		}
		if !res.Ok() {
			return encodeError(RenditionFast, res)
		}
		return nil
	})
}

// HDProxy returns the path of the cached HD rendition for f, producing it
// if needed. Production walks a ladder from cheapest to most expensive:
//
//  1. remux: copy both streams, move the index up front
//  2. copy video, re-encode audio to AAC
//  3. full transcode
//
// One encoder slot is held across the whole ladder. A rung that exits
// non-zero or runs out its timeout counts as failed and the next rung
// runs; each failed rung's partial output is removed first.
func (s *Service) HDProxy(ctx context.Context, f ShareFile) (string, error) {
	input := s.sourceURL(f)
	return s.proxyCache.GetOrBuild(ctx, s.HDKey(f), ".mp4", func(ctx context.Context, tmp string) error {
		rungs := [][]string{
			remuxArgs(input, tmp),
			copyVideoArgs(input, tmp, s.hdCfg.AudioBitrate),
			transcodeArgs(input, tmp, s.hdCfg),
		}

		if err := s.hdPool.Acquire(ctx); err != nil {
			return err
		}
		defer s.hdPool.Release()

		var lastErr error
		for i, args := range rungs {
			if i > 0 {
				os.Remove(tmp)
			}
			res, err := s.runner.Run(ctx, runner.Spec{
				Binary:  s.ffmpeg,
				Args:    args,
				Timeout: s.hdCfg.Timeout,
			})
			if err != nil {
				if !errors.Is(err, runner.ErrTimeout) {
					return err
				}
				s.logger.Warn("hd rung timed out",
					"share", f.Hash, "path", f.Path, "rung", i)
				lastErr = err
				continue
			}
			if res.Ok() && usable(tmp) {
				if i > 0 {
					s.logger.Info("hd rendition needed fallback",
						"share", f.Hash, "path", f.Path, "rung", i)
				}
				return nil
			}
			lastErr = encodeError(RenditionHD, res)
		}
		return lastErr
	})
}
