// Package transform implements the derived-media pipelines: thumbnails,
// the fast preview proxy, and the HD proxy. Pipelines share the disk cache
// and run the encoder under per-class concurrency pools.
package transform

import (
	"fmt"

	"github.com/droppr/mediaedge/internal/config"
)

// scaleCapFilter caps the longer side of the frame at dim while keeping the
// aspect ratio. The -2 keeps the other side divisible by two, which the
// encoder requires for yuv420p.
func scaleCapFilter(dim int) string {
	return fmt.Sprintf("scale='if(gt(iw,ih),min(%d,iw),-2)':'if(gt(iw,ih),-2,min(%d,ih))'", dim, dim)
}

// thumbnailArgs builds the single-frame extraction command. A non-negative
// seekSeconds skips initial black frames in video sources; still images
// pass a negative value and get no seek at all.
func thumbnailArgs(input, output string, cfg config.ThumbnailConfig, seekSeconds int) []string {
	args := []string{"-y"}
	if seekSeconds >= 0 {
		args = append(args, "-ss", fmt.Sprintf("%d", seekSeconds))
	}
	return append(args,
		"-i", input,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale='min(%d,iw)':-2", cfg.MaxWidth),
		"-q:v", fmt.Sprintf("%d", cfg.Quality),
		"-f", "mjpeg",
		output,
	)
}

// transcodeArgs builds a full H.264 transcode. Profile and downscale cap
// are independent rendition parameters; a zero MaxDimension means no
// scaling at all.
func transcodeArgs(input, output string, cfg config.RenditionConfig) []string {
	args := []string{
		"-y",
		"-i", input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-crf", fmt.Sprintf("%d", cfg.CRF),
		"-profile:v", cfg.Profile,
	}
	if cfg.MaxDimension > 0 {
		args = append(args, "-vf", scaleCapFilter(cfg.MaxDimension))
	}
	args = append(args,
		"-pix_fmt", "yuv420p",
		// Fixed GOP without scene-cut keyframes keeps seeking predictable
		// in browser players.
		"-g", "60",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", cfg.AudioBitrate,
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	)
	return args
}

// remuxArgs builds a container-only rewrite: both streams copied, index
// moved to the front.
func remuxArgs(input, output string) []string {
	return []string{
		"-y",
		"-i", input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	}
}

// copyVideoArgs keeps the video stream untouched and re-encodes only audio.
// Used when the container's audio codec is what keeps browsers from playing
// an otherwise fine H.264 stream.
func copyVideoArgs(input, output string, audioBitrate string) []string {
	return []string{
		"-y",
		"-i", input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	}
}
