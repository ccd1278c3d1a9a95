package faststart

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/droppr/mediaedge/internal/config"
	"github.com/droppr/mediaedge/internal/mp4"
	"github.com/droppr/mediaedge/internal/probe"
	"github.com/droppr/mediaedge/internal/runner"
)

// Action names what the processor decided to do with a file.
type Action string

const (
	// ActionNone leaves the file untouched.
	ActionNone Action = "none"
	// ActionRemux rewrites the container with all streams copied.
	ActionRemux Action = "remux"
	// ActionRemap copies only the primary video and audio streams,
	// dropping extra tracks that break stream-copy into MP4.
	ActionRemap Action = "remap"
	// ActionTranscode re-encodes to H.264/AAC.
	ActionTranscode Action = "transcode"
)

// Decode timestamp problems that stream copy would bake into the output.
var dtsMarkers = []string{
	"non monotonically increasing dts",
	"Invalid DTS",
	"invalid dts",
	"DTS out of order",
}

// Processor decides on and applies the faststart rewrite.
type Processor struct {
	cfg    config.FaststartConfig
	ffmpeg string
	prober *probe.Prober
	runner runner.Runner
	logger *slog.Logger
}

// NewProcessor builds a processor from configuration.
func NewProcessor(cfg config.FaststartConfig, ffcfg config.FFmpegConfig, r runner.Runner, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	bin := ffcfg.BinaryPath
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Processor{
		cfg:    cfg,
		ffmpeg: bin,
		prober: probe.NewProber(ffcfg.ProbePath, r, cfg.ProbeTimeout),
		runner: r,
		logger: logger,
	}
}

// Process inspects path and rewrites it in place when needed. It waits for
// the writer to finish first, then walks the decision ladder:
//
//	HEVC video            -> transcode (stream copy would yield an MP4
//	                         most browsers refuse to decode)
//	extra streams         -> remap to primary video+audio only
//	broken timestamps     -> transcode
//	moov after mdat       -> plain remux
//	otherwise             -> nothing
//
// The rewrite goes to a hidden sibling temp file and replaces the original
// atomically, preserving mode and timestamps.
func (p *Processor) Process(ctx context.Context, path string) (Action, error) {
	if err := WaitForStableSize(ctx, path, p.cfg.StableInterval, p.cfg.StableTimeout); err != nil {
		return ActionNone, err
	}

	action, err := p.decide(ctx, path)
	if err != nil {
		return ActionNone, err
	}
	if action == ActionNone {
		p.logger.Info("file already streamable", "path", path)
		return ActionNone, nil
	}

	if err := p.rewrite(ctx, path, action); err != nil {
		return action, err
	}
	p.logger.Info("file rewritten", "path", path, "action", string(action))
	return action, nil
}

func (p *Processor) decide(ctx context.Context, path string) (Action, error) {
	info, err := p.prober.Probe(ctx, path)
	if err != nil {
		return ActionNone, fmt.Errorf("inspecting %s: %w", path, err)
	}

	video := info.VideoStream()
	if video == nil {
		return ActionNone, nil
	}
	if video.CodecName == "hevc" || video.CodecName == "h265" {
		return ActionTranscode, nil
	}
	if info.HasStreamsBeyondPrimaryAV() {
		return ActionRemap, nil
	}

	broken, err := p.hasBrokenTimestamps(ctx, path)
	if err != nil {
		p.logger.Warn("timestamp check failed, assuming ok", "path", path, "error", err)
	} else if broken {
		return ActionTranscode, nil
	}

	offsets, err := mp4.ScanTopLevelAtoms(path)
	if err != nil {
		return ActionNone, fmt.Errorf("scanning %s: %w", path, err)
	}
	if mp4.NeedsFaststart(offsets) {
		return ActionRemux, nil
	}
	return ActionNone, nil
}

// hasBrokenTimestamps decodes the first seconds to null output and looks
// for DTS complaints in the decoder log.
func (p *Processor) hasBrokenTimestamps(ctx context.Context, path string) (bool, error) {
	res, err := p.runner.Run(ctx, runner.Spec{
		Binary:  p.ffmpeg,
		Args:    []string{"-v", "error", "-t", "10", "-i", path, "-f", "null", "-"},
		Timeout: p.cfg.ProbeTimeout,
	})
	if err != nil {
		return false, err
	}
	for _, marker := range dtsMarkers {
		if strings.Contains(res.Stderr, marker) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Processor) rewriteArgs(path, tmp string, action Action) []string {
	args := []string{"-y", "-i", path}
	switch action {
	case ActionRemux:
		args = append(args, "-c", "copy")
	case ActionRemap:
		args = append(args, "-map", "0:v:0", "-map", "0:a:0?", "-c", "copy")
	case ActionTranscode:
		args = append(args,
			"-map", "0:v:0", "-map", "0:a:0?",
			"-c:v", "libx264",
			"-preset", p.cfg.Preset,
			"-crf", fmt.Sprintf("%d", p.cfg.CRF),
			"-pix_fmt", "yuv420p",
			"-c:a", "aac",
		)
	}
	return append(args, "-movflags", "+faststart", "-f", "mp4", tmp)
}

func (p *Processor) rewrite(ctx context.Context, path string, action Action) error {
	orig, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	// Hidden sibling on the same filesystem, so the final rename is atomic
	// and a watcher on the directory does not pick up the partial file.
	dir, base := filepath.Split(path)
	tmp := filepath.Join(dir, "."+base+".tmp")
	defer os.Remove(tmp)

	res, err := p.runner.Run(ctx, runner.Spec{
		Binary:  p.ffmpeg,
		Args:    p.rewriteArgs(path, tmp, action),
		Timeout: p.cfg.TranscodeTimeout,
	})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("rewrite of %s exited %d: %s", path, res.ExitCode, res.Stderr)
	}

	out, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("rewrite of %s produced no output: %w", path, err)
	}
	if out.Size() == 0 {
		return fmt.Errorf("rewrite of %s produced empty output", path)
	}

	if err := os.Chmod(tmp, orig.Mode()); err != nil {
		return fmt.Errorf("preserving mode: %w", err)
	}
	if err := os.Chtimes(tmp, orig.ModTime(), orig.ModTime()); err != nil {
		return fmt.Errorf("preserving times: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
