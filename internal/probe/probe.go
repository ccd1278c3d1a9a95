// Package probe wraps ffprobe for container and stream inspection.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/droppr/mediaedge/internal/runner"
)

// Result contains the parsed ffprobe output.
type Result struct {
	Format  Format   `json:"format"`
	Streams []Stream `json:"streams"`
}

// Format contains container-level information.
type Format struct {
	Filename   string `json:"filename"`
	NumStreams int    `json:"nb_streams"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
}

// Stream contains per-stream information.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"` // video, audio, subtitle, data
	Profile   string `json:"profile"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	PixFmt    string `json:"pix_fmt,omitempty"`
}

// VideoStream returns the first video stream, or nil.
func (r *Result) VideoStream() *Stream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" {
			return &r.Streams[i]
		}
	}
	return nil
}

// AudioStream returns the first audio stream, or nil.
func (r *Result) AudioStream() *Stream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "audio" {
			return &r.Streams[i]
		}
	}
	return nil
}

// HasStreamsBeyondPrimaryAV reports whether the container carries anything
// besides its first video and first audio stream (extra tracks, subtitles,
// data streams). Such files are not safe for a plain stream-copy remux.
func (r *Result) HasStreamsBeyondPrimaryAV() bool {
	video, audio := 0, 0
	for _, s := range r.Streams {
		switch s.CodecType {
		case "video":
			video++
		case "audio":
			audio++
		default:
			return true
		}
	}
	return video > 1 || audio > 1
}

// DurationMillis returns the container duration in milliseconds, 0 if unknown.
func (r *Result) DurationMillis() int64 {
	if r.Format.Duration == "" {
		return 0
	}
	if dur, err := strconv.ParseFloat(r.Format.Duration, 64); err == nil {
		return int64(dur * 1000)
	}
	return 0
}

// Prober runs ffprobe through the process runner.
type Prober struct {
	binary  string
	runner  runner.Runner
	timeout time.Duration
}

// NewProber creates a prober. An empty binary falls back to PATH lookup.
func NewProber(binary string, r runner.Runner, timeout time.Duration) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{binary: binary, runner: r, timeout: timeout}
}

// Probe inspects the input (a local path or URL) and returns format and
// stream information.
func (p *Prober) Probe(ctx context.Context, input string) (*Result, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}

	res, err := p.runner.Run(ctx, runner.Spec{
		Binary:        p.binary,
		Args:          args,
		Timeout:       p.timeout,
		CaptureStdout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", input, err)
	}
	if !res.Ok() {
		return nil, fmt.Errorf("probing %s: ffprobe exited %d: %s", input, res.ExitCode, res.Stderr)
	}

	var result Result
	if err := json.Unmarshal(res.Stdout, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}
