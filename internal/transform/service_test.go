package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droppr/mediaedge/internal/cache"
	"github.com/droppr/mediaedge/internal/config"
	"github.com/droppr/mediaedge/internal/runner"
)

// step is one scripted encoder invocation.
type step func(spec runner.Spec) (*runner.Result, error)

// scriptedRunner pops one step per invocation; when the script runs out it
// behaves like a successful encode, writing a byte to the output path.
type scriptedRunner struct {
	mu     sync.Mutex
	script []step
	calls  []runner.Spec
}

func (r *scriptedRunner) Run(_ context.Context, spec runner.Spec) (*runner.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, spec)
	var s step
	if len(r.script) > 0 {
		s = r.script[0]
		r.script = r.script[1:]
	}
	r.mu.Unlock()

	if s != nil {
		return s(spec)
	}
	return writeOutput(spec)
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *scriptedRunner) call(i int) runner.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

// writeOutput emulates a successful encode: the output path is the last arg.
func writeOutput(spec runner.Spec) (*runner.Result, error) {
	out := spec.Args[len(spec.Args)-1]
	if err := os.WriteFile(out, []byte("media"), 0o644); err != nil {
		return nil, err
	}
	return &runner.Result{}, nil
}

func failExit(code int) step {
	return func(runner.Spec) (*runner.Result, error) {
		return &runner.Result{ExitCode: code, Stderr: "simulated failure"}, nil
	}
}

func failTimeout() step {
	return func(runner.Spec) (*runner.Result, error) {
		return nil, fmt.Errorf("ffmpeg after 1s: %w", runner.ErrTimeout)
	}
}

type fakeResolver struct{}

func (fakeResolver) InlineFileURL(hash, relPath string) string {
	return "http://backend/api/public/dl/" + hash + "/" + relPath + "?inline=true"
}

func (fakeResolver) InlineShareURL(hash string) string {
	return "http://backend/api/public/dl/" + hash + "?inline=true"
}

func testConfig() *config.Config {
	return &config.Config{
		Thumbnail: config.ThumbnailConfig{MaxWidth: 800, Quality: 6, Timeout: time.Second, Concurrency: 2},
		Proxy: config.RenditionConfig{
			MaxDimension: 1280, Preset: "veryfast", Profile: "main", CRF: 28, AudioBitrate: "128k",
			Timeout: time.Second, Concurrency: 1, ProfileVersion: "1",
		},
		HD: config.RenditionConfig{
			Preset: "veryfast", Profile: "high", CRF: 20, AudioBitrate: "192k",
			Timeout: time.Second, Concurrency: 1, ProfileVersion: "1",
		},
	}
}

func newTestService(t *testing.T, r runner.Runner) *Service {
	t.Helper()
	dir := t.TempDir()
	thumbs, err := cache.NewDiskCache(filepath.Join(dir, "thumbs"), nil)
	require.NoError(t, err)
	proxies, err := cache.NewDiskCache(filepath.Join(dir, "proxy"), nil)
	require.NoError(t, err)
	return NewService(testConfig(), thumbs, proxies, r, fakeResolver{}, nil)
}

var testFile = ShareFile{Hash: "abc123", Path: "clips/holiday.mkv", Size: 4096, Video: true}

func TestThumbnail_CachesAcrossCalls(t *testing.T) {
	r := &scriptedRunner{}
	s := newTestService(t, r)

	p1, err := s.Thumbnail(context.Background(), testFile)
	require.NoError(t, err)
	p2, err := s.Thumbnail(context.Background(), testFile)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, r.callCount())
	assert.Contains(t, r.call(0).Args, "http://backend/api/public/dl/abc123/clips/holiday.mkv?inline=true")
}

func TestThumbnail_SeekFallback(t *testing.T) {
	r := &scriptedRunner{script: []step{failExit(1)}}
	s := newTestService(t, r)

	_, err := s.Thumbnail(context.Background(), testFile)
	require.NoError(t, err)
	require.Equal(t, 2, r.callCount())

	assert.Contains(t, r.call(0).Args, "1")
	first := r.call(0).Args
	second := r.call(1).Args
	assert.Equal(t, "1", first[2], "first attempt seeks to 1s")
	assert.Equal(t, "0", second[2], "fallback seeks to start")
}

func TestThumbnail_BothAttemptsFail(t *testing.T) {
	r := &scriptedRunner{script: []step{failExit(1), failExit(1)}}
	s := newTestService(t, r)

	_, err := s.Thumbnail(context.Background(), testFile)
	assert.ErrorIs(t, err, ErrEncodeFailed)
}

func TestThumbnail_ImageSinglePass(t *testing.T) {
	r := &scriptedRunner{}
	s := newTestService(t, r)

	img := ShareFile{Hash: "abc123", Path: "pics/a.jpg", Size: 100}
	_, err := s.Thumbnail(context.Background(), img)
	require.NoError(t, err)
	require.Equal(t, 1, r.callCount())
	assert.NotContains(t, r.call(0).Args, "-ss")
}

func TestThumbnail_ImageFailureDoesNotRetry(t *testing.T) {
	r := &scriptedRunner{script: []step{failExit(1)}}
	s := newTestService(t, r)

	img := ShareFile{Hash: "abc123", Path: "pics/a.jpg", Size: 100}
	_, err := s.Thumbnail(context.Background(), img)
	assert.ErrorIs(t, err, ErrEncodeFailed)
	assert.Equal(t, 1, r.callCount())
}

func TestFastProxy_NoFallback(t *testing.T) {
	r := &scriptedRunner{script: []step{failExit(1)}}
	s := newTestService(t, r)

	_, err := s.FastProxy(context.Background(), testFile)
	assert.ErrorIs(t, err, ErrEncodeFailed)
	assert.Equal(t, 1, r.callCount())
}

func TestFastProxy_SuccessAndReady(t *testing.T) {
	r := &scriptedRunner{}
	s := newTestService(t, r)

	_, ready := s.FastReady(testFile)
	assert.False(t, ready)

	p, err := s.FastProxy(context.Background(), testFile)
	require.NoError(t, err)

	got, ready := s.FastReady(testFile)
	assert.True(t, ready)
	assert.Equal(t, p, got)
}

func TestHDProxy_LadderFallsBack(t *testing.T) {
	// Remux rung fails, copy-video rung succeeds.
	r := &scriptedRunner{script: []step{failExit(1)}}
	s := newTestService(t, r)

	_, err := s.HDProxy(context.Background(), testFile)
	require.NoError(t, err)
	require.Equal(t, 2, r.callCount())

	assert.Contains(t, r.call(0).Args, "copy")
	assert.NotContains(t, r.call(0).Args, "libx264")
	assert.Contains(t, r.call(1).Args, "-c:v")

	// The encoder slot is held across the ladder, not taken per rung.
	assert.Nil(t, r.call(0).Pool)
	assert.Nil(t, r.call(1).Pool)
}

func TestHDProxy_TimedOutRungAdvances(t *testing.T) {
	r := &scriptedRunner{script: []step{failTimeout()}}
	s := newTestService(t, r)

	_, err := s.HDProxy(context.Background(), testFile)
	require.NoError(t, err, "ladder should advance past a timed-out rung")
	assert.Equal(t, 2, r.callCount())
}

func TestHDProxy_AllRungsTimeOut(t *testing.T) {
	r := &scriptedRunner{script: []step{failTimeout(), failTimeout(), failTimeout()}}
	s := newTestService(t, r)

	_, err := s.HDProxy(context.Background(), testFile)
	assert.ErrorIs(t, err, runner.ErrTimeout)
	assert.Equal(t, 3, r.callCount())
}

func TestHDProxy_FullLadderExhausted(t *testing.T) {
	r := &scriptedRunner{script: []step{failExit(1), failExit(1), failExit(1)}}
	s := newTestService(t, r)

	_, err := s.HDProxy(context.Background(), testFile)
	assert.ErrorIs(t, err, ErrEncodeFailed)
	assert.Equal(t, 3, r.callCount())
}

func TestKeys_DistinguishRenditionsAndSources(t *testing.T) {
	s := newTestService(t, &scriptedRunner{})

	assert.NotEqual(t, s.FastKey(testFile), s.HDKey(testFile))

	other := testFile
	other.Size++
	assert.NotEqual(t, s.FastKey(testFile), s.FastKey(other))

	// Thumbnails ignore size on purpose.
	assert.Equal(t, s.thumbKey(testFile), s.thumbKey(other))
}

func TestPrepare_Deduplicates(t *testing.T) {
	release := make(chan struct{})
	r := &scriptedRunner{script: []step{func(spec runner.Spec) (*runner.Result, error) {
		<-release
		return writeOutput(spec)
	}}}
	s := newTestService(t, r)

	started := s.PrepareFast(testFile)
	assert.True(t, started)

	// Same artifact already in flight.
	assert.False(t, s.PrepareFast(testFile))
	assert.True(t, s.Preparing(testFile, RenditionFast))

	close(release)
	require.Eventually(t, func() bool {
		_, ready := s.FastReady(testFile)
		return ready
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return !s.Preparing(testFile, RenditionFast)
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh request finds the artifact cached and restarts nothing.
	assert.True(t, s.PrepareFast(testFile))
	assert.Equal(t, 1, r.callCount())
}

func TestVideoSources(t *testing.T) {
	r := &scriptedRunner{}
	s := newTestService(t, r)

	resp := s.VideoSources(testFile, false, nil)
	assert.Equal(t, "abc123", resp.Share)
	assert.Equal(t, "clips/holiday.mkv", resp.Path)
	assert.Equal(t, "/api/share/abc123/file/clips/holiday.mkv", resp.Original.URL)
	assert.Equal(t, int64(4096), resp.Original.Size)
	assert.Equal(t, "/api/share/abc123/proxy/clips/holiday.mkv", resp.Fast.URL)
	assert.False(t, resp.Fast.Ready)
	assert.Equal(t, "/api/proxy-cache/"+s.HDKey(testFile)+".mp4", resp.HD.URL)
	assert.False(t, resp.HD.Ready)
	assert.False(t, resp.Prepare.Requested)

	resp = s.VideoSources(testFile, true, []string{RenditionFast})
	assert.True(t, resp.Prepare.Requested)
	assert.Equal(t, []string{RenditionFast}, resp.Prepare.Started)

	require.Eventually(t, func() bool {
		_, ready := s.FastReady(testFile)
		return ready
	}, 2*time.Second, 10*time.Millisecond)

	resp = s.VideoSources(testFile, true, []string{RenditionFast})
	assert.True(t, resp.Fast.Ready)
	assert.NotZero(t, resp.Fast.Size)
	assert.Empty(t, resp.Prepare.Started, "cached rendition needs no preparation")
}

func TestVideoSources_MultipleTargets(t *testing.T) {
	r := &scriptedRunner{}
	s := newTestService(t, r)

	resp := s.VideoSources(testFile, true, []string{"fast,hd"})
	assert.True(t, resp.Prepare.Requested)
	assert.ElementsMatch(t, []string{RenditionFast, RenditionHD}, resp.Prepare.Started)

	require.Eventually(t, func() bool {
		_, fastOK := s.FastReady(testFile)
		_, hdOK := s.HDReady(testFile)
		return fastOK && hdOK
	}, 2*time.Second, 10*time.Millisecond)

	// Unrecognized names fall back to the hd default.
	other := ShareFile{Hash: "def456", Path: "clip.mp4", Size: 7, Video: true}
	resp = s.VideoSources(other, true, []string{"bogus"})
	assert.Equal(t, []string{RenditionHD}, resp.Prepare.Started)

	require.Eventually(t, func() bool {
		_, ready := s.HDReady(other)
		return ready
	}, 2*time.Second, 10*time.Millisecond)
}
