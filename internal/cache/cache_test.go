package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_StableAndParamSensitive(t *testing.T) {
	k1 := Key("proxy", "1", "1280", "28", "veryfast", "abc", "a.mp4", "100")
	k2 := Key("proxy", "1", "1280", "28", "veryfast", "abc", "a.mp4", "100")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	// Any single differing part changes the key.
	k3 := Key("proxy", "2", "1280", "28", "veryfast", "abc", "a.mp4", "100")
	assert.NotEqual(t, k1, k3)
	k4 := Key("proxy", "1", "1280", "28", "veryfast", "abc", "a.mp4", "101")
	assert.NotEqual(t, k1, k4)
}

func newCache(t *testing.T) *DiskCache {
	t.Helper()
	c, err := NewDiskCache(filepath.Join(t.TempDir(), "artifacts"), nil)
	require.NoError(t, err)
	return c
}

func TestGetOrBuild_BuildsOnceThenHits(t *testing.T) {
	c := newCache(t)
	var builds int32

	build := func(_ context.Context, tmp string) error {
		atomic.AddInt32(&builds, 1)
		return os.WriteFile(tmp, []byte("artifact"), 0o644)
	}

	p1, err := c.GetOrBuild(context.Background(), "k1", ".mp4", build)
	require.NoError(t, err)
	p2, err := c.GetOrBuild(context.Background(), "k1", ".mp4", build)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))

	data, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "artifact", string(data))
}

func TestGetOrBuild_SingleFlight(t *testing.T) {
	c := newCache(t)
	var builds int32

	build := func(_ context.Context, tmp string) error {
		atomic.AddInt32(&builds, 1)
		time.Sleep(50 * time.Millisecond)
		return os.WriteFile(tmp, []byte("x"), 0o644)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrBuild(context.Background(), "shared", ".jpg", build)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestGetOrBuild_FailedBuildLeavesNothing(t *testing.T) {
	c := newCache(t)
	boom := errors.New("encoder exploded")

	_, err := c.GetOrBuild(context.Background(), "bad", ".mp4", func(_ context.Context, tmp string) error {
		require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := c.Lookup("bad", ".mp4")
	assert.False(t, ok)
	_, err = os.Stat(c.Path("bad", ".mp4")+".tmp")
	assert.True(t, os.IsNotExist(err))

	// A later build of the same key succeeds normally.
	p, err := c.GetOrBuild(context.Background(), "bad", ".mp4", func(_ context.Context, tmp string) error {
		return os.WriteFile(tmp, []byte("good"), 0o644)
	})
	require.NoError(t, err)
	data, _ := os.ReadFile(p)
	assert.Equal(t, "good", string(data))
}

func TestGetOrBuild_EmptyOutputRejected(t *testing.T) {
	c := newCache(t)
	_, err := c.GetOrBuild(context.Background(), "empty", ".jpg", func(_ context.Context, tmp string) error {
		return os.WriteFile(tmp, nil, 0o644)
	})
	assert.Error(t, err)
	_, ok := c.Lookup("empty", ".jpg")
	assert.False(t, ok)
}

func TestGetOrBuild_NoOutputRejected(t *testing.T) {
	c := newCache(t)
	_, err := c.GetOrBuild(context.Background(), "none", ".jpg", func(_ context.Context, _ string) error {
		return nil
	})
	assert.Error(t, err)
}

func TestLookup_IgnoresEmptyArtifact(t *testing.T) {
	c := newCache(t)
	require.NoError(t, os.WriteFile(c.Path("z", ".jpg"), nil, 0o644))
	_, ok := c.Lookup("z", ".jpg")
	assert.False(t, ok)
}

func TestTryAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	l1, err := TryAcquireLock(path)
	require.NoError(t, err)
	require.NotNil(t, l1)

	l2, err := TryAcquireLock(path)
	require.NoError(t, err)
	assert.Nil(t, l2, "held lock should not be acquirable")

	require.NoError(t, l1.Unlock())
	l3, err := TryAcquireLock(path)
	require.NoError(t, err)
	require.NotNil(t, l3)
	require.NoError(t, l3.Unlock())
}
