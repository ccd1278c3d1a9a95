package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Success(t *testing.T) {
	r := NewExecRunner(nil)
	res, err := r.Run(context.Background(), Spec{
		Binary: "sh",
		Args:   []string{"-c", "exit 0"},
	})
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewExecRunner(nil)
	res, err := r.Run(context.Background(), Spec{
		Binary: "sh",
		Args:   []string{"-c", "echo boom >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.False(t, res.Ok())
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
}

func TestExecRunner_CaptureStdout(t *testing.T) {
	r := NewExecRunner(nil)
	res, err := r.Run(context.Background(), Spec{
		Binary:        "sh",
		Args:          []string{"-c", "echo hello"},
		CaptureStdout: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(res.Stdout))

	res, err = r.Run(context.Background(), Spec{
		Binary: "sh",
		Args:   []string{"-c", "echo dropped"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout)
}

func TestExecRunner_Timeout(t *testing.T) {
	r := NewExecRunner(nil)
	_, err := r.Run(context.Background(), Spec{
		Binary:  "sleep",
		Args:    []string{"10"},
		Timeout: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner(nil)
	_, err := r.Run(context.Background(), Spec{Binary: "definitely-not-a-binary-xyz"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool("test", 2)

	var running, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, pool.Acquire(context.Background()))
			defer pool.Release()

			n := atomic.AddInt64(&running, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&running, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	pool := NewPool("test", 1)
	require.NoError(t, pool.Acquire(context.Background()))
	defer pool.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Acquire(ctx)
	assert.Error(t, err)
}

func TestPool_MinimumCapacity(t *testing.T) {
	pool := NewPool("tiny", 0)
	require.NoError(t, pool.Acquire(context.Background()))
	pool.Release()
}
