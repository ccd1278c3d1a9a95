// Package runner executes external encoder processes under named,
// capacity-bounded pools. Each rendition class gets its own pool so a burst
// of heavy transcodes cannot starve thumbnail generation.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when a process exceeds its deadline and was killed.
var ErrTimeout = errors.New("process timed out")

// stderr kept for diagnostics; encoders can be extremely chatty
const stderrTailBytes = 4096

// Pool bounds how many processes of one class run at once. Acquisition
// blocks until a slot frees or the context is done.
type Pool struct {
	name string
	sem  *semaphore.Weighted
}

// NewPool creates a pool with the given capacity. Capacity below 1 is
// treated as 1.
func NewPool(name string, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{name: name, sem: semaphore.NewWeighted(int64(capacity))}
}

// Name returns the pool's name, used in logs.
func (p *Pool) Name() string { return p.name }

// Acquire blocks until a slot is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring %s slot: %w", p.name, err)
	}
	return nil
}

// Release returns a slot to the pool.
func (p *Pool) Release() { p.sem.Release(1) }

// Spec describes one process invocation.
type Spec struct {
	Binary  string
	Args    []string
	Timeout time.Duration
	Pool    *Pool // optional
	// CaptureStdout collects stdout into the Result. Encoders write their
	// output to files, so this is off unless the caller parses stdout.
	CaptureStdout bool
}

// Result is the outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	Duration time.Duration
}

// Ok reports whether the process exited zero.
func (r *Result) Ok() bool { return r.ExitCode == 0 }

// Runner runs external processes. The interface exists so pipelines can be
// tested without a real encoder on PATH.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a process runner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run executes the process described by spec, waiting on the pool first when
// one is set. A non-zero exit is not an error; callers inspect the Result.
// Run returns ErrTimeout (wrapped) when the deadline killed the process.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Pool != nil {
		if err := spec.Pool.Acquire(ctx); err != nil {
			return nil, err
		}
		defer spec.Pool.Release()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Binary, spec.Args...)
	var stdout, stderr bytes.Buffer
	if spec.CaptureStdout {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr
	// No stdin: an encoder prompting for input would otherwise hang until
	// the timeout kills it.
	cmd.Stdin = nil

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		r.logger.Warn("process killed on timeout",
			"binary", spec.Binary, "timeout", spec.Timeout, "elapsed", elapsed)
		return nil, fmt.Errorf("%s after %s: %w", spec.Binary, spec.Timeout, ErrTimeout)
	}

	result := &Result{Stdout: stdout.Bytes(), Stderr: tail(stderr.Bytes()), Duration: elapsed}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("running %s: %w", spec.Binary, err)
	}
	return result, nil
}

func tail(b []byte) string {
	if len(b) > stderrTailBytes {
		b = b[len(b)-stderrTailBytes:]
	}
	return string(b)
}
