package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultGracePeriod separates the termination signal from the forced
// kill when a Spec does not set its own.
const DefaultGracePeriod = 10 * time.Second

// OSSpawner implements Spawner with os/exec.
type OSSpawner struct{}

// NewSpawner creates an OSSpawner.
func NewSpawner() *OSSpawner {
	return &OSSpawner{}
}

// Run executes the child, capturing stdout and stderr separately. On
// timeout or cancellation the child first receives SIGTERM; if it has
// not exited within the grace period it is killed.
func (s *OSSpawner) Run(ctx context.Context, spec Spec) Outcome {
	grace := spec.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(runCtx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Graceful termination: SIGTERM on cancel, SIGKILL after the grace
	// period via WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	start := time.Now()
	err := cmd.Run()
	out := Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		out.TimedOut = true
	}

	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.StartErr = err
			out.ExitCode = -1
		}
	}
	return out
}

// Verify OSSpawner implements Spawner at compile time.
var _ Spawner = (*OSSpawner)(nil)
