// Package exec runs agent child processes with captured output,
// per-task timeouts, and graceful-then-forced termination.
package exec

import (
	"context"
	"time"
)

// Spec describes one child process to run.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	// Env entries are appended to the parent environment.
	Env   []string
	Stdin string
	// Timeout bounds the run; zero means no limit.
	Timeout time.Duration
	// GracePeriod is how long the child gets between the termination
	// signal and a forced kill.
	GracePeriod time.Duration
}

// Outcome is the observed result of a child process run.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// TimedOut is set when the run hit its timeout.
	TimedOut bool
	// StartErr is set when the process could not be started at all.
	StartErr error
	Duration time.Duration
}

// Spawner runs child processes. Tests substitute a fake so no real
// process is spawned.
type Spawner interface {
	// Run starts the child and blocks until exit or cancellation.
	// Cancelling ctx sends the termination signal; after GracePeriod
	// the child is killed.
	Run(ctx context.Context, spec Spec) Outcome
}
