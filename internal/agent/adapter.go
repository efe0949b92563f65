// Package agent defines the adapter contract through which the
// orchestration core drives CLI-based coding agents, plus the registry
// that tracks installed adapters.
package agent

import (
	"time"

	"github.com/substrate-sh/substrate/pkg/models"
)

// Health reports the result of an adapter health check.
type Health struct {
	Healthy              bool
	Version              string
	CLIPath              string
	DetectedBillingModes []models.BillingMode
	SupportsHeadless     bool
	Error                string
}

// Capabilities describes what an adapter can do.
type Capabilities struct {
	// Models lists model hints the adapter accepts; empty means any.
	Models []string
	// Planning indicates the adapter can be used for plan generation.
	Planning bool
	// Headless indicates the adapter runs without a TTY.
	Headless bool
}

// Command is the spawn specification for one task execution.
type Command struct {
	Binary  string
	Args    []string
	Dir     string
	Env     []string
	Stdin   string
	Timeout time.Duration
}

// Tokens carries input/output token counts reported or estimated for a
// run.
type Tokens struct {
	Input  int64
	Output int64
}

// Total returns input plus output tokens.
func (t Tokens) Total() int64 {
	return t.Input + t.Output
}

// Result is the parsed outcome of an agent child process.
type Result struct {
	Success  bool
	Output   string
	ExitCode int
	Tokens   Tokens
	// ActualCostUSD is set when the agent reported its own spend;
	// callers prefer it over estimates.
	ActualCostUSD *float64
	Error         string
}

// Adapter integrates one coding agent CLI. The orchestration core
// interacts with agents only through this interface.
type Adapter interface {
	// ID is the stable identifier used in routing policies and task
	// pins.
	ID() string
	// DisplayName is the human-readable agent name.
	DisplayName() string
	// AdapterVersion identifies the adapter implementation.
	AdapterVersion() string
	// HealthCheck probes the agent CLI installation.
	HealthCheck() Health
	// Capabilities describes what the adapter supports.
	Capabilities() Capabilities
	// BuildCommand constructs the spawn specification for a task. The
	// returned Dir is overridden by the worker pool with the task's
	// worktree path.
	BuildCommand(task *models.Task) (Command, error)
	// ParseOutput interprets the child's stdout and exit code.
	ParseOutput(stdout string, exitCode int) Result
	// EstimateTokens estimates input tokens for a prompt, used for
	// routing and cost estimation before a run.
	EstimateTokens(prompt string) int64
}
