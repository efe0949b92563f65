package agent

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/substrate-sh/substrate/pkg/models"
)

// ClaudeAdapter drives the Claude Code CLI in headless print mode.
type ClaudeAdapter struct {
	// Binary overrides the CLI name, for tests.
	Binary string
	// Timeouts overrides the per-task-type execution limits.
	Timeouts map[string]time.Duration
}

// NewClaudeAdapter creates an adapter for the `claude` CLI.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{Binary: "claude"}
}

func (a *ClaudeAdapter) ID() string             { return "claude" }
func (a *ClaudeAdapter) DisplayName() string    { return "Claude Code" }
func (a *ClaudeAdapter) AdapterVersion() string { return "1.0.0" }

// HealthCheck verifies the CLI is installed and resolvable.
func (a *ClaudeAdapter) HealthCheck() Health {
	path, err := exec.LookPath(a.Binary)
	if err != nil {
		return Health{
			Healthy: false,
			Error: fmt.Sprintf("%s CLI not found in PATH; install with: npm install -g @anthropic-ai/claude-code", a.Binary),
		}
	}
	h := Health{
		Healthy:          true,
		CLIPath:          path,
		SupportsHeadless: true,
		DetectedBillingModes: []models.BillingMode{
			models.BillingSubscription,
			models.BillingAPI,
		},
	}
	if out, err := exec.Command(a.Binary, "--version").Output(); err == nil {
		h.Version = strings.TrimSpace(string(out))
	}
	return h
}

func (a *ClaudeAdapter) Capabilities() Capabilities {
	return Capabilities{Planning: true, Headless: true}
}

// defaultTimeouts maps task types to execution time limits.
var defaultTimeouts = map[string]time.Duration{
	models.TaskTypeCoding:      30 * time.Minute,
	models.TaskTypeTesting:     20 * time.Minute,
	models.TaskTypeDebugging:   30 * time.Minute,
	models.TaskTypeRefactoring: 30 * time.Minute,
	models.TaskTypeDocs:        10 * time.Minute,
}

// DefaultTimeout returns the execution time limit for a task type.
func DefaultTimeout(taskType string) time.Duration {
	if d, ok := defaultTimeouts[taskType]; ok {
		return d
	}
	return 30 * time.Minute
}

// BuildCommand constructs the headless invocation for a task. The
// worker pool sets Dir to the task's worktree before spawning.
func (a *ClaudeAdapter) BuildCommand(task *models.Task) (Command, error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return Command{}, fmt.Errorf("task %s has no prompt", task.ID)
	}

	args := []string{
		"--output-format", "json",
		"--print",
		"--allowedTools", "Read,Write,Edit,Bash,Glob,Grep",
	}
	if task.Model != "" {
		args = append(args, "--model", task.Model)
	}
	args = append(args, "-p", task.Prompt)

	timeout := DefaultTimeout(task.Type)
	if d, ok := a.Timeouts[task.Type]; ok && d > 0 {
		timeout = d
	}
	return Command{
		Binary:  a.Binary,
		Args:    args,
		Timeout: timeout,
	}, nil
}

// claudeResult is the final JSON object the CLI prints in --print mode.
type claudeResult struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// ParseOutput interprets the CLI's JSON result. Malformed output with a
// zero exit code is treated as success with estimated tokens; malformed
// output with a non-zero exit is a failure.
func (a *ClaudeAdapter) ParseOutput(stdout string, exitCode int) Result {
	// The result object is the last JSON line; earlier lines may be
	// progress noise.
	var parsed *claudeResult
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r claudeResult
		if err := json.Unmarshal([]byte(line), &r); err == nil && r.Type == "result" {
			parsed = &r
			break
		}
	}

	if parsed == nil {
		res := Result{
			Success:  exitCode == 0,
			Output:   stdout,
			ExitCode: exitCode,
			Tokens:   Tokens{Output: a.EstimateTokens(stdout)},
		}
		if exitCode != 0 {
			res.Error = fmt.Sprintf("agent exited with code %d", exitCode)
		}
		return res
	}

	res := Result{
		Success:  exitCode == 0 && !parsed.IsError,
		Output:   parsed.Result,
		ExitCode: exitCode,
		Tokens: Tokens{
			Input:  parsed.Usage.InputTokens,
			Output: parsed.Usage.OutputTokens,
		},
	}
	if parsed.TotalCostUSD > 0 {
		cost := parsed.TotalCostUSD
		res.ActualCostUSD = &cost
	}
	if !res.Success {
		res.Error = parsed.Result
		if res.Error == "" {
			res.Error = fmt.Sprintf("agent reported %s", parsed.Subtype)
		}
	}
	return res
}

// EstimateTokens approximates token count as one per four characters,
// the usual heuristic for English prose and code.
func (a *ClaudeAdapter) EstimateTokens(prompt string) int64 {
	return int64(len(prompt)+3) / 4
}

var _ Adapter = (*ClaudeAdapter)(nil)
