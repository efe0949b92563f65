package models

import "time"

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the task can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task types drive per-type timeout and turn defaults. The set is
// open-ended; these are the common values.
const (
	TaskTypeCoding      = "coding"
	TaskTypeTesting     = "testing"
	TaskTypeDebugging   = "debugging"
	TaskTypeRefactoring = "refactoring"
	TaskTypeDocs        = "docs"
)

// Task is a unit of work belonging to one session.
type Task struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Name      string     `json:"name"`
	Prompt    string     `json:"prompt"`
	Type      string     `json:"type"`
	Status    TaskStatus `json:"status"`
	// Agent pins the task to a specific adapter; empty means the router
	// chooses.
	Agent      string  `json:"agent,omitempty"`
	Model      string  `json:"model,omitempty"`
	BudgetUSD  float64 `json:"budget_usd"`
	RetryCount int     `json:"retry_count"`
	MaxRetries int     `json:"max_retries"`
	CostUSD    float64 `json:"cost_usd"`
	// WorkerID is set only while Status is running.
	WorkerID     string `json:"worker_id,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	Branch       string `json:"branch,omitempty"`
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`

	WorktreeCleanedAt *time.Time `json:"worktree_cleaned_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CanRetry reports whether the task has retry budget left.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// DefaultMaxRetries is applied when a graph document omits max_retries.
const DefaultMaxRetries = 2

// Dependency is an ordered edge: TaskID depends on DependsOn.
type Dependency struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
}
