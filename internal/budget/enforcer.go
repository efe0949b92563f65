// Package budget enforces per-task and per-session cost caps. Checks
// run against the store inside a transaction so concurrent workers see
// a consistent total; events are emitted after the read commits.
package budget

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/state"
)

// Action is the verdict of a budget check.
type Action string

const (
	// ActionContinue lets the task proceed.
	ActionContinue Action = "continue"
	// ActionTerminate terminates the checked task.
	ActionTerminate Action = "terminate"
	// ActionTerminateAll terminates every running task in the session.
	ActionTerminateAll Action = "terminate-all"
)

// DefaultWarningThreshold is the percentage of a cap at which a
// warning event fires.
const DefaultWarningThreshold = 80.0

// Config holds enforcement policy.
type Config struct {
	// DefaultTaskBudgetUSD applies to tasks with no explicit cap.
	DefaultTaskBudgetUSD float64
	// DefaultSessionBudgetUSD applies to sessions with no explicit cap.
	DefaultSessionBudgetUSD float64
	// WarningThresholdPct is the percent-of-cap at which warnings fire.
	WarningThresholdPct float64
	// PlanningCounts includes planning cost in the session total when
	// true. Default false: planning spend is tracked but exempt.
	PlanningCounts bool
}

// Enforcer evaluates cost totals against caps. A cap of zero means
// unlimited and never produces budget events.
type Enforcer struct {
	db     *state.DB
	events *bus.Bus
	cfg    Config

	mu             sync.Mutex
	warnedTasks    map[string]bool
	warnedSessions map[string]bool
}

// New creates an Enforcer.
func New(db *state.DB, events *bus.Bus, cfg Config) *Enforcer {
	if cfg.WarningThresholdPct <= 0 {
		cfg.WarningThresholdPct = DefaultWarningThreshold
	}
	return &Enforcer{
		db:             db,
		events:         events,
		cfg:            cfg,
		warnedTasks:    map[string]bool{},
		warnedSessions: map[string]bool{},
	}
}

// CheckTaskBudget re-reads the task's cost inside a transaction and
// compares it to the task cap. newCostUSD is the delta just recorded
// and is included in the comparison even if its row is not yet
// committed.
func (e *Enforcer) CheckTaskBudget(sessionID, taskID string, newCostUSD float64) (Action, error) {
	var cap, spent float64
	err := e.db.Transaction(func(tx *sql.Tx) error {
		task, err := state.GetTaskTx(tx, sessionID, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		cap = task.BudgetUSD
		spent, err = state.TaskCostUSDTx(tx, sessionID, taskID)
		return err
	})
	if err != nil {
		return ActionContinue, fmt.Errorf("check task budget: %w", err)
	}

	if cap <= 0 {
		cap = e.cfg.DefaultTaskBudgetUSD
	}
	if cap <= 0 {
		return ActionContinue, nil
	}

	effective := spent + newCostUSD
	pct := effective / cap * 100

	if pct >= 100 {
		e.events.Emit(bus.Event{
			Kind:        bus.BudgetExceededTask,
			SessionID:   sessionID,
			TaskID:      taskID,
			CostUSD:     effective,
			PercentUsed: pct,
			Action:      string(ActionTerminate),
		})
		return ActionTerminate, nil
	}

	if pct >= e.warningThreshold() && e.markTaskWarned(sessionID, taskID) {
		e.events.Emit(bus.Event{
			Kind:        bus.BudgetWarningTask,
			SessionID:   sessionID,
			TaskID:      taskID,
			CostUSD:     effective,
			PercentUsed: pct,
			Action:      string(ActionContinue),
		})
	}
	return ActionContinue, nil
}

// CheckSessionBudget compares the session's accumulated cost to the
// session cap. When planning isolation is on (the default), planning
// spend is subtracted from the total before comparison.
func (e *Enforcer) CheckSessionBudget(sessionID string, newCostUSD float64) (Action, error) {
	var cap, total, planning float64
	err := e.db.Transaction(func(tx *sql.Tx) error {
		session, err := state.GetSessionTx(tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return fmt.Errorf("session %s not found", sessionID)
		}
		cap = session.BudgetUSD
		planning = session.PlanningCostUSD
		total, err = state.SessionCostUSDTx(tx, sessionID)
		return err
	})
	if err != nil {
		return ActionContinue, fmt.Errorf("check session budget: %w", err)
	}

	if cap <= 0 {
		cap = e.cfg.DefaultSessionBudgetUSD
	}
	if cap <= 0 {
		return ActionContinue, nil
	}

	effective := total + newCostUSD
	if !e.cfg.PlanningCounts {
		effective -= planning
	}
	pct := effective / cap * 100

	if pct >= 100 {
		e.events.Emit(bus.Event{
			Kind:        bus.BudgetExceededSession,
			SessionID:   sessionID,
			CostUSD:     effective,
			PercentUsed: pct,
			Action:      string(ActionTerminateAll),
		})
		return ActionTerminateAll, nil
	}

	if pct >= e.warningThreshold() && e.markSessionWarned(sessionID) {
		e.events.Emit(bus.Event{
			Kind:        bus.BudgetWarningSession,
			SessionID:   sessionID,
			CostUSD:     effective,
			PercentUsed: pct,
			Action:      string(ActionContinue),
		})
	}
	return ActionContinue, nil
}

// SetWarningThreshold updates the warning threshold at runtime, used
// when the project config file is reloaded mid-run. Values at or below
// zero are ignored.
func (e *Enforcer) SetWarningThreshold(pct float64) {
	if pct <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg.WarningThresholdPct = pct
	e.mu.Unlock()
}

func (e *Enforcer) warningThreshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.WarningThresholdPct
}

// markTaskWarned returns true the first time a task crosses the
// warning threshold. Warnings fire once per task per process.
func (e *Enforcer) markTaskWarned(sessionID, taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := sessionID + "/" + taskID
	if e.warnedTasks[key] {
		return false
	}
	e.warnedTasks[key] = true
	return true
}

func (e *Enforcer) markSessionWarned(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warnedSessions[sessionID] {
		return false
	}
	e.warnedSessions[sessionID] = true
	return true
}
