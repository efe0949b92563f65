// Package engine ingests task graph documents and drives the task
// lifecycle. All transitions serialize through a per-engine mutex; the
// worker pool calls in from many goroutines. Bus events are delivered
// only after the mutex is released, so subscribers may do slow work or
// call back into the engine.
package engine

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/graph"
	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/pkg/models"
)

// ExecState is the engine's coarse execution state.
type ExecState string

const (
	StateIdle      ExecState = "idle"
	StateLoading   ExecState = "loading"
	StateExecuting ExecState = "executing"
	StatePaused    ExecState = "paused"
)

// Engine owns the task graph lifecycle for one session at a time.
type Engine struct {
	db     *state.DB
	events *bus.Bus

	mu        sync.Mutex
	execState ExecState
	sessionID string
	// terminating forces the session's final status to failed when the
	// graph completes. Latched by session-level budget termination.
	terminating bool
}

// New creates an idle Engine.
func New(db *state.DB, events *bus.Bus) *Engine {
	return &Engine{db: db, events: events, execState: StateIdle}
}

// State returns the engine's current execution state.
func (e *Engine) State() ExecState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execState
}

// SessionID returns the session the engine is executing, or empty.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Load validates a parsed document and persists the session, its tasks,
// its edges, and the graph:loaded log entry in one transaction.
// Validation is all-or-nothing: on any error no row is written.
func (e *Engine) Load(doc *graph.Document, source string, knownAgents map[string]bool) (*models.Session, error) {
	result := graph.Validate(doc, knownAgents)
	for _, w := range result.Warnings {
		log.Printf("[engine] graph warning: %s", w)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:          uuid.New().String(),
		Name:        doc.Session.Name,
		GraphSource: source,
		Status:      models.SessionActive,
		BudgetUSD:   doc.Session.BudgetUSD,
		BaseBranch:  doc.Session.BaseBranch,
	}
	if session.BaseBranch == "" {
		session.BaseBranch = models.DefaultBaseBranch
	}

	err := e.db.Transaction(func(tx *sql.Tx) error {
		if err := state.CreateSessionTx(tx, session); err != nil {
			return err
		}
		for id, def := range doc.Tasks {
			task := &models.Task{
				ID:         id,
				SessionID:  session.ID,
				Name:       def.Name,
				Prompt:     def.Prompt,
				Type:       def.Type,
				Status:     models.TaskPending,
				Agent:      def.Agent,
				Model:      def.Model,
				BudgetUSD:  def.BudgetUSD,
				MaxRetries: models.DefaultMaxRetries,
			}
			if def.MaxRetries != nil {
				task.MaxRetries = *def.MaxRetries
			}
			if err := state.CreateTaskTx(tx, task); err != nil {
				return err
			}
			for _, dep := range def.DependsOn {
				edge := &models.Dependency{
					SessionID: session.ID,
					TaskID:    id,
					DependsOn: dep,
				}
				if err := state.CreateDependencyTx(tx, edge); err != nil {
					return err
				}
			}
		}
		return state.AppendLogTx(tx, &models.ExecutionLogEntry{
			Event:     string(bus.GraphLoaded),
			SessionID: session.ID,
			Data:      fmt.Sprintf("%d tasks", len(doc.Tasks)),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist graph: %w", err)
	}

	e.events.Emit(bus.Event{
		Kind:      bus.GraphLoaded,
		SessionID: session.ID,
		Message:   fmt.Sprintf("loaded %d tasks", len(doc.Tasks)),
	})
	return session, nil
}

// StartExecution moves the engine Idle -> Loading -> Executing for the
// given session and announces the initial ready set.
func (e *Engine) StartExecution(sessionID string) error {
	e.mu.Lock()
	if e.execState != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("engine is %s, not idle", e.execState)
	}
	e.execState = StateLoading
	e.sessionID = sessionID
	e.mu.Unlock()

	if err := e.logState(sessionID, string(StateIdle), string(StateLoading)); err != nil {
		return err
	}

	e.mu.Lock()
	e.execState = StateExecuting
	e.terminating = false
	e.mu.Unlock()
	if err := e.logState(sessionID, string(StateLoading), string(StateExecuting)); err != nil {
		return err
	}

	// afterTransition rather than announceReady: a graph with zero
	// tasks must complete immediately.
	e.mu.Lock()
	pending, err := e.afterTransition(sessionID)
	e.mu.Unlock()
	e.emitAll(pending)
	return err
}

// emitAll delivers events gathered during a locked section. Handlers
// provision worktrees and spawn processes, so delivery happens only
// once mu is released.
func (e *Engine) emitAll(events []bus.Event) {
	for _, ev := range events {
		e.events.Emit(ev)
	}
}

func (e *Engine) logState(sessionID, from, to string) error {
	return e.db.AppendLog(&models.ExecutionLogEntry{
		Event:     "orchestrator:state",
		SessionID: sessionID,
		OldStatus: from,
		NewStatus: to,
	})
}

// announceReady emits task:ready for every task in the ready view.
// Suppressed while paused; in-flight tasks keep running but no new
// dispatch happens.
func (e *Engine) announceReady(sessionID string) error {
	e.mu.Lock()
	paused := e.execState == StatePaused
	e.mu.Unlock()
	if paused {
		return nil
	}

	ids, err := e.db.ReadyTaskIDs(sessionID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		e.events.Emit(bus.Event{
			Kind:      bus.TaskReady,
			SessionID: sessionID,
			TaskID:    id,
		})
	}
	return nil
}

// MarkTaskRunning claims a task for a worker: pending|ready -> running.
// Returns false when the task was already claimed.
func (e *Engine) MarkTaskRunning(sessionID, taskID, workerID string) (bool, error) {
	e.mu.Lock()

	var claimed bool
	err := e.db.Transaction(func(tx *sql.Tx) error {
		var err error
		claimed, err = state.ClaimTaskTx(tx, sessionID, taskID, workerID)
		if err != nil || !claimed {
			return err
		}
		return state.AppendLogTx(tx, &models.ExecutionLogEntry{
			Event:     string(bus.TaskRunning),
			SessionID: sessionID,
			TaskID:    taskID,
			OldStatus: string(models.TaskPending),
			NewStatus: string(models.TaskRunning),
		})
	})
	e.mu.Unlock()
	if err != nil || !claimed {
		return false, err
	}

	e.events.Emit(bus.Event{
		Kind:      bus.TaskRunning,
		SessionID: sessionID,
		TaskID:    taskID,
		WorkerID:  workerID,
	})
	return true, nil
}

// MarkTaskComplete transitions running -> completed, records output and
// the cost delta, then announces newly ready successors. When nothing
// is ready and nothing runs, the graph is complete.
func (e *Engine) MarkTaskComplete(sessionID, taskID, output string, costUSD float64) error {
	e.mu.Lock()

	err := e.db.Transaction(func(tx *sql.Tx) error {
		task, err := state.GetTaskTx(tx, sessionID, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		if task.Status != models.TaskRunning {
			return fmt.Errorf("task %s is %s, not running", taskID, task.Status)
		}
		if err := state.CompleteTaskTx(tx, sessionID, taskID, output, costUSD); err != nil {
			return err
		}
		return state.AppendLogTx(tx, &models.ExecutionLogEntry{
			Event:     string(bus.TaskComplete),
			SessionID: sessionID,
			TaskID:    taskID,
			OldStatus: string(models.TaskRunning),
			NewStatus: string(models.TaskCompleted),
			CostDelta: costUSD,
		})
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}

	pending := []bus.Event{{
		Kind:      bus.TaskComplete,
		SessionID: sessionID,
		TaskID:    taskID,
		CostUSD:   costUSD,
	}}
	more, err := e.afterTransition(sessionID)
	e.mu.Unlock()
	e.emitAll(append(pending, more...))
	return err
}

// MarkTaskFailed retries the task when its retry budget is intact
// (running -> pending, retry_count+1), otherwise transitions to failed.
func (e *Engine) MarkTaskFailed(sessionID, taskID, errText string, exitCode int) error {
	return e.failTask(sessionID, taskID, errText, exitCode, true)
}

// MarkTaskFailedFinal transitions to failed without consulting the
// retry budget. Used for failures a retry cannot fix, like budget
// exceedance.
func (e *Engine) MarkTaskFailedFinal(sessionID, taskID, errText string, exitCode int) error {
	return e.failTask(sessionID, taskID, errText, exitCode, false)
}

func (e *Engine) failTask(sessionID, taskID, errText string, exitCode int, allowRetry bool) error {
	e.mu.Lock()

	var retried bool
	err := e.db.Transaction(func(tx *sql.Tx) error {
		task, err := state.GetTaskTx(tx, sessionID, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		if task.Status != models.TaskRunning {
			return fmt.Errorf("task %s is %s, not running", taskID, task.Status)
		}
		if allowRetry && task.CanRetry() {
			retried = true
			if err := state.RequeueTaskTx(tx, sessionID, taskID); err != nil {
				return err
			}
			return state.AppendLogTx(tx, &models.ExecutionLogEntry{
				Event:     "task:retry",
				SessionID: sessionID,
				TaskID:    taskID,
				OldStatus: string(models.TaskRunning),
				NewStatus: string(models.TaskPending),
				Data:      fmt.Sprintf("retry %d/%d: %s", task.RetryCount+1, task.MaxRetries, errText),
			})
		}
		if err := state.FailTaskTx(tx, sessionID, taskID, errText); err != nil {
			return err
		}
		return state.AppendLogTx(tx, &models.ExecutionLogEntry{
			Event:     string(bus.TaskFailed),
			SessionID: sessionID,
			TaskID:    taskID,
			OldStatus: string(models.TaskRunning),
			NewStatus: string(models.TaskFailed),
			Data:      fmt.Sprintf("exit %d: %s", exitCode, errText),
		})
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}

	if retried {
		e.mu.Unlock()
		e.events.Emit(bus.Event{
			Kind:      bus.TaskReady,
			SessionID: sessionID,
			TaskID:    taskID,
		})
		return nil
	}

	pending := []bus.Event{{
		Kind:      bus.TaskFailed,
		SessionID: sessionID,
		TaskID:    taskID,
		Message:   errText,
	}}
	more, err := e.afterTransition(sessionID)
	e.mu.Unlock()
	e.emitAll(append(pending, more...))
	return err
}

// MarkTaskCancelled transitions any non-terminal task to cancelled.
func (e *Engine) MarkTaskCancelled(sessionID, taskID string) error {
	e.mu.Lock()
	pending, err := e.cancelLocked(sessionID, taskID)
	e.mu.Unlock()
	e.emitAll(pending)
	return err
}

// cancelLocked cancels one task and returns the events to emit once
// mu is released. Caller holds mu.
func (e *Engine) cancelLocked(sessionID, taskID string) ([]bus.Event, error) {
	var cancelled bool
	err := e.db.Transaction(func(tx *sql.Tx) error {
		task, err := state.GetTaskTx(tx, sessionID, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		if task.Status.IsTerminal() {
			return nil
		}
		cancelled = true
		if err := state.UpdateTaskStatusTx(tx, sessionID, taskID, models.TaskCancelled); err != nil {
			return err
		}
		return state.AppendLogTx(tx, &models.ExecutionLogEntry{
			Event:     string(bus.TaskCancelled),
			SessionID: sessionID,
			TaskID:    taskID,
			OldStatus: string(task.Status),
			NewStatus: string(models.TaskCancelled),
		})
	})
	if err != nil || !cancelled {
		return nil, err
	}
	return []bus.Event{{
		Kind:      bus.TaskCancelled,
		SessionID: sessionID,
		TaskID:    taskID,
	}}, nil
}

// CancelRemaining cancels every non-terminal task in the session. Used
// by the cancel signal; the caller drives shutdown afterwards.
func (e *Engine) CancelRemaining(sessionID string) (int, error) {
	e.mu.Lock()
	n, pending, err := e.cancelRemainingLocked(sessionID)
	e.mu.Unlock()
	e.emitAll(pending)
	return n, err
}

func (e *Engine) cancelRemainingLocked(sessionID string) (int, []bus.Event, error) {
	tasks, err := e.db.ListTasks(sessionID, nil)
	if err != nil {
		return 0, nil, err
	}
	n := 0
	var pending []bus.Event
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		evs, err := e.cancelLocked(sessionID, task.ID)
		if err != nil {
			return n, pending, err
		}
		pending = append(pending, evs...)
		n++
	}
	return n, pending, nil
}

// BeginTermination latches the session's final status to failed. The
// worker pool calls this before the terminal transition that carried a
// session budget exceedance, so a graph that completes on that very
// transition is still recorded as failed.
func (e *Engine) BeginTermination() {
	e.mu.Lock()
	e.terminating = true
	e.mu.Unlock()
}

// TerminateSession cancels every non-terminal task and completes the
// graph with a failed session. Session budget exceedance lands here:
// no further worker transitions will arrive, so completion has to be
// driven from this call.
func (e *Engine) TerminateSession(sessionID string) (int, error) {
	e.mu.Lock()
	e.terminating = true
	n, pending, err := e.cancelRemainingLocked(sessionID)
	if err != nil {
		e.mu.Unlock()
		e.emitAll(pending)
		return n, err
	}
	more, err := e.afterTransition(sessionID)
	e.mu.Unlock()
	e.emitAll(append(pending, more...))
	return n, err
}

// Pause stops new task:ready announcements. In-flight tasks run to
// completion.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.execState != StateExecuting {
		return
	}
	e.execState = StatePaused
	log.Printf("[engine] paused")
}

// Resume re-enables dispatch and re-announces the current ready set.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.execState != StatePaused {
		e.mu.Unlock()
		return nil
	}
	e.execState = StateExecuting
	sessionID := e.sessionID
	e.mu.Unlock()
	log.Printf("[engine] resumed")
	return e.announceReady(sessionID)
}

// afterTransition collects newly ready announcements and detects graph
// completion. Caller holds mu and emits the returned events after
// unlocking.
func (e *Engine) afterTransition(sessionID string) ([]bus.Event, error) {
	// A transition landing after the graph already completed has
	// nothing left to drive.
	if e.execState == StateIdle {
		return nil, nil
	}

	ready, err := e.db.ReadyTaskIDs(sessionID)
	if err != nil {
		return nil, err
	}

	var pending []bus.Event
	if e.execState != StatePaused && !e.terminating {
		for _, id := range ready {
			pending = append(pending, bus.Event{
				Kind:      bus.TaskReady,
				SessionID: sessionID,
				TaskID:    id,
			})
		}
	}

	// A terminating session falls through to the completion check even
	// with ready tasks left; they are cancelled, not dispatched.
	if len(ready) > 0 && !e.terminating {
		return pending, nil
	}
	counts, err := e.db.CountTasksByStatus(sessionID)
	if err != nil {
		return pending, err
	}
	if counts[models.TaskRunning] > 0 {
		return pending, nil
	}

	// Ready set empty, nothing running: the graph is done. Pending
	// tasks left behind are stranded by failed dependencies and show up
	// in the final summary.
	finalStatus := models.SessionCompleted
	if e.terminating || counts[models.TaskFailed] > 0 || counts[models.TaskCancelled] > 0 || counts[models.TaskPending] > 0 {
		finalStatus = models.SessionFailed
	}

	err = e.db.Transaction(func(tx *sql.Tx) error {
		if err := state.UpdateSessionStatusTx(tx, sessionID, finalStatus); err != nil {
			return err
		}
		return state.AppendLogTx(tx, &models.ExecutionLogEntry{
			Event:     string(bus.GraphComplete),
			SessionID: sessionID,
			NewStatus: string(finalStatus),
			Data:      fmt.Sprintf("%d stranded", counts[models.TaskPending]),
		})
	})
	if err != nil {
		return pending, err
	}

	e.execState = StateIdle
	e.terminating = false

	pending = append(pending, bus.Event{
		Kind:      bus.GraphComplete,
		SessionID: sessionID,
		Message:   string(finalStatus),
	})
	return pending, nil
}

// StrandedTasks returns pending tasks that transitively depend on a
// failed or cancelled task and so can never run. Reported in the final
// session summary.
func (e *Engine) StrandedTasks(sessionID string) ([]*models.Task, error) {
	tasks, err := e.db.ListTasks(sessionID, nil)
	if err != nil {
		return nil, err
	}
	edges, err := e.db.DependencyEdges(sessionID)
	if err != nil {
		return nil, err
	}

	blocked := make(map[string]bool)
	for _, task := range tasks {
		if task.Status == models.TaskFailed || task.Status == models.TaskCancelled {
			blocked[task.ID] = true
		}
	}
	unreachable := graph.Unreachable(edges, blocked)

	var stranded []*models.Task
	for _, task := range tasks {
		if task.Status == models.TaskPending && unreachable[task.ID] {
			stranded = append(stranded, task)
		}
	}
	return stranded, nil
}
