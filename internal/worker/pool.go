// Package worker supervises agent child processes under a concurrency
// bound. The pool consumes task:ready events, claims tasks through the
// engine, waits for worktree provisioning, spawns the agent CLI, and
// records the parsed outcome.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substrate-sh/substrate/internal/agent"
	"github.com/substrate-sh/substrate/internal/budget"
	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/engine"
	"github.com/substrate-sh/substrate/internal/exec"
	"github.com/substrate-sh/substrate/internal/router"
	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/pkg/models"
)

// Config tunes the pool.
type Config struct {
	// MaxConcurrency bounds simultaneous agent child processes.
	MaxConcurrency int
	// GracePeriod separates graceful termination from the forced kill.
	GracePeriod time.Duration
	// WorktreeWait bounds how long a claimed task waits for its
	// worktree before failing.
	WorktreeWait time.Duration
}

// DefaultMaxConcurrency is used when the config leaves it unset.
const DefaultMaxConcurrency = 3

func (c *Config) withDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = exec.DefaultGracePeriod
	}
	if c.WorktreeWait <= 0 {
		c.WorktreeWait = 30 * time.Second
	}
}

// handle tracks one in-flight worker.
type handle struct {
	workerID  string
	sessionID string
	taskID    string
	startedAt time.Time
	cancel    context.CancelFunc
	// cancelledByEvent records that a task:cancelled event terminated
	// this worker; the terminal transition already happened.
	cancelledByEvent bool
}

type item struct {
	sessionID string
	taskID    string
}

// Pool dispatches ready tasks to agent child processes.
type Pool struct {
	db       *state.DB
	events   *bus.Bus
	engine   *engine.Engine
	router   *router.Router
	registry *agent.Registry
	enforcer *budget.Enforcer
	spawner  exec.Spawner
	cfg      Config

	mu      sync.Mutex
	active  int
	queue   []item
	running map[string]*handle
	waiters map[string]chan string
	stopped bool
	wg      sync.WaitGroup
}

// NewPool wires a Pool over its collaborators.
func NewPool(db *state.DB, events *bus.Bus, eng *engine.Engine, rt *router.Router,
	registry *agent.Registry, enforcer *budget.Enforcer, spawner exec.Spawner, cfg Config) *Pool {
	cfg.withDefaults()
	if spawner == nil {
		spawner = exec.NewSpawner()
	}
	return &Pool{
		db:       db,
		events:   events,
		engine:   eng,
		router:   rt,
		registry: registry,
		enforcer: enforcer,
		spawner:  spawner,
		cfg:      cfg,
		running:  make(map[string]*handle),
		waiters:  make(map[string]chan string),
	}
}

// Wire subscribes the pool to the bus. Ready tasks queue for dispatch;
// worktree:created unblocks the waiting worker; task:cancelled
// terminates the corresponding child.
func (p *Pool) Wire() {
	p.events.Subscribe(bus.TaskReady, func(ev bus.Event) {
		p.mu.Lock()
		if !p.stopped && !p.queuedOrRunningLocked(ev.TaskID) {
			p.queue = append(p.queue, item{sessionID: ev.SessionID, taskID: ev.TaskID})
		}
		p.mu.Unlock()
		p.dispatch()
	})

	p.events.Subscribe(bus.WorktreeCreated, func(ev bus.Event) {
		p.mu.Lock()
		ch := p.waiters[ev.TaskID]
		p.mu.Unlock()
		if ch != nil {
			select {
			case ch <- ev.Message:
			default:
			}
		}
	})

	p.events.Subscribe(bus.TaskCancelled, func(ev bus.Event) {
		p.mu.Lock()
		h := p.running[ev.TaskID]
		if h != nil {
			h.cancelledByEvent = true
		}
		p.mu.Unlock()
		if h != nil {
			h.cancel()
		}
	})
}

// Active returns the number of in-flight workers.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// dispatch starts workers while slots and queued tasks remain.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if p.stopped || p.active >= p.cfg.MaxConcurrency || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.runTask(next.sessionID, next.taskID)
	}
}

// queuedOrRunningLocked reports whether the task already waits in the
// queue or has an in-flight worker. The engine re-announces the whole
// ready set after every transition, so duplicates are routine. Caller
// holds mu.
func (p *Pool) queuedOrRunningLocked(taskID string) bool {
	if _, ok := p.running[taskID]; ok {
		return true
	}
	for _, it := range p.queue {
		if it.taskID == taskID {
			return true
		}
	}
	return false
}

// release frees a worker slot and re-runs dispatch. Map entries come
// out only when this worker installed them, so a racing duplicate
// dispatch can never evict the claimed run's bookkeeping.
func (p *Pool) release(taskID string, h *handle) {
	p.mu.Lock()
	p.active--
	if p.running[taskID] == h {
		delete(p.running, taskID)
		delete(p.waiters, taskID)
	}
	p.mu.Unlock()
	p.dispatch()
}

// runTask executes one claimed task end to end. Failures here never
// affect sibling workers.
func (p *Pool) runTask(sessionID, taskID string) {
	defer p.wg.Done()

	workerID := "worker-" + uuid.New().String()[:8]
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The waiter must exist before the claim: the worktree manager
	// reacts to task:running synchronously and may emit
	// worktree:created before MarkTaskRunning returns.
	worktreeReady := make(chan string, 1)
	h := &handle{
		workerID:  workerID,
		sessionID: sessionID,
		taskID:    taskID,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	p.mu.Lock()
	if _, inFlight := p.running[taskID]; inFlight {
		// Duplicate dispatch; the in-flight worker owns the map
		// entries and must keep them.
		p.active--
		p.mu.Unlock()
		p.dispatch()
		return
	}
	p.waiters[taskID] = worktreeReady
	p.running[taskID] = h
	p.mu.Unlock()
	defer p.release(taskID, h)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] task %s panicked: %v", taskID, r)
			if err := p.engine.MarkTaskFailed(sessionID, taskID, fmt.Sprintf("worker panic: %v", r), 1); err != nil {
				log.Printf("[worker] record panic for task %s: %v", taskID, err)
			}
		}
	}()

	claimed, err := p.engine.MarkTaskRunning(sessionID, taskID, workerID)
	if err != nil {
		log.Printf("[worker] claim task %s: %v", taskID, err)
		return
	}
	if !claimed {
		// Another worker got it first.
		return
	}

	var worktreePath string
	select {
	case worktreePath = <-worktreeReady:
	case <-time.After(p.cfg.WorktreeWait):
		p.fail(sessionID, taskID, "worktree was not provisioned in time", 1)
		return
	case <-ctx.Done():
		p.afterCancel(h)
		return
	}

	task, err := p.db.GetTask(sessionID, taskID)
	if err != nil || task == nil {
		p.fail(sessionID, taskID, fmt.Sprintf("load task: %v", err), 1)
		return
	}

	decision, err := p.router.Decide(task)
	if err != nil {
		p.fail(sessionID, taskID, fmt.Sprintf("routing: %v", err), 1)
		return
	}
	ad, err := p.registry.Get(decision.Agent)
	if err != nil {
		p.fail(sessionID, taskID, fmt.Sprintf("adapter: %v", err), 1)
		return
	}
	cmd, err := ad.BuildCommand(task)
	if err != nil {
		p.fail(sessionID, taskID, fmt.Sprintf("build command: %v", err), 1)
		return
	}

	p.events.Emit(bus.Event{
		Kind:      bus.WorkerSpawned,
		SessionID: sessionID,
		TaskID:    taskID,
		WorkerID:  workerID,
		Agent:     decision.Agent,
		Message:   decision.Rationale,
	})
	defer p.events.Emit(bus.Event{
		Kind:      bus.WorkerTerminated,
		SessionID: sessionID,
		TaskID:    taskID,
		WorkerID:  workerID,
	})

	outcome := p.spawner.Run(ctx, exec.Spec{
		Binary:      cmd.Binary,
		Args:        cmd.Args,
		Dir:         worktreePath,
		Env:         cmd.Env,
		Stdin:       cmd.Stdin,
		Timeout:     cmd.Timeout,
		GracePeriod: p.cfg.GracePeriod,
	})
	if outcome.StartErr != nil {
		p.fail(sessionID, taskID, fmt.Sprintf("spawn %s: %v", cmd.Binary, outcome.StartErr), 1)
		return
	}

	result := ad.ParseOutput(outcome.Stdout, outcome.ExitCode)
	tokens := result.Tokens
	if tokens.Total() == 0 {
		tokens.Input = ad.EstimateTokens(task.Prompt)
	}
	costUSD := p.effectiveCost(result, decision, tokens)

	p.recordCost(sessionID, taskID, decision, result, tokens, costUSD)
	p.router.ReportUsage(decision.Agent, tokens.Total())

	// Budget hooks run after the cost entry and before the terminal
	// transition so exceedance can override success.
	taskAction, err := p.enforcer.CheckTaskBudget(sessionID, taskID, 0)
	if err != nil {
		log.Printf("[worker] task budget check for %s: %v", taskID, err)
	}
	sessionAction, err := p.enforcer.CheckSessionBudget(sessionID, 0)
	if err != nil {
		log.Printf("[worker] session budget check for %s: %v", sessionID, err)
	}

	if p.taskCancelled(taskID) {
		p.afterCancel(h)
		return
	}

	if sessionAction == budget.ActionTerminateAll {
		// Latch before this task's own terminal transition so a graph
		// that completes right here is recorded failed, not completed.
		p.engine.BeginTermination()
	}

	switch {
	case taskAction == budget.ActionTerminate:
		if err := p.engine.MarkTaskFailedFinal(sessionID, taskID, "task budget exceeded", 3); err != nil {
			log.Printf("[worker] mark %s budget-failed: %v", taskID, err)
		}
	case outcome.TimedOut:
		p.fail(sessionID, taskID, fmt.Sprintf("timeout: exceeded %s limit", cmd.Timeout), 1)
	case result.Success:
		if err := p.engine.MarkTaskComplete(sessionID, taskID, result.Output, costUSD); err != nil {
			log.Printf("[worker] mark %s complete: %v", taskID, err)
		}
	default:
		p.fail(sessionID, taskID, result.Error, result.ExitCode)
	}

	if sessionAction == budget.ActionTerminateAll {
		p.terminateSession(sessionID)
	}
}

// fail records a task failure, logging rather than propagating engine
// errors so one worker's bookkeeping never breaks another's.
func (p *Pool) fail(sessionID, taskID, errText string, exitCode int) {
	if err := p.engine.MarkTaskFailed(sessionID, taskID, errText, exitCode); err != nil {
		log.Printf("[worker] mark %s failed: %v", taskID, err)
	}
}

// afterCancel finishes a worker whose task was cancelled out from under
// it. The terminal transition already happened in the engine.
func (p *Pool) afterCancel(h *handle) {
	log.Printf("[worker] %s terminated for cancelled task %s", h.workerID, h.taskID)
}

// taskCancelled reports whether a task:cancelled event terminated the
// in-flight worker for this task.
func (p *Pool) taskCancelled(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.running[taskID]
	return h != nil && h.cancelledByEvent
}

// effectiveCost prefers the agent's reported spend, then the routing
// estimate. Subscription runs with no reported cost are free.
func (p *Pool) effectiveCost(result agent.Result, decision *router.Decision, tokens agent.Tokens) float64 {
	if result.ActualCostUSD != nil {
		return *result.ActualCostUSD
	}
	if decision.BillingMode == models.BillingAPI {
		return decision.EstimatedCostUSD
	}
	return 0
}

// recordCost writes the cost entry and session accrual in one
// transaction, before any terminal transition.
func (p *Pool) recordCost(sessionID, taskID string, decision *router.Decision,
	result agent.Result, tokens agent.Tokens, costUSD float64) {
	entry := &models.CostEntry{
		SessionID:        sessionID,
		TaskID:           taskID,
		Agent:            decision.Agent,
		BillingMode:      decision.BillingMode,
		EstimatedCostUSD: decision.EstimatedCostUSD,
		ActualCostUSD:    result.ActualCostUSD,
		InputTokens:      tokens.Input,
		OutputTokens:     tokens.Output,
	}
	err := p.db.Transaction(func(tx *sql.Tx) error {
		if err := state.InsertCostEntryTx(tx, entry); err != nil {
			return err
		}
		return state.AddSessionCostTx(tx, sessionID, costUSD, false)
	})
	if err != nil {
		log.Printf("[worker] record cost for task %s: %v", taskID, err)
	}
}

// terminateSession tears down a budget-exceeded session: in-flight
// workers are cancelled, then the engine cancels the remaining tasks,
// marks the session failed, and completes the graph so the run loop
// can exit.
func (p *Pool) terminateSession(sessionID string) {
	p.mu.Lock()
	var handles []*handle
	for _, h := range p.running {
		if h.sessionID == sessionID {
			h.cancelledByEvent = true
			handles = append(handles, h)
		}
	}
	p.queue = nil
	p.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	if _, err := p.engine.TerminateSession(sessionID); err != nil {
		log.Printf("[worker] terminate session %s: %v", sessionID, err)
	}
}

// Stop terminates all in-flight workers and waits for them to finish.
// Queued tasks are dropped; their rows stay claimable.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.queue = nil
	var handles []*handle
	for _, h := range p.running {
		// Suppress terminal transitions; shutdown requeues still
		// running tasks itself.
		h.cancelledByEvent = true
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	p.wg.Wait()
}
