// Package orchestrator assembles the components into a running system:
// store, bus, worktree manager, budget enforcer, router, worker pool,
// and engine, built in dependency order, with crash recovery at
// startup and graceful shutdown on signals.
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/substrate-sh/substrate/internal/agent"
	"github.com/substrate-sh/substrate/internal/budget"
	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/config"
	"github.com/substrate-sh/substrate/internal/engine"
	"github.com/substrate-sh/substrate/internal/router"
	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/internal/worker"
	"github.com/substrate-sh/substrate/internal/worktree"
	"github.com/substrate-sh/substrate/pkg/models"
)

// SignalPollInterval is how often the session-signals table is read.
// Worst-case reaction latency to an external pause/resume/cancel is one
// interval plus one transaction.
const SignalPollInterval = 500 * time.Millisecond

// Orchestrator owns the component graph for one run.
type Orchestrator struct {
	ProjectRoot string
	DB          *state.DB
	Events      *bus.Bus
	Engine      *engine.Engine
	Pool        *worker.Pool
	Router      *router.Router
	Registry    *agent.Registry
	Worktrees   *worktree.Manager
	Enforcer    *budget.Enforcer
	Recovery    *RecoveryManager

	cfg *config.Config

	mu             sync.Mutex
	sessionID      string
	shutdownReason string
	shutdownOnce   sync.Once
	stopPoll       context.CancelFunc
	done           chan struct{}
}

// New builds an uninitialized Orchestrator for a project directory.
func New(projectRoot string, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		ProjectRoot: projectRoot,
		cfg:         cfg,
		done:        make(chan struct{}),
	}
}

// Initialize opens the store, builds every component in dependency
// order, runs crash recovery, wires subscriptions, installs signal
// handlers, and emits orchestrator:ready.
func (o *Orchestrator) Initialize() error {
	o.Events = bus.New()

	db, err := state.OpenProject(o.ProjectRoot)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	o.DB = db

	o.Worktrees = worktree.NewManager(o.ProjectRoot, db, o.Events)
	if err := o.Worktrees.VerifyGitVersion(); err != nil {
		return err
	}

	o.Enforcer = budget.New(db, o.Events, budget.Config{
		DefaultTaskBudgetUSD:    o.cfg.Budget.DefaultTaskUSD,
		DefaultSessionBudgetUSD: o.cfg.Budget.DefaultSessionUSD,
		WarningThresholdPct:     o.cfg.Budget.WarningThresholdPct,
		PlanningCounts:          o.cfg.Budget.PlanningCounts,
	})

	o.Registry = agent.NewRegistry()
	claude := agent.NewClaudeAdapter()
	claude.Timeouts = o.cfg.Timeouts.AsMap()
	if err := o.Registry.Register(claude); err != nil {
		return err
	}
	if health := claude.HealthCheck(); !health.Healthy {
		log.Printf("[orchestrator] claude adapter unhealthy: %s", health.Error)
	}

	o.Router = router.New(o.cfg.RoutingPolicy(), o.Registry)

	o.Engine = engine.New(db, o.Events)
	o.Pool = worker.NewPool(db, o.Events, o.Engine, o.Router, o.Registry, o.Enforcer, nil, worker.Config{
		MaxConcurrency: o.cfg.MaxConcurrency,
		GracePeriod:    o.cfg.GracePeriod,
	})

	o.Recovery = NewRecoveryManager(db, o.Worktrees)
	if err := o.Recovery.Recover(); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	o.Worktrees.Wire()
	o.Pool.Wire()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		o.Shutdown("interrupted")
	}()

	o.Events.Emit(bus.Event{Kind: bus.OrchestratorReady})
	return nil
}

// Run executes the loaded session to completion or shutdown. Returns
// the process exit code for the driver.
func (o *Orchestrator) Run(sessionID string) int {
	o.mu.Lock()
	o.sessionID = sessionID
	o.mu.Unlock()

	complete := make(chan bus.Event, 1)
	o.Events.Subscribe(bus.GraphComplete, func(ev bus.Event) {
		select {
		case complete <- ev:
		default:
		}
	})

	pollCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.stopPoll = cancel
	o.mu.Unlock()
	go o.pollSignals(pollCtx, sessionID)

	if err := o.Engine.StartExecution(sessionID); err != nil {
		log.Printf("[orchestrator] start execution: %v", err)
		return 1
	}

	select {
	case <-complete:
		cancel()
		return o.exitCode(sessionID)
	case <-o.done:
		o.mu.Lock()
		reason := o.shutdownReason
		o.mu.Unlock()
		// A deliberate cancel is a clean exit; an interrupt is not.
		if reason == "cancelled" {
			return 0
		}
		return 130
	}
}

// pollSignals reads and acts on externally inserted session signals.
func (o *Orchestrator) pollSignals(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(SignalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		signals, err := o.DB.ConsumeSignals(sessionID)
		if err != nil {
			log.Printf("[orchestrator] consume signals: %v", err)
			continue
		}
		for _, s := range signals {
			switch s.Kind {
			case models.SignalPause:
				o.Engine.Pause()
				if err := o.DB.UpdateSessionStatus(sessionID, models.SessionPaused); err != nil {
					log.Printf("[orchestrator] mark session paused: %v", err)
				}
			case models.SignalResume:
				if err := o.DB.UpdateSessionStatus(sessionID, models.SessionActive); err != nil {
					log.Printf("[orchestrator] mark session active: %v", err)
				}
				if err := o.Engine.Resume(); err != nil {
					log.Printf("[orchestrator] resume: %v", err)
				}
			case models.SignalCancel:
				if _, err := o.Engine.CancelRemaining(sessionID); err != nil {
					log.Printf("[orchestrator] cancel remaining: %v", err)
				}
				if err := o.DB.UpdateSessionStatus(sessionID, models.SessionCancelled); err != nil {
					log.Printf("[orchestrator] mark session cancelled: %v", err)
				}
				o.Shutdown("cancelled")
				return
			}
		}
	}
}

// exitCode maps the finished session to a driver exit code.
func (o *Orchestrator) exitCode(sessionID string) int {
	counts, err := o.DB.CountTasksByStatus(sessionID)
	if err != nil {
		return 1
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 && counts[models.TaskFailed] == total {
		return 4
	}
	session, err := o.DB.GetSession(sessionID)
	if err != nil || session == nil {
		return 1
	}
	switch session.Status {
	case models.SessionCompleted, models.SessionCancelled:
		return 0
	default:
		// Session-level budget termination: the session cap bound and
		// the enforcer shut the run down.
		if session.BudgetUSD > 0 && session.TotalCostUSD >= session.BudgetUSD {
			return 3
		}
		if counts[models.TaskFailed] > 0 {
			// Distinguish budget terminations from ordinary failures.
			failed := models.TaskFailed
			tasks, err := o.DB.ListTasks(sessionID, &failed)
			if err == nil {
				for _, task := range tasks {
					if task.Error == "task budget exceeded" {
						return 3
					}
				}
			}
		}
		return 1
	}
}

// Shutdown stops the system gracefully: pause dispatch, terminate
// workers, requeue still-running tasks, mark the session interrupted,
// checkpoint the store. Idempotent.
func (o *Orchestrator) Shutdown(reason string) {
	o.shutdownOnce.Do(func() {
		log.Printf("[orchestrator] shutting down: %s", reason)

		o.mu.Lock()
		o.shutdownReason = reason
		sessionID := o.sessionID
		stopPoll := o.stopPoll
		o.mu.Unlock()
		if stopPoll != nil {
			stopPoll()
		}

		o.Engine.Pause()
		o.Pool.Stop()

		if sessionID != "" && reason != "cancelled" {
			if err := o.requeueRunning(sessionID); err != nil {
				log.Printf("[orchestrator] requeue running tasks: %v", err)
			}
			session, err := o.DB.GetSession(sessionID)
			if err == nil && session != nil && !session.Status.IsTerminal() {
				if err := o.DB.UpdateSessionStatus(sessionID, models.SessionInterrupted); err != nil {
					log.Printf("[orchestrator] mark session interrupted: %v", err)
				}
			}
		}

		if err := o.DB.Checkpoint(); err != nil {
			log.Printf("[orchestrator] checkpoint: %v", err)
		}

		o.Events.Emit(bus.Event{Kind: bus.OrchestratorShutdown, Message: reason})
		close(o.done)
	})
}

// requeueRunning returns every running task in the session to pending
// with an incremented retry counter.
func (o *Orchestrator) requeueRunning(sessionID string) error {
	running := models.TaskRunning
	tasks, err := o.DB.ListTasks(sessionID, &running)
	if err != nil {
		return err
	}
	return o.DB.Transaction(func(tx *sql.Tx) error {
		for _, task := range tasks {
			if err := state.RequeueTaskTx(tx, sessionID, task.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the store handle. Call after Shutdown.
func (o *Orchestrator) Close() error {
	if o.DB != nil {
		return o.DB.Close()
	}
	return nil
}
