package orchestrator

import (
	"database/sql"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/internal/worktree"
	"github.com/substrate-sh/substrate/pkg/models"
)

// CrashedError is recorded on tasks whose retry budget was exhausted by
// a crash.
const CrashedError = "Process crashed and max retries exceeded"

// RecoveryManager reclaims state left behind by a crashed process.
type RecoveryManager struct {
	db        *state.DB
	worktrees *worktree.Manager
}

// NewRecoveryManager creates a RecoveryManager.
func NewRecoveryManager(db *state.DB, worktrees *worktree.Manager) *RecoveryManager {
	return &RecoveryManager{db: db, worktrees: worktrees}
}

// Recover requeues orphaned running tasks within their retry budget,
// fails the rest, and reclaims orphaned worktrees. Recovery is silent:
// no events are emitted.
func (r *RecoveryManager) Recover() error {
	tasks, err := r.db.ListRunningTasks()
	if err != nil {
		return fmt.Errorf("list orphaned tasks: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return r.db.Transaction(func(tx *sql.Tx) error {
				if task.CanRetry() {
					if err := state.RequeueTaskTx(tx, task.SessionID, task.ID); err != nil {
						return err
					}
					return state.AppendLogTx(tx, &models.ExecutionLogEntry{
						Event:     "recovery:requeue",
						SessionID: task.SessionID,
						TaskID:    task.ID,
						OldStatus: string(models.TaskRunning),
						NewStatus: string(models.TaskPending),
					})
				}
				if err := state.FailTaskTx(tx, task.SessionID, task.ID, CrashedError); err != nil {
					return err
				}
				return state.AppendLogTx(tx, &models.ExecutionLogEntry{
					Event:     "recovery:fail",
					SessionID: task.SessionID,
					TaskID:    task.ID,
					OldStatus: string(models.TaskRunning),
					NewStatus: string(models.TaskFailed),
				})
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if len(tasks) > 0 {
		log.Printf("[recovery] recovered %d orphaned tasks", len(tasks))
	}

	reclaimed, err := r.worktrees.CleanupAllWorktrees()
	if err != nil {
		return fmt.Errorf("reclaim worktrees: %w", err)
	}
	log.Printf("[recovery] reclaimed %d orphaned worktrees", reclaimed)
	return nil
}

// FindInterruptedSession returns the most recent interrupted session,
// used by resume to pick the session to continue.
func (r *RecoveryManager) FindInterruptedSession() (*models.Session, error) {
	return r.db.FindInterruptedSession()
}

// ResumeSession reactivates an interrupted or paused session.
func (r *RecoveryManager) ResumeSession(sessionID string) error {
	session, err := r.db.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	switch session.Status {
	case models.SessionInterrupted, models.SessionPaused:
		return r.db.UpdateSessionStatus(sessionID, models.SessionActive)
	case models.SessionActive:
		return nil
	default:
		return fmt.Errorf("session %s is %s and cannot be resumed", sessionID, session.Status)
	}
}

// ArchiveSession marks a session abandoned. Abandoned sessions stay in
// history and are never re-entered.
func (r *RecoveryManager) ArchiveSession(sessionID string) error {
	return r.db.ArchiveSession(sessionID)
}
