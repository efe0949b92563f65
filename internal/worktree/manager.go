// Package worktree manages the per-task git worktrees that isolate
// agent executions. Each task gets branch substrate/task-{id} and a
// working directory under {projectRoot}/.substrate-worktrees/{id};
// both are reclaimed on every exit path.
package worktree

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/git"
	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/pkg/models"
)

// WorktreesDirName is the directory under the project root that holds
// all task worktrees.
const WorktreesDirName = ".substrate-worktrees"

// BranchPrefix prefixes every task branch.
const BranchPrefix = "substrate/task-"

// MinGitVersion is the oldest git release the manager will run
// against. `git worktree` gained the subcommands we rely on in 2.17.
const MinGitVersion = "2.17"

// Worktree describes one provisioned task worktree.
type Worktree struct {
	TaskID    string
	Path      string
	Branch    string
	CreatedAt time.Time
}

// BranchName returns the branch for a task id.
func BranchName(taskID string) string {
	return BranchPrefix + taskID
}

// Manager provisions and reclaims task worktrees. It subscribes to
// task lifecycle events: task:running provisions, terminal transitions
// reclaim.
type Manager struct {
	projectRoot string
	db          *state.DB
	events      *bus.Bus
	git         git.Runner

	// mergeMu serializes merge simulation in the shared main working
	// copy; only one merge may run at a time.
	mergeMu sync.Mutex
	// mu guards per-task create/cleanup so a worktree is never created
	// twice without an intervening cleanup.
	mu sync.Mutex
}

// NewManager creates a Manager rooted at the project directory.
func NewManager(projectRoot string, db *state.DB, events *bus.Bus) *Manager {
	return &Manager{
		projectRoot: projectRoot,
		db:          db,
		events:      events,
		git:         git.NewRunner(projectRoot),
	}
}

// NewManagerWithRunner creates a Manager with a custom git runner, for
// tests.
func NewManagerWithRunner(projectRoot string, db *state.DB, events *bus.Bus, runner git.Runner) *Manager {
	return &Manager{projectRoot: projectRoot, db: db, events: events, git: runner}
}

// Wire subscribes the manager to the task lifecycle. task:running
// provisions a worktree for the task (the pool waits for
// worktree:created before spawning); terminal transitions reclaim it.
func (m *Manager) Wire() {
	m.events.Subscribe(bus.TaskRunning, func(ev bus.Event) {
		baseBranch := models.DefaultBaseBranch
		if s, err := m.db.GetSession(ev.SessionID); err == nil && s != nil {
			baseBranch = s.BaseBranch
		}
		if _, err := m.CreateWorktree(ev.SessionID, ev.TaskID, baseBranch); err != nil {
			log.Printf("[worktree] create for task %s failed: %v", ev.TaskID, err)
		}
	})

	reclaim := func(ev bus.Event) {
		m.CleanupWorktree(ev.SessionID, ev.TaskID)
	}
	m.events.Subscribe(bus.TaskComplete, reclaim)
	m.events.Subscribe(bus.TaskFailed, reclaim)
	m.events.Subscribe(bus.TaskCancelled, reclaim)
}

// WorktreesDir returns the directory holding all task worktrees.
func (m *Manager) WorktreesDir() string {
	return filepath.Join(m.projectRoot, WorktreesDirName)
}

// WorktreePath returns the directory for a task id.
func (m *Manager) WorktreePath(taskID string) string {
	return filepath.Join(m.WorktreesDir(), taskID)
}

// VerifyGitVersion fails fast when git is missing or older than
// MinGitVersion.
func (m *Manager) VerifyGitVersion() error {
	version, err := m.git.Version()
	if err != nil {
		return fmt.Errorf("git not usable: %w", err)
	}
	if compareVersions(version, MinGitVersion) < 0 {
		return fmt.Errorf("git %s is too old; %s or newer required", version, MinGitVersion)
	}
	return nil
}

// CreateWorktree creates branch substrate/task-{taskId} off the base
// branch and adds a worktree for it. The task row's worktree fields are
// updated and worktree:created is emitted only after the directory is
// ready.
func (m *Manager) CreateWorktree(sessionID, taskID, baseBranch string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if baseBranch == "" {
		baseBranch = models.DefaultBaseBranch
	}
	branch := BranchName(taskID)
	path := m.WorktreePath(taskID)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("worktree for task %s already exists at %s", taskID, path)
	}

	if err := os.MkdirAll(m.WorktreesDir(), 0755); err != nil {
		return nil, fmt.Errorf("create worktrees directory: %w", err)
	}

	if exists, err := m.git.BranchExists(branch); err == nil && exists {
		// A stale branch from a crashed run; recreate it off the base.
		if err := m.git.DeleteBranch(branch); err != nil {
			return nil, fmt.Errorf("delete stale branch %s: %w", branch, err)
		}
	}
	if err := m.git.CreateBranchFrom(branch, baseBranch); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}
	if err := m.git.WorktreeAdd(path, branch); err != nil {
		_ = m.git.DeleteBranch(branch)
		return nil, fmt.Errorf("add worktree: %w", err)
	}

	err := m.db.Transaction(func(tx *sql.Tx) error {
		return state.SetTaskWorktreeTx(tx, sessionID, taskID, path, branch)
	})
	if err != nil {
		_ = m.git.WorktreeRemove(path)
		_ = m.git.DeleteBranch(branch)
		return nil, fmt.Errorf("record worktree: %w", err)
	}

	wt := &Worktree{TaskID: taskID, Path: path, Branch: branch, CreatedAt: time.Now()}
	m.events.Emit(bus.Event{
		Kind:      bus.WorktreeCreated,
		SessionID: sessionID,
		TaskID:    taskID,
		Message:   path,
	})
	return wt, nil
}

// CleanupWorktree reclaims a task's worktree and branch. Idempotent:
// calling it for a task with no worktree is a no-op. Errors are logged,
// never propagated; cleanup must not block task completion.
func (m *Manager) CleanupWorktree(sessionID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.WorktreePath(taskID)
	branch := BranchName(taskID)

	removed := false
	if _, err := os.Stat(path); err == nil {
		if err := m.git.WorktreeRemove(path); err != nil {
			log.Printf("[worktree] remove %s failed, deleting directly: %v", path, err)
			if err := os.RemoveAll(path); err != nil {
				log.Printf("[worktree] delete %s failed: %v", path, err)
			}
		}
		removed = true
	}

	if exists, err := m.git.BranchExists(branch); err == nil && exists {
		if err := m.git.DeleteBranch(branch); err != nil {
			log.Printf("[worktree] delete branch %s failed: %v", branch, err)
		}
	}

	err := m.db.Transaction(func(tx *sql.Tx) error {
		return state.StampWorktreeCleanedTx(tx, sessionID, taskID)
	})
	if err != nil {
		log.Printf("[worktree] stamp cleanup for task %s failed: %v", taskID, err)
	}

	if removed {
		m.events.Emit(bus.Event{
			Kind:      bus.WorktreeRemoved,
			SessionID: sessionID,
			TaskID:    taskID,
			Message:   path,
		})
	}
}

// CleanupAllWorktrees scans the worktrees directory on startup and
// reclaims every directory whose task is missing or no longer in a
// runnable state. Returns the count reclaimed.
func (m *Manager) CleanupAllWorktrees() (int, error) {
	entries, err := os.ReadDir(m.WorktreesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read worktrees directory: %w", err)
	}

	reclaimed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		path := m.WorktreePath(taskID)

		task, err := m.db.FindTaskByWorktreePath(path)
		if err != nil {
			log.Printf("[worktree] lookup for %s failed: %v", path, err)
			continue
		}
		if task != nil && (task.Status == models.TaskRunning || task.Status == models.TaskReady) {
			continue
		}

		sessionID := ""
		if task != nil {
			sessionID = task.SessionID
		}
		m.CleanupWorktree(sessionID, taskID)
		reclaimed++
	}

	_ = m.git.WorktreePruneExpireNow()
	return reclaimed, nil
}

// DetectConflicts simulates merging the task branch into targetBranch
// in the main working directory and reports conflicting file paths.
// The simulation always aborts, leaving the working copy untouched.
// Only one merge simulation runs at a time.
func (m *Manager) DetectConflicts(sessionID, taskID, targetBranch string) ([]string, error) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	branch := BranchName(taskID)
	conflicts, err := m.simulateMerge(branch, targetBranch)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		m.events.Emit(bus.Event{
			Kind:      bus.WorktreeConflict,
			SessionID: sessionID,
			TaskID:    taskID,
			Files:     conflicts,
			Message:   fmt.Sprintf("merge of %s into %s conflicts", branch, targetBranch),
		})
	}
	return conflicts, nil
}

// simulateMerge runs the merge dry-run. Caller holds mergeMu.
func (m *Manager) simulateMerge(branch, targetBranch string) (conflicts []string, err error) {
	original, err := m.git.CurrentBranch()
	if err != nil {
		return nil, fmt.Errorf("resolve current branch: %w", err)
	}
	if original != targetBranch {
		if err := m.git.CheckoutBranch(targetBranch); err != nil {
			return nil, fmt.Errorf("checkout %s: %w", targetBranch, err)
		}
		defer func() {
			if cerr := m.git.CheckoutBranch(original); cerr != nil {
				log.Printf("[worktree] restore branch %s failed: %v", original, cerr)
			}
		}()
	}

	defer func() {
		_ = m.git.MergeAbort()
	}()

	if _, merr := m.git.Run("merge", "--no-commit", "--no-ff", branch); merr != nil {
		files, ferr := m.git.ConflictedFiles()
		if ferr != nil {
			return nil, fmt.Errorf("collect conflicts: %w", ferr)
		}
		if len(files) == 0 {
			// Merge failed for a reason other than content conflicts.
			return nil, fmt.Errorf("merge simulation: %w", merr)
		}
		return files, nil
	}
	return nil, nil
}

// MergeWorktree merges the task branch into targetBranch with --no-ff
// after a conflict check. Returns the list of files the merge brought
// in. Conflicts are reported, not retried.
func (m *Manager) MergeWorktree(sessionID, taskID, targetBranch string) ([]string, error) {
	conflicts, err := m.DetectConflicts(sessionID, taskID, targetBranch)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, fmt.Errorf("merge of task %s into %s has %d conflicting files", taskID, targetBranch, len(conflicts))
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	branch := BranchName(taskID)
	files, err := m.git.ChangedFilesBetween(targetBranch, branch)
	if err != nil {
		return nil, fmt.Errorf("list merged files: %w", err)
	}

	original, err := m.git.CurrentBranch()
	if err != nil {
		return nil, fmt.Errorf("resolve current branch: %w", err)
	}
	if original != targetBranch {
		if err := m.git.CheckoutBranch(targetBranch); err != nil {
			return nil, fmt.Errorf("checkout %s: %w", targetBranch, err)
		}
		defer func() {
			if cerr := m.git.CheckoutBranch(original); cerr != nil {
				log.Printf("[worktree] restore branch %s failed: %v", original, cerr)
			}
		}()
	}

	if err := m.git.MergeNoFF(branch); err != nil {
		_ = m.git.MergeAbort()
		return nil, fmt.Errorf("merge %s: %w", branch, err)
	}

	m.events.Emit(bus.Event{
		Kind:      bus.WorktreeMerged,
		SessionID: sessionID,
		TaskID:    taskID,
		Files:     files,
	})
	return files, nil
}

// ListWorktrees returns the current worktree directories with their
// inferred creation time (directory mtime).
func (m *Manager) ListWorktrees() ([]*Worktree, error) {
	entries, err := os.ReadDir(m.WorktreesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worktrees directory: %w", err)
	}

	var out []*Worktree
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, &Worktree{
			TaskID:    entry.Name(),
			Path:      m.WorktreePath(entry.Name()),
			Branch:    BranchName(entry.Name()),
			CreatedAt: info.ModTime(),
		})
	}
	return out, nil
}

// compareVersions compares dotted version strings numerically.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimFunc(as[i], func(r rune) bool { return r < '0' || r > '9' }))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
