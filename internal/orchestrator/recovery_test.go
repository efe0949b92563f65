package orchestrator

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/internal/worktree"
	"github.com/substrate-sh/substrate/pkg/models"
)

// nopGit satisfies the git interface without touching a repository.
type nopGit struct{}

func (nopGit) CurrentBranch() (string, error)            { return "main", nil }
func (nopGit) CreateBranchFrom(name, base string) error  { return nil }
func (nopGit) CheckoutBranch(name string) error          { return nil }
func (nopGit) BranchExists(name string) (bool, error)    { return false, nil }
func (nopGit) DeleteBranch(name string) error            { return nil }
func (nopGit) Merge(branch string) error                 { return nil }
func (nopGit) MergeNoFF(branch string) error             { return nil }
func (nopGit) MergeAbort() error                         { return nil }
func (nopGit) ConflictedFiles() ([]string, error)        { return nil, nil }
func (nopGit) ChangedFilesBetween(a, b string) ([]string, error) {
	return nil, nil
}
func (nopGit) WorktreeAdd(path, branch string) error { return nil }
func (nopGit) WorktreeRemove(path string) error      { return nil }
func (nopGit) WorktreeListPorcelain() (string, error) {
	return "", nil
}
func (nopGit) WorktreePruneExpireNow() error { return nil }
func (nopGit) Version() (string, error)      { return "2.39.5", nil }
func (nopGit) Run(args ...string) (string, error) {
	return "", nil
}

func testRecovery(t *testing.T) (*RecoveryManager, *state.DB) {
	t.Helper()
	db, err := state.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	manager := worktree.NewManagerWithRunner(t.TempDir(), db, bus.New(), nopGit{})
	return NewRecoveryManager(db, manager), db
}

func seedRunning(t *testing.T, db *state.DB, sessionID, taskID string, retryCount int) {
	t.Helper()
	err := db.Transaction(func(tx *sql.Tx) error {
		return state.CreateTaskTx(tx, &models.Task{
			SessionID:  sessionID,
			ID:         taskID,
			Name:       taskID,
			Type:       "coding",
			Prompt:     "p",
			Status:     models.TaskRunning,
			WorkerID:   "w-dead",
			RetryCount: retryCount,
			MaxRetries: models.DefaultMaxRetries,
		})
	})
	if err != nil {
		t.Fatalf("seed %s: %v", taskID, err)
	}
}

func TestRecoverRequeuesAndFails(t *testing.T) {
	r, db := testRecovery(t)
	if err := db.CreateSession(&models.Session{ID: "s1", Name: "crashed", Status: models.SessionActive}); err != nil {
		t.Fatalf("session: %v", err)
	}
	seedRunning(t, db, "s1", "retryable", 0)
	seedRunning(t, db, "s1", "exhausted", models.DefaultMaxRetries)

	if err := r.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	retryable, _ := db.GetTask("s1", "retryable")
	if retryable.Status != models.TaskPending || retryable.RetryCount != 1 || retryable.WorkerID != "" {
		t.Errorf("retryable: status=%s retries=%d worker=%q",
			retryable.Status, retryable.RetryCount, retryable.WorkerID)
	}

	exhausted, _ := db.GetTask("s1", "exhausted")
	if exhausted.Status != models.TaskFailed || exhausted.Error != CrashedError {
		t.Errorf("exhausted: status=%s error=%q", exhausted.Status, exhausted.Error)
	}
}

func TestRecoverIsFastForManyTasks(t *testing.T) {
	r, db := testRecovery(t)
	if err := db.CreateSession(&models.Session{ID: "s1", Name: "big", Status: models.SessionActive}); err != nil {
		t.Fatalf("session: %v", err)
	}
	for i := 0; i < 100; i++ {
		seedRunning(t, db, "s1", fmt.Sprintf("t%03d", i), 0)
	}

	start := time.Now()
	if err := r.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("recovery took %v for 100 tasks", elapsed)
	}

	pending := models.TaskPending
	tasks, err := db.ListTasks("s1", &pending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 100 {
		t.Errorf("recovered: %d", len(tasks))
	}
}

func TestFindInterruptedAndResume(t *testing.T) {
	r, db := testRecovery(t)
	if err := db.CreateSession(&models.Session{ID: "s1", Name: "old", Status: models.SessionInterrupted}); err != nil {
		t.Fatalf("session: %v", err)
	}

	found, err := r.FindInterruptedSession()
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != "s1" {
		t.Fatalf("found: %+v", found)
	}

	if err := r.ResumeSession("s1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	s, _ := db.GetSession("s1")
	if s.Status != models.SessionActive {
		t.Errorf("status after resume: %s", s.Status)
	}

	// Completed sessions cannot be resumed.
	if err := db.UpdateSessionStatus("s1", models.SessionCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := r.ResumeSession("s1"); err == nil {
		t.Error("resume of completed session should fail")
	}
}

func TestArchiveSession(t *testing.T) {
	r, db := testRecovery(t)
	if err := db.CreateSession(&models.Session{ID: "s1", Name: "done", Status: models.SessionInterrupted}); err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := r.ArchiveSession("s1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	s, _ := db.GetSession("s1")
	if s.Status != models.SessionAbandoned {
		t.Errorf("status: %s", s.Status)
	}
}
