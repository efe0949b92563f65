package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/substrate-sh/substrate/pkg/models"
)

const taskColumns = `id, session_id, name, prompt, type, status, agent, model,
	budget_usd, retry_count, max_retries, cost_usd, worker_id, worktree_path,
	branch, output, error, worktree_cleaned_at, created_at, updated_at`

// CreateTaskTx inserts a task row inside an open transaction. Tasks are
// always created alongside their session and edges, so there is no
// non-transactional variant.
func CreateTaskTx(tx *sql.Tx, t *models.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := tx.Exec(`
		INSERT INTO tasks (id, session_id, name, prompt, type, status, agent,
			model, budget_usd, retry_count, max_retries, cost_usd, worker_id,
			worktree_path, branch, output, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, t.Name, t.Prompt, t.Type, string(t.Status),
		nullable(t.Agent), nullable(t.Model), t.BudgetUSD, t.RetryCount,
		t.MaxRetries, t.CostUSD, nullable(t.WorkerID), nullable(t.WorktreePath),
		nullable(t.Branch), nullable(t.Output), nullable(t.Error),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// CreateDependencyTx inserts a dependency edge inside an open
// transaction.
func CreateDependencyTx(tx *sql.Tx, d *models.Dependency) error {
	_, err := tx.Exec(`
		INSERT INTO task_dependencies (session_id, task_id, depends_on)
		VALUES (?, ?, ?)
	`, d.SessionID, d.TaskID, d.DependsOn)
	if err != nil {
		return fmt.Errorf("create dependency %s -> %s: %w", d.TaskID, d.DependsOn, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var agent, model, workerID, worktreePath, branch, output, errText sql.NullString
	var cleanedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.SessionID, &t.Name, &t.Prompt, &t.Type, &t.Status,
		&agent, &model, &t.BudgetUSD, &t.RetryCount, &t.MaxRetries, &t.CostUSD,
		&workerID, &worktreePath, &branch, &output, &errText, &cleanedAt,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Agent = agent.String
	t.Model = model.String
	t.WorkerID = workerID.String
	t.WorktreePath = worktreePath.String
	t.Branch = branch.String
	t.Output = output.String
	t.Error = errText.String
	t.WorktreeCleanedAt = parseNullableTime(cleanedAt)
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	return &t, nil
}

// GetTask retrieves a task by session and id. Returns nil when not
// found. DependsOn is populated from the edge table.
func (db *DB) GetTask(sessionID, taskID string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND id = ?`,
		sessionID, taskID)
	t, err := scanTask(row)
	if err != nil || t == nil {
		return t, err
	}
	deps, err := db.taskDependencies(sessionID, taskID)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

// GetTaskTx retrieves a task inside an open transaction, without edges.
func GetTaskTx(tx *sql.Tx, sessionID, taskID string) (*models.Task, error) {
	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND id = ?`,
		sessionID, taskID)
	return scanTask(row)
}

func (db *DB) taskDependencies(sessionID, taskID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT depends_on FROM task_dependencies
		WHERE session_id = ? AND task_id = ? ORDER BY depends_on
	`, sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("get dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// DependencyEdges returns the session's full edge map: task id to the
// ids it depends on. Tasks with no dependencies get an entry with a nil
// slice.
func (db *DB) DependencyEdges(sessionID string) (map[string][]string, error) {
	edges := make(map[string][]string)

	rows, err := db.Query(`SELECT id FROM tasks WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		edges[id] = nil
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depRows, err := db.Query(`
		SELECT task_id, depends_on FROM task_dependencies
		WHERE session_id = ? ORDER BY task_id, depends_on
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var taskID, dep string
		if err := depRows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges[taskID] = append(edges[taskID], dep)
	}
	return edges, depRows.Err()
}

// ListTasks returns all tasks in a session, optionally filtered by
// status, ordered by creation.
func (db *DB) ListTasks(sessionID string, status *models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ?`
	args := []any{sessionID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListRunningTasks returns every task in status running across all
// sessions. Used by crash recovery.
func (db *DB) ListRunningTasks() ([]*models.Task, error) {
	rows, err := db.Query(`SELECT ` + taskColumns + ` FROM tasks WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ReadyTaskIDs returns the ids of tasks in the session whose
// dependencies are all completed and which have not started.
func (db *DB) ReadyTaskIDs(sessionID string) ([]string, error) {
	rows, err := db.Query(`SELECT id FROM ready_tasks WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ready task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindTaskByWorktreePath returns the task assigned the given worktree
// path, or nil. Used by startup reclamation to cross-reference
// directories on disk with the task table.
func (db *DB) FindTaskByWorktreePath(path string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE worktree_path = ?`, path)
	return scanTask(row)
}

// UpdateTaskStatusTx writes a status transition inside an open
// transaction. Fields beyond status that accompany specific
// transitions are handled by the dedicated helpers below.
func UpdateTaskStatusTx(tx *sql.Tx, sessionID, taskID string, status models.TaskStatus) error {
	res, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		string(status), formatTime(time.Now()), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s not found", taskID)
	}
	return nil
}

// ClaimTaskTx atomically claims a ready task for a worker: a
// compare-and-set of pending|ready -> running that also records the
// worker id. Returns false when the task was already claimed or is no
// longer claimable.
func ClaimTaskTx(tx *sql.Tx, sessionID, taskID, workerID string) (bool, error) {
	res, err := tx.Exec(`
		UPDATE tasks SET status = 'running', worker_id = ?, updated_at = ?
		WHERE session_id = ? AND id = ? AND status IN ('pending', 'ready')
	`, workerID, formatTime(time.Now()), sessionID, taskID)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteTaskTx records a successful terminal transition with captured
// output and accrued cost.
func CompleteTaskTx(tx *sql.Tx, sessionID, taskID, output string, costUSD float64) error {
	_, err := tx.Exec(`
		UPDATE tasks SET status = 'completed', output = ?, cost_usd = cost_usd + ?,
			worker_id = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?
	`, output, costUSD, formatTime(time.Now()), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// FailTaskTx records a failed terminal transition with the captured
// error text.
func FailTaskTx(tx *sql.Tx, sessionID, taskID, errText string) error {
	_, err := tx.Exec(`
		UPDATE tasks SET status = 'failed', error = ?, worker_id = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?
	`, errText, formatTime(time.Now()), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// RequeueTaskTx returns a running task to pending with an incremented
// retry counter and a cleared worker id. Used by the retry path,
// graceful shutdown, and crash recovery.
func RequeueTaskTx(tx *sql.Tx, sessionID, taskID string) error {
	_, err := tx.Exec(`
		UPDATE tasks SET status = 'pending', retry_count = retry_count + 1,
			worker_id = NULL, updated_at = ?
		WHERE session_id = ? AND id = ?
	`, formatTime(time.Now()), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// SetTaskWorktreeTx records the worktree path and branch assigned to a
// task. Owned by the worktree manager.
func SetTaskWorktreeTx(tx *sql.Tx, sessionID, taskID, path, branch string) error {
	_, err := tx.Exec(`
		UPDATE tasks SET worktree_path = ?, branch = ?, updated_at = ?
		WHERE session_id = ? AND id = ?
	`, path, branch, formatTime(time.Now()), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("set task worktree: %w", err)
	}
	return nil
}

// StampWorktreeCleanedTx records that a task's worktree has been
// reclaimed.
func StampWorktreeCleanedTx(tx *sql.Tx, sessionID, taskID string) error {
	_, err := tx.Exec(`
		UPDATE tasks SET worktree_cleaned_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ?
	`, formatTime(time.Now()), formatTime(time.Now()), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("stamp worktree cleaned: %w", err)
	}
	return nil
}

// CountTasksByStatus returns a status -> count map for a session.
func (db *DB) CountTasksByStatus(sessionID string) (map[models.TaskStatus]int, error) {
	rows, err := db.Query(`
		SELECT status, COUNT(*) FROM tasks WHERE session_id = ? GROUP BY status
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
