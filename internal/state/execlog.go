package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/substrate-sh/substrate/pkg/models"
)

// AppendLogTx writes an execution log row inside an open transaction.
// Transitions always log in the same transaction as the state row they
// describe so log timestamps never postdate the row's updated_at.
func AppendLogTx(tx *sql.Tx, e *models.ExecutionLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := tx.Exec(`
		INSERT INTO execution_log (event, session_id, task_id, old_status,
			new_status, agent, cost_delta, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Event, e.SessionID, nullable(e.TaskID), nullable(e.OldStatus),
		nullable(e.NewStatus), nullable(e.Agent), e.CostDelta, nullable(e.Data),
		formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// AppendLog writes an execution log row in its own transaction. Used
// for observations that have no accompanying state change.
func (db *DB) AppendLog(e *models.ExecutionLogEntry) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return AppendLogTx(tx, e)
	})
}

// ListLog returns the execution log for a session, oldest first. When
// taskID is non-empty the log is filtered to that task.
func (db *DB) ListLog(sessionID, taskID string) ([]*models.ExecutionLogEntry, error) {
	query := `
		SELECT id, event, session_id, task_id, old_status, new_status, agent,
			cost_delta, data, created_at
		FROM execution_log WHERE session_id = ?`
	args := []any{sessionID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution log: %w", err)
	}
	defer rows.Close()

	var entries []*models.ExecutionLogEntry
	for rows.Next() {
		var e models.ExecutionLogEntry
		var tID, oldS, newS, agent, data sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Event, &e.SessionID, &tID, &oldS, &newS,
			&agent, &e.CostDelta, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.TaskID = tID.String
		e.OldStatus = oldS.String
		e.NewStatus = newS.String
		e.Agent = agent.String
		e.Data = data.String
		e.CreatedAt, _ = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
