package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/substrate-sh/substrate/pkg/models"
)

// InsertCostEntryTx appends an immutable cost row inside an open
// transaction. Cost entries are written before the task's terminal
// status transition so a reader observing a terminal status always sees
// final cost.
func InsertCostEntryTx(tx *sql.Tx, c *models.CostEntry) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	var taskID any
	if c.TaskID != "" {
		taskID = c.TaskID
	}
	res, err := tx.Exec(`
		INSERT INTO cost_entries (session_id, task_id, agent, billing_mode,
			estimated_cost_usd, actual_cost_usd, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.SessionID, taskID, c.Agent, string(c.BillingMode),
		c.EstimatedCostUSD, c.ActualCostUSD, c.InputTokens, c.OutputTokens,
		formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert cost entry: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// ListCostEntries returns all cost entries for a session, oldest first.
func (db *DB) ListCostEntries(sessionID string) ([]*models.CostEntry, error) {
	rows, err := db.Query(`
		SELECT id, session_id, task_id, agent, billing_mode, estimated_cost_usd,
			actual_cost_usd, input_tokens, output_tokens, created_at
		FROM cost_entries WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.CostEntry
	for rows.Next() {
		var c models.CostEntry
		var taskID sql.NullString
		var actual sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SessionID, &taskID, &c.Agent, &c.BillingMode,
			&c.EstimatedCostUSD, &actual, &c.InputTokens, &c.OutputTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		c.TaskID = taskID.String
		if actual.Valid {
			v := actual.Float64
			c.ActualCostUSD = &v
		}
		c.CreatedAt, _ = parseTime(createdAt)
		entries = append(entries, &c)
	}
	return entries, rows.Err()
}

// SessionCostUSD returns the effective cost accrued by a session:
// actual cost where reported, estimated otherwise.
func (db *DB) SessionCostUSD(sessionID string) (float64, error) {
	row := db.QueryRow(`
		SELECT COALESCE(SUM(COALESCE(actual_cost_usd, estimated_cost_usd)), 0)
		FROM cost_entries WHERE session_id = ?
	`, sessionID)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum session cost: %w", err)
	}
	return total, nil
}

// SessionCostUSDTx is SessionCostUSD inside an open transaction.
func SessionCostUSDTx(tx *sql.Tx, sessionID string) (float64, error) {
	row := tx.QueryRow(`
		SELECT COALESCE(SUM(COALESCE(actual_cost_usd, estimated_cost_usd)), 0)
		FROM cost_entries WHERE session_id = ?
	`, sessionID)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum session cost: %w", err)
	}
	return total, nil
}

// TaskCostUSDTx returns the effective cost accrued by a task, read
// inside an open transaction so budget checks see a consistent total.
func TaskCostUSDTx(tx *sql.Tx, sessionID, taskID string) (float64, error) {
	row := tx.QueryRow(`
		SELECT COALESCE(SUM(COALESCE(actual_cost_usd, estimated_cost_usd)), 0)
		FROM cost_entries WHERE session_id = ? AND task_id = ?
	`, sessionID, taskID)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum task cost: %w", err)
	}
	return total, nil
}
