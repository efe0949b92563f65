package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/substrate-sh/substrate/pkg/models"
)

const sessionColumns = `id, name, graph_source, status, total_cost_usd,
	planning_cost_usd, budget_usd, base_branch, created_at, updated_at`

// CreateSession inserts a new session row.
func (db *DB) CreateSession(s *models.Session) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return CreateSessionTx(tx, s)
	})
}

// CreateSessionTx inserts a session row inside an open transaction.
func CreateSessionTx(tx *sql.Tx, s *models.Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.BaseBranch == "" {
		s.BaseBranch = models.DefaultBaseBranch
	}
	_, err := tx.Exec(`
		INSERT INTO sessions (id, name, graph_source, status, total_cost_usd,
			planning_cost_usd, budget_usd, base_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.GraphSource, string(s.Status), s.TotalCostUSD,
		s.PlanningCostUSD, s.BudgetUSD, s.BaseBranch,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.Name, &s.GraphSource, &s.Status, &s.TotalCostUSD,
		&s.PlanningCostUSD, &s.BudgetUSD, &s.BaseBranch, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.CreatedAt, _ = parseTime(createdAt)
	s.UpdatedAt, _ = parseTime(updatedAt)
	return &s, nil
}

// GetSession retrieves a session by ID. Returns nil when not found.
func (db *DB) GetSession(id string) (*models.Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionTx retrieves a session inside a transaction.
func GetSessionTx(tx *sql.Tx, id string) (*models.Session, error) {
	row := tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions ordered newest first, optionally
// filtered by status.
func (db *DB) ListSessions(status *models.SessionStatus) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus transitions a session's status.
func (db *DB) UpdateSessionStatus(id string, status models.SessionStatus) error {
	return db.Transaction(func(tx *sql.Tx) error {
		return UpdateSessionStatusTx(tx, id, status)
	})
}

// UpdateSessionStatusTx transitions a session's status inside an open
// transaction.
func UpdateSessionStatusTx(tx *sql.Tx, id string, status models.SessionStatus) error {
	res, err := tx.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// AddSessionCostTx accrues a cost delta against the session total.
// Planning costs are accrued into the separate planning column.
func AddSessionCostTx(tx *sql.Tx, id string, deltaUSD float64, planning bool) error {
	column := "total_cost_usd"
	if planning {
		column = "planning_cost_usd"
	}
	_, err := tx.Exec(`UPDATE sessions SET `+column+` = `+column+` + ?, updated_at = ? WHERE id = ?`,
		deltaUSD, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("add session cost: %w", err)
	}
	return nil
}

// FindInterruptedSession returns the most recent session in status
// interrupted, or nil when none exists.
func (db *DB) FindInterruptedSession() (*models.Session, error) {
	row := db.QueryRow(`
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = 'interrupted'
		ORDER BY updated_at DESC LIMIT 1
	`)
	return scanSession(row)
}

// ArchiveSession marks a session abandoned. Abandoned sessions are
// retained for history and never re-entered.
func (db *DB) ArchiveSession(id string) error {
	return db.UpdateSessionStatus(id, models.SessionAbandoned)
}

// PurgeAbandonedSessions deletes abandoned sessions older than the
// given duration. Returns the number of sessions deleted.
func (db *DB) PurgeAbandonedSessions(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	result, err := db.Exec(`
		DELETE FROM sessions WHERE status = 'abandoned' AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge abandoned sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
