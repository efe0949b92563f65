package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/substrate-sh/substrate/pkg/models"
)

// InsertSignal appends a session signal. Called by out-of-process CLIs;
// the running orchestrator polls and consumes.
func (db *DB) InsertSignal(sessionID string, kind models.SignalKind) error {
	_, err := db.Exec(`
		INSERT INTO session_signals (session_id, signal, created_at)
		VALUES (?, ?, ?)
	`, sessionID, string(kind), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// ConsumeSignals reads and deletes all pending signals for a session in
// one transaction, returning them oldest first. Writers may insert
// concurrently; rows inserted after the read are picked up on the next
// poll.
func (db *DB) ConsumeSignals(sessionID string) ([]*models.Signal, error) {
	var signals []*models.Signal
	err := db.Transaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id, session_id, signal, created_at FROM session_signals
			WHERE session_id = ? ORDER BY id
		`, sessionID)
		if err != nil {
			return fmt.Errorf("query signals: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var s models.Signal
			var createdAt string
			if err := rows.Scan(&s.ID, &s.SessionID, &s.Kind, &createdAt); err != nil {
				return fmt.Errorf("scan signal: %w", err)
			}
			s.CreatedAt, _ = parseTime(createdAt)
			signals = append(signals, &s)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if len(signals) > 0 {
			last := signals[len(signals)-1].ID
			if _, err := tx.Exec(`
				DELETE FROM session_signals WHERE session_id = ? AND id <= ?
			`, sessionID, last); err != nil {
				return fmt.Errorf("delete consumed signals: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signals, nil
}
