// Package models defines the core data types shared across Substrate
// components: sessions, tasks, dependency edges, cost entries, signals,
// and execution log records.
package models

import "time"

// SessionStatus represents the status of an orchestration session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionPaused      SessionStatus = "paused"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionCancelled   SessionStatus = "cancelled"
	SessionAbandoned   SessionStatus = "abandoned"
)

// IsTerminal returns true if the session can no longer make progress.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionAbandoned:
		return true
	}
	return false
}

// Session represents a single orchestration run of a task graph.
type Session struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	GraphSource  string        `json:"graph_source"`
	Status       SessionStatus `json:"status"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	// PlanningCostUSD is tracked separately so the budget enforcer can
	// exclude plan-generation spend from the session cap.
	PlanningCostUSD float64   `json:"planning_cost_usd"`
	BudgetUSD       float64   `json:"budget_usd"`
	BaseBranch      string    `json:"base_branch"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultBaseBranch is used when a graph document does not name one.
const DefaultBaseBranch = "main"
