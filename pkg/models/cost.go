package models

import "time"

// BillingMode describes how a dispatch is billed.
type BillingMode string

const (
	BillingSubscription BillingMode = "subscription"
	BillingAPI          BillingMode = "api"
	BillingFree         BillingMode = "free"
)

// CostEntry is an immutable, append-only cost record. ActualCostUSD is
// preferred over EstimatedCostUSD when the adapter reported one.
type CostEntry struct {
	ID               int64       `json:"id"`
	SessionID        string      `json:"session_id"`
	TaskID           string      `json:"task_id,omitempty"`
	Agent            string      `json:"agent"`
	BillingMode      BillingMode `json:"billing_mode"`
	EstimatedCostUSD float64     `json:"estimated_cost_usd"`
	ActualCostUSD    *float64    `json:"actual_cost_usd,omitempty"`
	InputTokens      int64       `json:"input_tokens"`
	OutputTokens     int64       `json:"output_tokens"`
	CreatedAt        time.Time   `json:"created_at"`
}

// EffectiveCostUSD returns the actual cost when present, the estimate
// otherwise.
func (c *CostEntry) EffectiveCostUSD() float64 {
	if c.ActualCostUSD != nil {
		return *c.ActualCostUSD
	}
	return c.EstimatedCostUSD
}

// SignalKind is an out-of-band instruction left for the orchestrator.
type SignalKind string

const (
	SignalPause  SignalKind = "pause"
	SignalResume SignalKind = "resume"
	SignalCancel SignalKind = "cancel"
)

// Signal is a durable row written by out-of-process CLIs and consumed by
// the orchestrator's poll loop.
type Signal struct {
	ID        int64      `json:"id"`
	SessionID string     `json:"session_id"`
	Kind      SignalKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
}

// ExecutionLogEntry is an append-only audit record of an observable
// transition.
type ExecutionLogEntry struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	CostDelta float64   `json:"cost_delta"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
