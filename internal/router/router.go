// Package router selects which agent executes which task. Routing is
// subscription-first with API fallback across an ordered candidate
// list; per-provider rate-limit windows gate subscription use.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/substrate-sh/substrate/internal/agent"
	"github.com/substrate-sh/substrate/pkg/models"
)

// ErrUnavailable indicates no candidate could serve the task.
var ErrUnavailable = errors.New("no agent available for task")

// RateLimit describes a provider's sliding subscription window.
type RateLimit struct {
	// Tokens is the maximum tokens spendable within Window.
	Tokens int64
	// Window is the sliding window duration.
	Window time.Duration
}

// Candidate is one entry in the ordered routing policy.
type Candidate struct {
	Agent        string
	Subscription bool
	API          bool
	RateLimit    *RateLimit
}

// Policy is the ordered candidate list consulted for every dispatch.
type Policy struct {
	Candidates []Candidate
}

// DefaultPolicy routes everything to claude, subscription first.
func DefaultPolicy() Policy {
	return Policy{Candidates: []Candidate{
		{Agent: "claude", Subscription: true, API: true},
	}}
}

// Decision is the outcome of routing one task. Durable only via the
// execution log; the router persists nothing itself.
type Decision struct {
	Agent            string
	BillingMode      models.BillingMode
	Model            string
	EstimatedCostUSD float64
	// Chain lists the candidates actually tried, in order.
	Chain     []string
	Rationale string
}

// usage is one spend observation inside a provider window.
type usage struct {
	at     time.Time
	tokens int64
}

// Router chooses agents for tasks. Stateless apart from the in-memory
// rate-limit windows, which reset on daemon restart.
type Router struct {
	policy   Policy
	registry *agent.Registry

	mu      sync.Mutex
	windows map[string][]usage

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Router over a policy and an adapter registry.
func New(policy Policy, registry *agent.Registry) *Router {
	return &Router{
		policy:   policy,
		registry: registry,
		windows:  make(map[string][]usage),
		now:      time.Now,
	}
}

// Decide routes a task. For each candidate in order: skip when the task
// pins a different agent; pick subscription when enabled and under the
// window; fall back to api when enabled; otherwise continue. Returns
// ErrUnavailable when no candidate matches.
func (r *Router) Decide(task *models.Task) (*Decision, error) {
	var chain []string

	for _, c := range r.policy.Candidates {
		if task.Agent != "" && task.Agent != c.Agent {
			continue
		}
		chain = append(chain, c.Agent)

		ad, err := r.registry.Get(c.Agent)
		if err != nil {
			continue
		}

		estTokens := ad.EstimateTokens(task.Prompt)

		if c.Subscription && r.underLimit(c, estTokens) {
			return &Decision{
				Agent:       c.Agent,
				BillingMode: models.BillingSubscription,
				Model:       task.Model,
				Chain:       chain,
				Rationale:   fmt.Sprintf("%s subscription under rate limit", c.Agent),
			}, nil
		}

		if c.API {
			rationale := fmt.Sprintf("%s api", c.Agent)
			if c.Subscription {
				rationale = fmt.Sprintf("%s subscription window exhausted, falling back to api", c.Agent)
			}
			return &Decision{
				Agent:            c.Agent,
				BillingMode:      models.BillingAPI,
				Model:            task.Model,
				EstimatedCostUSD: estimateCostUSD(estTokens),
				Chain:            chain,
				Rationale:        rationale,
			}, nil
		}
	}

	if len(chain) == 0 && task.Agent != "" {
		return nil, fmt.Errorf("%w: task pins agent %q which is not in the routing policy",
			ErrUnavailable, task.Agent)
	}
	return nil, fmt.Errorf("%w: tried [%s]", ErrUnavailable, strings.Join(chain, ", "))
}

// ReportUsage advances a provider's sliding window after a task
// completes. The worker pool reports actual tokens here.
func (r *Router) ReportUsage(agentID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[agentID] = append(r.windows[agentID], usage{at: r.now(), tokens: tokens})
}

// WindowTokens returns the tokens currently inside a provider's window.
func (r *Router) WindowTokens(agentID string, window time.Duration) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneAndSum(agentID, window)
}

func (r *Router) underLimit(c Candidate, estTokens int64) bool {
	if c.RateLimit == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	used := r.pruneAndSum(c.Agent, c.RateLimit.Window)
	return used+estTokens <= c.RateLimit.Tokens
}

// pruneAndSum drops observations older than the window and sums the
// rest. Caller holds the lock.
func (r *Router) pruneAndSum(agentID string, window time.Duration) int64 {
	cutoff := r.now().Add(-window)
	kept := r.windows[agentID][:0]
	var sum int64
	for _, u := range r.windows[agentID] {
		if u.at.After(cutoff) {
			kept = append(kept, u)
			sum += u.tokens
		}
	}
	r.windows[agentID] = kept
	return sum
}

// Rough blended per-token price used only for pre-run estimates; the
// adapter's reported cost replaces it after the run.
const estimatedUSDPerToken = 9.0 / 1_000_000

func estimateCostUSD(tokens int64) float64 {
	return float64(tokens) * estimatedUSDPerToken
}
