package router

import (
	"errors"
	"testing"
	"time"

	"github.com/substrate-sh/substrate/internal/agent"
	"github.com/substrate-sh/substrate/pkg/models"
)

func testRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	r := agent.NewRegistry()
	if err := r.Register(agent.NewClaudeAdapter()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestDecideSubscriptionFirst(t *testing.T) {
	r := New(DefaultPolicy(), testRegistry(t))

	d, err := r.Decide(&models.Task{ID: "t1", Prompt: "do it"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Agent != "claude" || d.BillingMode != models.BillingSubscription {
		t.Errorf("unexpected decision: %+v", d)
	}
	if len(d.Chain) != 1 || d.Chain[0] != "claude" {
		t.Errorf("chain: %v", d.Chain)
	}
}

func TestDecideFallsBackToAPIWhenWindowExhausted(t *testing.T) {
	policy := Policy{Candidates: []Candidate{
		{Agent: "claude", Subscription: true, API: true,
			RateLimit: &RateLimit{Tokens: 100, Window: time.Hour}},
	}}
	r := New(policy, testRegistry(t))
	r.ReportUsage("claude", 100)

	d, err := r.Decide(&models.Task{ID: "t1", Prompt: "do it"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.BillingMode != models.BillingAPI {
		t.Errorf("expected api fallback, got %s", d.BillingMode)
	}
	if d.EstimatedCostUSD <= 0 {
		t.Error("api decisions should carry a cost estimate")
	}
}

func TestDecideHonorsAgentPin(t *testing.T) {
	policy := Policy{Candidates: []Candidate{
		{Agent: "other", Subscription: true, API: true},
		{Agent: "claude", Subscription: true, API: true},
	}}
	r := New(policy, testRegistry(t))

	d, err := r.Decide(&models.Task{ID: "t1", Prompt: "p", Agent: "claude"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Agent != "claude" {
		t.Errorf("pin ignored: %+v", d)
	}
}

func TestDecideUnavailable(t *testing.T) {
	policy := Policy{Candidates: []Candidate{
		{Agent: "claude", Subscription: false, API: false},
	}}
	r := New(policy, testRegistry(t))

	_, err := r.Decide(&models.Task{ID: "t1", Prompt: "p"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestDecideUnavailableForUnknownPin(t *testing.T) {
	r := New(DefaultPolicy(), testRegistry(t))

	_, err := r.Decide(&models.Task{ID: "t1", Prompt: "p", Agent: "ghost"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestWindowSlides(t *testing.T) {
	r := New(DefaultPolicy(), testRegistry(t))
	current := time.Now()
	r.now = func() time.Time { return current }

	r.ReportUsage("claude", 60)
	current = current.Add(30 * time.Minute)
	r.ReportUsage("claude", 40)

	if got := r.WindowTokens("claude", time.Hour); got != 100 {
		t.Errorf("expected 100 in window, got %d", got)
	}

	// Advance so the first observation ages out.
	current = current.Add(45 * time.Minute)
	if got := r.WindowTokens("claude", time.Hour); got != 40 {
		t.Errorf("expected 40 after slide, got %d", got)
	}
}
