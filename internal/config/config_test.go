package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.MaxConcurrency != 3 {
		t.Errorf("max_concurrency: %d", cfg.MaxConcurrency)
	}
	if cfg.GracePeriod != 10*time.Second {
		t.Errorf("grace_period: %v", cfg.GracePeriod)
	}
	if cfg.Budget.WarningThresholdPct != 80 {
		t.Errorf("warning threshold: %v", cfg.Budget.WarningThresholdPct)
	}
	if cfg.Budget.PlanningCounts {
		t.Error("planning spend must be isolated by default")
	}
	if cfg.Timeouts.Coding != 30*time.Minute || cfg.Timeouts.Docs != 10*time.Minute {
		t.Errorf("timeouts: %+v", cfg.Timeouts)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
max_concurrency: 5
grace_period: 30s
budget:
  default_session_usd: 25.0
  warning_threshold_pct: 90
routing:
  candidates:
    - agent: claude
      subscription: true
      api: true
      rate_limit_tokens: 100000
      rate_limit_window: 1h
timeouts:
  coding: 45m
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxConcurrency != 5 {
		t.Errorf("max_concurrency: %d", cfg.MaxConcurrency)
	}
	if cfg.GracePeriod != 30*time.Second {
		t.Errorf("grace_period: %v", cfg.GracePeriod)
	}
	if cfg.Budget.DefaultSessionUSD != 25.0 {
		t.Errorf("session cap: %v", cfg.Budget.DefaultSessionUSD)
	}
	if cfg.Budget.WarningThresholdPct != 90 {
		t.Errorf("threshold: %v", cfg.Budget.WarningThresholdPct)
	}
	if cfg.Timeouts.Coding != 45*time.Minute {
		t.Errorf("coding timeout: %v", cfg.Timeouts.Coding)
	}
	// Unset values keep their defaults.
	if cfg.Timeouts.Docs != 10*time.Minute {
		t.Errorf("docs timeout default lost: %v", cfg.Timeouts.Docs)
	}

	policy := cfg.RoutingPolicy()
	if len(policy.Candidates) != 1 {
		t.Fatalf("candidates: %d", len(policy.Candidates))
	}
	c := policy.Candidates[0]
	if c.Agent != "claude" || !c.Subscription || !c.API {
		t.Errorf("candidate: %+v", c)
	}
	if c.RateLimit == nil || c.RateLimit.Tokens != 100000 || c.RateLimit.Window != time.Hour {
		t.Errorf("rate limit: %+v", c.RateLimit)
	}
}

func TestRoutingPolicyFallsBackToDefault(t *testing.T) {
	cfg := Default()
	policy := cfg.RoutingPolicy()
	if len(policy.Candidates) != 1 || policy.Candidates[0].Agent != "claude" {
		t.Errorf("default policy: %+v", policy)
	}
}

func TestTimeoutsAsMap(t *testing.T) {
	m := Default().Timeouts.AsMap()
	if m["coding"] != 30*time.Minute {
		t.Errorf("coding: %v", m["coding"])
	}
	if len(m) != 5 {
		t.Errorf("entries: %d", len(m))
	}
}
