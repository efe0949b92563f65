// Package config loads orchestrator configuration. It supports XDG
// config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/substrate-sh/substrate/internal/router"
)

// Config holds all orchestrator settings.
type Config struct {
	// MaxConcurrency bounds simultaneous agent child processes.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// GracePeriod separates graceful child termination from SIGKILL.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	Budget   BudgetConfig   `mapstructure:"budget"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

// BudgetConfig holds cost enforcement policy.
type BudgetConfig struct {
	// DefaultTaskUSD caps tasks with no explicit budget; zero means
	// unlimited.
	DefaultTaskUSD float64 `mapstructure:"default_task_usd"`
	// DefaultSessionUSD caps sessions with no explicit budget.
	DefaultSessionUSD float64 `mapstructure:"default_session_usd"`
	// WarningThresholdPct is the percent-of-cap at which warnings fire.
	WarningThresholdPct float64 `mapstructure:"warning_threshold_pct"`
	// PlanningCounts includes planning spend in session budgets.
	PlanningCounts bool `mapstructure:"planning_counts"`
}

// RoutingConfig is the ordered agent candidate list.
type RoutingConfig struct {
	Candidates []RoutingCandidate `mapstructure:"candidates"`
}

// RoutingCandidate configures one agent in the routing order.
type RoutingCandidate struct {
	Agent           string        `mapstructure:"agent"`
	Subscription    bool          `mapstructure:"subscription"`
	API             bool          `mapstructure:"api"`
	RateLimitTokens int64         `mapstructure:"rate_limit_tokens"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// TimeoutsConfig holds per-task-type execution limits.
type TimeoutsConfig struct {
	Coding      time.Duration `mapstructure:"coding"`
	Testing     time.Duration `mapstructure:"testing"`
	Debugging   time.Duration `mapstructure:"debugging"`
	Refactoring time.Duration `mapstructure:"refactoring"`
	Docs        time.Duration `mapstructure:"docs"`
}

// AsMap returns the non-zero timeouts keyed by task type.
func (t TimeoutsConfig) AsMap() map[string]time.Duration {
	m := make(map[string]time.Duration)
	for taskType, d := range map[string]time.Duration{
		"coding":      t.Coding,
		"testing":     t.Testing,
		"debugging":   t.Debugging,
		"refactoring": t.Refactoring,
		"docs":        t.Docs,
	} {
		if d > 0 {
			m[taskType] = d
		}
	}
	return m
}

// RoutingPolicy converts the configured candidates to a router policy.
// An empty candidate list falls back to the default claude policy.
func (c *Config) RoutingPolicy() router.Policy {
	if len(c.Routing.Candidates) == 0 {
		return router.DefaultPolicy()
	}
	policy := router.Policy{}
	for _, rc := range c.Routing.Candidates {
		cand := router.Candidate{
			Agent:        rc.Agent,
			Subscription: rc.Subscription,
			API:          rc.API,
		}
		if rc.RateLimitTokens > 0 && rc.RateLimitWindow > 0 {
			cand.RateLimit = &router.RateLimit{
				Tokens: rc.RateLimitTokens,
				Window: rc.RateLimitWindow,
			}
		}
		policy.Candidates = append(policy.Candidates, cand)
	}
	return policy
}

// Load reads configuration with the usual precedence, highest first:
// SUBSTRATE_ environment variables, the project config
// (.substrate.yaml in the working directory or a parent), the user
// config (~/.config/substrate/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
				return nil, fmt.Errorf("merge project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SUBSTRATE")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath reads configuration from one explicit file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config from %s: %w", path, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxConcurrency: 3,
		GracePeriod:    10 * time.Second,
		Budget: BudgetConfig{
			WarningThresholdPct: 80,
		},
		Timeouts: TimeoutsConfig{
			Coding:      30 * time.Minute,
			Testing:     20 * time.Minute,
			Debugging:   30 * time.Minute,
			Refactoring: 30 * time.Minute,
			Docs:        10 * time.Minute,
		},
	}
}

// Watch reloads the project config when it changes on disk and passes
// the fresh Config to onChange. Returns a stop function. Settings read
// at component construction are not retroactively applied; consumers
// decide what reacts to a reload.
func Watch(onChange func(*Config)) (stop func(), err error) {
	path := findProjectConfig()
	if path == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := Load()
				if err != nil {
					log.Printf("[config] reload failed: %v", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] watcher: %v", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrency", 3)
	v.SetDefault("grace_period", "10s")

	v.SetDefault("budget.default_task_usd", 0.0)
	v.SetDefault("budget.default_session_usd", 0.0)
	v.SetDefault("budget.warning_threshold_pct", 80.0)
	v.SetDefault("budget.planning_counts", false)

	v.SetDefault("timeouts.coding", "30m")
	v.SetDefault("timeouts.testing", "20m")
	v.SetDefault("timeouts.debugging", "30m")
	v.SetDefault("timeouts.refactoring", "30m")
	v.SetDefault("timeouts.docs", "10m")
}

// userConfigDir returns the XDG config directory for substrate.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "substrate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "substrate")
	}
	return filepath.Join(home, ".config", "substrate")
}

// findProjectConfig searches for .substrate.yaml in the working
// directory and its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(cwd, ".substrate.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
