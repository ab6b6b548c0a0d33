package config

import (
	"sync"
	"time"

	"github.com/mojo117/orchestra/internal/scheduler"
)

// Config is the root configuration for the Orchestra Turn Engine CLI.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Sessions  SessionsConfig  `json:"sessions"`
	Cron      CronConfig      `json:"cron,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig contains the default model/provider settings every agent
// role (CHAPO/DEVO/CAIO/SCOUT) inherits.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are the default settings applied to every agent role.
type AgentDefaults struct {
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	ContextWindow       int     `json:"context_window"`
}

// CronConfig holds the retry settings passed to scheduler.New. The scheduler
// stores them but does not read them: its failure handling always retries
// once after 60s and auto-disables a job at 3 consecutive failures.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`      // max retry attempts on failure (default 3; 0 keeps the default)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff delay (default "60s", Go duration)
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // maximum backoff delay (default "60s", Go duration)
}

// ToRetryConfig converts CronConfig to scheduler.RetryConfig with defaults applied.
func (cc CronConfig) ToRetryConfig() scheduler.RetryConfig {
	cfg := scheduler.DefaultRetryConfig()
	if cc.MaxRetries > 0 {
		cfg.MaxRetries = cc.MaxRetries
	}
	if cc.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
			cfg.BaseDelay = d
		}
	}
	if cc.RetryMaxDelay != "" {
		if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
			cfg.MaxDelay = d
		}
	}
	return cfg
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Providers = src.Providers
	c.Sessions = src.Sessions
	c.Cron = src.Cron
}
