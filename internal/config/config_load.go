package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.orchestra/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5-20250929",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				ContextWindow:       200000,
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.orchestra/sessions",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: it falls back to Default() plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("ORCHESTRA_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("ORCHESTRA_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("ORCHESTRA_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("ORCHESTRA_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("ORCHESTRA_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("ORCHESTRA_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("ORCHESTRA_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("ORCHESTRA_MISTRAL_API_KEY", &c.Providers.Mistral.APIKey)
	envStr("ORCHESTRA_XAI_API_KEY", &c.Providers.XAI.APIKey)
	envStr("ORCHESTRA_MINIMAX_API_KEY", &c.Providers.MiniMax.APIKey)
	envStr("ORCHESTRA_COHERE_API_KEY", &c.Providers.Cohere.APIKey)
	envStr("ORCHESTRA_PERPLEXITY_API_KEY", &c.Providers.Perplexity.APIKey)

	envStr("ORCHESTRA_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("ORCHESTRA_MODEL", &c.Agents.Defaults.Model)
	envStr("ORCHESTRA_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("ORCHESTRA_SESSIONS_STORAGE", &c.Sessions.Storage)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
