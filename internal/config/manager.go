package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the user's persistent configuration preferences.
type Config struct {
	LLMProvider     string `json:"llm_provider,omitempty"` // openai, anthropic, kimi, etc.
	APIKey          string `json:"api_key,omitempty"`      // API key for the selected provider
	Model           string `json:"model,omitempty"`        // default model name
	BaseURL         string `json:"base_url,omitempty"`     // optional override for API base URL
	DataDir         string `json:"data_dir,omitempty"`     // where conversation snapshots live
	MaxTokens       int    `json:"max_tokens,omitempty"`   // context window budget
	MaxMessages     int    `json:"max_messages,omitempty"` // message count cap
	SummaryStrategy string `json:"summary_strategy,omitempty"`
	AutoBranch      bool   `json:"auto_branch"` // fork automatically on topic shifts
	RedisAddr       string `json:"redis_addr,omitempty"`
	StorageLimit    int64  `json:"storage_limit,omitempty"` // bytes; 0 means unlimited
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a new configuration manager.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{
		configDir: filepath.Join(configDir, "convoctx"),
	}, nil
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration from disk.
// If the file does not exist, it returns an empty Config and no error.
func (m *Manager) Load() (*Config, error) {
	path := m.GetConfigPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// API key lives in here; owner-only.
	if err := os.WriteFile(m.GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}

// DefaultDataDir returns the default snapshot directory under the user's
// config dir.
func (m *Manager) DefaultDataDir() string {
	return filepath.Join(m.configDir, "contexts")
}
