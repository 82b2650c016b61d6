// Package config loads and persists homepilot configuration. Values come
// from defaults, then the YAML config file, then environment variables,
// later sources winning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full homepilot configuration.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Host      HostConfig      `yaml:"host"`
	DataDir   string          `yaml:"data_dir"`
	Backup    BackupConfig    `yaml:"backup"`
	Changeset ChangesetConfig `yaml:"changeset"`
	Agent     AgentConfig     `yaml:"agent"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProviderConfig selects the model endpoint. Any OpenAI-compatible chat
// completions API works.
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
}

// HostConfig points at the managed host. ConfigRoot is the directory all
// proposed file changes must stay inside. BaseURL/WebsocketURL/Token are
// only needed when talking to a live host rather than a bare directory.
type HostConfig struct {
	ConfigRoot   string `yaml:"config_root"`
	BaseURL      string `yaml:"base_url"`
	WebsocketURL string `yaml:"websocket_url"`
	Token        string `yaml:"token"`
	ReloadHook   string `yaml:"reload_hook"`
}

// BackupConfig controls snapshot rotation.
type BackupConfig struct {
	Keep int `yaml:"keep"`
}

// ChangesetConfig controls proposal lifecycle.
type ChangesetConfig struct {
	ProposalTTLHours int `yaml:"proposal_ttl_hours"`
}

// AgentConfig bounds the conversation loop.
type AgentConfig struct {
	MaxToolRounds      int `yaml:"max_tool_rounds"`
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures the zap root logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Provider: ProviderConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
			MaxRetries:     3,
			MaxConcurrent:  4,
		},
		Host: HostConfig{
			ConfigRoot: "/config",
		},
		DataDir: filepath.Join(home, ".homepilot"),
		Backup: BackupConfig{
			Keep: 5,
		},
		Changeset: ChangesetConfig{
			ProposalTTLHours: 24,
		},
		Agent: AgentConfig{
			MaxToolRounds:      8,
			ToolTimeoutSeconds: 60,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8099",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".homepilot", "config.yaml")
}

// Load reads configuration from path. A missing file is not an error; the
// defaults plus environment overrides are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HOMEPILOT_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("HOMEPILOT_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("HOMEPILOT_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("HOMEPILOT_HOST_TOKEN"); v != "" {
		c.Host.Token = v
	}
	if v := os.Getenv("HOMEPILOT_CONFIG_ROOT"); v != "" {
		c.Host.ConfigRoot = v
	}
	if v := os.Getenv("HOMEPILOT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// ProviderTimeout returns the provider request timeout.
func (c *Config) ProviderTimeout() time.Duration {
	if c.Provider.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-tool-call timeout.
func (c *Config) ToolTimeout() time.Duration {
	if c.Agent.ToolTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Agent.ToolTimeoutSeconds) * time.Second
}

// ProposalTTL returns how long a proposed changeset may sit undecided.
func (c *Config) ProposalTTL() time.Duration {
	if c.Changeset.ProposalTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Changeset.ProposalTTLHours) * time.Hour
}

// DatabasePath returns the sqlite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "homepilot.db")
}
