package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lexcodex/promptloop/framework"
	"github.com/lexcodex/promptloop/tools"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	configDirName = ".promptloop"
)

// BackendConfig selects the chat backend.
type BackendConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url,omitempty"`
	Model    string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the key. Empty means
	// the backend needs no key (local servers).
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// EmbeddingConfig selects the embedding backend used by `promptloop embed`.
type EmbeddingConfig struct {
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// ToolsConfig controls the built-in toolset.
type ToolsConfig struct {
	// Enabled restricts the toolset to the named tools. Empty enables all.
	Enabled     []string            `yaml:"enabled,omitempty"`
	DisableBash bool                `yaml:"disable_bash,omitempty"`
	Bash        tools.CommandPolicy `yaml:"bash,omitempty"`
}

// StoreConfig selects where chat sessions persist.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// Config captures every knob shared by the CLI commands and the API server.
// It is loaded from YAML; ConfigPath is where it came from.
type Config struct {
	Workspace     string `yaml:"workspace,omitempty"`
	ConfigPath    string `yaml:"-"`
	LogPath       string `yaml:"log_path,omitempty"`
	TelemetryPath string `yaml:"telemetry_path,omitempty"`
	ServerAddr    string `yaml:"server_addr,omitempty"`
	Debug         bool   `yaml:"debug,omitempty"`

	Backend    BackendConfig              `yaml:"backend"`
	Embedding  EmbeddingConfig            `yaml:"embedding,omitempty"`
	Generation framework.GenerationConfig `yaml:"generation,omitempty"`
	// MaxAttempts bounds throttled retries per round, MaxRounds bounds
	// tool-calling rounds per generation.
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	MaxRounds   int           `yaml:"max_rounds,omitempty"`
	RetryDelay  time.Duration `yaml:"retry_delay,omitempty"`
	// ClientTTL is how long an idle backend host keeps its HTTP client.
	ClientTTL time.Duration `yaml:"client_ttl,omitempty"`

	Tools ToolsConfig `yaml:"tools,omitempty"`
	Store StoreConfig `yaml:"store,omitempty"`
}

// DefaultConfig infers the workspace from the current working directory.
// Errors from os.Getwd are ignored so callers can override manually. Other
// paths are relative and resolve against the workspace in Normalize.
func DefaultConfig() Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return Config{
		Workspace:  cwd,
		LogPath:    filepath.Join(configDirName, "promptloop.log"),
		ServerAddr: ":8080",
		Backend: BackendConfig{
			Provider:  ProviderOpenAI,
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Embedding: EmbeddingConfig{
			Model:     "BAAI/bge-base-en-v1.5",
			APIKeyEnv: "DEEPINFRA_API_KEY",
		},
		MaxAttempts: framework.DefaultMaxAttempts,
		MaxRounds:   framework.DefaultMaxRounds,
		RetryDelay:  framework.DefaultRetryDelay,
		Store: StoreConfig{
			Driver: "file",
			Path:   filepath.Join(configDirName, "sessions"),
		},
	}
}

// DefaultConfigPath is where a workspace keeps its config file.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, configDirName, "config.yaml")
}

// Normalize makes every filesystem path absolute, fills missing defaults and
// rejects values later stages cannot use.
func (c *Config) Normalize() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace path required")
	}
	absWorkspace, err := filepath.Abs(c.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	c.Workspace = absWorkspace
	c.ConfigPath = c.within(c.ConfigPath, configDirName, "config.yaml")
	c.LogPath = c.within(c.LogPath, configDirName, "promptloop.log")
	if c.TelemetryPath != "" {
		c.TelemetryPath = c.within(c.TelemetryPath)
	}
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}

	switch c.Backend.Provider {
	case "":
		c.Backend.Provider = ProviderOpenAI
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unknown backend provider %q", c.Backend.Provider)
	}
	if c.Backend.Provider == ProviderOpenAI && c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "https://api.openai.com/v1"
	}
	if c.Backend.Model == "" {
		return fmt.Errorf("backend model required")
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = framework.DefaultMaxAttempts
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = framework.DefaultMaxRounds
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = framework.DefaultRetryDelay
	}

	switch c.Store.Driver {
	case "":
		c.Store.Driver = "file"
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Path == "" {
		if c.Store.Driver == "sqlite" {
			c.Store.Path = filepath.Join(configDirName, "sessions.db")
		} else {
			c.Store.Path = filepath.Join(configDirName, "sessions")
		}
	}
	c.Store.Path = c.within(c.Store.Path)
	return nil
}

// within resolves path against the workspace, falling back to the joined
// defaults when path is empty.
func (c *Config) within(path string, defaults ...string) string {
	if path == "" {
		path = filepath.Join(defaults...)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Workspace, path)
	}
	return path
}

// APIKey reads the backend key from the environment.
func (b BackendConfig) APIKey() (string, error) {
	return lookupKey(b.APIKeyEnv)
}

// APIKey reads the embedding key from the environment.
func (e EmbeddingConfig) APIKey() (string, error) {
	return lookupKey(e.APIKeyEnv)
}

func lookupKey(env string) (string, error) {
	if env == "" {
		return "", nil
	}
	key, ok := os.LookupEnv(env)
	if !ok || key == "" {
		return "", fmt.Errorf("environment variable %s is not set", env)
	}
	return key, nil
}

// LoadConfig reads path over DefaultConfig. A missing file yields the
// defaults; the result is not normalized.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	cfg.ConfigPath = path
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig persists cfg to path, creating directories.
func SaveConfig(path string, cfg Config) error {
	if path == "" {
		return fmt.Errorf("config path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
