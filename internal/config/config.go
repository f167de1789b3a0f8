// Package config handles configuration loading and management for stepflow.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by store.driver.
const (
	DriverSQLite    = "sqlite"
	DriverSQLiteCGO = "sqlite3"
	DriverMemory    = "memory"
)

// Config holds all configuration for stepflow.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	TUI        TUIConfig        `mapstructure:"tui"`
	Signals    SignalsConfig    `mapstructure:"signals"`
}

// StoreConfig selects the queue store backend.
type StoreConfig struct {
	// Driver is "sqlite" (pure Go), "sqlite3" (cgo) or "memory".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file. Empty uses the XDG data directory.
	Path string `mapstructure:"path"`
}

// QueueConfig holds workflow queue settings.
type QueueConfig struct {
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	StuckTimeout       time.Duration `mapstructure:"stuck_timeout"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	RetentionDays      int           `mapstructure:"retention_days"`
	ThroughputWindow   time.Duration `mapstructure:"throughput_window"`
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	// DequeueRate caps claims per second across the pool. Zero is unlimited.
	DequeueRate float64 `mapstructure:"dequeue_rate"`
	// Heartbeat is how often level drivers poll the store.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// CheckpointConfig holds checkpoint settings.
type CheckpointConfig struct {
	// CompressThreshold is the context size in bytes above which snapshots
	// are xz-compressed. Negative disables compression.
	CompressThreshold int `mapstructure:"compress_threshold"`
	// RetentionDays bounds how long checkpoints of finished runs are kept.
	RetentionDays int `mapstructure:"retention_days"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Debug  bool   `mapstructure:"debug"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// AnthropicConfig holds Anthropic API settings for agent steps.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// SignalsConfig holds the control-file directory settings.
type SignalsConfig struct {
	// Dir is watched for pause, kill and per-execution control files.
	// Empty uses the XDG state directory.
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (STEPFLOW_<SECTION>_<KEY>, ANTHROPIC_API_KEY)
// 2. Project config (.stepflow.yaml in current directory or parent)
// 3. User config (~/.config/stepflow/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return finish(v)
}

// LoadFromPath loads configuration from a specific file on top of the
// defaults. Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Signals.Dir = expandEnv(cfg.Signals.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv maps STEPFLOW_STORE_PATH to store.path and so on.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "STEPFLOW_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
}

// Validate checks values that would otherwise fail deep inside a command.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverSQLiteCGO, DriverMemory:
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Queue.DefaultMaxAttempts < 1 {
		return fmt.Errorf("queue.default_max_attempts must be at least 1, got %d", c.Queue.DefaultMaxAttempts)
	}
	if c.Queue.RetentionDays < 0 {
		return fmt.Errorf("queue.retention_days must not be negative, got %d", c.Queue.RetentionDays)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Workers.DequeueRate < 0 {
		return fmt.Errorf("workers.dequeue_rate must not be negative")
	}
	switch c.Logging.Format {
	case "human", "json":
	default:
		return fmt.Errorf("logging.format: want human or json, got %q", c.Logging.Format)
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes the configuration to path as YAML.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	for key, value := range cfg.settings() {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// settings flattens cfg into viper keys. Durations are written as strings.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"store.driver":                  c.Store.Driver,
		"store.path":                    c.Store.Path,
		"queue.default_max_attempts":    c.Queue.DefaultMaxAttempts,
		"queue.stuck_timeout":           c.Queue.StuckTimeout.String(),
		"queue.reap_interval":           c.Queue.ReapInterval.String(),
		"queue.retention_days":          c.Queue.RetentionDays,
		"queue.throughput_window":       c.Queue.ThroughputWindow.String(),
		"workers.count":                 c.Workers.Count,
		"workers.poll_interval":         c.Workers.PollInterval.String(),
		"workers.max_backoff":           c.Workers.MaxBackoff.String(),
		"workers.dequeue_rate":          c.Workers.DequeueRate,
		"workers.heartbeat":             c.Workers.Heartbeat.String(),
		"checkpoint.compress_threshold": c.Checkpoint.CompressThreshold,
		"checkpoint.retention_days":     c.Checkpoint.RetentionDays,
		"logging.debug":                 c.Logging.Debug,
		"logging.format":                c.Logging.Format,
		"logging.file":                  c.Logging.File,
		"anthropic.api_key":             c.Anthropic.APIKey,
		"anthropic.model":               c.Anthropic.Model,
		"anthropic.use_bedrock":         c.Anthropic.UseBedrock,
		"anthropic.aws_region":          c.Anthropic.AWSRegion,
		"anthropic.aws_profile":         c.Anthropic.AWSProfile,
		"tui.refresh_rate":              c.TUI.RefreshRate.String(),
		"signals.dir":                   c.Signals.Dir,
	}
}

// Settings returns the effective configuration as flat viper keys, with
// the API key masked.
func (c *Config) Settings() map[string]any {
	s := c.settings()
	s["anthropic.api_key"] = MaskAPIKey(c.Anthropic.APIKey)
	return s
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range d.settings() {
		v.SetDefault(key, value)
	}
}

// getUserConfigDir returns the XDG config directory for stepflow.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stepflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "stepflow")
	}
	return filepath.Join(home, ".config", "stepflow")
}

// DefaultSignalsDir returns the control-file directory under XDG_STATE_HOME.
func DefaultSignalsDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "stepflow", "signals")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".stepflow", "signals")
	}
	return filepath.Join(home, ".local", "state", "stepflow", "signals")
}

// findProjectConfig searches for .stepflow.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".stepflow.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: DriverSQLite},
		Queue: QueueConfig{
			DefaultMaxAttempts: 3,
			StuckTimeout:       10 * time.Minute,
			ReapInterval:       time.Minute,
			RetentionDays:      7,
			ThroughputWindow:   time.Minute,
		},
		Workers: WorkersConfig{
			Count:        4,
			PollInterval: 100 * time.Millisecond,
			MaxBackoff:   2 * time.Second,
			Heartbeat:    250 * time.Millisecond,
		},
		Checkpoint: CheckpointConfig{
			CompressThreshold: 64 << 10,
			RetentionDays:     30,
		},
		Logging: LoggingConfig{Format: "human"},
		TUI:     TUIConfig{RefreshRate: 500 * time.Millisecond},
	}
}
