// Package config provides configuration management for keldris-scheduler.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Log formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// DefaultConfigDir returns the default config directory (~/.keldris).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".keldris"), nil
}

// DefaultConfigPath returns the default config file path (~/.keldris/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Config holds the scheduler's configuration.
type Config struct {
	// ConfigDir holds repositories.json, jobs.json and history.db.
	ConfigDir    string `yaml:"config_dir,omitempty"`
	ResticBinary string `yaml:"restic_binary,omitempty"`
	LogLevel     string `yaml:"log_level,omitempty"`
	LogFormat    string `yaml:"log_format,omitempty"`
	// ListenAddr enables the admin HTTP server when set.
	ListenAddr      string        `yaml:"listen_addr,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
	// HistoryRetention of zero keeps history forever.
	HistoryRetention time.Duration `yaml:"history_retention,omitempty"`
	WatchConfig      bool          `yaml:"watch_config"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		ResticBinary:    "restic",
		LogLevel:        "info",
		LogFormat:       LogFormatConsole,
		ShutdownTimeout: 5 * time.Minute,
		WatchConfig:     true,
	}
	if dir, err := DefaultConfigDir(); err == nil {
		cfg.ConfigDir = dir
	}
	return cfg
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.ConfigDir == "" {
		return errors.New("config_dir is required")
	}
	if c.ResticBinary == "" {
		return errors.New("restic_binary is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log_format %q (expected console or json)", c.LogFormat)
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	if c.HistoryRetention < 0 {
		return errors.New("history_retention must not be negative")
	}
	return nil
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

// Load reads the configuration from the given path on top of the defaults.
// If the file does not exist, the defaults are returned. Environment
// overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (user-only read/write)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
