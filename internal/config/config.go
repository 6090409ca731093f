// Package config loads daemon configuration from a JSON file with
// environment-variable overrides. A missing file is replaced with
// written defaults so a fresh install is self-documenting.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/zhubert/ensemble/internal/errors"
)

// Config holds all daemon settings.
type Config struct {
	DataDir    string `json:"data_dir"`
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`
	LogFile    string `json:"log_file"`

	Claude struct {
		Executable  string `json:"executable"`
		Model       string `json:"model"`
		APIKey      string `json:"api_key"`
		TurnTimeout int    `json:"turn_timeout_seconds"`
	} `json:"claude"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".ensemble", "config.json")
}

// DatabasePath returns the sqlite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "ensemble.db")
}

// TurnTimeoutDuration returns the per-turn subprocess timeout.
func (c *Config) TurnTimeoutDuration() time.Duration {
	return time.Duration(c.Claude.TurnTimeout) * time.Second
}

// Load reads the config file at path, writing defaults first if it does
// not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:    filepath.Join(os.Getenv("HOME"), ".ensemble"),
		ListenAddr: "127.0.0.1:8787",
		LogLevel:   "info",
	}
	cfg.Claude.Executable = "claude"
	cfg.Claude.TurnTimeout = 300

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.E(errors.Op("config.Load"), errors.KindConfig, fmt.Sprintf("parse %s", path), err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Env overrides take highest precedence
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Claude.APIKey = v
	}
	if v := os.Getenv("ENSEMBLE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ENSEMBLE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ENSEMBLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ENSEMBLE_CLAUDE_BIN"); v != "" {
		cfg.Claude.Executable = v
	}

	return cfg, nil
}

// Validate checks that the config is usable. Failures are startup-fatal.
func (c *Config) Validate() error {
	if c.Claude.Executable == "" {
		return errors.ConfigInvalid("claude.executable must not be empty")
	}
	if _, err := exec.LookPath(c.Claude.Executable); err != nil {
		return errors.ConfigInvalid(fmt.Sprintf("claude executable %q not found: %v", c.Claude.Executable, err))
	}
	if c.ListenAddr == "" {
		return errors.ConfigInvalid("listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return errors.ConfigInvalid("data_dir must not be empty")
	}
	if c.Claude.TurnTimeout <= 0 {
		return errors.ConfigInvalid("claude.turn_timeout_seconds must be positive")
	}
	return nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
