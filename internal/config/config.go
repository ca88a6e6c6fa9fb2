package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benaskins/watchmin/internal/detect"
	"github.com/benaskins/watchmin/internal/spec"
	"gopkg.in/yaml.v3"
)

// Config holds persistent daemon configuration loaded from ~/.watchmin/config.yaml.
type Config struct {
	APIAddr      string        `yaml:"api_addr"`
	BufferLines  int           `yaml:"buffer_lines"`
	StopTimeout  spec.Duration `yaml:"stop_timeout"`
	PollInterval spec.Duration `yaml:"poll_interval"`
	Log          Log           `yaml:"log"`
	Detect       spec.Detect   `yaml:"detect"`
	Repair       spec.Repair   `yaml:"repair"`
	Fixer        Fixer         `yaml:"fixer"`
}

// Log configures the daemon's own logging.
type Log struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Fixer selects and configures the external fixer.
type Fixer struct {
	Type          string        `yaml:"type"` // "anthropic" | "command" | "none"
	Model         string        `yaml:"model"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxTurns      int           `yaml:"max_turns"`
	Prompt        string        `yaml:"prompt"`
	Command       string        `yaml:"command"`
	Timeout       spec.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	RatePerMinute int           `yaml:"rate_per_minute"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	APIKeyFile    string        `yaml:"api_key_file"`
	KeychainKey   string        `yaml:"keychain_key"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	validate := true
	return &Config{
		BufferLines:  500,
		StopTimeout:  spec.Duration{Duration: 10 * time.Second},
		PollInterval: spec.Duration{Duration: 250 * time.Millisecond},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Detect: spec.Detect{Patterns: append([]string(nil), detect.DefaultPatterns...)},
		Repair: spec.Repair{
			MaxAttempts:  3,
			Window:       spec.Duration{Duration: 10 * time.Minute},
			Delay:        spec.Duration{Duration: time.Second},
			Backoff:      "exponential",
			MaxDelay:     spec.Duration{Duration: time.Minute},
			ContextLines: 10,
			Validate:     &validate,
		},
		Fixer: Fixer{
			Type:          "anthropic",
			Model:         "claude-sonnet-4-5-20250929",
			MaxTokens:     2048,
			MaxTurns:      10,
			Timeout:       spec.Duration{Duration: 5 * time.Minute},
			MaxConcurrent: 2,
			RatePerMinute: 30,
			APIKeyEnv:     "ANTHROPIC_API_KEY",
			APIKeyFile:    "~/.watchmin/anthropic.key",
			KeychainKey:   "anthropic-api-key",
		},
	}
}

// Dir returns the watchmin state directory: ~/.watchmin.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".watchmin")
}

// DefaultPath returns the default config file path: ~/.watchmin/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads a YAML config file from path on top of Default. If the file does
// not exist, it returns the defaults and no error. An empty or all-comment
// file also returns the defaults with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.BufferLines <= 0 {
		return fmt.Errorf("buffer_lines must be positive")
	}
	switch c.Fixer.Type {
	case "anthropic", "none":
	case "command":
		if c.Fixer.Command == "" {
			return fmt.Errorf("fixer.command is required when fixer.type is \"command\"")
		}
	default:
		return fmt.Errorf("fixer.type must be \"anthropic\", \"command\", or \"none\", got %q", c.Fixer.Type)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	return nil
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
