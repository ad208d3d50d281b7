// Package config handles loading and validating the forge.yaml configuration.
// forged runs with zero config (mock coderunner, inline artifacts); forge.yaml
// declares the external coderunner provider, artifact offload storage, and
// retention policy.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Coderunner modes.
const (
	ModeMock     = "mock"
	ModeExternal = "external"
)

// Config represents the top-level forge.yaml configuration.
type Config struct {
	Coderunner CoderunnerConfig `yaml:"coderunner"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// CoderunnerConfig describes how implement and verify stations execute.
type CoderunnerConfig struct {
	// Mode selects the adapter: "mock" (deterministic in-process) or
	// "external" (HTTP provider). Defaults to mock.
	Mode string `yaml:"mode"`
	// BaseURL is the external provider endpoint. Required in external mode.
	BaseURL string `yaml:"baseUrl"`
	// APIKey authenticates against the external provider (bearer token).
	APIKey string `yaml:"apiKey"`
	// Timeout bounds a single provider HTTP call, e.g. "30s".
	Timeout string `yaml:"timeout"`
}

// RetentionConfig controls reaper pruning of terminal runs.
type RetentionConfig struct {
	// MaxAgeDays is how long terminal runs are kept. Zero disables pruning.
	MaxAgeDays int `yaml:"maxAgeDays"`
	// Cron overrides the pruning schedule (standard 5-field cron).
	Cron string `yaml:"cron"`
}

// DefaultConfig returns the zero-config defaults: mock coderunner, no
// retention pruning.
func DefaultConfig() *Config {
	return &Config{
		Coderunner: CoderunnerConfig{Mode: ModeMock},
	}
}

// Load parses a forge.yaml file and validates it.
// If path is empty, returns defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Coderunner.Mode == "" {
		cfg.Coderunner.Mode = ModeMock
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolvePath finds the config file path.
// Priority: FORGE_CONFIG env var > ./forge.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("FORGE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("forge.yaml"); err == nil {
		return "forge.yaml"
	}
	return ""
}

// CoderunnerTimeout parses the configured provider timeout, or zero when
// unset so the transport applies its own default.
func (c *Config) CoderunnerTimeout() (time.Duration, error) {
	if c.Coderunner.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Coderunner.Timeout)
	if err != nil {
		return 0, fmt.Errorf("coderunner.timeout %q: %w", c.Coderunner.Timeout, err)
	}
	return d, nil
}

func (c *Config) validate() error {
	switch c.Coderunner.Mode {
	case ModeMock, ModeExternal:
	default:
		return fmt.Errorf("coderunner.mode %q: must be %q or %q", c.Coderunner.Mode, ModeMock, ModeExternal)
	}
	if c.Coderunner.Mode == ModeExternal && c.Coderunner.BaseURL == "" {
		return fmt.Errorf("coderunner.baseUrl is required in external mode")
	}
	if _, err := c.CoderunnerTimeout(); err != nil {
		return err
	}
	if c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.maxAgeDays must be >= 0, got %d", c.Retention.MaxAgeDays)
	}
	return nil
}
