// Package config loads and defaults the scheduler's operational knobs:
// parallelism, auto-retry, the blocker auto-pause switch, watchdog
// thresholds, and API-error recovery backoff.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// infDuration is the largest time.Duration, usable as a slow-tool timeout
// that never expires in practice. LoadConfig does not map any on-disk value
// to it.
const infDuration = time.Duration(math.MaxInt64)

// ConsoleConfig controls the colorized human-facing event renderer.
type ConsoleConfig struct {
	EnableColor  bool `yaml:"enable_color"`
	CompactMode  bool `yaml:"compact_mode"`
	ShowDurations bool `yaml:"show_durations"`
}

// AutoRetryConfig governs the failed-task retry policy (spec §4.2).
type AutoRetryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxRetries   int           `yaml:"max_retries"`   // <= 10
	BaseDelay    time.Duration `yaml:"base_delay"`     // in [1s, 300s]
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// SlowToolTimeouts maps tool category to its own timeout (spec §4.3.2).
// A zero or negative value is not rejected; the worker's inline ticker then
// never times out a tool of that category.
type SlowToolTimeouts struct {
	Codex      time.Duration `yaml:"codex"`
	Gemini     time.Duration `yaml:"gemini"`
	NPMInstall time.Duration `yaml:"npm_install"`
	NPMBuild   time.Duration `yaml:"npm_build"`
	Default    time.Duration `yaml:"default"`
}

// ForCategory returns the configured timeout for a tool category name.
func (s SlowToolTimeouts) ForCategory(category string) time.Duration {
	switch category {
	case "codex":
		return s.Codex
	case "gemini":
		return s.Gemini
	case "npmInstall":
		return s.NPMInstall
	case "npmBuild":
		return s.NPMBuild
	default:
		return s.Default
	}
}

// WatchdogConfig governs the out-of-band worker health monitor (spec §4.5).
type WatchdogConfig struct {
	CheckInterval     time.Duration    `yaml:"check_interval"`
	ActivityTimeout   time.Duration    `yaml:"activity_timeout"`
	SlowToolTimeouts  SlowToolTimeouts `yaml:"slow_tool_timeouts"`
	AIAssistEnabled   bool             `yaml:"ai_assist_enabled"`
}

// APIErrorConfig governs the rate-limit/overload recovery flow (spec §4.9).
type APIErrorConfig struct {
	MaxRetries     int           `yaml:"max_retries"`      // global attempts cap, default 5
	MaxTaskRetries int           `yaml:"max_task_retries"` // per-task cap, default 3
	BaseDelay      time.Duration `yaml:"base_delay"`       // default 10s
	MaxDelay       time.Duration `yaml:"max_delay"`        // default 5m
	JitterRatio    float64       `yaml:"jitter_ratio"`     // default 0.2
}

// Config is the complete set of operational knobs loaded from
// "<projectRoot>/.autodev/config.yaml", falling back to defaults for
// anything unset.
type Config struct {
	MaxParallel             int             `yaml:"max_parallel"` // 1..4
	AutoRetry               AutoRetryConfig `yaml:"auto_retry"`
	BlockerAutoPauseEnabled bool            `yaml:"blocker_auto_pause_enabled"`
	Watchdog                WatchdogConfig  `yaml:"watchdog"`
	APIError                APIErrorConfig  `yaml:"api_error"`
	Console                 ConsoleConfig   `yaml:"console"`
	LogLevel                string          `yaml:"log_level"`
}

// DefaultConfig returns the spec's stated defaults (§6).
func DefaultConfig() *Config {
	return &Config{
		MaxParallel: 4,
		AutoRetry: AutoRetryConfig{
			Enabled:    true,
			MaxRetries: 3,
			BaseDelay:  5 * time.Second,
			MaxDelay:   5 * time.Minute,
		},
		BlockerAutoPauseEnabled: true,
		Watchdog: WatchdogConfig{
			CheckInterval:   5 * time.Minute,
			ActivityTimeout: 10 * time.Minute,
			SlowToolTimeouts: SlowToolTimeouts{
				Codex:      60 * time.Minute,
				Gemini:     60 * time.Minute,
				NPMInstall: 15 * time.Minute,
				NPMBuild:   20 * time.Minute,
				Default:    10 * time.Minute,
			},
			AIAssistEnabled: false,
		},
		APIError: APIErrorConfig{
			MaxRetries:     5,
			MaxTaskRetries: 3,
			BaseDelay:      10 * time.Second,
			MaxDelay:       5 * time.Minute,
			JitterRatio:    0.2,
		},
		Console: ConsoleConfig{
			EnableColor:   true,
			ShowDurations: true,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads path and overlays it onto DefaultConfig. A missing file
// is not an error -- defaults are returned untouched, matching the
// scheduler's policy of never treating ambient configuration as fatal.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.clampAndDefault()
	return cfg, nil
}

// clampAndDefault enforces the bounds stated in spec §6 after a partial
// YAML overlay, so a config file that only sets one field doesn't zero out
// the rest.
func (c *Config) clampAndDefault() {
	if c.MaxParallel < 1 {
		c.MaxParallel = 1
	}
	if c.MaxParallel > 4 {
		c.MaxParallel = 4
	}
	if c.AutoRetry.MaxRetries > 10 {
		c.AutoRetry.MaxRetries = 10
	}
	if c.AutoRetry.BaseDelay < time.Second {
		c.AutoRetry.BaseDelay = time.Second
	}
	if c.AutoRetry.BaseDelay > 300*time.Second {
		c.AutoRetry.BaseDelay = 300 * time.Second
	}
	if c.AutoRetry.MaxDelay == 0 {
		c.AutoRetry.MaxDelay = 5 * time.Minute
	}
	if c.Watchdog.CheckInterval == 0 {
		c.Watchdog.CheckInterval = 5 * time.Minute
	}
}
