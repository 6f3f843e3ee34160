package store

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-level configuration for a store, parsed from YAML or
// JSON. It covers the declarative knobs only; observers, hooks and the
// persistor instance itself are code-level wiring.
type Config struct {
	LogStateChanges *bool              `yaml:"log_state_changes" json:"log_state_changes"`
	Retry           *RetryConfig       `yaml:"retry" json:"retry"`
	Persistence     *PersistenceConfig `yaml:"persistence" json:"persistence"`
}

// RetryConfig maps to a RetryPolicy. Zero-value fields fall back to the
// policy defaults.
type RetryConfig struct {
	On             *bool   `yaml:"on" json:"on"`
	InitialDelayMs int     `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	Multiplier     float64 `yaml:"multiplier" json:"multiplier"`
	MaxRetries     *int    `yaml:"max_retries" json:"max_retries"`
	MaxDelayMs     int     `yaml:"max_delay_ms" json:"max_delay_ms"`
}

// PersistenceConfig selects and configures a persistence backend.
type PersistenceConfig struct {
	// Driver is the backend name: "memory", "file" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the snapshot file (file driver) or database file (sqlite).
	Path string `yaml:"path" json:"path"`
	// Table is the snapshot table name for the sqlite driver.
	Table string `yaml:"table" json:"table"`
	// Key distinguishes multiple stores sharing one backend.
	Key string `yaml:"key" json:"key"`
	// ThrottleMs is the minimum interval between persisted writes.
	ThrottleMs int `yaml:"throttle_ms" json:"throttle_ms"`
}

// ParseConfig parses YAML (or JSON, which YAML subsumes) into a Config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the declarative settings for obvious mistakes.
func (c Config) Validate() error {
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return err
		}
	}
	if c.Persistence != nil {
		if err := c.Persistence.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c RetryConfig) Validate() error {
	if c.InitialDelayMs < 0 {
		return fmt.Errorf("retry: initial_delay_ms must not be negative")
	}
	if c.MaxDelayMs < 0 {
		return fmt.Errorf("retry: max_delay_ms must not be negative")
	}
	return nil
}

func (c PersistenceConfig) Validate() error {
	switch strings.TrimSpace(c.Driver) {
	case "", "memory":
		return nil
	case "file", "sqlite":
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("persistence: driver %q requires a path", c.Driver)
		}
		return nil
	default:
		return fmt.Errorf("persistence: unknown driver %q", c.Driver)
	}
}

// Policy builds a RetryPolicy from the config, starting from the defaults.
func (c RetryConfig) Policy() *RetryPolicy {
	p := NewRetryPolicy()
	if c.On != nil {
		p.On = *c.On
	}
	if c.InitialDelayMs > 0 {
		p.InitialDelay = time.Duration(c.InitialDelayMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.MaxRetries != nil {
		p.MaxRetries = *c.MaxRetries
	}
	if c.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(c.MaxDelayMs) * time.Millisecond
	}
	return p
}

// Throttle returns the configured persistence throttle interval.
func (c PersistenceConfig) Throttle() time.Duration {
	if c.ThrottleMs <= 0 {
		return 0
	}
	return time.Duration(c.ThrottleMs) * time.Millisecond
}
