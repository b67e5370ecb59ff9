package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kiln configuration.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Session runtime and token budget
	Session SessionConfig `yaml:"session"`

	// Handler chain composition
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Event log
	Store StoreConfig `yaml:"store"`

	// Filesystem watcher
	Watch WatchConfig `yaml:"watch"`
}

// SessionConfig configures the session runtime.
type SessionConfig struct {
	Folder            string `yaml:"folder"`
	MaxContextTokens  int    `yaml:"max_context_tokens"`
	KeepAfterCompact  int    `yaml:"keep_after_compact"`  // events kept verbatim after compaction
	SlowTurnThreshold string `yaml:"slow_turn_threshold"` // e.g. "250ms"
}

// StoreConfig configures the sqlite event log.
type StoreConfig struct {
	Path        string `yaml:"path"` // ":memory:" for an in-process log
	BusyTimeout string `yaml:"busy_timeout"`
}

// WatchConfig configures the filesystem watcher.
type WatchConfig struct {
	Debounce  string   `yaml:"debounce"`
	Include   []string `yaml:"include"` // glob patterns on the base name; empty means all
	Exclude   []string `yaml:"exclude"`
	Recursive bool     `yaml:"recursive"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "kiln",

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},

		Session: SessionConfig{
			Folder:            ".",
			MaxContextTokens:  100000,
			KeepAfterCompact:  10,
			SlowTurnThreshold: "250ms",
		},

		Pipeline: PipelineConfig{
			Handlers: DefaultHandlers(),
		},

		Store: StoreConfig{
			Path:        ".kiln/events.db",
			BusyTimeout: "5s",
		},

		Watch: WatchConfig{
			Debounce:  "100ms",
			Include:   []string{"*.md"},
			Exclude:   []string{".*"},
			Recursive: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("KILN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if debug := os.Getenv("KILN_DEBUG"); debug != "" {
		if on, err := strconv.ParseBool(debug); err == nil {
			c.Logging.DebugMode = on
		}
	}

	// Database path from environment
	if path := os.Getenv("KILN_STORE_PATH"); path != "" {
		c.Store.Path = path
	}

	if v := os.Getenv("KILN_MAX_CONTEXT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Session.MaxContextTokens = n
		}
	}
}

// GetSlowTurnThreshold returns the slow-turn warning threshold as a duration.
func (c *Config) GetSlowTurnThreshold() time.Duration {
	d, err := time.ParseDuration(c.Session.SlowTurnThreshold)
	if err != nil {
		return 250 * time.Millisecond
	}
	return d
}

// GetBusyTimeout returns the sqlite busy timeout as a duration.
func (c *Config) GetBusyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Store.BusyTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetWatchDebounce returns the watcher debounce interval as a duration.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// ValidLogLevels lists accepted logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Logging.Level != "" && !contains(ValidLogLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}

	if c.Session.MaxContextTokens <= 0 {
		return fmt.Errorf("session.max_context_tokens must be positive, got %d", c.Session.MaxContextTokens)
	}
	if c.Session.KeepAfterCompact < 0 {
		return fmt.Errorf("session.keep_after_compact must not be negative, got %d", c.Session.KeepAfterCompact)
	}

	for field, value := range map[string]string{
		"session.slow_turn_threshold": c.Session.SlowTurnThreshold,
		"store.busy_timeout":          c.Store.BusyTimeout,
		"watch.debounce":              c.Watch.Debounce,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", field, value, err)
		}
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	return c.Pipeline.Validate()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
