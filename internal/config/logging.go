package config

import "kiln/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"`           // debug, info, warn, error
	Format     string          `yaml:"format" json:"format,omitempty"`         // json, text
	Dir        string          `yaml:"dir" json:"dir,omitempty"`               // empty = stderr
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"` // forces debug level
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Categories not listed are enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// ToLogging converts the section into the logging package's Config.
func (c *LoggingConfig) ToLogging() logging.Config {
	level := c.Level
	if c.DebugMode {
		level = "debug"
	}
	return logging.Config{
		Level:      level,
		JSONFormat: c.Format == "json",
		Dir:        c.Dir,
		Categories: c.Categories,
	}
}
