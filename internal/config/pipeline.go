package config

import (
	"fmt"
	"time"
)

// Built-in handler types.
const (
	HandlerInterrupt  = "interrupt"
	HandlerToolPolicy = "tool_policy"
	HandlerScript     = "script"
	HandlerPersist    = "persist"
	HandlerLogger     = "logger"
)

// HandlerTypes lists the handler types Build understands.
var HandlerTypes = []string{HandlerInterrupt, HandlerToolPolicy, HandlerScript, HandlerPersist, HandlerLogger}

// PipelineConfig lists the handlers to register, in registration order.
type PipelineConfig struct {
	Handlers []HandlerConfig `yaml:"handlers"`
}

// HandlerConfig declares one handler.
type HandlerConfig struct {
	Name      string   `yaml:"name"` // defaults to Type
	Type      string   `yaml:"type"`
	DependsOn []string `yaml:"depends_on"`
	Pattern   string   `yaml:"pattern"` // event type glob, e.g. "tool_*"

	// tool_policy
	Deny  []string `yaml:"deny"`
	Allow []string `yaml:"allow"`

	// script
	Script  string `yaml:"script"`
	Timeout string `yaml:"timeout"`

	// logger
	Level string `yaml:"level"`

	// script, persist
	FatalOnError bool `yaml:"fatal_on_error"`
}

// HandlerName returns the configured name, falling back to the type.
func (h HandlerConfig) HandlerName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Type
}

// GetTimeout returns the script timeout, or zero when unset.
func (h HandlerConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(h.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// DefaultHandlers is the pipeline used when the config file names none.
func DefaultHandlers() []HandlerConfig {
	return []HandlerConfig{
		{Type: HandlerInterrupt},
		{Type: HandlerLogger, DependsOn: []string{HandlerInterrupt}, Level: "debug"},
		{Type: HandlerPersist, DependsOn: []string{HandlerInterrupt}},
	}
}

// Validate checks handler declarations. Dependency references are resolved
// later by the dependency graph.
func (p PipelineConfig) Validate() error {
	seen := make(map[string]bool, len(p.Handlers))
	for i, h := range p.Handlers {
		if !contains(HandlerTypes, h.Type) {
			return fmt.Errorf("pipeline.handlers[%d]: unknown type %q (valid: %v)", i, h.Type, HandlerTypes)
		}
		name := h.HandlerName()
		if seen[name] {
			return fmt.Errorf("pipeline.handlers[%d]: duplicate handler name %q", i, name)
		}
		seen[name] = true

		if h.Type == HandlerScript && h.Script == "" {
			return fmt.Errorf("pipeline.handlers[%d] (%s): script handlers need a script path", i, name)
		}
		if h.Timeout != "" {
			if _, err := time.ParseDuration(h.Timeout); err != nil {
				return fmt.Errorf("pipeline.handlers[%d] (%s): invalid timeout %q: %w", i, name, h.Timeout, err)
			}
		}
	}
	return nil
}
