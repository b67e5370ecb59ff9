package handlers

import (
	"fmt"
	"path/filepath"

	"kiln/internal/config"
	"kiln/internal/pipeline"
)

// Deps are the shared collaborators handlers may need.
type Deps struct {
	Signal  *Signal  // interrupt flag; a private one is created when nil
	Log     Appender // required by persist handlers
	BaseDir string   // relative script paths resolve against this
}

// Build constructs handlers from their declarations, in order. Dependency
// references are not checked here; the dependency graph does that.
func Build(specs []config.HandlerConfig, deps Deps) ([]pipeline.Handler, error) {
	out := make([]pipeline.Handler, 0, len(specs))
	for i, spec := range specs {
		h, err := build(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("handler %d (%s): %w", i, spec.HandlerName(), err)
		}
		out = append(out, h)
	}
	return out, nil
}

func build(spec config.HandlerConfig, deps Deps) (pipeline.Handler, error) {
	name := spec.HandlerName()

	switch spec.Type {
	case config.HandlerInterrupt:
		h := NewInterrupt(deps.Signal, spec.Pattern)
		if name != InterruptName {
			h.name = name
		}
		h.deps = append([]string(nil), spec.DependsOn...)
		return h, nil

	case config.HandlerToolPolicy:
		return NewToolPolicy(name, spec.DependsOn, spec.Pattern, spec.Deny, spec.Allow), nil

	case config.HandlerScript:
		path := spec.Script
		if !filepath.IsAbs(path) && deps.BaseDir != "" {
			path = filepath.Join(deps.BaseDir, path)
		}
		return LoadScript(name, spec.DependsOn, path, ScriptOptions{
			Pattern:      spec.Pattern,
			FatalOnError: spec.FatalOnError,
			Timeout:      spec.GetTimeout(),
		})

	case config.HandlerPersist:
		if deps.Log == nil {
			return nil, fmt.Errorf("persist handler needs an event log")
		}
		return NewPersist(name, spec.DependsOn, spec.Pattern, deps.Log, spec.FatalOnError), nil

	case config.HandlerLogger:
		return NewLogger(name, spec.DependsOn, spec.Pattern, spec.Level), nil

	default:
		return nil, fmt.Errorf("unknown handler type %q", spec.Type)
	}
}
