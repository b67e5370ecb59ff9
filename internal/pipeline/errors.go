package pipeline

import (
	"fmt"
	"strings"
)

// DependencyErrorKind classifies structural problems with the handler set.
type DependencyErrorKind int

const (
	DuplicateHandler DependencyErrorKind = iota + 1
	HandlerNotFound
	MissingDependency
	CycleDetected
)

func (k DependencyErrorKind) String() string {
	switch k {
	case DuplicateHandler:
		return "duplicate_handler"
	case HandlerNotFound:
		return "handler_not_found"
	case MissingDependency:
		return "missing_dependency"
	case CycleDetected:
		return "cycle_detected"
	default:
		return "unknown"
	}
}

// DependencyError describes a registration or ordering failure. No handler
// runs in a pass that hits one.
type DependencyError struct {
	Kind       DependencyErrorKind
	Handler    string
	Dependency string   // MissingDependency only
	Cycle      []string // CycleDetected only; closed path, first == last
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	switch e.Kind {
	case DuplicateHandler:
		return fmt.Sprintf("handler %q is already registered", e.Handler)
	case HandlerNotFound:
		return fmt.Sprintf("handler %q not found", e.Handler)
	case MissingDependency:
		return fmt.Sprintf("handler %q depends on missing handler %q", e.Handler, e.Dependency)
	case CycleDetected:
		return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
	default:
		return fmt.Sprintf("handler %q: unknown dependency error", e.Handler)
	}
}

// HandlerError is a soft error recorded against a handler.
type HandlerError struct {
	Handler string
	Message string
}

func (e HandlerError) String() string {
	return e.Handler + ": " + e.Message
}

// FatalError is returned by Process when a handler aborts the pass.
type FatalError struct {
	Handler string
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("handler %s failed: %s", e.Handler, e.Message)
}
