// Package handlers provides the built-in pipeline handlers: interrupt,
// tool policy, scripted handlers, event persistence and event logging.
package handlers

import (
	"context"

	"kiln/internal/events"
)

// base carries the identity every built-in handler shares.
type base struct {
	name    string
	deps    []string
	pattern string
}

func newBase(name string, deps []string, pattern string) base {
	return base{name: name, deps: append([]string(nil), deps...), pattern: pattern}
}

func (b base) Name() string { return b.name }

func (b base) Dependencies() []string { return append([]string(nil), b.deps...) }

func (b base) EventPattern() string { return b.pattern }

// Appender is the part of store.EventLog that Persist needs.
type Appender interface {
	Append(ctx context.Context, sessionID string, ev events.SessionEvent) (int64, error)
}
