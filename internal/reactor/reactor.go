// Package reactor adapts handler chains to the session runtime.
//
// The runtime only knows the Reactor interface. ChainReactor is the
// implementation backed by a pipeline.HandlerChain; it serializes access to
// the chain and translates chain outcomes into cancellation and errors.
package reactor

import (
	"context"
	"fmt"
	"strings"

	"kiln/internal/events"
)

// Version is reported in ChainReactor metadata.
const Version = "0.1.0"

// DefaultMaxContextTokens is used when a SessionConfig leaves the budget unset.
const DefaultMaxContextTokens = 100000

// EventContext is the runtime's per-event control surface.
type EventContext interface {
	// Cancel asks the runtime to stop acting on the current event.
	Cancel()
}

// SessionConfig describes the session a reactor is attached to.
type SessionConfig struct {
	SessionID        string
	Folder           string
	MaxContextTokens int
	SystemPrompt     string
}

// Metadata describes a reactor for introspection.
type Metadata struct {
	Name        string
	Version     string
	Description string
}

// Reactor is what the session runtime drives.
type Reactor interface {
	// HandleEvent processes ev and returns the event the runtime should
	// record.
	HandleEvent(ctx context.Context, ectx EventContext, ev events.SessionEvent) (events.SessionEvent, error)
	// OnBeforeCompact summarizes a window of history that is about to be
	// discarded.
	OnBeforeCompact(ctx context.Context, window []events.SessionEvent) (string, error)
	OnSessionStart(ctx context.Context, cfg SessionConfig) error
	OnSessionEnd(ctx context.Context, reason string) error
	Metadata() Metadata
}

// ErrorKind classifies reactor failures.
type ErrorKind int

const (
	KindProcessingFailed ErrorKind = iota + 1
	KindInitializationFailed
	KindCompactionFailed
	KindStorage
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindProcessingFailed:
		return "event processing failed"
	case KindInitializationFailed:
		return "session initialization failed"
	case KindCompactionFailed:
		return "compaction failed"
	case KindStorage:
		return "storage error"
	case KindConfiguration:
		return "configuration error"
	default:
		return "reactor error"
	}
}

// ReactorError is the error type returned by reactors.
type ReactorError struct {
	Kind    ErrorKind
	Handler string   // handler that failed, when known
	Message string   // primary message
	Notes   []string // secondary diagnostics, e.g. soft errors of the same pass
	Err     error    // underlying cause
}

func (e *ReactorError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	if e.Handler != "" {
		fmt.Fprintf(&b, "handler %s: ", e.Handler)
	}
	b.WriteString(e.Message)
	if len(e.Notes) > 0 {
		fmt.Fprintf(&b, " (%d notes)", len(e.Notes))
	}
	return b.String()
}

func (e *ReactorError) Unwrap() error { return e.Err }
