// Package pipeline runs session events through a set of handlers in
// dependency order.
//
// Handlers declare the names of the handlers they depend on; a
// DependencyGraph turns those declarations into a deterministic execution
// order and a HandlerChain drives one event at a time through that order,
// folding each handler's Outcome into a ChainResult.
package pipeline

import (
	"context"
	"time"

	"kiln/internal/events"
)

// Handler is one named step of the pipeline.
type Handler interface {
	// Name must be unique within a graph.
	Name() string
	// Dependencies lists the names of handlers that must run first.
	Dependencies() []string
	// Handle observes or transforms ev and reports how the chain continues.
	Handle(ctx context.Context, hctx *HandlerContext, ev events.SessionEvent) Outcome
}

// EventFilter is implemented by handlers that only want some event types.
// A handler whose pattern does not match the current event type is skipped.
type EventFilter interface {
	EventPattern() string
}

// OutcomeKind tells the chain what to do after a handler returns.
type OutcomeKind int

const (
	// OutcomeContinue passes the (possibly new) event to the next handler.
	OutcomeContinue OutcomeKind = iota
	// OutcomeSoftError records a diagnostic and continues.
	OutcomeSoftError
	// OutcomeCancelled stops the chain, returning the carried event.
	OutcomeCancelled
	// OutcomeCancel stops the chain without a replacement event.
	OutcomeCancel
	// OutcomeFatal aborts the pass with an error.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeSoftError:
		return "soft_error"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeCancel:
		return "cancel"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is a handler's verdict. The zero value continues with the event
// unchanged. A nil Event always means "unchanged".
type Outcome struct {
	Kind    OutcomeKind
	Event   events.SessionEvent
	Message string
}

// Continue proceeds with ev.
func Continue(ev events.SessionEvent) Outcome {
	return Outcome{Kind: OutcomeContinue, Event: ev}
}

// SoftError records message against the handler and proceeds with ev.
func SoftError(ev events.SessionEvent, message string) Outcome {
	return Outcome{Kind: OutcomeSoftError, Event: ev, Message: message}
}

// Cancelled stops the chain successfully and returns ev to the caller.
func Cancelled(ev events.SessionEvent) Outcome {
	return Outcome{Kind: OutcomeCancelled, Event: ev}
}

// Cancel stops the chain successfully, returning the event as it was before
// the cancelling handler ran.
func Cancel() Outcome {
	return Outcome{Kind: OutcomeCancel}
}

// Fatal aborts the pass. Later handlers do not run.
func Fatal(message string) Outcome {
	return Outcome{Kind: OutcomeFatal, Message: message}
}

// HandlerContext is scratch space shared by the handlers of a single pass.
// A fresh one is created for every Process call.
type HandlerContext struct {
	metadata  map[string]any
	completed []string
	durations map[string]time.Duration
}

// NewHandlerContext returns an empty context.
func NewHandlerContext() *HandlerContext {
	return &HandlerContext{
		metadata:  make(map[string]any),
		durations: make(map[string]time.Duration),
	}
}

// Set stores a value for later handlers in the same pass.
func (c *HandlerContext) Set(key string, value any) {
	c.metadata[key] = value
}

// Get returns a value stored by an earlier handler.
func (c *HandlerContext) Get(key string) (any, bool) {
	v, ok := c.metadata[key]
	return v, ok
}

// Delete removes a stored value.
func (c *HandlerContext) Delete(key string) {
	delete(c.metadata, key)
}

// Completed returns the handlers that have finished so far, in order.
func (c *HandlerContext) Completed() []string {
	out := make([]string, len(c.completed))
	copy(out, c.completed)
	return out
}

// HasCompleted reports whether name already ran in this pass.
func (c *HandlerContext) HasCompleted(name string) bool {
	_, ok := c.durations[name]
	return ok
}

// Duration returns how long a completed handler took.
func (c *HandlerContext) Duration(name string) (time.Duration, bool) {
	d, ok := c.durations[name]
	return d, ok
}

func (c *HandlerContext) complete(name string, d time.Duration) {
	c.completed = append(c.completed, name)
	c.durations[name] = d
}

// HandleFunc is the signature of FuncHandler's callback.
type HandleFunc func(ctx context.Context, hctx *HandlerContext, ev events.SessionEvent) Outcome

// FuncHandler adapts a function into a Handler.
type FuncHandler struct {
	name    string
	deps    []string
	pattern string
	fn      HandleFunc
}

// HandlerFunc builds a Handler from a name, its dependencies and fn.
func HandlerFunc(name string, deps []string, fn HandleFunc) *FuncHandler {
	return &FuncHandler{name: name, deps: append([]string(nil), deps...), fn: fn}
}

// WithPattern restricts the handler to event types matching pattern.
func (h *FuncHandler) WithPattern(pattern string) *FuncHandler {
	h.pattern = pattern
	return h
}

func (h *FuncHandler) Name() string { return h.name }

func (h *FuncHandler) Dependencies() []string {
	return append([]string(nil), h.deps...)
}

func (h *FuncHandler) EventPattern() string { return h.pattern }

func (h *FuncHandler) Handle(ctx context.Context, hctx *HandlerContext, ev events.SessionEvent) Outcome {
	if h.fn == nil {
		return Continue(ev)
	}
	return h.fn(ctx, hctx, ev)
}

type sessionIDKey struct{}

// WithSessionID returns a context carrying the id of the session whose event
// is being processed.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionID returns the session id stored by WithSessionID, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
