package pipeline

import (
	"context"
	"errors"
	"time"

	"kiln/internal/events"
	"kiln/internal/logging"
)

// ErrNilEvent is returned by Process when called without an event.
var ErrNilEvent = errors.New("nil session event")

// ChainResult summarizes one pass through a HandlerChain.
type ChainResult struct {
	// Errors holds soft errors in the order they were reported.
	Errors []HandlerError
	// Cancelled is set when a handler stopped the chain by cancelling.
	Cancelled bool
	// Fatal is set when a handler aborted the pass.
	Fatal bool
	// HandlersRun lists invoked handlers in invocation order.
	HandlersRun []string
	// Skipped lists handlers whose event pattern did not match.
	Skipped []string
}

// Messages returns the soft error messages without handler names.
func (r ChainResult) Messages() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Message
	}
	return out
}

// HasErrors reports whether any soft error was recorded.
func (r ChainResult) HasErrors() bool { return len(r.Errors) > 0 }

// HandlerChain drives events through a DependencyGraph. Like the graph it is
// not safe for concurrent use; see reactor.ChainReactor.
type HandlerChain struct {
	graph *DependencyGraph
}

// NewHandlerChain returns a chain with no handlers.
func NewHandlerChain() *HandlerChain {
	return &HandlerChain{graph: NewDependencyGraph()}
}

// Process runs ev through every handler in execution order.
//
// A structural problem (missing dependency, cycle) is returned before any
// handler runs. A Fatal outcome stops the pass and returns a *FatalError and a
// nil event; soft errors collected up to that point are only in the result.
// Cancellation is a success: the returned event is the one carried by the
// cancelling outcome, or the event as it stood before that handler.
func (c *HandlerChain) Process(ctx context.Context, ev events.SessionEvent) (ChainResult, events.SessionEvent, error) {
	var result ChainResult
	ev = events.Value(ev)
	if ev == nil {
		return result, nil, ErrNilEvent
	}

	handlers, err := c.graph.SortedHandlers()
	if err != nil {
		logging.PipelineWarn("cannot order handlers: %v", err)
		return result, nil, err
	}

	hctx := NewHandlerContext()
	current := ev

	for _, h := range handlers {
		name := h.Name()
		if f, ok := h.(EventFilter); ok && !events.MatchPattern(f.EventPattern(), current.EventType()) {
			result.Skipped = append(result.Skipped, name)
			continue
		}

		start := time.Now()
		out := h.Handle(ctx, hctx, current)
		hctx.complete(name, time.Since(start))
		result.HandlersRun = append(result.HandlersRun, name)

		switch out.Kind {
		case OutcomeContinue:
			current = orCurrent(out.Event, current)

		case OutcomeSoftError:
			result.Errors = append(result.Errors, HandlerError{Handler: name, Message: out.Message})
			current = orCurrent(out.Event, current)

		case OutcomeCancelled:
			result.Cancelled = true
			logging.PipelineDebug("%s cancelled %s", name, current.EventType())
			return result, orCurrent(out.Event, current), nil

		case OutcomeCancel:
			result.Cancelled = true
			logging.PipelineDebug("%s cancelled %s without replacement", name, current.EventType())
			return result, current, nil

		case OutcomeFatal:
			result.Fatal = true
			return result, nil, &FatalError{Handler: name, Message: out.Message}

		default:
			// Unknown kinds are treated as a soft failure of the handler.
			result.Errors = append(result.Errors, HandlerError{
				Handler: name,
				Message: "unknown outcome kind " + out.Kind.String(),
			})
		}
	}

	return result, current, nil
}

func orCurrent(next, current events.SessionEvent) events.SessionEvent {
	next = events.Value(next)
	if next == nil {
		return current
	}
	return next
}

// Add registers a handler.
func (c *HandlerChain) Add(h Handler) error { return c.graph.Add(h) }

// Remove unregisters a handler by name.
func (c *HandlerChain) Remove(name string) (Handler, error) { return c.graph.Remove(name) }

func (c *HandlerChain) Get(name string) (Handler, bool) { return c.graph.Get(name) }

func (c *HandlerChain) Contains(name string) bool { return c.graph.Contains(name) }

func (c *HandlerChain) Len() int { return c.graph.Len() }

func (c *HandlerChain) IsEmpty() bool { return c.graph.IsEmpty() }

func (c *HandlerChain) Clear() { c.graph.Clear() }

func (c *HandlerChain) Names() []string { return c.graph.Names() }

func (c *HandlerChain) ExecutionOrder() ([]string, error) { return c.graph.ExecutionOrder() }

// Validate computes the execution order and reports only its error.
func (c *HandlerChain) Validate() error {
	_, err := c.graph.ExecutionOrder()
	return err
}

func (c *HandlerChain) DependenciesOf(name string) []string { return c.graph.DependenciesOf(name) }

func (c *HandlerChain) DependentsOf(name string) []string { return c.graph.DependentsOf(name) }

func (c *HandlerChain) TransitiveDependencies(name string) []string {
	return c.graph.TransitiveDependencies(name)
}
