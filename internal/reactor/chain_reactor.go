package reactor

import (
	"context"
	"errors"
	"sync"

	"kiln/internal/events"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
)

// ChainReactor serves the Reactor contract from a HandlerChain. Every call
// that touches the chain holds one mutex, so events are processed one at a
// time and registration never races a pass.
type ChainReactor struct {
	mu        sync.Mutex
	chain     *pipeline.HandlerChain
	sessionID string
	onSoft    func(pipeline.HandlerError)
}

var _ Reactor = (*ChainReactor)(nil)

// NewChainReactor returns a reactor with an empty chain.
func NewChainReactor() *ChainReactor {
	return &ChainReactor{chain: pipeline.NewHandlerChain()}
}

// NewChainReactorWith registers handlers in order and returns the reactor.
func NewChainReactorWith(handlers ...pipeline.Handler) (*ChainReactor, error) {
	r := NewChainReactor()
	for _, h := range handlers {
		if err := r.AddHandler(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// HandleEvent runs ev through the chain.
//
// A cancelled pass calls ectx.Cancel and returns the chain's event. A fatal
// pass returns a *ReactorError whose message is the fatal message and whose
// notes are the soft errors of the same pass.
func (r *ChainReactor) HandleEvent(ctx context.Context, ectx EventContext, ev events.SessionEvent) (events.SessionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, out, err := r.chain.Process(ctx, ev)
	for _, se := range result.Errors {
		logging.Get(logging.CategoryReactor).With("handler", se.Handler).Warn("soft error: %s", se.Message)
		if r.onSoft != nil {
			r.onSoft(se)
		}
	}

	if err != nil {
		var fatal *pipeline.FatalError
		if errors.As(err, &fatal) {
			logging.ReactorError("handler %s aborted the pass: %s", fatal.Handler, fatal.Message)
			logging.AuditWithSession(r.sessionID).ChainOutcome(logging.AuditChainFatal, fatal.Handler, fatal.Message)
			return nil, &ReactorError{
				Kind:    KindProcessingFailed,
				Handler: fatal.Handler,
				Message: fatal.Message,
				Notes:   result.Messages(),
				Err:     err,
			}
		}

		logging.ReactorWarn("event not processed: %v", err)
		logging.AuditWithSession(r.sessionID).ChainOutcome(logging.AuditChainInvalid, "", err.Error())
		rerr := &ReactorError{Kind: KindProcessingFailed, Message: err.Error(), Err: err}
		var depErr *pipeline.DependencyError
		if errors.As(err, &depErr) {
			rerr.Handler = depErr.Handler
		}
		return nil, rerr
	}

	if result.Cancelled {
		handler := ""
		if n := len(result.HandlersRun); n > 0 {
			handler = result.HandlersRun[n-1]
		}
		logging.AuditWithSession(r.sessionID).ChainOutcome(logging.AuditChainCancelled, handler, "")
		if ectx != nil {
			ectx.Cancel()
		}
	}
	return out, nil
}

// OnBeforeCompact renders a digest of window.
func (r *ChainReactor) OnBeforeCompact(ctx context.Context, window []events.SessionEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ReactorError{Kind: KindCompactionFailed, Message: err.Error(), Err: err}
	}
	d := Summarize(window)
	logging.ReactorDebug("compaction digest: %d events, %d messages, %d tool calls", d.Total, d.Messages, d.ToolCalls)
	return d.String(), nil
}

// OnSessionStart validates the chain so a broken handler set fails before the
// first event.
func (r *ChainReactor) OnSessionStart(ctx context.Context, cfg SessionConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessionID = cfg.SessionID
	if err := r.chain.Validate(); err != nil {
		return &ReactorError{Kind: KindInitializationFailed, Message: err.Error(), Err: err}
	}
	order, _ := r.chain.ExecutionOrder()
	logging.Reactor("session %s attached, handlers: %v", cfg.SessionID, order)
	return nil
}

// OnSessionEnd records the end of the session.
func (r *ChainReactor) OnSessionEnd(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logging.Reactor("session %s ended: %s", r.sessionID, reason)
	r.sessionID = ""
	return nil
}

// Metadata describes the reactor.
func (r *ChainReactor) Metadata() Metadata {
	return Metadata{
		Name:        "chain-reactor",
		Version:     Version,
		Description: "runs session events through a dependency-ordered handler chain",
	}
}

// AddHandler registers h.
func (r *ChainReactor) AddHandler(h pipeline.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.chain.Add(h); err != nil {
		return configurationError(err)
	}
	logging.ReactorDebug("registered handler %s (deps %v)", h.Name(), h.Dependencies())
	return nil
}

// RemoveHandler unregisters the named handler.
func (r *ChainReactor) RemoveHandler(name string) (pipeline.Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := r.chain.Remove(name)
	if err != nil {
		return nil, configurationError(err)
	}
	return h, nil
}

func (r *ChainReactor) HandlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain.Len()
}

func (r *ChainReactor) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain.Contains(name)
}

// ExecutionOrder reports the order the next event will see.
func (r *ChainReactor) ExecutionOrder() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain.ExecutionOrder()
}

// OnSoftError installs fn to be called for every soft error, in addition to
// the warning log. fn runs with the reactor locked and must not call back
// into it.
func (r *ChainReactor) OnSoftError(fn func(pipeline.HandlerError)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSoft = fn
}

// DependenciesOf returns the declared dependencies of the named handler, or
// nil when it is not registered.
func (r *ChainReactor) DependenciesOf(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain.DependenciesOf(name)
}

func configurationError(err error) error {
	rerr := &ReactorError{Kind: KindConfiguration, Message: err.Error(), Err: err}
	var depErr *pipeline.DependencyError
	if errors.As(err, &depErr) {
		rerr.Handler = depErr.Handler
	}
	return rerr
}
