package handlers

import (
	"context"
	"sync/atomic"

	"kiln/internal/events"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
)

// InterruptName is the registered name of the interrupt handler.
const InterruptName = "interrupt"

// Signal is a one-shot interrupt flag shared between the CLI (or any other
// caller) and the Interrupt handler.
type Signal struct {
	raised atomic.Bool
}

// Raise requests that the next event be cancelled.
func (s *Signal) Raise() { s.raised.Store(true) }

// Pending reports whether an interrupt is waiting.
func (s *Signal) Pending() bool { return s.raised.Load() }

// Take consumes a pending interrupt.
func (s *Signal) Take() bool { return s.raised.CompareAndSwap(true, false) }

// Interrupt cancels the current event when its Signal was raised or the
// caller's context is already done. Register it without dependencies so it
// runs before anything with side effects.
type Interrupt struct {
	base
	signal *Signal
}

// NewInterrupt returns an interrupt handler watching signal.
func NewInterrupt(signal *Signal, pattern string) *Interrupt {
	if signal == nil {
		signal = &Signal{}
	}
	return &Interrupt{base: newBase(InterruptName, nil, pattern), signal: signal}
}

// Signal returns the flag this handler consumes.
func (h *Interrupt) Signal() *Signal { return h.signal }

func (h *Interrupt) Handle(ctx context.Context, _ *pipeline.HandlerContext, ev events.SessionEvent) pipeline.Outcome {
	if h.signal.Take() {
		logging.Handlers("interrupt: cancelling %s", ev.EventType())
		return pipeline.Cancelled(ev)
	}
	if err := ctx.Err(); err != nil {
		logging.HandlersDebug("interrupt: context done (%v), cancelling %s", err, ev.EventType())
		return pipeline.Cancelled(ev)
	}
	return pipeline.Continue(ev)
}
