package handlers

import (
	"context"
	"fmt"

	"kiln/internal/events"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
)

// SeqKey is the HandlerContext key under which Persist stores the sequence
// number of the appended event.
const SeqKey = "persist.seq"

// DefaultSessionID is used when the context carries no session id.
const DefaultSessionID = "default"

// Persist appends every event it sees to an event log.
type Persist struct {
	base
	log          Appender
	fatalOnError bool
}

// NewPersist returns a persistence handler writing to log.
func NewPersist(name string, deps []string, pattern string, log Appender, fatalOnError bool) *Persist {
	return &Persist{base: newBase(name, deps, pattern), log: log, fatalOnError: fatalOnError}
}

func (h *Persist) Handle(ctx context.Context, hctx *pipeline.HandlerContext, ev events.SessionEvent) pipeline.Outcome {
	sessionID := pipeline.SessionID(ctx)
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	seq, err := h.log.Append(ctx, sessionID, ev)
	if err != nil {
		msg := fmt.Sprintf("failed to persist %s: %v", ev.EventType(), err)
		if h.fatalOnError {
			return pipeline.Fatal(msg)
		}
		logging.HandlersWarn("%s", msg)
		return pipeline.SoftError(ev, msg)
	}

	hctx.Set(SeqKey, seq)
	return pipeline.Continue(ev)
}
