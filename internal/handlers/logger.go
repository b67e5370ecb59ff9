package handlers

import (
	"context"

	"kiln/internal/events"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
)

const summaryLength = 120

// Logger writes a one-line summary of each event to the handlers log
// category and passes the event on.
type Logger struct {
	base
	level string
}

// NewLogger returns a logging handler. level is debug, info or warn; anything
// else logs at info.
func NewLogger(name string, deps []string, pattern string, level string) *Logger {
	return &Logger{base: newBase(name, deps, pattern), level: level}
}

func (h *Logger) Handle(ctx context.Context, hctx *pipeline.HandlerContext, ev events.SessionEvent) pipeline.Outcome {
	l := logging.Get(logging.CategoryHandlers).With("event", ev.EventType())
	if sid := pipeline.SessionID(ctx); sid != "" {
		l = l.With("session", sid)
	}
	if seq, ok := hctx.Get(SeqKey); ok {
		l = l.With("seq", seq)
	}

	summary := events.Summary(ev, summaryLength)
	switch h.level {
	case "debug":
		l.Debug("%s", summary)
	case "warn":
		l.Warn("%s", summary)
	default:
		l.Info("%s", summary)
	}
	return pipeline.Continue(ev)
}
