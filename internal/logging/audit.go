package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Session lifecycle
	AuditSessionStart AuditEventType = "session_start"
	AuditSessionEnd   AuditEventType = "session_end"
	AuditTurn         AuditEventType = "turn"
	AuditCompaction   AuditEventType = "compaction"

	// Chain outcomes
	AuditChainCancelled AuditEventType = "chain_cancelled"
	AuditChainFatal     AuditEventType = "chain_fatal"
	AuditChainInvalid   AuditEventType = "chain_invalid"
)

// AuditEvent is one structured audit entry.
type AuditEvent struct {
	EventType  AuditEventType
	SessionID  string
	Target     string // handler name, event type, reason...
	Success    bool
	DurationMs int64
	Count      int // turns, events, ...
	Error      string
	Message    string
}

// AuditLogger writes audit events as structured fields on the "audit" logger.
// Audit entries are emitted at info level regardless of category filters.
type AuditLogger struct {
	sessionID string
}

// AuditWithSession creates an audit logger scoped to a session.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}

	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.Bool("success", event.Success),
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session", event.SessionID))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Count > 0 {
		fields = append(fields, zap.Int("count", event.Count))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	msg := event.Message
	if msg == "" {
		msg = string(event.EventType)
	}
	Base().Named("audit").Info(msg, fields...)
}

// SessionStart records a session start.
func (a *AuditLogger) SessionStart(folder string) {
	a.Log(AuditEvent{EventType: AuditSessionStart, Target: folder, Success: true})
}

// SessionEnd records a session end.
func (a *AuditLogger) SessionEnd(reason string, turns int, elapsed time.Duration) {
	a.Log(AuditEvent{
		EventType:  AuditSessionEnd,
		Target:     reason,
		Success:    true,
		DurationMs: elapsed.Milliseconds(),
		Count:      turns,
		Message:    "session ended",
	})
}

// Turn records one processed event.
func (a *AuditLogger) Turn(eventType string, elapsed time.Duration, err error) {
	ev := AuditEvent{
		EventType:  AuditTurn,
		Target:     eventType,
		Success:    err == nil,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}

// Compaction records a history compaction over the given number of events.
func (a *AuditLogger) Compaction(events int) {
	a.Log(AuditEvent{
		EventType: AuditCompaction,
		Success:   true,
		Count:     events,
		Message:   "history compacted",
	})
}

// ChainOutcome records a non-continuing chain outcome.
func (a *AuditLogger) ChainOutcome(kind AuditEventType, handler, errMsg string) {
	a.Log(AuditEvent{
		EventType: kind,
		Target:    handler,
		Success:   kind == AuditChainCancelled,
		Error:     errMsg,
	})
}
