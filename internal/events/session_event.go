// Package events defines the session events that flow through the kiln
// handler pipeline.
//
// A SessionEvent is an immutable value. Handlers receive the current event
// and return the next one; they never mutate the value they were given.
package events

import (
	"encoding/json"
	"fmt"
)

// Event type names, as reported by SessionEvent.EventType.
const (
	TypeMessageReceived   = "message_received"
	TypeAgentResponded    = "agent_responded"
	TypeAgentThinking     = "agent_thinking"
	TypeToolCalled        = "tool_called"
	TypeToolCompleted     = "tool_completed"
	TypeSessionStarted    = "session_started"
	TypeSessionCompacted  = "session_compacted"
	TypeSessionEnded      = "session_ended"
	TypeSubagentSpawned   = "subagent_spawned"
	TypeSubagentCompleted = "subagent_completed"
	TypeSubagentFailed    = "subagent_failed"
	TypeTextDelta         = "text_delta"
	TypeFileChanged       = "file_changed"
	TypeFileDeleted       = "file_deleted"
	TypeFileMoved         = "file_moved"
	TypeCustom            = "custom"
)

// SessionEvent is one occurrence in an agent session.
// The set of implementations is closed to this package.
type SessionEvent interface {
	// EventType returns the snake_case type name used for routing and encoding.
	EventType() string
	// Identifier returns a finer-grained name for pattern matching
	// (tool name, message participant, session id...).
	Identifier() string

	sessionEvent()
}

// MessageReceived is a message from a user or other participant.
type MessageReceived struct {
	Content       string `json:"content"`
	ParticipantID string `json:"participant_id"`
}

// ToolCall is a tool invocation requested inside an agent response.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// AgentResponded is a completed agent response.
type AgentResponded struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// AgentThinking carries intermediate reasoning output.
type AgentThinking struct {
	Thought string `json:"thought"`
}

// ToolCalled is emitted when a tool is about to run.
type ToolCalled struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCompleted is emitted when a tool finished, successfully or not.
type ToolCompleted struct {
	Name   string `json:"name"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// SessionStarted opens a session.
type SessionStarted struct {
	SessionID string `json:"session_id"`
	Folder    string `json:"folder,omitempty"`
}

// SessionCompacted replaces compacted history with a summary.
type SessionCompacted struct {
	Summary string `json:"summary"`
	Archive string `json:"archive,omitempty"`
}

// SessionEnded closes a session.
type SessionEnded struct {
	Reason string `json:"reason"`
}

// SubagentSpawned reports a child agent being started.
type SubagentSpawned struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// SubagentCompleted reports a child agent result.
type SubagentCompleted struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// SubagentFailed reports a child agent failure.
type SubagentFailed struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// TextDelta is one streamed chunk of agent output.
type TextDelta struct {
	Delta string `json:"delta"`
	Seq   uint64 `json:"seq"`
}

// FileChangeKind distinguishes created and modified files.
type FileChangeKind string

const (
	FileCreated  FileChangeKind = "created"
	FileModified FileChangeKind = "modified"
)

// FileChanged reports a raw file change in the kiln, before parsing.
type FileChanged struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
}

// FileDeleted reports a removed file.
type FileDeleted struct {
	Path string `json:"path"`
}

// FileMoved reports a rename.
type FileMoved struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Custom carries an application-defined payload.
type Custom struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (MessageReceived) EventType() string   { return TypeMessageReceived }
func (AgentResponded) EventType() string    { return TypeAgentResponded }
func (AgentThinking) EventType() string     { return TypeAgentThinking }
func (ToolCalled) EventType() string        { return TypeToolCalled }
func (ToolCompleted) EventType() string     { return TypeToolCompleted }
func (SessionStarted) EventType() string    { return TypeSessionStarted }
func (SessionCompacted) EventType() string  { return TypeSessionCompacted }
func (SessionEnded) EventType() string      { return TypeSessionEnded }
func (SubagentSpawned) EventType() string   { return TypeSubagentSpawned }
func (SubagentCompleted) EventType() string { return TypeSubagentCompleted }
func (SubagentFailed) EventType() string    { return TypeSubagentFailed }
func (TextDelta) EventType() string         { return TypeTextDelta }
func (FileChanged) EventType() string       { return TypeFileChanged }
func (FileDeleted) EventType() string       { return TypeFileDeleted }
func (FileMoved) EventType() string         { return TypeFileMoved }
func (Custom) EventType() string            { return TypeCustom }

func (e MessageReceived) Identifier() string   { return "message:" + e.ParticipantID }
func (AgentResponded) Identifier() string      { return "agent:responded" }
func (AgentThinking) Identifier() string       { return "agent:thinking" }
func (e ToolCalled) Identifier() string        { return e.Name }
func (e ToolCompleted) Identifier() string     { return e.Name }
func (e SessionStarted) Identifier() string    { return "session:" + e.SessionID }
func (SessionCompacted) Identifier() string    { return "session:compacted" }
func (SessionEnded) Identifier() string        { return "session:ended" }
func (e SubagentSpawned) Identifier() string   { return "subagent:spawned:" + e.ID }
func (e SubagentCompleted) Identifier() string { return "subagent:completed:" + e.ID }
func (e SubagentFailed) Identifier() string    { return "subagent:failed:" + e.ID }
func (TextDelta) Identifier() string           { return "agent:delta" }
func (e FileChanged) Identifier() string       { return e.Path }
func (e FileDeleted) Identifier() string       { return e.Path }
func (e FileMoved) Identifier() string         { return e.To }
func (e Custom) Identifier() string            { return e.Name }

func (MessageReceived) sessionEvent()   {}
func (AgentResponded) sessionEvent()    {}
func (AgentThinking) sessionEvent()     {}
func (ToolCalled) sessionEvent()        {}
func (ToolCompleted) sessionEvent()     {}
func (SessionStarted) sessionEvent()    {}
func (SessionCompacted) sessionEvent()  {}
func (SessionEnded) sessionEvent()      {}
func (SubagentSpawned) sessionEvent()   {}
func (SubagentCompleted) sessionEvent() {}
func (SubagentFailed) sessionEvent()    {}
func (TextDelta) sessionEvent()         {}
func (FileChanged) sessionEvent()       {}
func (FileDeleted) sessionEvent()       {}
func (FileMoved) sessionEvent()         {}
func (Custom) sessionEvent()            {}

// Value returns ev with a pointer to one of this package's event structs
// replaced by the struct itself. Pointers satisfy SessionEvent through the
// value methods, but every type switch in the pipeline matches values. A nil
// pointer yields nil.
func Value(ev SessionEvent) SessionEvent {
	switch e := ev.(type) {
	case *MessageReceived:
		return deref(e)
	case *AgentResponded:
		return deref(e)
	case *AgentThinking:
		return deref(e)
	case *ToolCalled:
		return deref(e)
	case *ToolCompleted:
		return deref(e)
	case *SessionStarted:
		return deref(e)
	case *SessionCompacted:
		return deref(e)
	case *SessionEnded:
		return deref(e)
	case *SubagentSpawned:
		return deref(e)
	case *SubagentCompleted:
		return deref(e)
	case *SubagentFailed:
		return deref(e)
	case *TextDelta:
		return deref(e)
	case *FileChanged:
		return deref(e)
	case *FileDeleted:
		return deref(e)
	case *FileMoved:
		return deref(e)
	case *Custom:
		return deref(e)
	default:
		return ev
	}
}

func deref[T SessionEvent](p *T) SessionEvent {
	if p == nil {
		return nil
	}
	return *p
}

// Summary returns a one-line human readable description of ev, truncated to maxLen
// runes of content. A maxLen <= 0 disables truncation.
func Summary(ev SessionEvent, maxLen int) string {
	switch e := Value(ev).(type) {
	case MessageReceived:
		return fmt.Sprintf("%s: %s", e.ParticipantID, truncate(e.Content, maxLen))
	case AgentResponded:
		if len(e.ToolCalls) > 0 {
			return fmt.Sprintf("%s (%d tool calls)", truncate(e.Content, maxLen), len(e.ToolCalls))
		}
		return truncate(e.Content, maxLen)
	case AgentThinking:
		return truncate(e.Thought, maxLen)
	case ToolCalled:
		return fmt.Sprintf("%s(%s)", e.Name, truncate(string(e.Args), maxLen))
	case ToolCompleted:
		if e.Error != "" {
			return fmt.Sprintf("%s failed: %s", e.Name, truncate(e.Error, maxLen))
		}
		return fmt.Sprintf("%s -> %s", e.Name, truncate(e.Result, maxLen))
	case SessionStarted:
		return fmt.Sprintf("session %s started", e.SessionID)
	case SessionCompacted:
		return truncate(e.Summary, maxLen)
	case SessionEnded:
		return "ended: " + e.Reason
	case SubagentSpawned:
		return fmt.Sprintf("%s: %s", e.ID, truncate(e.Prompt, maxLen))
	case SubagentCompleted:
		return fmt.Sprintf("%s: %s", e.ID, truncate(e.Result, maxLen))
	case SubagentFailed:
		return fmt.Sprintf("%s failed: %s", e.ID, truncate(e.Error, maxLen))
	case TextDelta:
		return truncate(e.Delta, maxLen)
	case FileChanged:
		return fmt.Sprintf("%s %s", e.Kind, e.Path)
	case FileDeleted:
		return "deleted " + e.Path
	case FileMoved:
		return fmt.Sprintf("%s -> %s", e.From, e.To)
	case Custom:
		return fmt.Sprintf("%s %s", e.Name, truncate(string(e.Payload), maxLen))
	default:
		return ev.EventType()
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
