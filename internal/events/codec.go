package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned by Decode for an envelope whose type has no
// registered variant.
var ErrUnknownEventType = errors.New("unknown event type")

// envelope is the wire form: {"type": "...", "data": {...}}.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var decoders = map[string]func(json.RawMessage) (SessionEvent, error){
	TypeMessageReceived:   decodeAs[MessageReceived],
	TypeAgentResponded:    decodeAs[AgentResponded],
	TypeAgentThinking:     decodeAs[AgentThinking],
	TypeToolCalled:        decodeAs[ToolCalled],
	TypeToolCompleted:     decodeAs[ToolCompleted],
	TypeSessionStarted:    decodeAs[SessionStarted],
	TypeSessionCompacted:  decodeAs[SessionCompacted],
	TypeSessionEnded:      decodeAs[SessionEnded],
	TypeSubagentSpawned:   decodeAs[SubagentSpawned],
	TypeSubagentCompleted: decodeAs[SubagentCompleted],
	TypeSubagentFailed:    decodeAs[SubagentFailed],
	TypeTextDelta:         decodeAs[TextDelta],
	TypeFileChanged:       decodeAs[FileChanged],
	TypeFileDeleted:       decodeAs[FileDeleted],
	TypeFileMoved:         decodeAs[FileMoved],
	TypeCustom:            decodeAs[Custom],
}

func decodeAs[T SessionEvent](data json.RawMessage) (SessionEvent, error) {
	var ev T
	if len(data) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Encode serializes ev into its JSON envelope.
func Encode(ev SessionEvent) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("cannot encode nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(envelope{Type: ev.EventType(), Data: data})
}

// Decode parses a JSON envelope produced by Encode.
func Decode(raw []byte) (SessionEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return DecodeData(env.Type, env.Data)
}

// DecodeData builds an event of the given type from its data payload alone.
func DecodeData(eventType string, data []byte) (SessionEvent, error) {
	dec, ok := decoders[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	ev, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return ev, nil
}

// EncodeData serializes only the event's data payload, without the envelope.
func EncodeData(ev SessionEvent) ([]byte, error) {
	return json.Marshal(ev)
}
