package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"kiln/internal/config"
	"kiln/internal/events"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
	"kiln/internal/store"
)

func msg(content string) events.SessionEvent {
	return events.MessageReceived{Content: content, ParticipantID: "user"}
}

func handle(t *testing.T, h pipeline.Handler, ev events.SessionEvent) pipeline.Outcome {
	t.Helper()
	return h.Handle(context.Background(), pipeline.NewHandlerContext(), ev)
}

// =============================================================================
// INTERRUPT
// =============================================================================

func TestInterruptConsumesSignal(t *testing.T) {
	sig := &Signal{}
	h := NewInterrupt(sig, "")
	assert.Equal(t, InterruptName, h.Name())
	assert.Empty(t, h.Dependencies())

	out := handle(t, h, msg("a"))
	assert.Equal(t, pipeline.OutcomeContinue, out.Kind)

	sig.Raise()
	assert.True(t, sig.Pending())
	out = handle(t, h, msg("b"))
	assert.Equal(t, pipeline.OutcomeCancelled, out.Kind)
	assert.Equal(t, msg("b"), out.Event)
	assert.False(t, sig.Pending(), "signal is one-shot")

	out = handle(t, h, msg("c"))
	assert.Equal(t, pipeline.OutcomeContinue, out.Kind)
}

func TestInterruptHonoursDoneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewInterrupt(nil, "").Handle(ctx, pipeline.NewHandlerContext(), msg("x"))
	assert.Equal(t, pipeline.OutcomeCancelled, out.Kind)
}

// =============================================================================
// TOOL POLICY
// =============================================================================

func TestToolPolicy(t *testing.T) {
	h := NewToolPolicy("guard", nil, "", []string{"rm*", " "}, []string{"search", "read_*"})

	tests := []struct {
		name    string
		ev      events.SessionEvent
		kind    pipeline.OutcomeKind
		message string
	}{
		{"allowed", events.ToolCalled{Name: "read_note"}, pipeline.OutcomeContinue, ""},
		{"denied", events.ToolCalled{Name: "rm_rf"}, pipeline.OutcomeFatal, "tool rm_rf is not permitted"},
		{"denied by pointer", &events.ToolCalled{Name: "rm_rf"}, pipeline.OutcomeFatal, "tool rm_rf is not permitted"},
		{"unlisted", events.ToolCalled{Name: "fetch"}, pipeline.OutcomeSoftError, "tool fetch is not in the allow list"},
		{"not a tool event", msg("rm everything"), pipeline.OutcomeContinue, ""},
		{
			"denied inside a response",
			events.AgentResponded{ToolCalls: []events.ToolCall{{Name: "search"}, {Name: "rmdir"}}},
			pipeline.OutcomeFatal,
			"tool rmdir is not permitted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := handle(t, h, tt.ev)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.message, out.Message)
		})
	}
}

func TestToolPolicyWithoutAllowList(t *testing.T) {
	h := NewToolPolicy("guard", nil, "", []string{"shell"}, nil)
	assert.Equal(t, pipeline.OutcomeContinue, handle(t, h, events.ToolCalled{Name: "anything"}).Kind)
}

// =============================================================================
// SCRIPT
// =============================================================================

const upperScript = `package main

import (
	"encoding/json"
	"strings"
)

func Handle(eventType string, payload string) (string, error) {
	if eventType != "message_received" {
		return "", nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return "", err
	}
	m["content"] = strings.ToUpper(m["content"].(string))
	out, err := json.Marshal(m)
	return string(out), err
}
`

const failingScript = `package main

import "errors"

func Handle(eventType string, payload string) (string, error) {
	return "", errors.New("script refused")
}
`

func TestScriptRewritesEvent(t *testing.T) {
	h, err := NewScript("upper", []string{"interrupt"}, upperScript, ScriptOptions{Pattern: "message_*"})
	require.NoError(t, err)
	assert.Equal(t, "message_*", h.EventPattern())
	assert.Equal(t, []string{"interrupt"}, h.Dependencies())

	out := handle(t, h, msg("quiet please"))
	require.Equal(t, pipeline.OutcomeContinue, out.Kind, out.Message)
	assert.Equal(t, events.MessageReceived{Content: "QUIET PLEASE", ParticipantID: "user"}, out.Event)

	same := events.ToolCalled{Name: "search"}
	out = handle(t, h, same)
	assert.Equal(t, pipeline.OutcomeContinue, out.Kind)
	assert.Equal(t, same, out.Event)
}

func TestScriptErrors(t *testing.T) {
	soft, err := NewScript("s", nil, failingScript, ScriptOptions{})
	require.NoError(t, err)
	out := handle(t, soft, msg("x"))
	assert.Equal(t, pipeline.OutcomeSoftError, out.Kind)
	assert.Equal(t, "script refused", out.Message)
	assert.Equal(t, msg("x"), out.Event)

	fatal, err := NewScript("s", nil, failingScript, ScriptOptions{FatalOnError: true})
	require.NoError(t, err)
	out = handle(t, fatal, msg("x"))
	assert.Equal(t, pipeline.OutcomeFatal, out.Kind)
}

func TestScriptRejectsForbiddenImports(t *testing.T) {
	src := `package main

import "os"

func Handle(eventType string, payload string) (string, error) {
	os.Exit(1)
	return "", nil
}
`
	_, err := NewScript("bad", nil, src, ScriptOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden imports")
}

func TestScriptRequiresHandle(t *testing.T) {
	_, err := NewScript("bad", nil, `func Other() {}`, ScriptOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handle function not found")

	_, err = NewScript("bad", nil, `func Handle(n int) int { return n }`, ScriptOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handle has incorrect signature")
}

// =============================================================================
// PERSIST
// =============================================================================

type failingLog struct{}

func (failingLog) Append(context.Context, string, events.SessionEvent) (int64, error) {
	return 0, errors.New("disk full")
}

func TestPersistAppendsUnderSession(t *testing.T) {
	log, err := store.Open(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	h := NewPersist("persist", nil, "", log, false)
	ctx := pipeline.WithSessionID(context.Background(), "s-42")
	hctx := pipeline.NewHandlerContext()

	out := h.Handle(ctx, hctx, msg("keep me"))
	assert.Equal(t, pipeline.OutcomeContinue, out.Kind)
	seq, ok := hctx.Get(SeqKey)
	require.True(t, ok)
	assert.Equal(t, int64(1), seq)

	recs, err := log.Events(context.Background(), "s-42", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, msg("keep me"), recs[0].Event)

	_ = h.Handle(context.Background(), pipeline.NewHandlerContext(), msg("orphan"))
	recs, err = log.Events(context.Background(), DefaultSessionID, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPersistFailure(t *testing.T) {
	out := handle(t, NewPersist("persist", nil, "", failingLog{}, false), msg("x"))
	assert.Equal(t, pipeline.OutcomeSoftError, out.Kind)
	assert.Contains(t, out.Message, "disk full")

	out = handle(t, NewPersist("persist", nil, "", failingLog{}, true), msg("x"))
	assert.Equal(t, pipeline.OutcomeFatal, out.Kind)
}

// =============================================================================
// LOGGER
// =============================================================================

func TestLoggerWritesSummary(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetBase(zap.New(core))
	t.Cleanup(logging.CloseAll)

	h := NewLogger("logger", nil, "", "warn")
	ctx := pipeline.WithSessionID(context.Background(), "s-1")
	out := h.Handle(ctx, pipeline.NewHandlerContext(), msg("hello there"))
	assert.Equal(t, pipeline.OutcomeContinue, out.Kind)

	entries := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "user: hello there", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "message_received", fields["event"])
	assert.Equal(t, "s-1", fields["session"])
}

// =============================================================================
// BUILD
// =============================================================================

func TestBuildFromConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "upper.go"), []byte(upperScript), 0644))

	log, err := store.Open(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	sig := &Signal{}
	specs := []config.HandlerConfig{
		{Type: config.HandlerInterrupt},
		{Type: config.HandlerToolPolicy, Name: "guard", DependsOn: []string{"interrupt"}, Deny: []string{"rm"}},
		{Type: config.HandlerScript, Name: "upper", Script: "upper.go", DependsOn: []string{"guard"}},
		{Type: config.HandlerPersist, DependsOn: []string{"upper"}},
		{Type: config.HandlerLogger, DependsOn: []string{"persist"}},
	}

	hs, err := Build(specs, Deps{Signal: sig, Log: log, BaseDir: dir})
	require.NoError(t, err)
	require.Len(t, hs, 5)

	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = h.Name()
	}
	assert.Equal(t, []string{"interrupt", "guard", "upper", "persist", "logger"}, names)
	assert.Same(t, sig, hs[0].(*Interrupt).Signal())

	chain := pipeline.NewHandlerChain()
	for _, h := range hs {
		require.NoError(t, chain.Add(h))
	}
	_, out, err := chain.Process(pipeline.WithSessionID(context.Background(), "s"), msg("shout"))
	require.NoError(t, err)
	assert.Equal(t, events.MessageReceived{Content: "SHOUT", ParticipantID: "user"}, out)

	recs, err := log.Events(context.Background(), "s", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	raw, err := events.EncodeData(recs[0].Event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"SHOUT","participant_id":"user"}`, string(raw))
}

func TestBuildErrors(t *testing.T) {
	_, err := Build([]config.HandlerConfig{{Type: config.HandlerPersist}}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event log")

	_, err = Build([]config.HandlerConfig{{Type: "teleport"}}, Deps{})
	require.Error(t, err)

	_, err = Build([]config.HandlerConfig{{Type: config.HandlerScript, Script: "/does/not/exist.go"}}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read script")
}
