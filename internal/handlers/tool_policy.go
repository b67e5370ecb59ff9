package handlers

import (
	"context"
	"fmt"
	"strings"

	"kiln/internal/events"
	"kiln/internal/pipeline"
)

// ToolPolicy gates tool use. A denied tool aborts the pass; when an allow
// list is set, tools outside it are reported as soft errors and let through.
// Entries are glob patterns ("fs_*").
type ToolPolicy struct {
	base
	deny  []string
	allow []string
}

// NewToolPolicy builds a policy handler.
func NewToolPolicy(name string, deps []string, pattern string, deny, allow []string) *ToolPolicy {
	return &ToolPolicy{
		base:  newBase(name, deps, pattern),
		deny:  nonEmpty(deny),
		allow: nonEmpty(allow),
	}
}

func (h *ToolPolicy) Handle(_ context.Context, _ *pipeline.HandlerContext, ev events.SessionEvent) pipeline.Outcome {
	var unlisted []string
	for _, tool := range toolNames(ev) {
		if matchesAny(h.deny, tool) {
			return pipeline.Fatal(fmt.Sprintf("tool %s is not permitted", tool))
		}
		if len(h.allow) > 0 && !matchesAny(h.allow, tool) {
			unlisted = append(unlisted, tool)
		}
	}
	if len(unlisted) > 0 {
		return pipeline.SoftError(ev, fmt.Sprintf("tool %s is not in the allow list", strings.Join(unlisted, ", ")))
	}
	return pipeline.Continue(ev)
}

func toolNames(ev events.SessionEvent) []string {
	switch e := events.Value(ev).(type) {
	case events.ToolCalled:
		return []string{e.Name}
	case events.AgentResponded:
		names := make([]string, 0, len(e.ToolCalls))
		for _, tc := range e.ToolCalls {
			names = append(names, tc.Name)
		}
		return names
	default:
		return nil
	}
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if events.MatchPattern(p, name) {
			return true
		}
	}
	return false
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
