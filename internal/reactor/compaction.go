package reactor

import (
	"fmt"
	"strings"

	"kiln/internal/events"
)

const (
	maxExcerpts   = 3
	excerptLength = 80
)

// Digest tallies a window of session events ahead of compaction.
type Digest struct {
	Messages  int
	ToolCalls int
	Tools     []string // distinct tool names, first-seen order
	Responses int
	Thinking  int
	Subagents int
	Total     int
	Excerpts  []string
}

// Summarize counts the events in window.
func Summarize(window []events.SessionEvent) Digest {
	d := Digest{Total: len(window)}
	seen := make(map[string]bool)

	for _, ev := range window {
		switch e := events.Value(ev).(type) {
		case events.MessageReceived:
			d.Messages++
			if len(d.Excerpts) < maxExcerpts {
				d.Excerpts = append(d.Excerpts, excerpt(e))
			}
		case events.ToolCalled:
			d.ToolCalls++
			if !seen[e.Name] {
				seen[e.Name] = true
				d.Tools = append(d.Tools, e.Name)
			}
		case events.AgentResponded:
			d.Responses++
		case events.AgentThinking:
			d.Thinking++
		case events.SubagentSpawned, events.SubagentCompleted, events.SubagentFailed:
			d.Subagents++
		}
	}
	return d
}

func excerpt(m events.MessageReceived) string {
	content := m.Content
	if r := []rune(content); len(r) > excerptLength {
		content = string(r[:excerptLength-3]) + "..."
	}
	return m.ParticipantID + ": " + content
}

// String renders the digest as the compaction summary text.
func (d Digest) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session Summary: %d messages, %d tool calls, %d agent responses, %d total events.",
		d.Messages, d.ToolCalls, d.Responses, d.Total)

	if len(d.Tools) > 0 {
		fmt.Fprintf(&b, "\n\nTools used: %s", strings.Join(d.Tools, ", "))
	}
	if d.Thinking > 0 {
		fmt.Fprintf(&b, "\n\nAgent thinking events: %d", d.Thinking)
	}
	if d.Subagents > 0 {
		fmt.Fprintf(&b, "\n\nSubagent events: %d", d.Subagents)
	}
	if len(d.Excerpts) > 0 {
		b.WriteString("\n\nKey messages:\n")
		for _, e := range d.Excerpts {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}
