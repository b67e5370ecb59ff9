package events

import "path"

// EstimateTokens gives a rough token count for ev: a quarter of the main text
// length (at least one) plus a fixed per-event overhead of 10.
func EstimateTokens(ev SessionEvent) int {
	var n int
	switch e := Value(ev).(type) {
	case MessageReceived:
		n = len(e.Content)
	case AgentResponded:
		n = len(e.Content)
		for _, tc := range e.ToolCalls {
			n += len(tc.Name) + len(tc.Args)
		}
	case AgentThinking:
		n = len(e.Thought)
	case ToolCalled:
		n = len(e.Args)
	case ToolCompleted:
		n = len(e.Result) + len(e.Error)
	case SessionStarted:
		n = 100
	case SessionCompacted:
		n = len(e.Summary)
	case SessionEnded:
		n = len(e.Reason)
	case SubagentSpawned:
		n = len(e.Prompt)
	case SubagentCompleted:
		n = len(e.Result)
	case SubagentFailed:
		n = len(e.Error)
	case TextDelta:
		n = len(e.Delta)
	case FileChanged, FileDeleted, FileMoved:
		n = 50
	case Custom:
		n = len(e.Payload)
	}
	return max(n/4, 1) + 10
}

// EstimateTotal sums EstimateTokens over a window.
func EstimateTotal(window []SessionEvent) int {
	total := 0
	for _, ev := range window {
		total += EstimateTokens(ev)
	}
	return total
}

// MatchPattern reports whether eventType matches a glob pattern such as
// "tool_*". The empty pattern and "*" match everything; malformed patterns
// match nothing.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, eventType)
	return err == nil && ok
}
