// Package session drives a Reactor through the lifecycle of one session:
// start, a sequence of turns, budget-triggered compaction, and end.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/events"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
	"kiln/internal/reactor"
)

var (
	// ErrNotStarted is returned by Submit, Compact and End before Start.
	ErrNotStarted = errors.New("session not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrEnded is returned by every call after End.
	ErrEnded = errors.New("session ended")
)

// State is the lifecycle state of a Runtime.
type State int

const (
	StateIdle State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Config holds runtime limits.
type Config struct {
	// MaxContextTokens is the estimated token budget of the history. Going
	// over it triggers compaction.
	MaxContextTokens int

	// KeepAfterCompact is how many of the most recent events survive a
	// compaction next to the summary.
	KeepAfterCompact int

	// SlowTurnThreshold logs turns that take longer than this.
	SlowTurnThreshold time.Duration

	// SystemPrompt is passed to the reactor on start.
	SystemPrompt string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxContextTokens:  reactor.DefaultMaxContextTokens,
		KeepAfterCompact:  10,
		SlowTurnThreshold: 250 * time.Millisecond,
	}
}

// Turn is the result of submitting one event.
type Turn struct {
	// Event is what the reactor returned. It is not recorded when the turn
	// was cancelled.
	Event     events.SessionEvent
	Cancelled bool
	// Compacted reports that this turn pushed the history over budget and
	// a compaction followed.
	Compacted bool
}

// turnContext is the EventContext handed to the reactor for one event.
type turnContext struct {
	cancelled bool
}

func (t *turnContext) Cancel() { t.cancelled = true }

// Runtime owns the history of one session. All methods are safe for
// concurrent use; calls are serialized.
type Runtime struct {
	mu sync.Mutex

	reactor reactor.Reactor
	config  Config

	id      string
	state   State
	started time.Time
	turns   int

	history []events.SessionEvent
	tokens  int
}

// New creates a runtime driving r. A zero budget or slow-turn threshold
// takes the default; KeepAfterCompact is used as given.
func New(r reactor.Reactor, cfg Config) *Runtime {
	def := DefaultConfig()
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = def.MaxContextTokens
	}
	if cfg.KeepAfterCompact < 0 {
		cfg.KeepAfterCompact = 0
	}
	if cfg.SlowTurnThreshold <= 0 {
		cfg.SlowTurnThreshold = def.SlowTurnThreshold
	}
	return &Runtime{
		reactor: r,
		config:  cfg,
		history: make([]events.SessionEvent, 0),
	}
}

// Start opens the session over folder and routes a SessionStarted event.
// It returns the new session id.
func (s *Runtime) Start(ctx context.Context, folder string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		return "", ErrAlreadyStarted
	case StateEnded:
		return "", ErrEnded
	}

	id := uuid.NewString()
	err := s.reactor.OnSessionStart(ctx, reactor.SessionConfig{
		SessionID:        id,
		Folder:           folder,
		MaxContextTokens: s.config.MaxContextTokens,
		SystemPrompt:     s.config.SystemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}

	s.id = id
	s.state = StateActive
	s.started = time.Now()
	logging.Session("session %s started in %s (reactor %s)", id, folder, s.reactor.Metadata().Name)
	logging.AuditWithSession(id).SessionStart(folder)

	if _, err := s.submitLocked(ctx, events.SessionStarted{SessionID: id, Folder: folder}); err != nil {
		return id, err
	}
	return id, nil
}

// Submit routes ev through the reactor and records the result. A cancelled
// turn leaves the history untouched. The error reports only the turn itself:
// once the event is recorded, a failed budget compaction is logged and the
// turn still succeeds.
func (s *Runtime) Submit(ctx context.Context, ev events.SessionEvent) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive(); err != nil {
		return Turn{}, err
	}
	if ev = events.Value(ev); ev == nil {
		return Turn{}, pipeline.ErrNilEvent
	}
	return s.submitLocked(ctx, ev)
}

func (s *Runtime) submitLocked(ctx context.Context, ev events.SessionEvent) (Turn, error) {
	timer := logging.StartTimer(logging.CategorySession, "turn "+ev.EventType())
	defer timer.StopWithThreshold(s.config.SlowTurnThreshold)

	start := time.Now()
	tctx := &turnContext{}
	out, err := s.reactor.HandleEvent(pipeline.WithSessionID(ctx, s.id), tctx, ev)
	s.turns++
	logging.AuditWithSession(s.id).Turn(ev.EventType(), time.Since(start), err)
	if err != nil {
		return Turn{}, err
	}
	if out == nil {
		out = ev
	}

	turn := Turn{Event: out, Cancelled: tctx.cancelled}
	if turn.Cancelled {
		logging.SessionDebug("turn %s cancelled", ev.EventType())
		return turn, nil
	}

	s.history = append(s.history, out)
	s.tokens += events.EstimateTokens(out)

	if s.tokens > s.config.MaxContextTokens {
		logging.Session("history at %d tokens exceeds budget %d, compacting", s.tokens, s.config.MaxContextTokens)
		// The event is already recorded; a failed compaction is retried on
		// the next turn over budget.
		compacted, err := s.compactLocked(ctx)
		if err != nil {
			logging.SessionWarn("compaction after %s failed, history kept at %d tokens: %v", ev.EventType(), s.tokens, err)
		}
		turn.Compacted = compacted
	}
	return turn, nil
}

// Compact summarizes the history and keeps only the summary plus the most
// recent KeepAfterCompact events. It is a no-op when there is nothing older
// than that to discard, or when a handler cancels the SessionCompacted marker.
func (s *Runtime) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive(); err != nil {
		return err
	}
	_, err := s.compactLocked(ctx)
	return err
}

func (s *Runtime) compactLocked(ctx context.Context) (bool, error) {
	keep := s.config.KeepAfterCompact
	if len(s.history) <= keep {
		logging.SessionDebug("nothing to compact: %d events, keeping %d", len(s.history), keep)
		return false, nil
	}

	summary, err := s.reactor.OnBeforeCompact(ctx, s.history)
	if err != nil {
		return false, fmt.Errorf("failed to compact history: %w", err)
	}

	var marker events.SessionEvent = events.SessionCompacted{Summary: summary}
	tctx := &turnContext{}
	if out, err := s.reactor.HandleEvent(pipeline.WithSessionID(ctx, s.id), tctx, marker); err != nil {
		return false, fmt.Errorf("failed to record compaction: %w", err)
	} else if out != nil {
		marker = out
	}
	if tctx.cancelled {
		// Without a recorded marker the discarded events would vanish from
		// the log's view of the session.
		logging.SessionWarn("compaction marker cancelled, keeping %d events", len(s.history))
		return false, nil
	}

	discarded := len(s.history) - keep
	next := make([]events.SessionEvent, 0, keep+1)
	next = append(next, marker)
	next = append(next, s.history[discarded:]...)

	s.history = next
	s.tokens = events.EstimateTotal(next)

	logging.Session("compacted %d events, history now %d events / %d tokens", discarded, len(next), s.tokens)
	logging.AuditWithSession(s.id).Compaction(discarded)
	return true, nil
}

// End routes a SessionEnded event and detaches the reactor. Every later call
// fails with ErrEnded.
func (s *Runtime) End(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActive(); err != nil {
		return err
	}

	var errs []error
	if _, err := s.submitLocked(ctx, events.SessionEnded{Reason: reason}); err != nil {
		errs = append(errs, err)
	}
	if err := s.reactor.OnSessionEnd(ctx, reason); err != nil {
		errs = append(errs, err)
	}

	s.state = StateEnded
	elapsed := time.Since(s.started)
	logging.Session("session %s ended after %d turns (%v): %s", s.id, s.turns, elapsed, reason)
	logging.AuditWithSession(s.id).SessionEnd(reason, s.turns, elapsed)
	return errors.Join(errs...)
}

func (s *Runtime) checkActive() error {
	switch s.state {
	case StateIdle:
		return ErrNotStarted
	case StateEnded:
		return ErrEnded
	}
	return nil
}

// History returns a copy of the recorded events.
func (s *Runtime) History() []events.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]events.SessionEvent, len(s.history))
	copy(history, s.history)
	return history
}

// Tokens is the estimated token count of the history.
func (s *Runtime) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// ID is the session id, empty before Start.
func (s *Runtime) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State reports the lifecycle state.
func (s *Runtime) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
