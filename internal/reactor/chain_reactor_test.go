package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"kiln/internal/events"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeContext counts Cancel calls.
type fakeContext struct {
	cancels int
}

func (f *fakeContext) Cancel() { f.cancels++ }

func msg(content string) events.SessionEvent {
	return events.MessageReceived{Content: content, ParticipantID: "user"}
}

func handler(name string, deps []string, fn func(ev events.SessionEvent) pipeline.Outcome) pipeline.Handler {
	return pipeline.HandlerFunc(name, deps, func(_ context.Context, _ *pipeline.HandlerContext, ev events.SessionEvent) pipeline.Outcome {
		return fn(ev)
	})
}

func TestHandleEventSuccess(t *testing.T) {
	r, err := NewChainReactorWith(
		handler("upper", nil, func(events.SessionEvent) pipeline.Outcome {
			return pipeline.Continue(msg("HELLO"))
		}),
	)
	require.NoError(t, err)

	ectx := &fakeContext{}
	out, err := r.HandleEvent(context.Background(), ectx, msg("hello"))
	require.NoError(t, err)
	assert.Equal(t, msg("HELLO"), out)
	assert.Zero(t, ectx.cancels)
}

func TestHandleEventCancelForwardsToContext(t *testing.T) {
	r, err := NewChainReactorWith(
		handler("a", nil, func(ev events.SessionEvent) pipeline.Outcome { return pipeline.Continue(ev) }),
		handler("b", []string{"a"}, func(events.SessionEvent) pipeline.Outcome {
			return pipeline.Cancelled(msg("e2"))
		}),
	)
	require.NoError(t, err)

	ectx := &fakeContext{}
	out, err := r.HandleEvent(context.Background(), ectx, msg("e1"))
	require.NoError(t, err)
	assert.Equal(t, msg("e2"), out)
	assert.Equal(t, 1, ectx.cancels)
}

func TestHandleEventFatalCarriesNotes(t *testing.T) {
	var ranC bool
	r, err := NewChainReactorWith(
		handler("a", nil, func(ev events.SessionEvent) pipeline.Outcome {
			return pipeline.SoftError(ev, "index stale")
		}),
		handler("b", []string{"a"}, func(events.SessionEvent) pipeline.Outcome {
			return pipeline.Fatal("tool rm is not permitted")
		}),
		handler("c", []string{"b"}, func(ev events.SessionEvent) pipeline.Outcome {
			ranC = true
			return pipeline.Continue(ev)
		}),
	)
	require.NoError(t, err)

	ectx := &fakeContext{}
	out, err := r.HandleEvent(context.Background(), ectx, msg("go"))
	require.Error(t, err)
	assert.Nil(t, out)
	assert.False(t, ranC)
	assert.Zero(t, ectx.cancels)

	var rerr *ReactorError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindProcessingFailed, rerr.Kind)
	assert.Equal(t, "b", rerr.Handler)
	assert.Equal(t, "tool rm is not permitted", rerr.Message)
	assert.Equal(t, []string{"index stale"}, rerr.Notes)

	var fatal *pipeline.FatalError
	require.True(t, errors.As(err, &fatal), "fatal error must stay reachable")
	assert.Equal(t, "b", fatal.Handler)
}

func TestHandleEventStructuralError(t *testing.T) {
	r, err := NewChainReactorWith(
		handler("a", []string{"b"}, func(ev events.SessionEvent) pipeline.Outcome { return pipeline.Continue(ev) }),
		handler("b", []string{"a"}, func(ev events.SessionEvent) pipeline.Outcome { return pipeline.Continue(ev) }),
	)
	require.NoError(t, err)

	_, err = r.HandleEvent(context.Background(), &fakeContext{}, msg("x"))
	var rerr *ReactorError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindProcessingFailed, rerr.Kind)

	var depErr *pipeline.DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, pipeline.CycleDetected, depErr.Kind)
}

func TestSoftErrorsAreLoggedPerHandler(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetBase(zap.New(core))
	t.Cleanup(logging.CloseAll)

	r, err := NewChainReactorWith(
		handler("persist", nil, func(ev events.SessionEvent) pipeline.Outcome {
			return pipeline.SoftError(ev, "disk full")
		}),
	)
	require.NoError(t, err)
	var hooked []pipeline.HandlerError
	r.OnSoftError(func(se pipeline.HandlerError) { hooked = append(hooked, se) })

	_, err = r.HandleEvent(context.Background(), &fakeContext{}, msg("x"))
	require.NoError(t, err)
	assert.Equal(t, []pipeline.HandlerError{{Handler: "persist", Message: "disk full"}}, hooked)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.String("handler", "persist")).All()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "disk full")
}

func TestFailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetBase(zap.New(core))
	t.Cleanup(logging.CloseAll)

	r, err := NewChainReactorWith(
		handler("guard", nil, func(events.SessionEvent) pipeline.Outcome {
			return pipeline.Fatal("tool shell is not permitted")
		}),
	)
	require.NoError(t, err)
	_, err = r.HandleEvent(context.Background(), &fakeContext{}, msg("x"))
	require.Error(t, err)

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).FilterLoggerName("reactor").All()
	require.Len(t, errs, 1)
	assert.Equal(t, "handler guard aborted the pass: tool shell is not permitted", errs[0].Message)

	require.NoError(t, r.AddHandler(handler("orphan", []string{"ghost"}, func(ev events.SessionEvent) pipeline.Outcome {
		return pipeline.Continue(ev)
	})))
	_, err = r.HandleEvent(context.Background(), &fakeContext{}, msg("y"))
	require.Error(t, err)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterLoggerName("reactor").FilterMessageSnippet("event not processed").All()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "ghost")
}

func TestRegistrationErrorsAreConfigurationErrors(t *testing.T) {
	r := NewChainReactor()
	noop := func(ev events.SessionEvent) pipeline.Outcome { return pipeline.Continue(ev) }
	require.NoError(t, r.AddHandler(handler("a", nil, noop)))

	err := r.AddHandler(handler("a", nil, noop))
	var rerr *ReactorError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindConfiguration, rerr.Kind)
	assert.Equal(t, "a", rerr.Handler)

	_, err = r.RemoveHandler("ghost")
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindConfiguration, rerr.Kind)

	var depErr *pipeline.DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, pipeline.HandlerNotFound, depErr.Kind)
}

func TestPassthroughs(t *testing.T) {
	r := NewChainReactor()
	noop := func(ev events.SessionEvent) pipeline.Outcome { return pipeline.Continue(ev) }
	require.NoError(t, r.AddHandler(handler("b", []string{"a"}, noop)))
	require.NoError(t, r.AddHandler(handler("a", nil, noop)))

	assert.Equal(t, 2, r.HandlerCount())
	assert.True(t, r.Contains("a"))
	order, err := r.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []string{"a"}, r.DependenciesOf("b"))
	assert.Nil(t, r.DependenciesOf("ghost"))

	_, err = r.RemoveHandler("a")
	require.NoError(t, err)
	_, err = r.ExecutionOrder()
	var depErr *pipeline.DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, pipeline.MissingDependency, depErr.Kind)

	meta := r.Metadata()
	assert.Equal(t, "chain-reactor", meta.Name)
	assert.Equal(t, Version, meta.Version)
}

func TestSessionLifecycle(t *testing.T) {
	r := NewChainReactor()
	require.NoError(t, r.OnSessionStart(context.Background(), SessionConfig{SessionID: "s-1"}))
	require.NoError(t, r.OnSessionEnd(context.Background(), "done"))

	require.NoError(t, r.AddHandler(handler("a", []string{"missing"}, func(ev events.SessionEvent) pipeline.Outcome {
		return pipeline.Continue(ev)
	})))
	err := r.OnSessionStart(context.Background(), SessionConfig{SessionID: "s-2"})
	var rerr *ReactorError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindInitializationFailed, rerr.Kind)
}

// Concurrent callers must observe a total order: no two passes overlap and
// registration never interleaves with a pass.
func TestConcurrentHandleEventIsSerialized(t *testing.T) {
	var inFlight, maxInFlight, processed atomic.Int32

	r, err := NewChainReactorWith(
		handler("count", nil, func(ev events.SessionEvent) pipeline.Outcome {
			n := inFlight.Add(1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			processed.Add(1)
			inFlight.Add(-1)
			return pipeline.Continue(ev)
		}),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	cancels := 0
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			ectx := &fakeContext{}
			if _, err := r.HandleEvent(ctx, ectx, msg(fmt.Sprintf("m%d", i))); err != nil {
				return err
			}
			mu.Lock()
			cancels += ectx.cancels
			mu.Unlock()
			return nil
		})
		if i%8 == 0 {
			name := fmt.Sprintf("extra%d", i)
			g.Go(func() error {
				return r.AddHandler(handler(name, []string{"count"}, func(ev events.SessionEvent) pipeline.Outcome {
					return pipeline.Continue(ev)
				}))
			})
		}
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(32), processed.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Zero(t, cancels)
	assert.Equal(t, 5, r.HandlerCount())
}
