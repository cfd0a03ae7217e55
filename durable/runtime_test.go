package durable

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRuntime(t *testing.T, store Store, clock clockwork.Clock, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{
		WithStore(store),
		WithClock(clock),
		WithLogger(NewFmtLogger(io.Discard)),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
	}
	rt := NewRuntime(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func waitDone(t *testing.T, rt *Runtime, instanceID string) *InstanceRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := rt.WaitForCompletion(ctx, instanceID)
	require.NoError(t, err)
	return rec
}

type journalFixture struct {
	calls atomic.Int32
}

func (f *journalFixture) register(t *testing.T, rt *Runtime) {
	t.Helper()
	require.NoError(t, RegisterActivity(rt, "fetch", func(_ context.Context, in string) (string, error) {
		f.calls.Add(1)
		return "v:" + in, nil
	}))
	require.NoError(t, rt.RegisterOrchestrator("flow", func(ctx *OrchestrationContext) (any, error) {
		var first string
		if err := ctx.CallActivity("fetch", "a", &first); err != nil {
			return nil, err
		}
		now, err := ctx.CurrentTime()
		if err != nil {
			return nil, err
		}
		if _, err := ctx.CreateTimer(now.Add(time.Minute), nil); err != nil {
			return nil, err
		}
		var second string
		if err := ctx.CallActivity("fetch", "b", &second); err != nil {
			return nil, err
		}
		return first + "," + second, nil
	}))
}

func TestRuntimeRunsOrchestrationToCompletion(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	fixture := &journalFixture{}
	rt := newTestRuntime(t, NewInMemoryStore(), clock)
	fixture.register(t, rt)

	id, err := rt.StartNew(context.Background(), "flow", "i1", nil)
	require.NoError(t, err)
	assert.Equal(t, "i1", id)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	rec := waitDone(t, rt, id)
	assert.Equal(t, StatusCompleted, rec.RuntimeStatus)
	assert.JSONEq(t, `"v:a,v:b"`, string(rec.Output))
	assert.Equal(t, int32(2), fixture.calls.Load())
}

func TestRuntimeReplayDoesNotRepeatActivities(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	clock := clockwork.NewFakeClockAt(testEpoch)
	fixture := &journalFixture{}

	first := newTestRuntime(t, store, clock)
	fixture.register(t, first)
	_, err := first.StartNew(ctx, "flow", "i1", nil)
	require.NoError(t, err)
	clock.BlockUntil(1)
	require.NoError(t, first.Shutdown(ctx))

	rec, err := store.LoadInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.RuntimeStatus)
	assert.Equal(t, int32(1), fixture.calls.Load())

	// a few seconds pass while no process is running
	clock.Advance(10 * time.Second)

	second := newTestRuntime(t, store, clock)
	fixture.register(t, second)
	resumed, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	clock.BlockUntil(1)
	clock.Advance(50*time.Second - time.Nanosecond)
	time.Sleep(20 * time.Millisecond)
	rec, err = store.LoadInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.RuntimeStatus, "recovered timer must keep its original deadline")

	clock.Advance(time.Nanosecond)
	rec = waitDone(t, second, "i1")
	assert.Equal(t, StatusCompleted, rec.RuntimeStatus)
	assert.JSONEq(t, `"v:a,v:b"`, string(rec.Output))
	assert.Equal(t, int32(2), fixture.calls.Load())
}

func TestRuntimeSkipsCustomStatusWhileReplaying(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	clock := clockwork.NewFakeClockAt(testEpoch)

	var mu sync.Mutex
	var published []string
	listener := func(_ string, raw json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, string(raw))
	}
	register := func(rt *Runtime) {
		require.NoError(t, RegisterActivity(rt, "noop", func(context.Context, string) (bool, error) { return true, nil }))
		require.NoError(t, rt.RegisterOrchestrator("status", func(ctx *OrchestrationContext) (any, error) {
			if err := ctx.SetCustomStatus("before"); err != nil {
				return nil, err
			}
			if err := ctx.CallActivity("noop", "", nil); err != nil {
				return nil, err
			}
			if err := ctx.SetCustomStatus("waiting"); err != nil {
				return nil, err
			}
			if _, err := ctx.CreateTimer(clock.Now().Add(time.Second), nil); err != nil {
				return nil, err
			}
			return nil, ctx.SetCustomStatus("after")
		}))
	}

	first := newTestRuntime(t, store, clock, WithStatusListener(listener))
	register(first)
	_, err := first.StartNew(ctx, "status", "s1", nil)
	require.NoError(t, err)
	clock.BlockUntil(1)
	require.NoError(t, first.Shutdown(ctx))

	second := newTestRuntime(t, store, clock, WithStatusListener(listener))
	register(second)
	_, err = second.Recover(ctx)
	require.NoError(t, err)
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	rec := waitDone(t, second, "s1")
	assert.Equal(t, StatusCompleted, rec.RuntimeStatus)
	assert.JSONEq(t, `"after"`, string(rec.CustomStatus))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"before"`, `"waiting"`, `"after"`}, published)
}

func TestRuntimeContinueAsNewTruncatesHistory(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	clock := clockwork.NewFakeClockAt(testEpoch)
	rt := newTestRuntime(t, store, clock)

	require.NoError(t, RegisterActivity(rt, "echo", func(_ context.Context, n int) (int, error) { return n, nil }))
	require.NoError(t, rt.RegisterOrchestrator("loop", func(ctx *OrchestrationContext) (any, error) {
		var n int
		if err := ctx.Input(&n); err != nil {
			return nil, err
		}
		var echoed int
		if err := ctx.CallActivity("echo", n, &echoed); err != nil {
			return nil, err
		}
		if echoed >= 3 {
			return echoed, nil
		}
		return nil, ctx.ContinueAsNew(echoed + 1)
	}))

	_, err := rt.StartNew(ctx, "loop", "loop-1", 0)
	require.NoError(t, err)
	rec := waitDone(t, rt, "loop-1")
	assert.Equal(t, StatusCompleted, rec.RuntimeStatus)
	assert.JSONEq(t, `3`, string(rec.Output))
	assert.Equal(t, 3, rec.Generation)

	for gen := 0; gen < 3; gen++ {
		events, err := store.LoadHistory(ctx, "loop-1", gen)
		require.NoError(t, err)
		assert.Empty(t, events, "generation %d history must be dropped", gen)
	}
	events, err := store.LoadHistory(ctx, "loop-1", 3)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRuntimeSubOrchestration(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	rt := newTestRuntime(t, NewInMemoryStore(), clock)

	require.NoError(t, rt.RegisterOrchestrator("child", func(ctx *OrchestrationContext) (any, error) {
		var in string
		if err := ctx.Input(&in); err != nil {
			return nil, err
		}
		return "child:" + in, nil
	}))
	require.NoError(t, rt.RegisterOrchestrator("parent", func(ctx *OrchestrationContext) (any, error) {
		var out string
		if err := ctx.CallSubOrchestrator("child", ctx.InstanceID()+":wd", "P1", &out); err != nil {
			return nil, err
		}
		return out, nil
	}))

	_, err := rt.StartNew(ctx, "parent", "p", nil)
	require.NoError(t, err)
	rec := waitDone(t, rt, "p")
	assert.Equal(t, StatusCompleted, rec.RuntimeStatus)
	assert.JSONEq(t, `"child:P1"`, string(rec.Output))

	child, err := rt.GetStatus(ctx, "p:wd")
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, "p", child.ParentID)
	assert.Equal(t, StatusCompleted, child.RuntimeStatus)
}

func TestRuntimeStartNewRejectsLiveInstance(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	rt := newTestRuntime(t, NewInMemoryStore(), clock)
	require.NoError(t, rt.RegisterOrchestrator("sleep", func(ctx *OrchestrationContext) (any, error) {
		_, err := ctx.CreateTimer(testEpoch.Add(time.Hour), nil)
		return nil, err
	}))

	_, err := rt.StartNew(ctx, "sleep", "same", nil)
	require.NoError(t, err)
	_, err = rt.StartNew(ctx, "sleep", "same", nil)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeInstanceExists))

	require.NoError(t, rt.Terminate(ctx, "same", "test"))
	_, err = rt.StartNew(ctx, "sleep", "same", nil)
	require.NoError(t, err)
	rec, err := rt.GetStatus(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.RuntimeStatus)
	assert.Equal(t, 1, rec.Generation)
}

func TestRuntimeTerminate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	rt := newTestRuntime(t, NewInMemoryStore(), clock)
	require.NoError(t, rt.RegisterOrchestrator("sleep", func(ctx *OrchestrationContext) (any, error) {
		_, err := ctx.CreateTimer(testEpoch.Add(time.Hour), nil)
		return nil, err
	}))

	_, err := rt.StartNew(ctx, "sleep", "t1", nil)
	require.NoError(t, err)
	clock.BlockUntil(1)

	require.NoError(t, rt.Terminate(ctx, "t1", "operator"))
	rec := waitDone(t, rt, "t1")
	assert.Equal(t, StatusTerminated, rec.RuntimeStatus)
	assert.Equal(t, "operator", rec.Error)

	err = rt.Terminate(ctx, "t1", "again")
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeInstanceNotRunning))

	err = rt.Terminate(ctx, "missing", "x")
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeInstanceNotFound))
}

func TestRuntimePurgeKeepsLiveInstances(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	rt := newTestRuntime(t, NewInMemoryStore(), clock)
	require.NoError(t, rt.RegisterOrchestrator("quick", func(*OrchestrationContext) (any, error) { return "ok", nil }))
	require.NoError(t, rt.RegisterOrchestrator("sleep", func(ctx *OrchestrationContext) (any, error) {
		_, err := ctx.CreateTimer(testEpoch.Add(time.Hour), nil)
		return nil, err
	}))

	_, err := rt.StartNew(ctx, "quick", "done", nil)
	require.NoError(t, err)
	waitDone(t, rt, "done")
	_, err = rt.StartNew(ctx, "sleep", "live", nil)
	require.NoError(t, err)

	purged, err := rt.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	gone, err := rt.GetStatus(ctx, "done")
	require.NoError(t, err)
	assert.Nil(t, gone)
	live, err := rt.GetStatus(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, live)

	purged, err = rt.Purge(ctx, StatusRunning)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestRuntimeActivityFailureFailsInstance(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	var attempts atomic.Int32
	rt := newTestRuntime(t, NewInMemoryStore(), clock, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Strategy: NoDelayStrategy{}}))

	require.NoError(t, RegisterActivity(rt, "flaky", func(context.Context, string) (string, error) {
		if attempts.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}))
	require.NoError(t, RegisterActivity(rt, "invalid", func(context.Context, string) (string, error) {
		attempts.Add(100)
		return "", NonRetryable(errors.New("bad input"))
	}))
	require.NoError(t, rt.RegisterOrchestrator("retrying", func(ctx *OrchestrationContext) (any, error) {
		var out string
		err := ctx.CallActivity("flaky", "", &out)
		return out, err
	}))
	require.NoError(t, rt.RegisterOrchestrator("rejecting", func(ctx *OrchestrationContext) (any, error) {
		return nil, ctx.CallActivity("invalid", "", nil)
	}))

	_, err := rt.StartNew(ctx, "retrying", "r1", nil)
	require.NoError(t, err)
	rec := waitDone(t, rt, "r1")
	assert.Equal(t, StatusCompleted, rec.RuntimeStatus)
	assert.Equal(t, int32(3), attempts.Load())

	_, err = rt.StartNew(ctx, "rejecting", "r2", nil)
	require.NoError(t, err)
	rec = waitDone(t, rt, "r2")
	assert.Equal(t, StatusFailed, rec.RuntimeStatus)
	assert.Contains(t, rec.Error, "bad input")
	assert.Equal(t, int32(103), attempts.Load())
}

func TestRuntimeRecoversPanics(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	var logged atomic.Int32
	rt := newTestRuntime(t, NewInMemoryStore(), clock, WithPanicLogger(func(string, any, []byte, ...map[string]any) {
		logged.Add(1)
	}))

	require.NoError(t, RegisterActivity(rt, "boom", func(context.Context, string) (string, error) {
		panic("activity exploded")
	}))
	require.NoError(t, rt.RegisterOrchestrator("calls-boom", func(ctx *OrchestrationContext) (any, error) {
		return nil, ctx.CallActivity("boom", "", nil)
	}))
	require.NoError(t, rt.RegisterOrchestrator("panics", func(*OrchestrationContext) (any, error) {
		panic("orchestrator exploded")
	}))

	_, err := rt.StartNew(ctx, "calls-boom", "a", nil)
	require.NoError(t, err)
	rec := waitDone(t, rt, "a")
	assert.Equal(t, StatusFailed, rec.RuntimeStatus)
	assert.Contains(t, rec.Error, "activity exploded")

	_, err = rt.StartNew(ctx, "panics", "b", nil)
	require.NoError(t, err)
	rec = waitDone(t, rt, "b")
	assert.Equal(t, StatusFailed, rec.RuntimeStatus)
	assert.Contains(t, rec.Error, "orchestrator exploded")
	assert.Equal(t, int32(2), logged.Load())
}

func TestRuntimeRegistrationErrors(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, NewInMemoryStore(), clockwork.NewFakeClockAt(testEpoch))

	require.NoError(t, rt.RegisterOrchestrator("x", func(*OrchestrationContext) (any, error) { return nil, nil }))
	err := rt.RegisterOrchestrator("x", func(*OrchestrationContext) (any, error) { return nil, nil })
	assert.True(t, HasCode(err, ErrCodeAlreadyRegistered))

	_, err = rt.StartNew(ctx, "missing", "", nil)
	assert.True(t, HasCode(err, ErrCodeUnknownOrchestrator))

	require.NoError(t, rt.Shutdown(ctx))
	_, err = rt.StartNew(ctx, "x", "", nil)
	assert.True(t, HasCode(err, ErrCodeRuntimeClosed))
}

func TestRuntimeGeneratesInstanceIDs(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, NewInMemoryStore(), clockwork.NewFakeClockAt(testEpoch))
	require.NoError(t, rt.RegisterOrchestrator("quick", func(*OrchestrationContext) (any, error) { return nil, nil }))

	id, err := rt.StartNew(ctx, "quick", "", nil)
	require.NoError(t, err)
	assert.Len(t, id, 36)
	waitDone(t, rt, id)
}
