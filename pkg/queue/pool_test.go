package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.DependencyBackoff == 0 {
		cfg.DependencyBackoff = 5 * time.Millisecond
	}
	p := NewPool(cfg, nil, nil)
	t.Cleanup(p.Stop)
	return p
}

func noop(context.Context) error { return nil }

func TestSubmitValidation(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})

	_, err := p.Submit(Command{})
	assert.True(t, errors.Is(err, ErrNoHandler))

	id, err := p.Submit(Command{Handler: noop})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "blank ids get generated")

	_, err = p.Submit(Command{ID: id, Handler: noop})
	assert.Error(t, err, "duplicate ids are rejected")
}

func TestPriorityOrdering(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})

	var mu sync.Mutex
	var order []string
	record := func(id string) Handler {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	// Submit before starting so the worker sees the full queue at once.
	_, err := p.Submit(Command{ID: "low", Priority: PriorityLow, Handler: record("low")})
	require.NoError(t, err)
	_, err = p.Submit(Command{ID: "normal-1", Priority: PriorityNormal, Handler: record("normal-1")})
	require.NoError(t, err)
	_, err = p.Submit(Command{ID: "critical", Priority: PriorityCritical, Handler: record("critical")})
	require.NoError(t, err)
	_, err = p.Submit(Command{ID: "normal-2", Priority: PriorityNormal, Handler: record("normal-2")})
	require.NoError(t, err)

	p.Start()
	for _, id := range []string{"low", "normal-1", "critical", "normal-2"} {
		_, err := p.AwaitResult(id, 2*time.Second)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, order,
		"dispatch follows (priority, created_at)")
}

func TestDependencyOrdering(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})
	p.Start()

	type span struct{ start, end time.Time }
	var mu sync.Mutex
	spans := make(map[string]span)
	track := func(id string) Handler {
		return func(context.Context) error {
			start := time.Now()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			spans[id] = span{start: start, end: time.Now()}
			mu.Unlock()
			return nil
		}
	}

	_, err := p.Submit(Command{ID: "t1", Handler: track("t1")})
	require.NoError(t, err)
	_, err = p.Submit(Command{ID: "t2", Handler: track("t2")})
	require.NoError(t, err)
	_, err = p.Submit(Command{ID: "t3", Dependencies: []string{"t1", "t2"}, Handler: track("t3")})
	require.NoError(t, err)

	result, err := p.AwaitResult("t3", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, spans["t3"].start.After(spans["t1"].end), "t3 started before t1 ended")
	assert.True(t, spans["t3"].start.After(spans["t2"].end), "t3 started before t2 ended")
}

func TestUnsatisfiableDependencyStaysPending(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	p.Start()

	blockedID, err := p.Submit(Command{
		ID:           "blocked",
		Priority:     PriorityCritical,
		Dependencies: []string{"never-submitted"},
		Handler:      noop,
	})
	require.NoError(t, err)

	// A blocked command must not occupy the only worker.
	freeID, err := p.Submit(Command{ID: "free", Priority: PriorityLow, Handler: noop})
	require.NoError(t, err)

	result, err := p.AwaitResult(freeID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)

	state, err := p.Status(blockedID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
}

func TestCancelledDependencyDoesNotCascade(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})

	depID, err := p.Submit(Command{ID: "dep", Handler: noop})
	require.NoError(t, err)
	childID, err := p.Submit(Command{ID: "child", Dependencies: []string{"dep"}, Handler: noop})
	require.NoError(t, err)

	require.True(t, p.Cancel(depID))
	p.Start()

	time.Sleep(50 * time.Millisecond)
	state, err := p.Status(childID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state,
		"dependents of a cancelled command stay pending, not cancelled")
}

func TestRetryOnFailure(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	p.Start()

	var calls atomic.Int32
	id, err := p.Submit(Command{
		MaxAttempts: 3,
		Handler: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("flaky")
			}
			return nil
		},
	})
	require.NoError(t, err)

	result, err := p.AwaitResult(id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 3, result.Attempts)
}

func TestRetryExhaustionFails(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	p.Start()

	var calls atomic.Int32
	id, err := p.Submit(Command{
		MaxAttempts: 2,
		Handler: func(context.Context) error {
			calls.Add(1)
			return errors.New("always broken")
		},
	})
	require.NoError(t, err)

	result, err := p.AwaitResult(id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 2, result.Attempts)
	assert.EqualError(t, result.Err, "always broken")
	assert.Equal(t, int32(2), calls.Load())
}

func TestTimeoutIsNotRetried(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	p.Start()

	var calls atomic.Int32
	id, err := p.Submit(Command{
		Timeout:     30 * time.Millisecond,
		MaxAttempts: 3,
		Handler: func(ctx context.Context) error {
			calls.Add(1)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	result, err := p.AwaitResult(id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateTimeout, result.State)
	assert.Equal(t, 1, result.Attempts, "timeouts are terminal, never retried")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelPending(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})

	id, err := p.Submit(Command{Handler: noop})
	require.NoError(t, err)

	assert.True(t, p.Cancel(id))
	assert.False(t, p.Cancel(id), "cancelling a terminal command returns false")
	assert.False(t, p.Cancel("unknown"))

	state, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, state)

	// The stale heap entry must not be dispatched after start.
	p.Start()
	result, err := p.AwaitResult(id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, result.State)
	assert.Equal(t, 0, result.Attempts)
}

func TestCancelRunning(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	p.Start()

	started := make(chan struct{})
	id, err := p.Submit(Command{
		MaxAttempts: 3,
		Handler: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	<-started
	assert.True(t, p.Cancel(id))

	result, err := p.AwaitResult(id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, result.State, "cancellation wins over retry")
}

func TestAwaitResult_Timeout(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	// Never started: the command cannot finish.
	id, err := p.Submit(Command{Handler: noop})
	require.NoError(t, err)

	_, err = p.AwaitResult(id, 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrAwaitTimeout))

	_, err = p.AwaitResult("unknown", 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrCommandNotFound))
}

func TestStatusUnknown(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	_, err := p.Status("unknown")
	assert.True(t, errors.Is(err, ErrCommandNotFound))
}

func TestConcurrencyCap(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})
	p.Start()

	var running, peak atomic.Int32
	var ids []string
	for i := 0; i < 6; i++ {
		id, err := p.Submit(Command{
			Handler: func(context.Context) error {
				now := running.Add(1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		_, err := p.AwaitResult(id, 5*time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2),
		"no more than worker_concurrency commands run at once")
}

func TestCallbackInvoked(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	p.Start()

	got := make(chan CommandResult, 1)
	id, err := p.Submit(Command{
		Handler:  noop,
		Callback: func(result CommandResult) { got <- result },
	})
	require.NoError(t, err)

	select {
	case result := <-got:
		assert.Equal(t, id, result.ID)
		assert.Equal(t, StateCompleted, result.State)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(Config{Workers: 1}, nil, nil)
	p.Start()
	p.Stop()

	_, err := p.Submit(Command{Handler: noop})
	assert.True(t, errors.Is(err, ErrPoolStopped))
}

func TestInfo(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})
	p.Start()

	release := make(chan struct{})
	runningID, err := p.Submit(Command{
		SessionID: "sess-1",
		Handler: func(context.Context) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)
	doneID, err := p.Submit(Command{Handler: noop})
	require.NoError(t, err)
	_, err = p.Submit(Command{Dependencies: []string{runningID}, Handler: noop})
	require.NoError(t, err)

	_, err = p.AwaitResult(doneID, 2*time.Second)
	require.NoError(t, err)

	info := p.Info()
	assert.Equal(t, 2, info.Workers)
	assert.Equal(t, 1, info.Pending)
	assert.Equal(t, 1, info.Active)
	assert.Equal(t, 1, info.Completed)
	require.Len(t, info.ActiveCommands, 1)
	assert.Equal(t, runningID, info.ActiveCommands[0].ID)
	assert.Equal(t, "sess-1", info.ActiveCommands[0].SessionID)
	assert.Len(t, info.WorkerStats, 2)

	close(release)
	_, err = p.AwaitResult(runningID, 2*time.Second)
	require.NoError(t, err)
}
