package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gisgate-go/fault"
)

func newExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	e := New(opts...)
	t.Cleanup(func() { e.Close() })
	return e
}

func waitState(t *testing.T, e *Executor, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.tasks[id].state == want
	}, 2*time.Second, time.Millisecond, "task never reached %s", want)
}

// blockingOp runs until release is closed or its context ends.
func blockingOp(release <-chan struct{}) Op {
	return func(ctx context.Context, _ Progress) (any, error) {
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestSubmitAndImmediatePoll(t *testing.T) {
	e := newExecutor(t)
	release := make(chan struct{})
	id, err := e.Submit("render_map", blockingOp(release))
	require.NoError(t, err)

	s, err := e.Poll(id)
	require.NoError(t, err)
	assert.Contains(t, []State{StateQueued, StateRunning}, s.State)
	assert.Equal(t, "render_map", s.Method)

	close(release)
	waitState(t, e, id, StateSucceeded)
}

func TestTerminalResultDeliveredOnce(t *testing.T) {
	e := newExecutor(t)
	id, err := e.Submit("execute_processing", func(ctx context.Context, report Progress) (any, error) {
		return map[string]any{"features": 12}, nil
	})
	require.NoError(t, err)
	waitState(t, e, id, StateSucceeded)

	peeked, err := e.Peek(id)
	require.NoError(t, err)
	assert.False(t, peeked.Delivered)

	first, err := e.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, first.State)
	assert.False(t, first.Delivered)
	assert.Equal(t, map[string]any{"features": 12}, first.Result)
	assert.Equal(t, 1.0, first.Progress)

	second, err := e.Poll(id)
	require.NoError(t, err)
	assert.True(t, second.Delivered)
	assert.Equal(t, first.Result, second.Result)
}

func TestCancelQueuedTask(t *testing.T) {
	e := newExecutor(t, WithWorkers(1))
	release := make(chan struct{})
	defer close(release)

	busy, err := e.Submit("a", blockingOp(release))
	require.NoError(t, err)
	waitState(t, e, busy, StateRunning)

	ran := make(chan struct{}, 1)
	queued, err := e.Submit("b", func(ctx context.Context, _ Progress) (any, error) {
		ran <- struct{}{}
		return nil, nil
	})
	require.NoError(t, err)

	s, err := e.Cancel(queued)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, s.State)
	assert.True(t, s.CancelRequested)

	_, err = e.Cancel(queued)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	select {
	case <-ran:
		t.Fatal("cancelled task must not run")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelRunningCooperativeTask(t *testing.T) {
	e := newExecutor(t)
	release := make(chan struct{})
	defer close(release)

	id, err := e.Submit("render_map", blockingOp(release))
	require.NoError(t, err)
	waitState(t, e, id, StateRunning)

	s, err := e.Cancel(id)
	require.NoError(t, err)
	assert.True(t, s.CancelRequested)
	assert.Empty(t, s.Warning)

	waitState(t, e, id, StateCancelled)
}

func TestCancelRunningNonCooperativeTask(t *testing.T) {
	e := newExecutor(t)
	release := make(chan struct{})

	id, err := e.Submit("save_project", func(ctx context.Context, _ Progress) (any, error) {
		<-release
		return "saved", nil
	}, WithCancellable(false))
	require.NoError(t, err)
	waitState(t, e, id, StateRunning)

	s, err := e.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, "cancellation not supported", s.Warning)

	close(release)
	waitState(t, e, id, StateSucceeded)
	s, err = e.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, "saved", s.Result)
	assert.True(t, s.CancelRequested)
}

func TestCompletionRacingCancelKeepsResult(t *testing.T) {
	e := newExecutor(t)
	release := make(chan struct{})

	id, err := e.Submit("save_project", func(ctx context.Context, _ Progress) (any, error) {
		<-release
		return "saved", nil
	})
	require.NoError(t, err)
	waitState(t, e, id, StateRunning)

	s, err := e.Cancel(id)
	require.NoError(t, err)
	assert.True(t, s.CancelRequested)

	close(release)
	waitState(t, e, id, StateSucceeded)
	s, err = e.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, "saved", s.Result)
	assert.Nil(t, s.Error)
}

func TestTimeoutFailsTask(t *testing.T) {
	e := newExecutor(t)
	release := make(chan struct{})
	defer close(release)

	id, err := e.Submit("execute_code", blockingOp(release), WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	waitState(t, e, id, StateFailed)

	s, err := e.Poll(id)
	require.NoError(t, err)
	require.NotNil(t, s.Error)
	assert.Equal(t, "sandbox_timeout", s.Error.Code)
}

func TestFailureAndPanic(t *testing.T) {
	e := newExecutor(t)

	failing, err := e.Submit("load_layer", func(context.Context, Progress) (any, error) {
		return nil, fault.Host(errors.New("layer is locked"))
	})
	require.NoError(t, err)
	panicking, err := e.Submit("load_layer", func(context.Context, Progress) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	waitState(t, e, failing, StateFailed)
	waitState(t, e, panicking, StateFailed)

	s, _ := e.Poll(failing)
	assert.Equal(t, "host_error", s.Error.Code)
	assert.Equal(t, "layer is locked", s.Error.Message)

	s, _ = e.Poll(panicking)
	assert.Equal(t, "internal", s.Error.Code)
	assert.NotContains(t, s.Error.Message, "boom")
}

func TestProgressIsClamped(t *testing.T) {
	e := newExecutor(t)
	reported := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	id, err := e.Submit("render_map", func(ctx context.Context, report Progress) (any, error) {
		if err := report(1.7, "almost"); err != nil {
			return nil, err
		}
		close(reported)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-reported

	s, err := e.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Progress)
	assert.Equal(t, "almost", s.ProgressMessage)
}

func TestPoolSizeIsFixed(t *testing.T) {
	e := newExecutor(t, WithWorkers(2))
	release := make(chan struct{})
	defer close(release)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := e.Submit("render_map", blockingOp(release))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		return e.Stats().ByState[StateRunning] == 2
	}, 2*time.Second, time.Millisecond)

	stats := e.Stats()
	assert.Equal(t, 3, stats.ByState[StateQueued])
	assert.Equal(t, 3, stats.Backlog)
	assert.Equal(t, 5, stats.Total)
}

func TestBacklogLimit(t *testing.T) {
	e := newExecutor(t, WithWorkers(1), WithMaxBacklog(1))
	release := make(chan struct{})
	defer close(release)

	first, err := e.Submit("a", blockingOp(release))
	require.NoError(t, err)
	waitState(t, e, first, StateRunning)

	_, err = e.Submit("b", blockingOp(release))
	require.NoError(t, err)
	_, err = e.Submit("c", blockingOp(release))
	assert.ErrorIs(t, err, ErrBacklogFull)
}

func TestCleanupDropsOldTerminalTasks(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := newExecutor(t, WithClock(clock))

	done, err := e.Submit("ping", func(context.Context, Progress) (any, error) { return "pong", nil })
	require.NoError(t, err)
	waitState(t, e, done, StateSucceeded)

	release := make(chan struct{})
	defer close(release)
	running, err := e.Submit("render_map", blockingOp(release))
	require.NoError(t, err)
	waitState(t, e, running, StateRunning)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	assert.Equal(t, 1, e.Cleanup(time.Hour))
	_, err = e.Poll(done)
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
	_, err = e.Poll(running)
	assert.NoError(t, err)
}

func TestCloseCancelsEverything(t *testing.T) {
	e := New(WithWorkers(1))
	release := make(chan struct{})
	defer close(release)

	running, err := e.Submit("a", blockingOp(release))
	require.NoError(t, err)
	waitState(t, e, running, StateRunning)
	queued, err := e.Submit("b", blockingOp(release))
	require.NoError(t, err)

	require.NoError(t, e.Close())

	s, _ := e.Poll(running)
	assert.Equal(t, StateCancelled, s.State)
	s, _ = e.Poll(queued)
	assert.Equal(t, StateCancelled, s.State)

	_, err = e.Submit("c", blockingOp(release))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPollUnknownTask(t *testing.T) {
	e := newExecutor(t)
	_, err := e.Poll("nope")
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
	_, err = e.Cancel("nope")
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestSnapshotMap(t *testing.T) {
	s := Snapshot{
		ID:          "t1",
		Method:      "render_map",
		State:       StateSucceeded,
		Progress:    1,
		Result:      "ok",
		CreatedAt:   time.Unix(0, 0),
		StartedAt:   time.Unix(1, 0),
		CompletedAt: time.Unix(3, 0),
	}
	m := s.Map()
	assert.Equal(t, "succeeded", m["state"])
	assert.Equal(t, "ok", m["result"])
	assert.Equal(t, 2.0, m["elapsed_seconds"])
	assert.NotContains(t, m, "error")
}
