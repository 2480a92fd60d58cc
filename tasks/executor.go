// Package tasks runs long operations off the request path. Submissions enter
// a FIFO backlog served by a fixed pool of workers; callers observe progress
// by polling snapshots.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/machinefabric/gisgate-go/fault"
)

const (
	DefaultWorkers    = 2
	DefaultMaxBacklog = 1000
	DefaultTimeout    = 5 * time.Minute
	DefaultRetention  = time.Hour

	cancelWarning = "cancellation not supported"
)

var (
	ErrClosed          = errors.New("executor is closed")
	ErrBacklogFull     = errors.New("task backlog is full")
	ErrAlreadyTerminal = errors.New("task already finished")
)

// Option configures an Executor.
type Option func(*Executor)

func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithMaxBacklog(n int) Option {
	return func(e *Executor) { e.maxBacklog = n }
}

// WithDefaultTimeout applies to tasks submitted without WithTimeout. Zero
// disables it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

func WithRetention(d time.Duration) Option {
	return func(e *Executor) { e.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// Stats summarizes the executor.
type Stats struct {
	Workers int           `json:"workers"`
	Backlog int           `json:"backlog"`
	Total   int           `json:"total"`
	ByState map[State]int `json:"by_state"`
}

// Executor owns every task. Submit never blocks and never spawns a goroutine
// per task.
type Executor struct {
	workers        int
	maxBacklog     int
	defaultTimeout time.Duration
	retention      time.Duration
	now            func() time.Time
	logger         *slog.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	ready   *sync.Cond
	backlog *queue.Queue
	tasks   map[string]*task
	closed  bool
}

// New creates an Executor and starts its workers.
func New(opts ...Option) *Executor {
	e := &Executor{
		workers:        DefaultWorkers,
		maxBacklog:     DefaultMaxBacklog,
		defaultTimeout: DefaultTimeout,
		retention:      DefaultRetention,
		now:            time.Now,
		logger:         slog.Default(),
		backlog:        queue.New(),
		tasks:          make(map[string]*task),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ready = sync.NewCond(&e.mu)
	e.baseCtx, e.cancelAll = context.WithCancel(context.Background())

	e.wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go e.worker()
	}
	return e
}

// Submit enqueues op and returns its task id.
func (e *Executor) Submit(method string, op Op, opts ...SubmitOption) (string, error) {
	t := &task{
		id:          uuid.NewString(),
		method:      method,
		op:          op,
		timeout:     e.defaultTimeout,
		cancellable: true,
		state:       StateQueued,
	}
	for _, opt := range opts {
		opt(t)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	if e.maxBacklog > 0 && e.backlog.Length() >= e.maxBacklog {
		return "", ErrBacklogFull
	}
	t.createdAt = e.now()
	e.tasks[t.id] = t
	e.backlog.Add(t)
	e.ready.Signal()

	e.logger.Debug("task submitted", "task_id", t.id, "method", method, "backlog", e.backlog.Length())
	return t.id, nil
}

// Poll returns a snapshot of a task. The first poll that sees a terminal
// state has Delivered=false; later polls return the same terminal snapshot
// with Delivered=true.
func (e *Executor) Poll(id string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return Snapshot{}, fault.NotFound("task")
	}
	s := t.snapshot()
	if t.state.Terminal() {
		t.delivered = true
	}
	return s, nil
}

// Peek is Poll without marking the result delivered.
func (e *Executor) Peek(id string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return Snapshot{}, fault.NotFound("task")
	}
	return t.snapshot(), nil
}

// Cancel requests cancellation. A queued task is cancelled immediately; a
// running cooperative task has its context cancelled and ends once the
// operation returns; a running non-cooperative task keeps running and the
// request is recorded with a warning.
func (e *Executor) Cancel(id string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return Snapshot{}, fault.NotFound("task")
	}
	switch t.state {
	case StateQueued:
		t.cancelRequested = true
		t.state = StateCancelled
		t.completedAt = e.now()
	case StateRunning:
		t.cancelRequested = true
		if t.cancellable {
			t.cancel()
		} else {
			t.warning = cancelWarning
		}
	default:
		return t.snapshot(), ErrAlreadyTerminal
	}
	e.logger.Info("task cancel requested", "task_id", id, "state", string(t.state))
	return t.snapshot(), nil
}

// List returns snapshots of every task, oldest first. It does not mark
// anything delivered.
func (e *Executor) List() []Snapshot {
	e.mu.Lock()
	out := make([]Snapshot, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.snapshot())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Workers: e.workers,
		Backlog: e.backlog.Length(),
		Total:   len(e.tasks),
		ByState: make(map[State]int),
	}
	for _, t := range e.tasks {
		s.ByState[t.state]++
	}
	return s
}

// Cleanup drops terminal tasks that completed more than olderThan ago.
func (e *Executor) Cleanup(olderThan time.Duration) int {
	cutoff := e.now().Add(-olderThan)

	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, t := range e.tasks {
		if t.state.Terminal() && t.completedAt.Before(cutoff) {
			delete(e.tasks, id)
			removed++
		}
	}
	return removed
}

// Run drops expired terminal tasks periodically until ctx is done.
func (e *Executor) Run(ctx context.Context) {
	every := e.retention / 4
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Cleanup(e.retention); n > 0 {
				e.logger.Debug("cleaned up finished tasks", "removed", n)
			}
		}
	}
}

// Close cancels queued and running tasks and waits for the workers.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	now := e.now()
	for _, t := range e.tasks {
		if t.state == StateQueued {
			t.state = StateCancelled
			t.cancelRequested = true
			t.completedAt = now
		}
	}
	e.ready.Broadcast()
	e.mu.Unlock()

	e.cancelAll()
	e.wg.Wait()
	return nil
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for e.backlog.Length() == 0 && !e.closed {
			e.ready.Wait()
		}
		if e.backlog.Length() == 0 {
			e.mu.Unlock()
			return
		}
		t := e.backlog.Remove().(*task)
		if t.state != StateQueued {
			e.mu.Unlock()
			continue
		}

		// Cancel reaches the op only for cooperative tasks; Close always does.
		ctx, cancel := context.WithCancel(e.baseCtx)
		opCtx := ctx
		if !t.cancellable {
			opCtx = e.baseCtx
		}
		var stopTimeout context.CancelFunc = func() {}
		if t.timeout > 0 {
			opCtx, stopTimeout = context.WithTimeout(opCtx, t.timeout)
		}
		t.cancel = cancel
		t.state = StateRunning
		t.startedAt = e.now()
		e.mu.Unlock()

		e.logger.Debug("task started", "task_id", t.id, "method", t.method)
		result, err := e.execute(opCtx, t)
		timedOut := errors.Is(opCtx.Err(), context.DeadlineExceeded)
		stopTimeout()
		cancel()
		e.finish(t, result, err, timedOut)
	}
}

func (e *Executor) execute(ctx context.Context, t *task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Internal(fmt.Errorf("task %s panicked: %v", t.method, r))
		}
	}()
	report := func(fraction float64, message string) error {
		if fraction < 0 {
			fraction = 0
		} else if fraction > 1 {
			fraction = 1
		}
		e.mu.Lock()
		t.progress = fraction
		t.progressMessage = message
		e.mu.Unlock()
		return ctx.Err()
	}
	return t.op(ctx, report)
}

func (e *Executor) finish(t *task, result any, err error, timedOut bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t.completedAt = e.now()
	switch {
	case err != nil && (t.cancelRequested && t.cancellable || errors.Is(err, context.Canceled)):
		t.state = StateCancelled
	case timedOut && err != nil:
		t.state = StateFailed
		t.err = fault.SandboxTimeout(t.timeout)
	case err != nil:
		t.state = StateFailed
		t.err = err
	default:
		t.state = StateSucceeded
		t.result = result
		t.progress = 1
	}

	took := t.completedAt.Sub(t.startedAt)
	switch t.state {
	case StateFailed:
		e.logger.Warn("task failed", "task_id", t.id, "method", t.method, "took", took, "error", t.err)
	default:
		e.logger.Info("task finished", "task_id", t.id, "method", t.method, "state", string(t.state), "took", took)
	}
}
