// Package hostloop confines every call into the host application to one
// goroutine. The host is single-threaded; connection and task goroutines
// post closures here and wait for the result.
package hostloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/machinefabric/gisgate-go/fault"
)

const (
	DefaultMaxPending    = 256
	DefaultSlowThreshold = time.Second
)

var (
	ErrClosed = errors.New("host loop is closed")
	ErrBusy   = errors.New("host loop backlog is full")
)

// Host is the narrow collaborator the gateway drives. Errors it returns are
// opaque and passed through to callers as host errors.
type Host interface {
	Invoke(ctx context.Context, method string, params map[string]any) (any, error)
}

// HostFunc adapts a function to Host.
type HostFunc func(ctx context.Context, method string, params map[string]any) (any, error)

func (f HostFunc) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	return f(ctx, method, params)
}

type result struct {
	val any
	err error
}

type job struct {
	ctx   context.Context
	label string
	fn    func(ctx context.Context) (any, error)
	done  chan result
}

// Stats counts loop activity.
type Stats struct {
	Calls   int64 `json:"calls"`
	Slow    int64 `json:"slow"`
	Panics  int64 `json:"panics"`
	Pending int   `json:"pending"`
}

// Option configures a Loop.
type Option func(*Loop)

func WithMaxPending(n int) Option {
	return func(l *Loop) { l.maxPending = n }
}

func WithSlowThreshold(d time.Duration) Option {
	return func(l *Loop) { l.slow = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// Loop runs posted closures one at a time, in submission order, on a single
// goroutine.
type Loop struct {
	maxPending int
	slow       time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending *queue.Queue
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	calls  atomic.Int64
	slowN  atomic.Int64
	panics atomic.Int64
}

// New starts a Loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		maxPending: DefaultMaxPending,
		slow:       DefaultSlowThreshold,
		logger:     slog.Default(),
		pending:    queue.New(),
		wake:       make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Do runs fn on the loop goroutine and waits for it or for ctx. A closure
// whose ctx is done before it is reached is skipped. Panics in fn are
// recovered and returned as host errors.
func (l *Loop) Do(ctx context.Context, label string, fn func(ctx context.Context) (any, error)) (any, error) {
	j := &job{ctx: ctx, label: label, fn: fn, done: make(chan result, 1)}

	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return nil, ErrClosed
	case l.maxPending > 0 && l.pending.Length() >= l.maxPending:
		l.mu.Unlock()
		return nil, ErrBusy
	}
	l.pending.Add(j)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case r := <-j.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invoke calls host.Invoke on the loop. Host errors are wrapped as
// fault.KindHost unless they already carry a kind.
func (l *Loop) Invoke(ctx context.Context, host Host, method string, params map[string]any) (any, error) {
	v, err := l.Do(ctx, method, func(ctx context.Context) (any, error) {
		return host.Invoke(ctx, method, params)
	})
	if err == nil {
		return v, nil
	}
	if _, ok := fault.As(err); ok || errors.Is(err, ErrClosed) || errors.Is(err, ErrBusy) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, fault.Host(err)
}

func (l *Loop) next() (*job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending.Length() == 0 {
		return nil, l.closed
	}
	return l.pending.Remove().(*job), false
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		j, done := l.next()
		if done {
			return
		}
		if j == nil {
			<-l.wake
			continue
		}
		if err := j.ctx.Err(); err != nil {
			j.done <- result{err: err}
			continue
		}
		j.done <- l.call(j)
	}
}

func (l *Loop) call(j *job) (r result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			l.panics.Add(1)
			l.logger.Error("host call panicked", "method", j.label, "panic", p, "stack", string(debug.Stack()))
			r = result{err: fault.Host(fmt.Errorf("host operation %s failed unexpectedly", j.label))}
		}
		l.calls.Add(1)
		if took := time.Since(start); took > l.slow {
			l.slowN.Add(1)
			l.logger.Warn("slow host call", "method", j.label, "took", took)
		}
	}()
	v, err := j.fn(j.ctx)
	return result{val: v, err: err}
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	pending := l.pending.Length()
	l.mu.Unlock()
	return Stats{
		Calls:   l.calls.Load(),
		Slow:    l.slowN.Load(),
		Panics:  l.panics.Load(),
		Pending: pending,
	}
}

// Close stops accepting work, lets already posted closures finish, and waits
// for the loop goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.stopped
}

// Bind returns a Host whose calls are marshalled onto l.
func Bind(l *Loop, host Host) Host {
	return HostFunc(func(ctx context.Context, method string, params map[string]any) (any, error) {
		return l.Invoke(ctx, host, method, params)
	})
}
