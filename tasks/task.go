package tasks

import (
	"context"
	"time"

	"github.com/machinefabric/gisgate-go/wire"
)

// State is the lifecycle position of a task. States only move forward.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Progress records a fraction in [0,1] and a message. It returns the
// operation context's error so long operations get a natural checkpoint.
type Progress func(fraction float64, message string) error

// Op is a long-running operation.
type Op func(ctx context.Context, report Progress) (any, error)

// Snapshot is a point-in-time copy of a task.
type Snapshot struct {
	ID              string          `json:"task_id"`
	Method          string          `json:"method"`
	State           State           `json:"state"`
	Progress        float64         `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Result          any             `json:"result,omitempty"`
	Error           *wire.ErrorBody `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       time.Time       `json:"started_at,omitzero"`
	CompletedAt     time.Time       `json:"completed_at,omitzero"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Warning         string          `json:"warning,omitempty"`
	// Delivered is set once a terminal result has been handed out by Poll.
	Delivered bool `json:"delivered"`
}

// Elapsed is the running time so far, or the total once terminal.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	switch {
	case s.StartedAt.IsZero():
		return 0
	case s.CompletedAt.IsZero():
		return now.Sub(s.StartedAt)
	default:
		return s.CompletedAt.Sub(s.StartedAt)
	}
}

// Map renders the snapshot for the wire codec.
func (s Snapshot) Map() map[string]any {
	m := map[string]any{
		"task_id":    s.ID,
		"method":     s.Method,
		"state":      string(s.State),
		"progress":   s.Progress,
		"created_at": s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"delivered":  s.Delivered,
	}
	if s.ProgressMessage != "" {
		m["progress_message"] = s.ProgressMessage
	}
	if !s.StartedAt.IsZero() {
		m["started_at"] = s.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if !s.CompletedAt.IsZero() {
		m["completed_at"] = s.CompletedAt.UTC().Format(time.RFC3339Nano)
		m["elapsed_seconds"] = s.Elapsed(s.CompletedAt).Seconds()
	}
	if s.State == StateSucceeded {
		m["result"] = s.Result
	}
	if s.Error != nil {
		e := map[string]any{"code": s.Error.Code, "message": s.Error.Message}
		if s.Error.Subtype != "" {
			e["subtype"] = s.Error.Subtype
		}
		m["error"] = e
	}
	if s.CancelRequested {
		m["cancel_requested"] = true
	}
	if s.Warning != "" {
		m["warning"] = s.Warning
	}
	return m
}

type task struct {
	id          string
	method      string
	op          Op
	timeout     time.Duration
	cancellable bool

	state           State
	progress        float64
	progressMessage string
	result          any
	err             error
	createdAt       time.Time
	startedAt       time.Time
	completedAt     time.Time
	cancelRequested bool
	warning         string
	delivered       bool
	cancel          context.CancelFunc
}

func (t *task) snapshot() Snapshot {
	s := Snapshot{
		ID:              t.id,
		Method:          t.method,
		State:           t.state,
		Progress:        t.progress,
		ProgressMessage: t.progressMessage,
		Result:          t.result,
		CreatedAt:       t.createdAt,
		StartedAt:       t.startedAt,
		CompletedAt:     t.completedAt,
		CancelRequested: t.cancelRequested,
		Warning:         t.warning,
		Delivered:       t.delivered,
	}
	if t.err != nil {
		s.Error = wire.ErrorFrom(t.err)
	}
	return s
}

// SubmitOption configures a single task.
type SubmitOption func(*task)

// WithTimeout bounds the operation's context.
func WithTimeout(d time.Duration) SubmitOption {
	return func(t *task) { t.timeout = d }
}

// WithCancellable marks whether the operation observes its context. A
// non-cancellable running task runs to completion when cancelled.
func WithCancellable(ok bool) SubmitOption {
	return func(t *task) { t.cancellable = ok }
}
