package task

import (
	"context"
	"time"
)

// State is the position of a task in its lifecycle.
type State string

const (
	StatePolling    State = "polling"
	StateCompleting State = "completing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateCancelling State = "cancelling"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Status is one poll observation of a remote job.
type Status struct {
	Done     bool
	Progress int
	Message  string
	Raw      any
}

// ResultItem is one output of a finished job.
type ResultItem struct {
	URL    string         `json:"url"`
	MIME   string         `json:"mime,omitempty"`
	Width  int            `json:"width,omitempty"`
	Height int            `json:"height,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Funcs are the provider callbacks driving a task. Poll and FetchResult are
// required; a nil Cancel makes the task non-cancelable.
type Funcs struct {
	Poll        func(ctx context.Context, id string) (Status, error)
	FetchResult func(ctx context.Context, id string, last Status) ([]ResultItem, error)
	Cancel      func(ctx context.Context, id string) error
}

// Snapshot is an immutable view of a task.
type Snapshot struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	State      State     `json:"state"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Cancelable bool      `json:"cancelable"`
	Polls      int       `json:"polls"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Policy bounds the polling loop. Zero Deadline or MaxPolls means unbounded.
type Policy struct {
	Interval time.Duration
	Deadline time.Duration
	MaxPolls int
}

// DefaultPolicy polls once per second without bounds.
func DefaultPolicy() Policy {
	return Policy{Interval: time.Second}
}

func (p Policy) normalized() Policy {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.Deadline < 0 {
		p.Deadline = 0
	}
	if p.MaxPolls < 0 {
		p.MaxPolls = 0
	}
	return p
}

// Observer receives lifecycle notifications. Implementations must not block
// for long; they run on the polling goroutine.
type Observer interface {
	OnStarted(s Snapshot)
	OnProgress(s Snapshot)
	OnTerminal(s Snapshot, err error)
}

// Remover is implemented by observers that mirror tasks and need to know
// when a task is deregistered.
type Remover interface {
	OnRemoved(id string)
}
