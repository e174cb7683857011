// Package taskboard mirrors task lifecycles into the host task panel and
// into the optional task history table.
package taskboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"genbridge/internal/host"
	"genbridge/internal/infra"
	"genbridge/internal/task"
)

const (
	defaultTimeout   = 3 * time.Second
	defaultQueueSize = 256
)

// MirrorOptions configures a Mirror.
type MirrorOptions struct {
	Board   host.TaskBoard
	Timeout time.Duration
	// QueueSize bounds pending host calls. When full, new calls are
	// dropped and logged.
	QueueSize int
	Logger    *infra.Logger
}

type hostCall struct {
	op string
	id string
	fn func(ctx context.Context) error
}

// Mirror keeps the host task panel in step with tracked tasks. Host calls
// run in order on the mirror's own goroutine, so a slow panel never
// stretches a polling loop. Failures are logged only.
type Mirror struct {
	board   host.TaskBoard
	timeout time.Duration
	logger  *infra.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan hostCall
	done   chan struct{}
}

// NewMirror builds a mirror for board and starts its delivery goroutine.
// Callers own the mirror and must Close it.
func NewMirror(opts MirrorOptions) (*Mirror, error) {
	if opts.Board == nil {
		return nil, errors.New("taskboard: board is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	m := &Mirror{
		board:   opts.Board,
		timeout: opts.Timeout,
		logger:  infra.ComponentLogger(opts.Logger, "taskboard"),
		queue:   make(chan hostCall, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go m.deliver()
	return m, nil
}

// Close stops accepting calls and waits until queued ones are delivered.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}

// OnStarted implements task.Observer.
func (m *Mirror) OnStarted(s task.Snapshot) {
	m.call("add", s.ID, func(ctx context.Context) error {
		return m.board.TaskAdd(ctx, m.entry(s, nil))
	})
}

// OnProgress implements task.Observer.
func (m *Mirror) OnProgress(s task.Snapshot) {
	m.call("update", s.ID, func(ctx context.Context) error {
		return m.board.TaskUpdate(ctx, m.entry(s, nil))
	})
}

// OnTerminal implements task.Observer.
func (m *Mirror) OnTerminal(s task.Snapshot, err error) {
	m.call("update", s.ID, func(ctx context.Context) error {
		return m.board.TaskUpdate(ctx, m.entry(s, err))
	})
}

// OnRemoved implements task.Remover.
func (m *Mirror) OnRemoved(id string) {
	m.call("remove", id, func(ctx context.Context) error {
		return m.board.TaskRemove(ctx, id)
	})
}

func (m *Mirror) entry(s task.Snapshot, err error) host.TaskEntry {
	msg := s.Message
	if err != nil {
		msg = err.Error()
	}
	return host.TaskEntry{
		ID:         s.ID,
		Title:      s.Title,
		Status:     StatusLabel(s.State),
		Progress:   s.Progress,
		Message:    msg,
		Cancelable: s.Cancelable && s.State == task.StatePolling,
	}
}

// StatusLabel renders a state for display, e.g. "Cancelling". Casers are
// stateful, so each call gets its own.
func StatusLabel(state task.State) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(string(state), "_", " "))
}

func (m *Mirror) call(op, id string, fn func(ctx context.Context) error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- hostCall{op: op, id: id, fn: fn}:
	default:
		m.logger.Warn().Str("task_id", id).Str("op", op).Msg("taskboard: queue full, host call dropped")
	}
}

func (m *Mirror) deliver() {
	defer close(m.done)
	for c := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		if err := c.fn(ctx); err != nil {
			m.logger.Warn().Err(err).Str("task_id", c.id).Str("op", c.op).Msg("taskboard: host call failed")
		}
		cancel()
	}
}

var (
	_ task.Observer = (*Mirror)(nil)
	_ task.Remover  = (*Mirror)(nil)
)
