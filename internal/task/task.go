// Package task drives remote generation jobs by polling them to completion.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"genbridge/internal/domain"
	"genbridge/internal/infra"
)

// Task is a tracked remote job with polling-based progress and a single
// completion outcome.
type Task struct {
	id        string
	funcs     Funcs
	policy    Policy
	observers []Observer
	logger    *infra.Logger

	mu     sync.Mutex
	snap   Snapshot
	result []ResultItem
	err    error

	done       chan struct{}
	cancelReq  chan struct{}
	cancelOnce sync.Once
}

// Option customizes a task at start.
type Option func(*Task)

// WithPolicy sets the polling policy.
func WithPolicy(p Policy) Option {
	return func(t *Task) { t.policy = p.normalized() }
}

// WithObservers appends lifecycle observers.
func WithObservers(obs ...Observer) Option {
	return func(t *Task) {
		for _, o := range obs {
			if o != nil {
				t.observers = append(t.observers, o)
			}
		}
	}
}

// WithTitle sets the human-readable title mirrored to the host.
func WithTitle(title string) Option {
	return func(t *Task) { t.snap.Title = title }
}

// WithLogger sets the task logger.
func WithLogger(l *infra.Logger) Option {
	return func(t *Task) { t.logger = l }
}

// Start notifies observers and begins polling id in a new goroutine. The
// loop ends when Poll reports Done, Poll or FetchResult fail, the policy
// bounds are hit, Cancel succeeds, or ctx is canceled.
func Start(ctx context.Context, id string, funcs Funcs, opts ...Option) (*Task, error) {
	if id == "" {
		return nil, errors.New("task: id is required")
	}
	if funcs.Poll == nil || funcs.FetchResult == nil {
		return nil, errors.New("task: poll and fetch result callbacks are required")
	}
	now := time.Now()
	t := &Task{
		id:        id,
		funcs:     funcs,
		policy:    DefaultPolicy(),
		done:      make(chan struct{}),
		cancelReq: make(chan struct{}),
		snap: Snapshot{
			ID:         id,
			State:      StatePolling,
			Cancelable: funcs.Cancel != nil,
			StartedAt:  now,
			UpdatedAt:  now,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.snap.Title == "" {
		t.snap.Title = id
	}
	t.logger = infra.LoggerOrDiscard(t.logger)

	t.notify(func(o Observer, s Snapshot) { o.OnStarted(s) }, t.Snapshot())
	go t.run(ctx)
	return t, nil
}

// ID returns the remote job identifier.
func (t *Task) ID() string { return t.id }

// Cancelable reports whether a cancel callback was supplied.
func (t *Task) Cancelable() bool { return t.funcs.Cancel != nil }

// Snapshot returns the current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Done is closed once the task is terminal and every observer has seen
// the terminal snapshot.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task completes or ctx ends.
func (t *Task) Wait(ctx context.Context) ([]ResultItem, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome. It is available as soon as the snapshot turns
// terminal, before observers run; until then it reports an error.
func (t *Task) Result() ([]ResultItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.snap.State.Terminal() {
		return nil, fmt.Errorf("task %s: still %s", t.id, t.snap.State)
	}
	return t.result, t.err
}

// Cancel asks the provider to cancel the remote job. On success the polling
// loop exits on its next tick and the task ends Cancelled. A task without a
// cancel callback is left untouched and ErrNotCancelable is returned.
func (t *Task) Cancel(ctx context.Context) error {
	if t.funcs.Cancel == nil {
		return domain.ErrNotCancelable
	}
	t.mu.Lock()
	if t.snap.State != StatePolling {
		t.mu.Unlock()
		return nil
	}
	t.snap.State = StateCancelling
	t.snap.UpdatedAt = time.Now()
	snap := t.snap
	t.mu.Unlock()
	t.notify(func(o Observer, s Snapshot) { o.OnProgress(s) }, snap)

	if err := t.funcs.Cancel(ctx, t.id); err != nil {
		t.mu.Lock()
		if t.snap.State == StateCancelling {
			t.snap.State = StatePolling
			t.snap.UpdatedAt = time.Now()
		}
		snap = t.snap
		t.mu.Unlock()
		t.notify(func(o Observer, s Snapshot) { o.OnProgress(s) }, snap)
		return fmt.Errorf("task %s: cancel: %w", t.id, err)
	}
	t.cancelOnce.Do(func() { close(t.cancelReq) })
	return nil
}

func (t *Task) cancelRequested() bool {
	select {
	case <-t.cancelReq:
		return true
	default:
		return false
	}
}

func (t *Task) run(parent context.Context) {
	defer close(t.done)

	ctx := parent
	if t.policy.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, t.policy.Deadline)
		defer cancel()
	}

	polls := 0
	for {
		if t.cancelRequested() {
			t.finish(StateCancelled, nil, domain.ErrTaskCanceled)
			return
		}

		st, err := t.funcs.Poll(ctx, t.id)
		if t.cancelRequested() {
			t.finish(StateCancelled, nil, domain.ErrTaskCanceled)
			return
		}
		if ctx.Err() != nil {
			t.finishContext(parent)
			return
		}
		if err != nil {
			t.finish(StateFailed, nil, fmt.Errorf("task %s: poll: %w", t.id, err))
			return
		}
		polls++

		if st.Done {
			t.complete(ctx, parent, st, polls)
			return
		}
		t.advance(st, polls)

		if t.policy.MaxPolls > 0 && polls >= t.policy.MaxPolls {
			t.finish(StateFailed, nil, fmt.Errorf("task %s: %w after %d polls", t.id, domain.ErrTaskMaxPolls, polls))
			return
		}

		timer := time.NewTimer(t.policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.finishContext(parent)
			return
		case <-t.cancelReq:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (t *Task) finishContext(parent context.Context) {
	if parent.Err() != nil {
		t.finish(StateCancelled, nil, fmt.Errorf("%w: %w", domain.ErrTaskCanceled, parent.Err()))
		return
	}
	t.finish(StateFailed, nil, fmt.Errorf("task %s: %w", t.id, domain.ErrTaskDeadline))
}

func (t *Task) advance(st Status, polls int) {
	t.mu.Lock()
	if p := clampProgress(st.Progress); p > t.snap.Progress {
		t.snap.Progress = p
	}
	if st.Message != "" {
		t.snap.Message = st.Message
	}
	t.snap.Polls = polls
	t.snap.UpdatedAt = time.Now()
	snap := t.snap
	t.mu.Unlock()
	t.notify(func(o Observer, s Snapshot) { o.OnProgress(s) }, snap)
}

func (t *Task) complete(ctx, parent context.Context, st Status, polls int) {
	t.mu.Lock()
	t.snap.State = StateCompleting
	t.snap.Progress = 100
	if st.Message != "" {
		t.snap.Message = st.Message
	}
	t.snap.Polls = polls
	t.snap.UpdatedAt = time.Now()
	snap := t.snap
	t.mu.Unlock()
	t.notify(func(o Observer, s Snapshot) { o.OnProgress(s) }, snap)

	items, err := t.funcs.FetchResult(ctx, t.id, st)
	if err != nil {
		if ctx.Err() != nil {
			t.finishContext(parent)
			return
		}
		t.finish(StateFailed, nil, fmt.Errorf("task %s: fetch result: %w", t.id, err))
		return
	}
	t.finish(StateDone, items, nil)
}

func (t *Task) finish(state State, items []ResultItem, err error) {
	t.mu.Lock()
	t.snap.State = state
	t.snap.UpdatedAt = time.Now()
	if err != nil {
		t.snap.Error = err.Error()
	}
	t.result = items
	t.err = err
	snap := t.snap
	t.mu.Unlock()

	ev := t.logger.Info()
	if state == StateFailed {
		ev = t.logger.Warn().Err(err)
	}
	ev.Str("task_id", t.id).Str("state", string(state)).Int("polls", snap.Polls).Msg("task: finished")

	t.notify(func(o Observer, s Snapshot) { o.OnTerminal(s, err) }, snap)
}

// notify calls every observer, containing panics so a misbehaving host
// mirror can never stop the polling loop.
func (t *Task) notify(call func(Observer, Snapshot), snap Snapshot) {
	for _, o := range t.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error().Str("task_id", t.id).Interface("panic", r).Msg("task: observer panicked")
				}
			}()
			call(o, snap)
		}()
	}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
