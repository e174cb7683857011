package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"genbridge/internal/domain"
	"genbridge/internal/infra"
)

// EventType enumerates task lifecycle events.
type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventTerminal EventType = "terminal"
	EventRemoved  EventType = "removed"
)

// Event is published to tracker subscribers on every lifecycle change.
type Event struct {
	Type EventType `json:"type"`
	Task Snapshot  `json:"task"`
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	Policy    Policy
	Observers []Observer
	Logger    *infra.Logger
}

// Tracker is the session-scoped list of live tasks. It mirrors every task
// into its observers and fans typed events out to subscribers.
type Tracker struct {
	policy    Policy
	observers []Observer
	logger    *infra.Logger

	mu        sync.RWMutex
	tasks     map[string]*Task
	listeners map[int]chan Event
	nextSub   int
}

// NewTracker creates an empty tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	policy := opts.Policy
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy().Interval
	}
	return &Tracker{
		policy:    policy.normalized(),
		observers: opts.Observers,
		logger:    infra.ComponentLogger(opts.Logger, "tasks"),
		tasks:     make(map[string]*Task),
		listeners: make(map[int]chan Event),
	}
}

// Start begins polling a provider job and registers it under id.
func (tr *Tracker) Start(ctx context.Context, id string, funcs Funcs, opts ...Option) (*Task, error) {
	tr.mu.Lock()
	if _, exists := tr.tasks[id]; exists {
		tr.mu.Unlock()
		return nil, fmt.Errorf("task %s already tracked", id)
	}
	// Reserve the id so concurrent starts cannot both succeed.
	tr.tasks[id] = nil
	tr.mu.Unlock()

	base := []Option{
		WithPolicy(tr.policy),
		WithLogger(tr.logger),
		WithObservers(tr),
		WithObservers(tr.observers...),
	}
	t, err := Start(ctx, id, funcs, append(base, opts...)...)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err != nil {
		delete(tr.tasks, id)
		return nil, err
	}
	tr.tasks[id] = t
	return t, nil
}

// Get returns a tracked task.
func (tr *Tracker) Get(id string) (*Task, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	t, ok := tr.tasks[id]
	if !ok || t == nil {
		return nil, false
	}
	return t, true
}

// List returns snapshots of every tracked task, oldest first.
func (tr *Tracker) List() []Snapshot {
	tr.mu.RLock()
	out := make([]Snapshot, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		if t != nil {
			out = append(out, t.Snapshot())
		}
	}
	tr.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Remove deregisters a finished task and tells mirroring observers to drop
// it. Active tasks must be cancelled or allowed to finish first.
func (tr *Tracker) Remove(id string) error {
	tr.mu.Lock()
	t, ok := tr.tasks[id]
	if !ok || t == nil {
		tr.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	snap := t.Snapshot()
	if !snap.State.Terminal() {
		tr.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", id, snap.State, domain.ErrTaskActive)
	}
	delete(tr.tasks, id)
	tr.mu.Unlock()

	for _, o := range tr.observers {
		if r, ok := o.(Remover); ok {
			r.OnRemoved(id)
		}
	}
	tr.publish(Event{Type: EventRemoved, Task: snap})
	return nil
}

// Subscribe registers a listener. Slow listeners miss events rather than
// stall the polling loops; the returned func unsubscribes.
func (tr *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	tr.mu.Lock()
	id := tr.nextSub
	tr.nextSub++
	tr.listeners[id] = ch
	tr.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			tr.mu.Lock()
			delete(tr.listeners, id)
			tr.mu.Unlock()
			close(ch)
		})
	}
}

func (tr *Tracker) publish(ev Event) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	for _, ch := range tr.listeners {
		select {
		case ch <- ev:
		default:
			tr.logger.Debug().Str("task_id", ev.Task.ID).Str("event", string(ev.Type)).Msg("tasks: listener full, event dropped")
		}
	}
}

// OnStarted implements Observer.
func (tr *Tracker) OnStarted(s Snapshot) { tr.publish(Event{Type: EventStarted, Task: s}) }

// OnProgress implements Observer.
func (tr *Tracker) OnProgress(s Snapshot) { tr.publish(Event{Type: EventProgress, Task: s}) }

// OnTerminal implements Observer.
func (tr *Tracker) OnTerminal(s Snapshot, _ error) { tr.publish(Event{Type: EventTerminal, Task: s}) }

var _ Observer = (*Tracker)(nil)
