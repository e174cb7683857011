package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbridge/internal/domain"
)

type removalObserver struct {
	recordingObserver
	mu      sync.Mutex
	removed []string
}

func (r *removalObserver) OnRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func TestTrackerPublishesLifecycleEvents(t *testing.T) {
	obs := &removalObserver{}
	tr := NewTracker(TrackerOptions{Policy: fastPolicy, Observers: []Observer{obs}})
	events, unsubscribe := tr.Subscribe(32)
	defer unsubscribe()

	poller := &scriptedPoller{statuses: []Status{{Progress: 30}, {Done: true}}}
	tk, err := tr.Start(context.Background(), "remote-1", Funcs{
		Poll:        poller.poll,
		FetchResult: func(ctx context.Context, id string, last Status) ([]ResultItem, error) { return []ResultItem{{URL: "a.png"}}, nil },
	}, WithTitle("Generate image"))
	require.NoError(t, err)
	_, err = waitDone(t, tk)
	require.NoError(t, err)

	var types []EventType
	timeout := time.After(time.Second)
	for len(types) == 0 || types[len(types)-1] != EventTerminal {
		select {
		case ev := <-events:
			assert.Equal(t, "remote-1", ev.Task.ID)
			assert.Equal(t, "Generate image", ev.Task.Title)
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("missing terminal event, got %v", types)
		}
	}
	assert.Equal(t, []EventType{EventStarted, EventProgress, EventProgress, EventTerminal}, types)

	require.NoError(t, tr.Remove("remote-1"))
	ev := <-events
	assert.Equal(t, EventRemoved, ev.Type)
	_, ok := tr.Get("remote-1")
	assert.False(t, ok)
	assert.Equal(t, []string{"remote-1"}, obs.removed)
	require.Len(t, obs.started, 1)
}

func TestTrackerRejectsDuplicateIDs(t *testing.T) {
	tr := NewTracker(TrackerOptions{Policy: Policy{Interval: time.Hour}})
	funcs := Funcs{
		Poll:        func(ctx context.Context, id string) (Status, error) { return Status{}, nil },
		FetchResult: func(ctx context.Context, id string, last Status) ([]ResultItem, error) { return nil, nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := tr.Start(ctx, "dup", funcs)
	require.NoError(t, err)
	_, err = tr.Start(ctx, "dup", funcs)
	require.Error(t, err)
	assert.Len(t, tr.List(), 1)
}

func TestTrackerRemoveRequiresTerminalState(t *testing.T) {
	tr := NewTracker(TrackerOptions{Policy: Policy{Interval: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	tk, err := tr.Start(ctx, "busy", Funcs{
		Poll:        func(ctx context.Context, id string) (Status, error) { return Status{Progress: 10}, nil },
		FetchResult: func(ctx context.Context, id string, last Status) ([]ResultItem, error) { return nil, nil },
	})
	require.NoError(t, err)
	require.ErrorIs(t, tr.Remove("busy"), domain.ErrTaskActive)

	cancel()
	<-tk.Done()
	require.NoError(t, tr.Remove("busy"))
	require.ErrorIs(t, tr.Remove("busy"), domain.ErrNotFound)
}

func TestTrackerListIsOrderedByStart(t *testing.T) {
	tr := NewTracker(TrackerOptions{Policy: Policy{Interval: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	funcs := Funcs{
		Poll:        func(ctx context.Context, id string) (Status, error) { return Status{}, nil },
		FetchResult: func(ctx context.Context, id string, last Status) ([]ResultItem, error) { return nil, nil },
	}
	for _, id := range []string{"b", "a", "c"} {
		_, err := tr.Start(ctx, id, funcs)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	var ids []string
	for _, s := range tr.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}
