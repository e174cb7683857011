package taskboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbridge/internal/domain"
	"genbridge/internal/host"
	"genbridge/internal/task"
)

type boardCall struct {
	op    string
	entry host.TaskEntry
	id    string
}

type fakeBoard struct {
	mu    sync.Mutex
	calls []boardCall
	err   error
}

func (b *fakeBoard) record(c boardCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
	return b.err
}

func (b *fakeBoard) TaskAdd(ctx context.Context, e host.TaskEntry) error {
	return b.record(boardCall{op: "add", entry: e, id: e.ID})
}

func (b *fakeBoard) TaskUpdate(ctx context.Context, e host.TaskEntry) error {
	return b.record(boardCall{op: "update", entry: e, id: e.ID})
}

func (b *fakeBoard) TaskRemove(ctx context.Context, id string) error {
	return b.record(boardCall{op: "remove", id: id})
}

func (b *fakeBoard) snapshot() []boardCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]boardCall(nil), b.calls...)
}

type fakeRepo struct {
	mu      sync.Mutex
	upserts []domain.TaskRecord
	err     error
}

func (r *fakeRepo) EnsureSchema(context.Context) error { return nil }

func (r *fakeRepo) Upsert(ctx context.Context, rec domain.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, rec)
	return r.err
}

func (r *fakeRepo) GetByID(context.Context, string) (*domain.TaskRecord, error) {
	return nil, domain.ErrNotFound
}

func (r *fakeRepo) ListRecent(context.Context, int) ([]domain.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TaskRecord(nil), r.upserts...), nil
}

func (r *fakeRepo) Delete(context.Context, string) error { return nil }

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "Polling", StatusLabel(task.StatePolling))
	assert.Equal(t, "Cancelled", StatusLabel(task.StateCancelled))
}

func TestMirrorForwardsLifecycle(t *testing.T) {
	board := &fakeBoard{}
	m, err := NewMirror(MirrorOptions{Board: board})
	require.NoError(t, err)

	snap := task.Snapshot{ID: "t1", Title: "Inpaint", State: task.StatePolling, Cancelable: true}
	m.OnStarted(snap)
	snap.Progress = 30
	m.OnProgress(snap)
	snap.State = task.StateFailed
	m.OnTerminal(snap, errors.New("quota exceeded"))
	m.OnRemoved("t1")
	m.Close()

	calls := board.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, "add", calls[0].op)
	assert.True(t, calls[0].entry.Cancelable)
	assert.Equal(t, 30, calls[1].entry.Progress)
	assert.Equal(t, "Failed", calls[2].entry.Status)
	assert.Equal(t, "quota exceeded", calls[2].entry.Message)
	assert.False(t, calls[2].entry.Cancelable)
	assert.Equal(t, boardCall{op: "remove", id: "t1"}, calls[3])
}

func TestMirrorSwallowsHostFailures(t *testing.T) {
	board := &fakeBoard{err: errors.New("panel closed")}
	m, err := NewMirror(MirrorOptions{Board: board, Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.OnStarted(task.Snapshot{ID: "t1"})
		m.OnRemoved("t1")
	})
	m.Close()
	assert.Len(t, board.snapshot(), 2)
}

func TestMirrorDrivenByRealTask(t *testing.T) {
	board := &fakeBoard{}
	m, err := NewMirror(MirrorOptions{Board: board})
	require.NoError(t, err)

	polls := 0
	tk, err := task.Start(context.Background(), "real", task.Funcs{
		Poll: func(ctx context.Context, id string) (task.Status, error) {
			polls++
			if polls == 1 {
				return task.Status{Progress: 30}, nil
			}
			return task.Status{Done: true, Progress: 100}, nil
		},
		FetchResult: func(ctx context.Context, id string, last task.Status) ([]task.ResultItem, error) {
			return []task.ResultItem{{URL: "a.png"}}, nil
		},
	}, task.WithPolicy(task.Policy{Interval: 5 * time.Millisecond}), task.WithObservers(m))
	require.NoError(t, err)

	items, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a.png", items[0].URL)
	m.Close()

	calls := board.snapshot()
	require.NotEmpty(t, calls)
	assert.Equal(t, "add", calls[0].op)
	last := calls[len(calls)-1]
	assert.Equal(t, "Done", last.entry.Status)
	assert.Equal(t, 100, last.entry.Progress)
}

type slowBoard struct {
	fakeBoard
	release chan struct{}
}

func (b *slowBoard) TaskUpdate(ctx context.Context, e host.TaskEntry) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.fakeBoard.TaskUpdate(ctx, e)
}

func TestMirrorDoesNotBlockOnSlowHost(t *testing.T) {
	board := &slowBoard{release: make(chan struct{})}
	m, err := NewMirror(MirrorOptions{Board: board, Timeout: time.Minute})
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for p := 10; p <= 50; p += 10 {
			m.OnProgress(task.Snapshot{ID: "t1", State: task.StatePolling, Progress: p})
		}
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("observer calls blocked on the host")
	}

	close(board.release)
	m.Close()
	calls := board.snapshot()
	require.Len(t, calls, 5)
	for i, c := range calls {
		assert.Equal(t, (i+1)*10, c.entry.Progress)
	}
}

func TestMirrorDropsCallsWhenQueueFull(t *testing.T) {
	board := &slowBoard{release: make(chan struct{})}
	m, err := NewMirror(MirrorOptions{Board: board, Timeout: time.Minute, QueueSize: 1})
	require.NoError(t, err)

	for p := 0; p < 10; p++ {
		m.OnProgress(task.Snapshot{ID: "t1", Progress: p})
	}
	close(board.release)
	m.Close()
	calls := board.snapshot()
	assert.NotEmpty(t, calls)
	assert.Less(t, len(calls), 10)

	assert.NotPanics(t, func() { m.OnRemoved("t1") })
	assert.Len(t, board.snapshot(), len(calls))
}

func TestHistoryWritesOnChangeOnly(t *testing.T) {
	repo := &fakeRepo{}
	h, err := NewHistory(repo, "session-1", nil)
	require.NoError(t, err)

	start := time.Now()
	snap := task.Snapshot{ID: "t1", State: task.StatePolling, StartedAt: start, UpdatedAt: start}
	h.OnStarted(snap)
	h.OnProgress(snap)
	snap.Progress = 40
	h.OnProgress(snap)
	snap.State = task.StateFailed
	h.OnTerminal(snap, errors.New("boom"))

	recs, err := h.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "session-1", recs[0].SessionID)
	assert.Equal(t, 40, recs[1].Progress)
	require.NotNil(t, recs[2].ErrorMessage)
	assert.Equal(t, "boom", *recs[2].ErrorMessage)
	assert.Equal(t, "failed", recs[2].State)
}

func TestHistoryRequiresRepository(t *testing.T) {
	_, err := NewHistory(nil, "s", nil)
	assert.Error(t, err)
}
