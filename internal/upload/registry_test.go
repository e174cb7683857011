package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbridge/internal/domain"
)

type countingUploader struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (u *countingUploader) Upload(ctx context.Context, c Content) (string, error) {
	n := u.calls.Add(1)
	if u.gate != nil {
		select {
		case <-u.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if u.err != nil {
		return "", u.err
	}
	return fmt.Sprintf("https://cdn.example.com/%s?v=%d", c.Filename, n), nil
}

func bufferPass(name string) *Pass {
	return &Pass{
		Name: name,
		Acquire: func(ctx context.Context) (Content, error) {
			return Content{Kind: KindBuffer, Data: []byte("png"), Filename: name + ".png"}, nil
		},
	}
}

func newRegistry(t *testing.T, u Uploader) *Registry {
	t.Helper()
	r, err := NewRegistry(Options{Uploader: u})
	require.NoError(t, err)
	return r
}

func TestWaitAllWithNothingResolvesImmediately(t *testing.T) {
	r := newRegistry(t, &countingUploader{})
	start := time.Now()
	require.NoError(t, r.WaitAll(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRunOnceUploadsAndNotifies(t *testing.T) {
	u := &countingUploader{}
	r := newRegistry(t, u)
	var uploaded []string
	p := bufferPass("canvas")
	p.OnUploaded = func(url string) { uploaded = append(uploaded, url) }
	p.OnError = func(err error) { t.Fatalf("unexpected error: %v", err) }

	url, err := r.RunOnce(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/canvas.png?v=1", url)
	assert.Equal(t, []string{url}, uploaded)
	assert.Equal(t, 0, r.Len())
}

func TestRunOnceUploaderFailureRejectsAndReportsOnce(t *testing.T) {
	boom := errors.New("413 payload too large")
	r := newRegistry(t, &countingUploader{err: boom})
	var errs []error
	p := bufferPass("layer")
	p.OnUploaded = func(string) { t.Fatalf("OnUploaded must not fire") }
	p.OnError = func(err error) { errs = append(errs, err) }

	_, err := r.RunOnce(context.Background(), p)
	require.ErrorIs(t, err, boom)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.False(t, IsAborted(errs[0]))
}

func TestAbortingInFlightAcquireReportsAbortFlaggedError(t *testing.T) {
	r := newRegistry(t, &countingUploader{})
	acquiring := make(chan struct{})
	var got error
	p := &Pass{
		Name: "selection",
		Acquire: func(ctx context.Context) (Content, error) {
			close(acquiring)
			<-ctx.Done()
			return Content{}, ctx.Err()
		},
		OnUploaded: func(string) { t.Fatalf("OnUploaded must not fire") },
		OnError:    func(err error) { got = err },
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(ctx, p)
		result <- err
	}()
	<-acquiring
	cancel()

	err := <-result
	require.Error(t, err)
	assert.True(t, IsAborted(err))
	assert.ErrorIs(t, got, domain.ErrAborted)
}

func TestCancelAllAbortsOneShotAndDropsPersistent(t *testing.T) {
	u := &countingUploader{gate: make(chan struct{})}
	r := newRegistry(t, u)
	persistent := bufferPass("canvas")
	require.NoError(t, r.Register(persistent))

	result := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(context.Background(), bufferPass("once"))
		result <- err
	}()
	require.Eventually(t, func() bool { return u.calls.Load() == 1 }, time.Second, time.Millisecond)

	r.CancelAll()
	err := <-result
	assert.True(t, IsAborted(err))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.IsRegistered(persistent))
}

func TestWaitAllRerunsPersistentPassesEveryTime(t *testing.T) {
	u := &countingUploader{}
	r := newRegistry(t, u)
	var mu sync.Mutex
	var urls []string
	p := bufferPass("canvas")
	p.OnUploaded = func(url string) {
		mu.Lock()
		defer mu.Unlock()
		urls = append(urls, url)
	}
	require.NoError(t, r.Register(p))
	require.NoError(t, r.Register(p))
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.WaitAll(context.Background()))
	require.NoError(t, r.WaitAll(context.Background()))
	assert.Equal(t, int32(2), u.calls.Load())
	assert.Equal(t, []string{
		"https://cdn.example.com/canvas.png?v=1",
		"https://cdn.example.com/canvas.png?v=2",
	}, urls)

	r.Unregister(p)
	require.NoError(t, r.WaitAll(context.Background()))
	assert.Equal(t, int32(2), u.calls.Load(), "unregistered pass must not upload again")
}

func TestWaitAllWaitsForOutstandingOneShotAndSurfacesFailure(t *testing.T) {
	boom := errors.New("bucket unavailable")
	gate := make(chan struct{})
	u := &countingUploader{gate: gate, err: boom}
	r := newRegistry(t, u)

	go func() { _, _ = r.RunOnce(context.Background(), bufferPass("once")) }()
	require.Eventually(t, func() bool { return u.calls.Load() == 1 }, time.Second, time.Millisecond)

	waitErr := make(chan error, 1)
	go func() { waitErr <- r.WaitAll(context.Background()) }()
	select {
	case err := <-waitErr:
		t.Fatalf("WaitAll returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	require.ErrorIs(t, <-waitErr, boom)
}

func TestWaitAllIgnoresAbortedOneShots(t *testing.T) {
	u := &countingUploader{gate: make(chan struct{})}
	r := newRegistry(t, u)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.RunOnce(ctx, bufferPass("once"))
	}()
	require.Eventually(t, func() bool { return u.calls.Load() == 1 }, time.Second, time.Millisecond)

	waitErr := make(chan error, 1)
	go func() { waitErr <- r.WaitAll(context.Background()) }()
	cancel()
	<-done
	require.NoError(t, <-waitErr)
}

func TestWaitAllPersistentFailureGoesToOnErrorOnly(t *testing.T) {
	boom := errors.New("host busy")
	r := newRegistry(t, &countingUploader{})
	var errs []error
	p := &Pass{
		Name:    "mask",
		Acquire: func(ctx context.Context) (Content, error) { return Content{}, boom },
		OnError: func(err error) { errs = append(errs, err) },
	}
	require.NoError(t, r.Register(p))
	require.NoError(t, r.WaitAll(context.Background()))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestStrictWaitAllFailsOnPersistentFailure(t *testing.T) {
	boom := errors.New("quota exceeded")
	r, err := NewRegistry(Options{Uploader: &countingUploader{err: boom}, StrictPersistent: true})
	require.NoError(t, err)
	var reported atomic.Int32
	p := bufferPass("canvas")
	p.OnError = func(error) { reported.Add(1) }
	require.NoError(t, r.Register(p))

	err = r.WaitAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), reported.Load())
}

func TestStrictWaitAllIgnoresUnregisteredPass(t *testing.T) {
	u := &countingUploader{gate: make(chan struct{})}
	r, err := NewRegistry(Options{Uploader: u, StrictPersistent: true})
	require.NoError(t, err)
	p := bufferPass("canvas")
	require.NoError(t, r.Register(p))

	done := make(chan error, 1)
	go func() { done <- r.WaitAll(context.Background()) }()
	require.Eventually(t, func() bool { return u.calls.Load() == 1 }, time.Second, time.Millisecond)
	r.Unregister(p)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAll did not return after unregister")
	}
}

func TestBeginHookSettlesWithExecutionResult(t *testing.T) {
	boom := errors.New("disk full")
	u := &countingUploader{gate: make(chan struct{})}
	r := newRegistry(t, u)

	var mu sync.Mutex
	var began int
	var settled []error
	p := bufferPass("canvas")
	p.Begin = func() func(error) {
		mu.Lock()
		began++
		mu.Unlock()
		return func(err error) {
			mu.Lock()
			settled = append(settled, err)
			mu.Unlock()
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(context.Background(), p)
		done <- err
	}()
	require.Eventually(t, func() bool { return u.calls.Load() == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, began)
	assert.Empty(t, settled)
	mu.Unlock()
	close(u.gate)
	require.NoError(t, <-done)

	u.err = boom
	_, err := r.RunOnce(context.Background(), p)
	require.ErrorIs(t, err, boom)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, began)
	require.Len(t, settled, 2)
	assert.NoError(t, settled[0])
	assert.ErrorIs(t, settled[1], boom)
}

func TestPersistentRerunSupersedesInFlightExecution(t *testing.T) {
	u := &countingUploader{gate: make(chan struct{})}
	r := newRegistry(t, u)
	var aborted atomic.Int32
	p := bufferPass("canvas")
	p.OnError = func(err error) {
		if IsAborted(err) {
			aborted.Add(1)
		}
	}
	require.NoError(t, r.Register(p))

	first := make(chan error, 1)
	go func() { first <- r.WaitAll(context.Background()) }()
	require.Eventually(t, func() bool { return u.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- r.WaitAll(context.Background()) }()
	require.Eventually(t, func() bool { return aborted.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return u.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(u.gate)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
}

func TestInvalidContentIsRejected(t *testing.T) {
	r := newRegistry(t, &countingUploader{})
	p := &Pass{Acquire: func(ctx context.Context) (Content, error) {
		return Content{Kind: KindBuffer}, nil
	}}
	_, err := r.RunOnce(context.Background(), p)
	require.ErrorIs(t, err, domain.ErrInvalidContent)

	require.Error(t, r.Register(&Pass{}))
	_, err = NewRegistry(Options{})
	require.Error(t, err)
}
