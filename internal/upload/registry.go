package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"genbridge/internal/infra"
)

// Mode distinguishes one-shot from persistent executions.
type Mode string

const (
	ModeOnce       Mode = "once"
	ModePersistent Mode = "persistent"
)

// Outcome is the result class of one execution.
type Outcome string

const (
	OutcomeUploaded Outcome = "uploaded"
	OutcomeFailed   Outcome = "failed"
	OutcomeAborted  Outcome = "aborted"
)

// Options configures a Registry.
type Options struct {
	Uploader Uploader
	Logger   *infra.Logger
	// OnOutcome, when set, observes every finished execution.
	OnOutcome func(mode Mode, outcome Outcome, elapsed time.Duration)
	// StrictPersistent makes WaitAll fail when a persistent pass fails
	// instead of only reporting it to the pass's OnError.
	StrictPersistent bool
}

type execution struct {
	pass   *Pass
	mode   Mode
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Registry is the session-scoped set of persistent passes plus every
// outstanding execution. Submission code calls WaitAll exactly once before
// sending a job so referenced images are never mid-upload.
type Registry struct {
	uploader  Uploader
	logger    *infra.Logger
	onOutcome func(Mode, Outcome, time.Duration)
	strict    bool

	mu         sync.Mutex
	persistent []*Pass
	running    map[*execution]struct{}
}

// NewRegistry creates an empty registry around uploader.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Uploader == nil {
		return nil, errors.New("upload: uploader is required")
	}
	return &Registry{
		uploader:  opts.Uploader,
		logger:    infra.ComponentLogger(opts.Logger, "uploads"),
		onOutcome: opts.OnOutcome,
		strict:    opts.StrictPersistent,
		running:   make(map[*execution]struct{}),
	}, nil
}

// RunOnce executes p a single time and returns the uploaded URL. Failures
// are routed to p.OnError and returned; aborted runs return an error that
// satisfies IsAborted.
func (r *Registry) RunOnce(ctx context.Context, p *Pass) (string, error) {
	if err := validatePass(p); err != nil {
		return "", err
	}
	ex, exCtx := r.begin(ctx, p, ModeOnce)
	return r.execute(exCtx, ex)
}

// Register adds p to the persistent set. Registering twice is a no-op.
func (r *Registry) Register(p *Pass) error {
	if err := validatePass(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.persistent {
		if existing == p {
			return nil
		}
	}
	r.persistent = append(r.persistent, p)
	return nil
}

// Unregister removes p and aborts its in-flight executions.
func (r *Registry) Unregister(p *Pass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.persistent {
		if existing == p {
			r.persistent = append(r.persistent[:i], r.persistent[i+1:]...)
			break
		}
	}
	for ex := range r.running {
		if ex.pass == p {
			ex.cancel()
		}
	}
}

// IsRegistered reports whether p is in the persistent set.
func (r *Registry) IsRegistered(p *Pass) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.persistent {
		if existing == p {
			return true
		}
	}
	return false
}

// Len returns the number of persistent passes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.persistent)
}

// CancelAll drops every persistent pass and aborts all in-flight work.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistent = nil
	for ex := range r.running {
		ex.cancel()
	}
}

// WaitAll re-runs every registered persistent pass, since their last URL
// may be stale, and waits for every execution outstanding at call time.
// It fails with the first non-abort one-shot error. Persistent failures
// always reach their OnError and fail the wait only with StrictPersistent.
func (r *Registry) WaitAll(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]*execution, 0, len(r.running))
	for ex := range r.running {
		pending = append(pending, ex)
	}
	passes := append([]*Pass(nil), r.persistent...)
	r.mu.Unlock()

	if len(pending) == 0 && len(passes) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, p := range passes {
		p := p
		g.Go(func() error {
			_, err := r.runPersistent(ctx, p)
			if r.strict && err != nil && !IsAborted(err) {
				return err
			}
			return nil
		})
	}
	for _, ex := range pending {
		ex := ex
		g.Go(func() error {
			select {
			case <-ex.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if ex.mode == ModeOnce && ex.err != nil && !IsAborted(ex.err) {
				return ex.err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("upload: wait all: %w", err)
	}
	return ctx.Err()
}

// runPersistent executes a registered pass, superseding any earlier
// in-flight execution of the same pass.
func (r *Registry) runPersistent(ctx context.Context, p *Pass) (string, error) {
	r.mu.Lock()
	registered := false
	for _, existing := range r.persistent {
		if existing == p {
			registered = true
			break
		}
	}
	if !registered {
		r.mu.Unlock()
		return "", abortError(nil)
	}
	for ex := range r.running {
		if ex.pass == p {
			ex.cancel()
		}
	}
	r.mu.Unlock()

	ex, exCtx := r.begin(ctx, p, ModePersistent)
	return r.execute(exCtx, ex)
}

func (r *Registry) begin(ctx context.Context, p *Pass, mode Mode) (*execution, context.Context) {
	exCtx, cancel := context.WithCancel(ctx)
	ex := &execution{pass: p, mode: mode, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.running[ex] = struct{}{}
	r.mu.Unlock()
	return ex, exCtx
}

func (r *Registry) end(ex *execution, err error) {
	r.mu.Lock()
	delete(r.running, ex)
	r.mu.Unlock()
	ex.err = err
	ex.cancel()
	close(ex.done)
}

func (r *Registry) execute(ctx context.Context, ex *execution) (url string, err error) {
	started := time.Now()
	p := ex.pass
	var settle func(error)
	if p.Begin != nil {
		settle = p.Begin()
	}
	defer func() {
		if settle != nil {
			settle(err)
		}
		r.end(ex, err)
		r.report(ex, err, time.Since(started))
	}()

	if ctx.Err() != nil {
		return "", r.fail(ex, abortError(ctx.Err()))
	}
	content, err := p.Acquire(ctx)
	if err != nil {
		return "", r.fail(ex, r.classify(ctx, "acquire", err))
	}
	if ctx.Err() != nil {
		return "", r.fail(ex, abortError(ctx.Err()))
	}
	if err := content.Validate(); err != nil {
		return "", r.fail(ex, fmt.Errorf("upload: %s: %w", passName(p), err))
	}
	url, err = r.uploader.Upload(ctx, content)
	if err != nil {
		return "", r.fail(ex, r.classify(ctx, "upload", err))
	}
	if ctx.Err() != nil {
		return "", r.fail(ex, abortError(ctx.Err()))
	}
	if p.OnUploaded != nil {
		p.OnUploaded(url)
	}
	r.logger.Debug().Str("pass", passName(p)).Str("mode", string(ex.mode)).Str("url", url).Msg("uploads: pass uploaded")
	return url, nil
}

func (r *Registry) classify(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil || IsAborted(err) {
		return abortError(err)
	}
	return fmt.Errorf("upload: %s: %w", stage, err)
}

func (r *Registry) fail(ex *execution, err error) error {
	if IsAborted(err) {
		r.logger.Debug().Str("pass", passName(ex.pass)).Str("mode", string(ex.mode)).Msg("uploads: pass aborted")
	} else {
		r.logger.Warn().Err(err).Str("pass", passName(ex.pass)).Str("mode", string(ex.mode)).Msg("uploads: pass failed")
	}
	if ex.pass.OnError != nil {
		ex.pass.OnError(err)
	}
	return err
}

func (r *Registry) report(ex *execution, err error, elapsed time.Duration) {
	if r.onOutcome == nil {
		return
	}
	outcome := OutcomeUploaded
	switch {
	case err == nil:
	case IsAborted(err):
		outcome = OutcomeAborted
	default:
		outcome = OutcomeFailed
	}
	r.onOutcome(ex.mode, outcome, elapsed)
}

func validatePass(p *Pass) error {
	if p == nil || p.Acquire == nil {
		return errors.New("upload: pass with an acquire func is required")
	}
	return nil
}

func passName(p *Pass) string {
	if p.Name != "" {
		return p.Name
	}
	return "unnamed"
}
