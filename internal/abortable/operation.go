// Package abortable provides a single-flight operation slot where the most
// recently started call wins.
package abortable

import (
	"context"
	"errors"
	"sync"

	"genbridge/internal/domain"
)

// Operation holds at most one in-flight operation. Starting a new one cancels
// the previous; a superseded or canceled operation never commits its result.
// The zero value is ready to use.
type Operation[T any] struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// Run cancels any outstanding operation, then runs op with a fresh context
// derived from ctx. When op finishes and is still the latest call, apply is
// invoked with its result while the operation lock is held; apply must not
// call back into the Operation.
//
// Cancellation is void: if op's context was canceled, or op reports an error
// matching context.Canceled or domain.ErrAborted, Run returns nil without
// applying. Any other error is returned.
func (o *Operation[T]) Run(ctx context.Context, op func(context.Context) (T, error), apply func(T)) error {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.seq++
	seq := o.seq
	o.cancel = cancel
	o.mu.Unlock()

	result, err := op(opCtx)

	o.mu.Lock()
	defer o.mu.Unlock()
	current := o.seq == seq
	if current {
		o.cancel = nil
	}
	if opCtx.Err() != nil || IsCanceled(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if current && apply != nil {
		apply(result)
	}
	return nil
}

// IsRunning reports whether an operation is outstanding and uncanceled.
func (o *Operation[T]) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}

// Cancel aborts the outstanding operation, if any.
func (o *Operation[T]) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// IsCanceled reports whether err is a cooperative cancellation signal.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrAborted)
}
