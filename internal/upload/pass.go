// Package upload runs deferred "acquire bytes, then upload" passes, either
// once or re-run before every submission for auto-synced inputs.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genbridge/internal/domain"
)

// ErrAborted marks a pass execution that was cancelled. OnError handlers
// receive it for aborted runs and must absorb it silently.
var ErrAborted = domain.ErrAborted

// Kind describes how upload content is carried.
type Kind string

const (
	KindBuffer Kind = "buffer"
	KindToken  Kind = "token"
)

// Content is what a pass acquired and hands to the Uploader.
type Content struct {
	Kind     Kind
	Data     []byte
	Token    string
	Filename string
	MIME     string
}

// Validate checks that the payload matches the kind.
func (c Content) Validate() error {
	switch c.Kind {
	case KindBuffer:
		if len(c.Data) == 0 {
			return fmt.Errorf("%w: empty buffer", domain.ErrInvalidContent)
		}
	case KindToken:
		if strings.TrimSpace(c.Token) == "" {
			return fmt.Errorf("%w: empty token", domain.ErrInvalidContent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidContent, c.Kind)
	}
	return nil
}

// Uploader stores content remotely and returns the URL referencing it.
type Uploader interface {
	Upload(ctx context.Context, content Content) (string, error)
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, content Content) (string, error)

// Upload implements Uploader.
func (f UploaderFunc) Upload(ctx context.Context, content Content) (string, error) {
	return f(ctx, content)
}

// Pass is one acquire-then-upload unit of work. Persistent passes are
// registered by pointer and compared by identity.
type Pass struct {
	// Name labels the pass in logs and metrics.
	Name       string
	Acquire    func(ctx context.Context) (Content, error)
	OnUploaded func(url string)
	OnError    func(err error)
	// Begin, when set, runs as each execution starts. The func it returns
	// runs once the execution settles, with nil on success or the
	// failure (aborts included).
	Begin func() (end func(err error))
}

// IsAborted reports whether err came from a cancelled execution.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

func abortError(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	if errors.Is(cause, ErrAborted) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}
