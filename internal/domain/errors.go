package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAborted         = errors.New("aborted")
	ErrSlotOutOfRange  = errors.New("slot index out of range")
	ErrNotCancelable   = errors.New("task is not cancelable")
	ErrTaskCanceled    = errors.New("task canceled")
	ErrTaskDeadline    = errors.New("task deadline exceeded")
	ErrTaskMaxPolls    = errors.New("task poll limit reached")
	ErrProviderFailure = errors.New("provider failure")
	ErrInvalidContent  = errors.New("invalid upload content")
	ErrConflict        = errors.New("already exists")
	ErrTaskActive      = errors.New("task is still active")
)
