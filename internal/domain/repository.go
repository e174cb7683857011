package domain

import "context"

// TaskRepository persists task history.
type TaskRepository interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, rec TaskRecord) error
	GetByID(ctx context.Context, id string) (*TaskRecord, error)
	ListRecent(ctx context.Context, limit int) ([]TaskRecord, error)
	Delete(ctx context.Context, id string) error
}
