package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"genbridge/internal/domain"
	"genbridge/internal/infra"
	"genbridge/internal/sqlinline"
)

// TaskRepositoryPG implements domain.TaskRepository through marker-tagged
// queries.
type TaskRepositoryPG struct {
	db infra.SQLExecutor
}

// NewTaskRepository creates a task history repository.
func NewTaskRepository(db infra.SQLExecutor) *TaskRepositoryPG {
	return &TaskRepositoryPG{db: db}
}

// EnsureSchema creates the history table when missing.
func (r *TaskRepositoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, sqlinline.QTaskSchema); err != nil {
		return fmt.Errorf("repo: ensure task schema: %w", err)
	}
	return nil
}

// Upsert inserts the record or advances the stored one.
func (r *TaskRepositoryPG) Upsert(ctx context.Context, rec domain.TaskRecord) error {
	_, err := r.db.Exec(ctx, sqlinline.QTaskUpsert,
		rec.ID,
		rec.SessionID,
		rec.Title,
		rec.State,
		rec.Progress,
		rec.Message,
		rec.Polls,
		rec.ErrorMessage,
		rec.StartedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("repo: upsert task %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID fetches one record.
func (r *TaskRepositoryPG) GetByID(ctx context.Context, id string) (*domain.TaskRecord, error) {
	rec, err := scanTask(r.db.QueryRow(ctx, sqlinline.QTaskGet, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: get task %s: %w", id, err)
	}
	return &rec, nil
}

// ListRecent returns the newest records first.
func (r *TaskRepositoryPG) ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, sqlinline.QTaskListRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("repo: list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("repo: scan task: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo: list tasks: %w", err)
	}
	return out, nil
}

// Delete removes a record. Missing rows are not an error.
func (r *TaskRepositoryPG) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, sqlinline.QTaskDelete, id); err != nil {
		return fmt.Errorf("repo: delete task %s: %w", id, err)
	}
	return nil
}

func scanTask(row pgx.Row) (domain.TaskRecord, error) {
	var rec domain.TaskRecord
	err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Title,
		&rec.State,
		&rec.Progress,
		&rec.Message,
		&rec.Polls,
		&rec.ErrorMessage,
		&rec.StartedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

var _ domain.TaskRepository = (*TaskRepositoryPG)(nil)
