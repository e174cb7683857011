package taskboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"genbridge/internal/domain"
	"genbridge/internal/infra"
	"genbridge/internal/task"
)

// History persists task lifecycles. Rows are written on start, on every
// state or progress change and on the terminal transition.
type History struct {
	repo      domain.TaskRepository
	sessionID string
	timeout   time.Duration
	logger    *infra.Logger

	mu   sync.Mutex
	last map[string]task.Snapshot
}

// NewHistory creates a history observer for one session.
func NewHistory(repo domain.TaskRepository, sessionID string, logger *infra.Logger) (*History, error) {
	if repo == nil {
		return nil, errors.New("taskboard: repository is required")
	}
	return &History{
		repo:      repo,
		sessionID: sessionID,
		timeout:   defaultTimeout,
		logger:    infra.ComponentLogger(logger, "history"),
		last:      make(map[string]task.Snapshot),
	}, nil
}

// OnStarted implements task.Observer.
func (h *History) OnStarted(s task.Snapshot) {
	h.mu.Lock()
	h.last[s.ID] = s
	h.mu.Unlock()
	h.save(s, nil)
}

// OnProgress implements task.Observer.
func (h *History) OnProgress(s task.Snapshot) {
	h.mu.Lock()
	prev, ok := h.last[s.ID]
	changed := !ok || prev.State != s.State || prev.Progress != s.Progress || prev.Message != s.Message
	h.last[s.ID] = s
	h.mu.Unlock()
	if changed {
		h.save(s, nil)
	}
}

// OnTerminal implements task.Observer.
func (h *History) OnTerminal(s task.Snapshot, err error) {
	h.mu.Lock()
	delete(h.last, s.ID)
	h.mu.Unlock()
	h.save(s, err)
}

// Recent lists the newest history rows.
func (h *History) Recent(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	return h.repo.ListRecent(ctx, limit)
}

func (h *History) save(s task.Snapshot, err error) {
	rec := domain.TaskRecord{
		ID:        s.ID,
		SessionID: h.sessionID,
		Title:     s.Title,
		State:     string(s.State),
		Progress:  s.Progress,
		Message:   s.Message,
		Polls:     s.Polls,
		StartedAt: s.StartedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if err != nil {
		msg := err.Error()
		rec.ErrorMessage = &msg
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.repo.Upsert(ctx, rec); err != nil {
		h.logger.Warn().Err(err).Str("task_id", s.ID).Msg("history: upsert failed")
	}
}

var _ task.Observer = (*History)(nil)
