package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"genbridge/internal/domain"
	"genbridge/internal/host"
	"genbridge/internal/infra"
	"genbridge/internal/session"
	"genbridge/internal/taskboard"
)

const maxBodyBytes = 1 << 20

// App carries the collaborators the HTTP handlers act on.
type App struct {
	Session *session.Session
	// History is nil when no database is configured.
	History *taskboard.History
	// States feeds the thumbnail cache watcher. When nil, document state is
	// applied to the cache directly.
	States chan<- host.DocumentState
	Logger *infra.Logger
}

func NewApp(sess *session.Session, logger *infra.Logger) *App {
	return &App{Session: sess, Logger: infra.ComponentLogger(logger, "handlers")}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_json", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// fail maps domain errors onto HTTP statuses.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrSlotOutOfRange):
		a.error(w, http.StatusBadRequest, "slot_out_of_range", err.Error())
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrNotCancelable):
		a.error(w, http.StatusConflict, "not_cancelable", err.Error())
	case errors.Is(err, domain.ErrTaskActive):
		a.error(w, http.StatusConflict, "task_active", err.Error())
	case errors.Is(err, domain.ErrAborted):
		a.error(w, http.StatusConflict, "aborted", err.Error())
	case errors.Is(err, domain.ErrInvalidContent):
		a.error(w, http.StatusUnprocessableEntity, "invalid_content", err.Error())
	case errors.Is(err, domain.ErrProviderFailure):
		a.error(w, http.StatusBadGateway, "provider_failure", err.Error())
	default:
		infra.LoggerOrDiscard(a.Logger).Error().Err(err).Str("path", r.URL.Path).Msg("handler failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) slotIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		a.error(w, http.StatusBadRequest, "invalid_index", "slot index must be a non-negative integer")
		return 0, false
	}
	return idx, true
}
