package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"genbridge/internal/domain"
	"genbridge/internal/session"
	"genbridge/internal/task"
)

const sseHeartbeat = 15 * time.Second

type taskView struct {
	task.Snapshot
	Result []task.ResultItem `json:"result,omitempty"`
}

func (a *App) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req session.SubmitRequest
	if !a.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		a.error(w, http.StatusBadRequest, "invalid_prompt", "prompt is required")
		return
	}
	t, err := a.Session.Submit(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, t.Snapshot())
}

func (a *App) ListTasks(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"items": a.Session.Tracker().List()})
}

func (a *App) GetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := a.lookup(w, r)
	if !ok {
		return
	}
	view := taskView{Snapshot: t.Snapshot()}
	if view.State == task.StateDone {
		view.Result, _ = t.Result()
	}
	a.json(w, http.StatusOK, view)
}

func (a *App) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if err := t.Cancel(r.Context()); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, t.Snapshot())
}

func (a *App) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.Session.Tracker().Remove(chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TaskHistory lists persisted task records, newest first.
func (a *App) TaskHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		a.error(w, http.StatusNotFound, "history_disabled", "task history requires DATABASE_URL")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := a.History.Recent(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// TaskEvents streams tracker events as server-sent events. The stream opens
// with a snapshot of every known task.
func (a *App) TaskEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}
	events, unsubscribe := a.Session.Tracker().Subscribe(32)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(name string, v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send("snapshot", a.Session.Tracker().List()) {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(string(ev.Type), ev.Task) {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *App) lookup(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	id := chi.URLParam(r, "id")
	t, ok := a.Session.Tracker().Get(id)
	if !ok {
		a.fail(w, r, fmt.Errorf("task %s: %w", id, domain.ErrNotFound))
		return nil, false
	}
	return t, true
}
