package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": a.Session.ID(),
		"components": len(a.Session.Slots().Components()),
		"tasks":      len(a.Session.Tracker().List()),
	})
}
