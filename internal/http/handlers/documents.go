package handlers

import (
	"net/http"
	"strconv"

	"genbridge/internal/host"
)

// DocumentState receives host change notifications and hands them to the
// thumbnail cache.
func (a *App) DocumentState(w http.ResponseWriter, r *http.Request) {
	var state host.DocumentState
	if !a.decode(w, r, &state) {
		return
	}
	if a.States == nil {
		a.Session.Thumbnails().Notify(state)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	select {
	case a.States <- state:
		w.WriteHeader(http.StatusAccepted)
	case <-r.Context().Done():
		a.error(w, http.StatusServiceUnavailable, "busy", "document state not accepted")
	}
}

// Thumbnail reports the cached preview for one tracked tuple.
func (a *App) Thumbnail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	track, ok := host.ParseTrack(q.Get("track"))
	if !ok {
		a.error(w, http.StatusBadRequest, "invalid_track", "track must be image or mask")
		return
	}
	ct, ok := host.ParseContentType(q.Get("content_type"))
	if !ok {
		a.error(w, http.StatusBadRequest, "invalid_content_type", "content_type must be canvas, current-layer or selection")
		return
	}
	alt, _ := strconv.ParseBool(q.Get("alt"))

	cache := a.Session.Thumbnails()
	doc := q.Get("document_id")
	if doc == "" {
		doc = cache.ActiveDocument()
	}
	a.json(w, http.StatusOK, map[string]any{
		"document_id":  doc,
		"track":        track,
		"content_type": ct,
		"alt":          alt,
		"tracking":     cache.IsTracking(track, ct, alt),
		"url":          cache.Thumbnail(doc, track, ct, alt),
	})
}
