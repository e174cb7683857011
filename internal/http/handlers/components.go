package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"genbridge/internal/host"
	"genbridge/internal/slots"
)

type RegisterComponentReq struct {
	ID          string   `json:"id"`
	MaxSlots    int      `json:"max_slots"`
	MaskTrack   bool     `json:"mask_track"`
	InitialURLs []string `json:"initial_urls"`
}

// AutoSyncReq binds a slot to live content. Enabled=false unbinds it.
type AutoSyncReq struct {
	Enabled     bool   `json:"enabled"`
	ContentType string `json:"content_type"`
	Alt         bool   `json:"alt"`
}

type SyncReq struct {
	ContentType string `json:"content_type"`
	Alt         bool   `json:"alt"`
}

type slotView struct {
	slots.Slot
	URL string `json:"url,omitempty"`
}

func (a *App) RegisterComponent(w http.ResponseWriter, r *http.Request) {
	var req RegisterComponentReq
	if !a.decode(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		a.error(w, http.StatusBadRequest, "invalid_id", "component id is required")
		return
	}
	if req.MaxSlots <= 0 {
		a.error(w, http.StatusBadRequest, "invalid_max_slots", "max_slots must be positive")
		return
	}
	err := a.Session.Slots().RegisterComponent(req.ID, slots.ComponentOptions{
		MaxSlots:    req.MaxSlots,
		MaskTrack:   req.MaskTrack,
		InitialURLs: req.InitialURLs,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeSlots(w, r, http.StatusCreated, req.ID)
}

func (a *App) UnregisterComponent(w http.ResponseWriter, r *http.Request) {
	if err := a.Session.UnregisterComponent(chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) ListSlots(w http.ResponseWriter, r *http.Request) {
	a.writeSlots(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (a *App) SetSlotAuto(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	idx, ok := a.slotIndex(w, r)
	if !ok {
		return
	}
	var req AutoSyncReq
	if !a.decode(w, r, &req) {
		return
	}
	var cfg *slots.AutoConfig
	if req.Enabled {
		ct, ok := host.ParseContentType(req.ContentType)
		if !ok {
			a.error(w, http.StatusBadRequest, "invalid_content_type", "content_type must be canvas, current-layer or selection")
			return
		}
		cfg = &slots.AutoConfig{ContentType: ct, Alt: req.Alt}
	}
	if err := a.Session.BindAutoSync(id, idx, cfg); err != nil {
		a.fail(w, r, err)
		return
	}
	slot, err := a.Session.Slots().Slot(id, idx)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, slotView{Slot: slot, URL: a.Session.SlotURL(id, idx)})
}

func (a *App) SyncSlot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	idx, ok := a.slotIndex(w, r)
	if !ok {
		return
	}
	var req SyncReq
	if !a.decode(w, r, &req) {
		return
	}
	ct, ok := host.ParseContentType(req.ContentType)
	if !ok {
		a.error(w, http.StatusBadRequest, "invalid_content_type", "content_type must be canvas, current-layer or selection")
		return
	}
	url, err := a.Session.SyncOnce(r.Context(), id, idx, slots.AutoConfig{ContentType: ct, Alt: req.Alt})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"url": url})
}

func (a *App) ClearSlot(w http.ResponseWriter, r *http.Request) {
	idx, ok := a.slotIndex(w, r)
	if !ok {
		return
	}
	if err := a.Session.ClearSlot(chi.URLParam(r, "id"), idx); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeSlots(w http.ResponseWriter, r *http.Request, code int, id string) {
	list, err := a.Session.Slots().Slots(id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]slotView, 0, len(list))
	for _, s := range list {
		items = append(items, slotView{Slot: s, URL: a.Session.SlotURL(id, s.Index)})
	}
	a.json(w, code, map[string]any{"component_id": id, "slots": items})
}
