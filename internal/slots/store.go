// Package slots owns per-widget image slot state: what each slot is bound
// to for auto-sync, the preview it shows and whether an upload is running.
package slots

import (
	"context"
	"fmt"
	"sync"
	"time"

	"genbridge/internal/domain"
	"genbridge/internal/host"
	"genbridge/internal/infra"
	"genbridge/internal/thumbnail"
)

// AutoConfig binds a slot to live document content.
type AutoConfig struct {
	ContentType host.ContentType `json:"content_type"`
	Alt         bool             `json:"alt"`
}

// Slot is one image or mask input position.
type Slot struct {
	Index          int         `json:"index"`
	Auto           *AutoConfig `json:"auto,omitempty"`
	Thumbnail      string      `json:"thumbnail,omitempty"`
	OwnedThumbnail bool        `json:"-"`
	Uploading      bool        `json:"uploading"`
}

func (s Slot) clone() Slot {
	if s.Auto != nil {
		auto := *s.Auto
		s.Auto = &auto
	}
	return s
}

// ComponentOptions describes a widget registering its slots.
type ComponentOptions struct {
	MaxSlots    int
	MaskTrack   bool
	InitialURLs []string
}

// Tracker is the preview tracking surface the store drives.
type Tracker interface {
	StartTracking(track host.Track, contentType host.ContentType, opts thumbnail.TrackOptions) thumbnail.Key
	StopTracking(track host.Track, contentType host.ContentType, alt bool)
}

// EventType enumerates store events.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUnregistered EventType = "unregistered"
	EventSlotChanged  EventType = "slot_changed"
)

// Event is published after every mutation, in mutation order.
type Event struct {
	Type        EventType `json:"type"`
	ComponentID string    `json:"component_id"`
	Slot        *Slot     `json:"slot,omitempty"`
}

// Options configures a Store.
type Options struct {
	Tracker Tracker
	Revoker host.BlobRevoker
	Logger  *infra.Logger
}

type component struct {
	maskTrack bool
	slots     []Slot
}

func (c *component) track() host.Track {
	if c.maskTrack {
		return host.TrackMask
	}
	return host.TrackImage
}

type tuple struct {
	track       host.Track
	contentType host.ContentType
	alt         bool
}

// Store is the session's slot registry.
type Store struct {
	tracker Tracker
	revoker host.BlobRevoker
	logger  *infra.Logger

	mu         sync.Mutex
	components map[string]*component
	refs       map[tuple]int

	subMu     sync.RWMutex
	listeners map[int]chan Event
	nextSub   int
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	return &Store{
		tracker:    opts.Tracker,
		revoker:    opts.Revoker,
		logger:     infra.ComponentLogger(opts.Logger, "slots"),
		components: make(map[string]*component),
		refs:       make(map[tuple]int),
		listeners:  make(map[int]chan Event),
	}
}

// RegisterComponent creates the slots of a widget. Initial URLs fill the
// first slots and are not owned by the store.
func (s *Store) RegisterComponent(id string, opts ComponentOptions) error {
	if id == "" {
		return fmt.Errorf("slots: component id is required")
	}
	maxSlots := opts.MaxSlots
	if maxSlots <= 0 {
		maxSlots = max(1, len(opts.InitialURLs))
	}
	c := &component{maskTrack: opts.MaskTrack, slots: make([]Slot, maxSlots)}
	for i := range c.slots {
		c.slots[i].Index = i
		if i < len(opts.InitialURLs) {
			c.slots[i].Thumbnail = opts.InitialURLs[i]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.components[id]; exists {
		return fmt.Errorf("slots: component %s: %w", id, domain.ErrConflict)
	}
	s.components[id] = c
	s.publish(Event{Type: EventRegistered, ComponentID: id})
	return nil
}

// UnregisterComponent drops a widget, stops the tracking its slots held
// and revokes the blob previews it owned.
func (s *Store) UnregisterComponent(id string) error {
	s.mu.Lock()
	c, ok := s.components[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("slots: component %s: %w", id, domain.ErrNotFound)
	}
	var revoke []string
	for i := range c.slots {
		if c.slots[i].Auto != nil {
			s.releaseLocked(c.tupleFor(c.slots[i].Auto))
		}
		if c.slots[i].OwnedThumbnail {
			revoke = append(revoke, c.slots[i].Thumbnail)
		}
	}
	delete(s.components, id)
	s.publish(Event{Type: EventUnregistered, ComponentID: id})
	s.mu.Unlock()

	s.revoke(revoke...)
	return nil
}

// SetSlotAuto binds the slot to cfg, or unbinds it when cfg is nil. Only
// the tuple previously bound to this slot stops being tracked, and only
// when no other slot still uses it.
func (s *Store) SetSlotAuto(id string, index int, cfg *AutoConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, slot, err := s.slotLocked(id, index)
	if err != nil {
		return err
	}
	if autoEqual(slot.Auto, cfg) {
		return nil
	}
	if slot.Auto != nil {
		s.releaseLocked(c.tupleFor(slot.Auto))
		slot.Auto = nil
	}
	if cfg != nil {
		next := *cfg
		slot.Auto = &next
		s.acquireLocked(c.tupleFor(&next))
	}
	s.publishSlot(id, *slot)
	return nil
}

// SetSlotThumbnail replaces the preview. owned marks a blob URL the store
// must revoke once it is replaced or the component goes away.
func (s *Store) SetSlotThumbnail(id string, index int, url string, owned bool) error {
	s.mu.Lock()
	_, slot, err := s.slotLocked(id, index)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var revoke []string
	if slot.OwnedThumbnail && slot.Thumbnail != url {
		revoke = append(revoke, slot.Thumbnail)
	}
	slot.Thumbnail = url
	slot.OwnedThumbnail = owned && url != ""
	s.publishSlot(id, *slot)
	s.mu.Unlock()

	s.revoke(revoke...)
	return nil
}

// SetSlotUploading toggles the upload-in-flight flag.
func (s *Store) SetSlotUploading(id string, index int, uploading bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, slot, err := s.slotLocked(id, index)
	if err != nil {
		return err
	}
	if slot.Uploading == uploading {
		return nil
	}
	slot.Uploading = uploading
	s.publishSlot(id, *slot)
	return nil
}

// BeginUpload marks the slot uploading and returns a func that restores the
// preview it showed before, for rolling back a failed upload.
func (s *Store) BeginUpload(id string, index int) (restore func(), err error) {
	s.mu.Lock()
	_, slot, err := s.slotLocked(id, index)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	prevURL, prevOwned := slot.Thumbnail, slot.OwnedThumbnail
	slot.Uploading = true
	s.publishSlot(id, *slot)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		_, slot, err := s.slotLocked(id, index)
		if err != nil {
			s.mu.Unlock()
			return
		}
		var revoke []string
		if slot.OwnedThumbnail && slot.Thumbnail != prevURL {
			revoke = append(revoke, slot.Thumbnail)
		}
		slot.Thumbnail, slot.OwnedThumbnail, slot.Uploading = prevURL, prevOwned, false
		s.publishSlot(id, *slot)
		s.mu.Unlock()
		s.revoke(revoke...)
	}, nil
}

// ClearSlot unbinds the slot and drops its preview.
func (s *Store) ClearSlot(id string, index int) error {
	s.mu.Lock()
	c, slot, err := s.slotLocked(id, index)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if slot.Auto != nil {
		s.releaseLocked(c.tupleFor(slot.Auto))
	}
	var revoke []string
	if slot.OwnedThumbnail {
		revoke = append(revoke, slot.Thumbnail)
	}
	*slot = Slot{Index: index}
	s.publishSlot(id, *slot)
	s.mu.Unlock()

	s.revoke(revoke...)
	return nil
}

// Slots returns a copy of the component's slots.
func (s *Store) Slots(id string) ([]Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[id]
	if !ok {
		return nil, fmt.Errorf("slots: component %s: %w", id, domain.ErrNotFound)
	}
	out := make([]Slot, len(c.slots))
	for i, slot := range c.slots {
		out[i] = slot.clone()
	}
	return out, nil
}

// Slot returns a copy of one slot.
func (s *Store) Slot(id string, index int) (Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, slot, err := s.slotLocked(id, index)
	if err != nil {
		return Slot{}, err
	}
	return slot.clone(), nil
}

// IsMaskTrack reports whether the component holds mask slots.
func (s *Store) IsMaskTrack(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[id]
	if !ok {
		return false, fmt.Errorf("slots: component %s: %w", id, domain.ErrNotFound)
	}
	return c.maskTrack, nil
}

// Components lists registered component ids.
func (s *Store) Components() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.components))
	for id := range s.components {
		out = append(out, id)
	}
	return out
}

// Subscribe registers a listener. Slow listeners miss events; the returned
// func unsubscribes.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(ch)
		}
	}
}

func (s *Store) slotLocked(id string, index int) (*component, *Slot, error) {
	c, ok := s.components[id]
	if !ok {
		return nil, nil, fmt.Errorf("slots: component %s: %w", id, domain.ErrNotFound)
	}
	if index < 0 || index >= len(c.slots) {
		return nil, nil, fmt.Errorf("slots: component %s index %d: %w", id, index, domain.ErrSlotOutOfRange)
	}
	return c, &c.slots[index], nil
}

func (c *component) tupleFor(cfg *AutoConfig) tuple {
	return tuple{track: c.track(), contentType: cfg.ContentType, alt: cfg.Alt}
}

func (s *Store) acquireLocked(t tuple) {
	s.refs[t]++
	if s.refs[t] == 1 && s.tracker != nil {
		s.tracker.StartTracking(t.track, t.contentType, thumbnail.TrackOptions{Alt: t.alt})
	}
}

func (s *Store) releaseLocked(t tuple) {
	n, ok := s.refs[t]
	if !ok {
		return
	}
	if n > 1 {
		s.refs[t] = n - 1
		return
	}
	delete(s.refs, t)
	if s.tracker != nil {
		s.tracker.StopTracking(t.track, t.contentType, t.alt)
	}
}

func (s *Store) publishSlot(id string, slot Slot) {
	snap := slot.clone()
	s.publish(Event{Type: EventSlotChanged, ComponentID: id, Slot: &snap})
}

func (s *Store) publish(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			s.logger.Debug().Str("component_id", ev.ComponentID).Str("event", string(ev.Type)).Msg("slots: listener full, event dropped")
		}
	}
}

func (s *Store) revoke(urls ...string) {
	if s.revoker == nil {
		return
	}
	for _, url := range urls {
		if !host.IsBlobURL(url) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.revoker.Revoke(ctx, url); err != nil {
			s.logger.Warn().Err(err).Str("url", url).Msg("slots: revoke failed")
		}
		cancel()
	}
}

func autoEqual(a, b *AutoConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
