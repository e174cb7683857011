// Package session wires the per-UI-session state: the task tracker, the
// upload pass registry, the slot store and the thumbnail cache. Nothing
// here is process-global, so independent sessions never share timers or
// pass sets.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"genbridge/internal/abortable"
	"genbridge/internal/domain"
	"genbridge/internal/host"
	"genbridge/internal/infra"
	"genbridge/internal/providers/dashscope"
	"genbridge/internal/slots"
	"genbridge/internal/task"
	"genbridge/internal/thumbnail"
	"genbridge/internal/upload"
)

// Provider submits generation jobs and hands them to the tracker.
type Provider interface {
	Run(ctx context.Context, tracker dashscope.Starter, req dashscope.ImageRequest) (*task.Task, error)
}

// Options configures a Session.
type Options struct {
	// ID names the session; a uuid is generated when empty.
	ID       string
	Acquirer host.Acquirer
	Revoker  host.BlobRevoker
	Uploader upload.Uploader
	Provider Provider

	TaskPolicy    task.Policy
	TaskObservers []task.Observer

	Thumbnails      thumbnail.Options
	OnUploadOutcome func(upload.Mode, upload.Outcome, time.Duration)
	Logger          *infra.Logger
}

// SlotRef points at one slot of a registered component.
type SlotRef struct {
	ComponentID string `json:"component_id"`
	Index       int    `json:"index"`
}

// SubmitRequest describes a generation job whose inputs come from slots.
type SubmitRequest struct {
	Title          string   `json:"title"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Size           string   `json:"size"`
	Count          int      `json:"count"`
	Seed           int      `json:"seed"`
	Image          *SlotRef `json:"image,omitempty"`
	Mask           *SlotRef `json:"mask,omitempty"`
}

type binding struct {
	pass      *upload.Pass
	cfg       slots.AutoConfig
	maskTrack bool

	// mu guards the uploading placeholder shared by overlapping runs.
	// Lock order: binding mu, then the slot store.
	mu       sync.Mutex
	inflight int
	gen      int
	last     error
	restore  func()
	detached bool
}

// detach stops the binding from touching its slot. A placeholder still
// showing is cleared here since later runs are no longer ours.
func (b *binding) detach(s *Session, ref SlotRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return
	}
	b.detached = true
	if b.inflight > 0 {
		_ = s.slots.SetSlotUploading(ref.ComponentID, ref.Index, false)
	}
	b.restore = nil
}

// Session owns every mutable structure of one UI session.
type Session struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	acquirer host.Acquirer
	provider Provider
	logger   *infra.Logger

	tracker *task.Tracker
	uploads *upload.Registry
	slots   *slots.Store
	thumbs  *thumbnail.Cache
	prepare abortable.Operation[dashscope.ImageRequest]

	mu       sync.Mutex
	bindings map[SlotRef]*binding
	urls     map[SlotRef]string

	forwardDone chan struct{}
	closeOnce   sync.Once
}

// New creates a session and starts forwarding preview updates into slots.
func New(opts Options) (*Session, error) {
	if opts.Acquirer == nil {
		return nil, errors.New("session: acquirer is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := infra.LoggerOrDiscard(opts.Logger).With().Str("session_id", id).Logger()

	uploads, err := upload.NewRegistry(upload.Options{
		Uploader:         opts.Uploader,
		Logger:           &logger,
		OnOutcome:        opts.OnUploadOutcome,
		StrictPersistent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	thumbOpts := opts.Thumbnails
	thumbOpts.Acquirer = opts.Acquirer
	thumbOpts.Revoker = opts.Revoker
	thumbOpts.Logger = &logger
	thumbs, err := thumbnail.New(thumbOpts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		acquirer: opts.Acquirer,
		provider: opts.Provider,
		logger:   infra.ComponentLogger(&logger, "session"),
		tracker: task.NewTracker(task.TrackerOptions{
			Policy:    opts.TaskPolicy,
			Observers: opts.TaskObservers,
			Logger:    &logger,
		}),
		uploads:     uploads,
		slots:       slots.NewStore(slots.Options{Tracker: thumbs, Revoker: opts.Revoker, Logger: &logger}),
		thumbs:      thumbs,
		bindings:    make(map[SlotRef]*binding),
		urls:        make(map[SlotRef]string),
		forwardDone: make(chan struct{}),
	}
	updates, _ := thumbs.Subscribe(64)
	go s.forwardPreviews(updates)
	return s, nil
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Tracker() *task.Tracker       { return s.tracker }
func (s *Session) Uploads() *upload.Registry    { return s.uploads }
func (s *Session) Slots() *slots.Store          { return s.slots }
func (s *Session) Thumbnails() *thumbnail.Cache { return s.thumbs }

// BindAutoSync binds a slot to live document content, or unbinds it when
// cfg is nil. A bound slot gets a persistent upload pass and realtime
// preview tracking for its tuple. While that pass runs the slot shows as
// uploading and a failed run reverts it.
func (s *Session) BindAutoSync(componentID string, index int, cfg *slots.AutoConfig) error {
	ref := SlotRef{ComponentID: componentID, Index: index}
	maskTrack, err := s.slots.IsMaskTrack(componentID)
	if err != nil {
		return err
	}
	if err := s.slots.SetSlotAuto(componentID, index, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.bindings[ref]
	delete(s.bindings, ref)
	var next *binding
	if cfg != nil {
		next = &binding{cfg: *cfg, maskTrack: maskTrack}
		next.pass = s.persistentPass(ref, next)
		s.bindings[ref] = next
	}
	s.mu.Unlock()

	if prev != nil {
		prev.detach(s, ref)
		s.uploads.Unregister(prev.pass)
	}
	if next != nil {
		return s.uploads.Register(next.pass)
	}
	return nil
}

func (s *Session) persistentPass(ref SlotRef, b *binding) *upload.Pass {
	return &upload.Pass{
		Name: fmt.Sprintf("auto:%s/%d", ref.ComponentID, ref.Index),
		Acquire: func(ctx context.Context) (upload.Content, error) {
			c, _, err := s.acquire(ctx, ref, b.maskTrack, b.cfg)
			return c, err
		},
		OnUploaded: func(url string) { s.setURL(ref, url) },
		OnError: func(err error) {
			if upload.IsAborted(err) {
				return
			}
			s.logger.Warn().Err(err).Str("component_id", ref.ComponentID).Int("slot", ref.Index).Msg("session: auto-sync upload failed")
		},
		Begin: func() func(error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.detached {
				return nil
			}
			if b.inflight == 0 {
				restore, err := s.slots.BeginUpload(ref.ComponentID, ref.Index)
				if err != nil {
					return nil
				}
				b.restore = restore
			}
			b.inflight++
			b.gen++
			gen := b.gen
			return func(err error) { s.settleAuto(ref, b, gen, err) }
		},
	}
}

// settleAuto ends one persistent run. The placeholder goes away with the
// last overlapping run, reverted when the newest run did not upload.
func (s *Session) settleAuto(ref SlotRef, b *binding, gen int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.gen {
		b.last = err
	}
	b.inflight--
	if b.inflight > 0 || b.detached {
		return
	}
	restore := b.restore
	b.restore = nil
	if b.last != nil && restore != nil {
		restore()
		return
	}
	_ = s.slots.SetSlotUploading(ref.ComponentID, ref.Index, false)
}

// SyncOnce grabs the content once, shows its preview as an uploading
// placeholder and uploads it. On failure the slot reverts to what it
// showed before.
func (s *Session) SyncOnce(ctx context.Context, componentID string, index int, cfg slots.AutoConfig) (string, error) {
	ref := SlotRef{ComponentID: componentID, Index: index}
	maskTrack, err := s.slots.IsMaskTrack(componentID)
	if err != nil {
		return "", err
	}
	restore, err := s.slots.BeginUpload(componentID, index)
	if err != nil {
		return "", err
	}
	pass := &upload.Pass{
		Name: fmt.Sprintf("once:%s/%d", componentID, index),
		Acquire: func(ctx context.Context) (upload.Content, error) {
			c, preview, err := s.acquire(ctx, ref, maskTrack, cfg)
			if err == nil && preview != "" {
				_ = s.slots.SetSlotThumbnail(componentID, index, preview, host.IsBlobURL(preview))
			}
			return c, err
		},
		OnUploaded: func(url string) {
			s.setURL(ref, url)
			_ = s.slots.SetSlotUploading(componentID, index, false)
		},
		OnError: func(err error) {
			restore()
			if !upload.IsAborted(err) {
				s.logger.Warn().Err(err).Str("component_id", componentID).Int("slot", index).Msg("session: upload failed")
			}
		},
	}
	return s.uploads.RunOnce(ctx, pass)
}

// acquire renders the slot's content at full size and returns it with its
// preview URL.
func (s *Session) acquire(ctx context.Context, ref SlotRef, maskTrack bool, cfg slots.AutoConfig) (upload.Content, string, error) {
	var (
		res host.Acquired
		err error
	)
	if maskTrack {
		res, err = s.acquirer.GetMask(ctx, host.MaskRequest{Content: cfg.ContentType, Reverse: cfg.Alt})
	} else {
		res, err = s.acquirer.GetImage(ctx, host.ImageRequest{Content: cfg.ContentType, CropToSelection: cfg.Alt})
	}
	if err != nil {
		return upload.Content{}, "", fmt.Errorf("session: acquire %s: %w", cfg.ContentType, err)
	}
	filename := fmt.Sprintf("%s-%d-%s.png", ref.ComponentID, ref.Index, cfg.ContentType)
	switch {
	case strings.TrimSpace(res.Token) != "":
		return upload.Content{Kind: upload.KindToken, Token: res.Token, Filename: filename, MIME: res.MIME}, res.ThumbnailURL, nil
	case len(res.Data) > 0:
		return upload.Content{Kind: upload.KindBuffer, Data: res.Data, Filename: filename, MIME: res.MIME}, res.ThumbnailURL, nil
	default:
		return upload.Content{}, "", fmt.Errorf("session: host returned no content for %s: %w", cfg.ContentType, domain.ErrInvalidContent)
	}
}

func (s *Session) setURL(ref SlotRef, url string) {
	s.mu.Lock()
	s.urls[ref] = url
	s.mu.Unlock()
}

// SlotURL returns the last uploaded URL of a slot.
func (s *Session) SlotURL(componentID string, index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urls[SlotRef{ComponentID: componentID, Index: index}]
}

// ClearSlot unbinds the slot, drops its preview and forgets its upload.
func (s *Session) ClearSlot(componentID string, index int) error {
	if err := s.BindAutoSync(componentID, index, nil); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.urls, SlotRef{ComponentID: componentID, Index: index})
	s.mu.Unlock()
	return s.slots.ClearSlot(componentID, index)
}

// UnregisterComponent unbinds every slot of the component before dropping
// it from the store.
func (s *Session) UnregisterComponent(componentID string) error {
	s.mu.Lock()
	detached := make(map[SlotRef]*binding)
	for ref, b := range s.bindings {
		if ref.ComponentID == componentID {
			detached[ref] = b
			delete(s.bindings, ref)
		}
	}
	for ref := range s.urls {
		if ref.ComponentID == componentID {
			delete(s.urls, ref)
		}
	}
	s.mu.Unlock()

	for ref, b := range detached {
		b.detach(s, ref)
		s.uploads.Unregister(b.pass)
	}
	return s.slots.UnregisterComponent(componentID)
}

// Submit waits for every outstanding upload, resolves the slot inputs and
// starts a provider job. A newer submission supersedes one still preparing;
// the superseded call fails with domain.ErrAborted.
func (s *Session) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	if s.provider == nil {
		return nil, errors.New("session: no provider configured")
	}
	var (
		prepared dashscope.ImageRequest
		applied  bool
	)
	err := s.prepare.Run(ctx, func(ctx context.Context) (dashscope.ImageRequest, error) {
		if err := s.uploads.WaitAll(ctx); err != nil {
			return dashscope.ImageRequest{}, err
		}
		return s.buildRequest(req)
	}, func(r dashscope.ImageRequest) {
		prepared = r
		applied = true
	})
	if err != nil {
		return nil, fmt.Errorf("session: prepare submission: %w", err)
	}
	if !applied {
		return nil, fmt.Errorf("session: submission superseded: %w", domain.ErrAborted)
	}
	// The job outlives the request that submitted it.
	return s.provider.Run(s.ctx, s.tracker, prepared)
}

func (s *Session) buildRequest(req SubmitRequest) (dashscope.ImageRequest, error) {
	out := dashscope.ImageRequest{
		Title:          req.Title,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Size:           req.Size,
		Count:          req.Count,
		Seed:           req.Seed,
	}
	if req.Image != nil {
		url, err := s.inputURL(*req.Image)
		if err != nil {
			return out, err
		}
		out.BaseImageURL = url
	}
	if req.Mask != nil {
		url, err := s.inputURL(*req.Mask)
		if err != nil {
			return out, err
		}
		out.MaskImageURL = url
	}
	return out, nil
}

// inputURL prefers the uploaded URL and falls back to a remote preview the
// slot was seeded with.
func (s *Session) inputURL(ref SlotRef) (string, error) {
	if url := s.SlotURL(ref.ComponentID, ref.Index); url != "" {
		return url, nil
	}
	slot, err := s.slots.Slot(ref.ComponentID, ref.Index)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(slot.Thumbnail, "http://") || strings.HasPrefix(slot.Thumbnail, "https://") {
		return slot.Thumbnail, nil
	}
	return "", fmt.Errorf("session: slot %s/%d has no uploaded content: %w", ref.ComponentID, ref.Index, domain.ErrInvalidContent)
}

// forwardPreviews copies fresh previews into every auto-synced slot bound
// to the updated tuple.
func (s *Session) forwardPreviews(updates <-chan thumbnail.Update) {
	defer close(s.forwardDone)
	for u := range updates {
		if u.Key.DocumentID != s.thumbs.ActiveDocument() {
			continue
		}
		s.mu.Lock()
		var targets []SlotRef
		for ref, b := range s.bindings {
			track := host.TrackImage
			if b.maskTrack {
				track = host.TrackMask
			}
			if track == u.Key.Track && b.cfg.ContentType == u.Key.ContentType && b.cfg.Alt == u.Key.Alt {
				targets = append(targets, ref)
			}
		}
		s.mu.Unlock()
		for _, ref := range targets {
			if err := s.slots.SetSlotThumbnail(ref.ComponentID, ref.Index, u.URL, false); err != nil {
				s.logger.Debug().Err(err).Str("component_id", ref.ComponentID).Msg("session: preview target gone")
			}
		}
	}
}

// Close aborts pending preparation and uploads, releases previews and
// cancels every running task.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.prepare.Cancel()
		s.uploads.CancelAll()
		for _, id := range s.slots.Components() {
			if err := s.UnregisterComponent(id); err != nil {
				s.logger.Debug().Err(err).Str("component_id", id).Msg("session: unregister on close")
			}
		}
		s.thumbs.ClearAllTracking("")
		s.thumbs.Close()
		<-s.forwardDone
		s.cancel()
	})
}
