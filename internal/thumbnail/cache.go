// Package thumbnail keeps low-resolution previews of tracked document
// content fresh. Refreshes are debounced and driven by host document-state
// notifications so an edit only refetches the tuples it can affect.
package thumbnail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"genbridge/internal/host"
	"genbridge/internal/infra"
)

const (
	DefaultDelay     = time.Second
	DefaultFastDelay = 400 * time.Millisecond
	DefaultSize      = 192
)

// Key identifies one cached preview.
type Key struct {
	DocumentID  string           `json:"document_id"`
	Track       host.Track       `json:"track"`
	ContentType host.ContentType `json:"content_type"`
	Alt         bool             `json:"alt"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/alt=%t", k.DocumentID, k.Track, k.ContentType, k.Alt)
}

// TrackOptions tunes a tracked tuple. Boundary and Crop override the
// document work boundary when set.
type TrackOptions struct {
	Alt      bool
	Boundary *host.Rect
	Crop     *host.Rect
}

// Update is published whenever a preview changes.
type Update struct {
	Key Key    `json:"key"`
	URL string `json:"url"`
}

// Outcome labels a single preview fetch.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
)

// Options configures a Cache.
type Options struct {
	Acquirer  host.Acquirer
	Revoker   host.BlobRevoker
	Delay     time.Duration
	FastDelay time.Duration
	Size      int
	Logger    *infra.Logger
	OnFetch   func(Outcome)
}

type target struct {
	track       host.Track
	contentType host.ContentType
	alt         bool
}

type overrides struct {
	boundary *host.Rect
	crop     *host.Rect
}

func (o overrides) equal(other overrides) bool {
	return rectEqual(o.boundary, other.boundary) && rectEqual(o.crop, other.crop)
}

func rectEqual(a, b *host.Rect) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type job struct {
	key      Key
	boundary *host.Rect
	crop     *host.Rect
}

// Cache is the realtime preview cache of one session.
type Cache struct {
	acquirer  host.Acquirer
	revoker   host.BlobRevoker
	delay     time.Duration
	fastDelay time.Duration
	size      int
	logger    *infra.Logger
	onFetch   func(Outcome)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   host.DocumentState
	tracked map[target]overrides
	values  map[Key]string
	dirty   map[Key]struct{}
	timer   *time.Timer
	runAt   time.Time
	gen     uint64
	running bool
	again   bool
	closed  bool

	subMu     sync.RWMutex
	listeners map[int]chan Update
	nextSub   int
}

// New creates a cache that renders previews through opts.Acquirer.
func New(opts Options) (*Cache, error) {
	if opts.Acquirer == nil {
		return nil, errors.New("thumbnail: acquirer is required")
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.FastDelay <= 0 || opts.FastDelay > opts.Delay {
		opts.FastDelay = min(DefaultFastDelay, opts.Delay)
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		acquirer:  opts.Acquirer,
		revoker:   opts.Revoker,
		delay:     opts.Delay,
		fastDelay: opts.FastDelay,
		size:      opts.Size,
		logger:    infra.ComponentLogger(opts.Logger, "thumbnail"),
		onFetch:   opts.OnFetch,
		ctx:       ctx,
		cancel:    cancel,
		tracked:   make(map[target]overrides),
		values:    make(map[Key]string),
		dirty:     make(map[Key]struct{}),
		listeners: make(map[int]chan Update),
	}, nil
}

// StartTracking keeps the preview of (track, contentType, opts.Alt) fresh
// for the active document. Repeated calls dedupe; changed overrides mark
// the tuple dirty.
func (c *Cache) StartTracking(track host.Track, contentType host.ContentType, opts TrackOptions) Key {
	s := target{track: track, contentType: contentType, alt: opts.Alt}
	next := overrides{boundary: cloneRect(opts.Boundary), crop: cloneRect(opts.Crop)}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.keyLocked(s)
	if c.closed {
		return key
	}
	prev, known := c.tracked[s]
	c.tracked[s] = next
	_, cached := c.values[key]
	if !known || !prev.equal(next) || !cached {
		c.dirty[key] = struct{}{}
		c.scheduleLocked(c.delay)
	}
	return key
}

// StopTracking stops refreshing the tuple. Its last preview stays cached.
func (c *Cache) StopTracking(track host.Track, contentType host.ContentType, alt bool) {
	s := target{track: track, contentType: contentType, alt: alt}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, s)
	for k := range c.dirty {
		if targetOf(k) == s {
			delete(c.dirty, k)
		}
	}
	if len(c.dirty) == 0 {
		c.stopTimerLocked()
	}
}

// IsTracking reports whether the tuple is tracked.
func (c *Cache) IsTracking(track host.Track, contentType host.ContentType, alt bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[target{track: track, contentType: contentType, alt: alt}]
	return ok
}

// ClearAllTracking stops every tracked tuple and drops the cached previews
// of documentID, revoking host blob URLs. An empty documentID clears every
// document.
func (c *Cache) ClearAllTracking(documentID string) {
	c.mu.Lock()
	clear(c.tracked)
	clear(c.dirty)
	c.stopTimerLocked()
	var revoke []string
	for k, url := range c.values {
		if documentID != "" && k.DocumentID != documentID {
			continue
		}
		delete(c.values, k)
		revoke = append(revoke, url)
	}
	c.mu.Unlock()

	for _, url := range revoke {
		c.revoke(url)
	}
}

// Thumbnail returns the cached preview URL, or "" if none.
func (c *Cache) Thumbnail(documentID string, track host.Track, contentType host.ContentType, alt bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[Key{DocumentID: documentID, Track: track, ContentType: contentType, Alt: alt}]
}

// ActiveDocument returns the document the cache currently follows.
func (c *Cache) ActiveDocument() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ActiveDocumentID
}

// Notify diffs a host document-state notification against the last one and
// marks the affected tuples dirty.
func (c *Cache) Notify(state host.DocumentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	prev := c.state
	c.state = cloneState(state)
	active := state.ActiveDocumentID
	if active == "" {
		return
	}

	if active != prev.ActiveDocumentID {
		for s := range c.tracked {
			c.dirty[c.keyLocked(s)] = struct{}{}
		}
		c.scheduleLocked(c.delay)
		return
	}

	selectionChanged := state.SelectionStateID != prev.SelectionStateID
	canvasChanged := state.CanvasStateID != prev.CanvasStateID
	pb, pok := prev.Boundary(active)
	nb, nok := state.Boundary(active)
	boundaryChanged := pok != nok || pb != nb

	fast, normal := false, false
	for s := range c.tracked {
		switch {
		case boundaryChanged:
			fast = true
		case selectionChanged && (s.contentType == host.ContentSelection || s.contentType == host.ContentCurrentLayer):
			fast = true
		case canvasChanged && (s.contentType == host.ContentCanvas || s.contentType == host.ContentCurrentLayer):
			normal = true
		default:
			continue
		}
		c.dirty[c.keyLocked(s)] = struct{}{}
	}
	switch {
	case fast:
		c.scheduleLocked(c.fastDelay)
	case normal:
		c.scheduleLocked(c.delay)
	}
}

// Watch feeds notifications from states into Notify until ctx is done or
// the channel closes.
func (c *Cache) Watch(ctx context.Context, states <-chan host.DocumentState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			c.Notify(st)
		}
	}
}

// Subscribe registers a listener for preview updates. Slow listeners miss
// updates; the returned func unsubscribes.
func (c *Cache) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.listeners[id]; ok {
			delete(c.listeners, id)
			close(ch)
		}
	}
}

// Close stops pending timers, cancels an in-flight run and closes every
// subscription.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()
	c.cancel()

	c.subMu.Lock()
	for id, ch := range c.listeners {
		delete(c.listeners, id)
		close(ch)
	}
	c.subMu.Unlock()
}

func (c *Cache) keyLocked(s target) Key {
	return Key{DocumentID: c.state.ActiveDocumentID, Track: s.track, ContentType: s.contentType, Alt: s.alt}
}

func targetOf(k Key) target {
	return target{track: k.Track, contentType: k.ContentType, alt: k.Alt}
}

// scheduleLocked arms the debounce timer d from now. A pending run that is
// already due sooner absorbs the trigger.
func (c *Cache) scheduleLocked(d time.Duration) {
	if c.closed || len(c.dirty) == 0 {
		return
	}
	at := time.Now().Add(d)
	if c.timer != nil {
		if !at.Before(c.runAt) {
			return
		}
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.runAt = at
	c.timer = time.AfterFunc(d, func() { c.fire(gen) })
}

func (c *Cache) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (c *Cache) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.running {
		c.again = true
		c.mu.Unlock()
		return
	}
	c.running = true
	jobs := c.collectLocked()
	c.mu.Unlock()

	c.run(jobs)

	c.mu.Lock()
	c.running = false
	if c.again || len(c.dirty) > 0 {
		c.again = false
		c.scheduleLocked(c.delay)
	}
	c.mu.Unlock()
}

// collectLocked drains the dirty set for the active document.
func (c *Cache) collectLocked() []job {
	active := c.state.ActiveDocumentID
	docBoundary, hasBoundary := c.state.Boundary(active)
	jobs := make([]job, 0, len(c.dirty))
	for k := range c.dirty {
		delete(c.dirty, k)
		if k.DocumentID != active {
			continue
		}
		o, ok := c.tracked[targetOf(k)]
		if !ok {
			continue
		}
		j := job{key: k, boundary: o.boundary, crop: o.crop}
		if j.boundary == nil && hasBoundary {
			b := docBoundary
			j.boundary = &b
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].key.String() < jobs[j].key.String() })
	return jobs
}

func (c *Cache) run(jobs []job) {
	for _, j := range jobs {
		if c.ctx.Err() != nil {
			return
		}
		url, err := c.fetch(c.ctx, j)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Str("key", j.key.String()).Msg("thumbnail: fetch failed, keeping previous preview")
			c.observe(OutcomeFailed)
			continue
		}
		c.observe(OutcomeOK)
		c.store(j.key, url)
	}
}

func (c *Cache) store(key Key, url string) {
	c.mu.Lock()
	if _, ok := c.tracked[targetOf(key)]; !ok || c.closed {
		c.mu.Unlock()
		c.revoke(url)
		return
	}
	prev := c.values[key]
	c.values[key] = url
	c.publish(Update{Key: key, URL: url})
	c.mu.Unlock()

	if prev != "" && prev != url {
		c.revoke(prev)
	}
}

func (c *Cache) fetch(ctx context.Context, j job) (string, error) {
	var (
		res host.Acquired
		err error
	)
	switch j.key.Track {
	case host.TrackMask:
		res, err = c.acquirer.GetMask(ctx, host.MaskRequest{
			Content:  j.key.ContentType,
			Reverse:  j.key.Alt,
			Boundary: j.boundary,
			Size:     c.size,
		})
	default:
		res, err = c.acquirer.GetImage(ctx, host.ImageRequest{
			Content:         j.key.ContentType,
			Boundary:        j.boundary,
			Size:            c.size,
			Crop:            j.crop,
			CropToSelection: j.key.Alt,
		})
	}
	if err != nil {
		return "", err
	}
	if res.ThumbnailURL != "" {
		return res.ThumbnailURL, nil
	}
	if len(res.Data) > 0 {
		mime := res.MIME
		if mime == "" {
			mime = "image/png"
		}
		return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(res.Data), nil
	}
	return "", errors.New("thumbnail: host returned an empty preview")
}

func (c *Cache) publish(u Update) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.listeners {
		select {
		case ch <- u:
		default:
			c.logger.Debug().Str("key", u.Key.String()).Msg("thumbnail: listener full, update dropped")
		}
	}
}

func (c *Cache) observe(o Outcome) {
	if c.onFetch != nil {
		c.onFetch(o)
	}
}

func (c *Cache) revoke(url string) {
	if c.revoker == nil || !host.IsBlobURL(url) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.revoker.Revoke(ctx, url); err != nil {
		c.logger.Warn().Err(err).Str("url", url).Msg("thumbnail: revoke failed")
	}
}

func cloneRect(r *host.Rect) *host.Rect {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

func cloneState(s host.DocumentState) host.DocumentState {
	out := s
	if s.Boundaries != nil {
		out.Boundaries = make(map[string]host.Rect, len(s.Boundaries))
		for k, v := range s.Boundaries {
			out.Boundaries[k] = v
		}
	}
	return out
}
