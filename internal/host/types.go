// Package host declares the collaborators the bridge consumes from the
// plugin host: content acquisition, the task panel, blob lifetime, upload
// tokens and document-state notifications.
package host

import (
	"context"
	"strings"
)

// ContentType selects which part of the document is acquired.
type ContentType string

const (
	ContentCanvas       ContentType = "canvas"
	ContentCurrentLayer ContentType = "current-layer"
	ContentSelection    ContentType = "selection"
)

// ParseContentType normalizes user input; unknown values report false.
func ParseContentType(v string) (ContentType, bool) {
	switch ContentType(strings.ToLower(strings.TrimSpace(v))) {
	case ContentCanvas:
		return ContentCanvas, true
	case ContentCurrentLayer, "layer", "current_layer":
		return ContentCurrentLayer, true
	case ContentSelection:
		return ContentSelection, true
	default:
		return "", false
	}
}

// Track is the domain a preview belongs to.
type Track string

const (
	TrackImage Track = "image"
	TrackMask  Track = "mask"
)

// ParseTrack normalizes user input; unknown values report false.
func ParseTrack(v string) (Track, bool) {
	switch Track(strings.ToLower(strings.TrimSpace(v))) {
	case TrackImage:
		return TrackImage, true
	case TrackMask:
		return TrackMask, true
	default:
		return "", false
	}
}

// Rect is a document-space rectangle in pixels.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ImageRequest asks the host to render document content.
type ImageRequest struct {
	Content         ContentType `json:"content"`
	Boundary        *Rect       `json:"boundary,omitempty"`
	Size            int         `json:"size,omitempty"`
	Quality         int         `json:"quality,omitempty"`
	Crop            *Rect       `json:"crop,omitempty"`
	CropToSelection bool        `json:"crop_to_selection,omitempty"`
}

// MaskRequest asks the host to render a mask.
type MaskRequest struct {
	Content  ContentType `json:"content"`
	Reverse  bool        `json:"reverse,omitempty"`
	Boundary *Rect       `json:"boundary,omitempty"`
	Size     int         `json:"size,omitempty"`
}

// Acquired is the host's answer to an acquisition request. Token refers to
// a host-side file that can be read back through TokenReader; Data carries
// inline bytes when the host chose to send them.
type Acquired struct {
	ThumbnailURL string `json:"thumbnail_url"`
	Token        string `json:"token,omitempty"`
	Source       string `json:"source,omitempty"`
	Data         []byte `json:"data,omitempty"`
	MIME         string `json:"mime,omitempty"`
}

// Acquirer renders document content on demand.
type Acquirer interface {
	GetImage(ctx context.Context, req ImageRequest) (Acquired, error)
	GetMask(ctx context.Context, req MaskRequest) (Acquired, error)
}

// TaskEntry is the host task-panel record for one remote job.
type TaskEntry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
	Cancelable bool   `json:"cancelable"`
}

// TaskBoard is the host task panel. Every call is best-effort.
type TaskBoard interface {
	TaskAdd(ctx context.Context, entry TaskEntry) error
	TaskUpdate(ctx context.Context, entry TaskEntry) error
	TaskRemove(ctx context.Context, id string) error
}

// BlobRevoker releases host object URLs created for thumbnails.
type BlobRevoker interface {
	Revoke(ctx context.Context, url string) error
}

// TokenReader resolves an acquisition token into bytes and a MIME type.
type TokenReader interface {
	ReadToken(ctx context.Context, token string) ([]byte, string, error)
}

// DocumentState is the host's document-state notification payload.
type DocumentState struct {
	ActiveDocumentID string          `json:"active_document_id"`
	SelectionStateID string          `json:"selection_state_id"`
	CanvasStateID    string          `json:"canvas_state_id"`
	Boundaries       map[string]Rect `json:"boundaries,omitempty"`
}

// Boundary returns the work boundary of docID, if any.
func (s DocumentState) Boundary(docID string) (Rect, bool) {
	r, ok := s.Boundaries[docID]
	return r, ok
}

// IsBlobURL reports whether url is a host object URL that must be revoked.
func IsBlobURL(url string) bool {
	return strings.HasPrefix(url, "blob:")
}
