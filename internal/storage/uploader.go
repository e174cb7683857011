package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"genbridge/internal/host"
	"genbridge/internal/upload"
)

// Uploader implements upload.Uploader on top of a FileStore. Token content
// is resolved through the host before it is written.
type Uploader struct {
	store   *FileStore
	baseURL string
	tokens  host.TokenReader
	newID   func() string
}

// NewUploader wires a file-backed uploader. baseURL is the public prefix
// under which the store is served.
func NewUploader(store *FileStore, baseURL string, tokens host.TokenReader) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("storage: store is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storage: base url is required")
	}
	return &Uploader{store: store, baseURL: baseURL, tokens: tokens, newID: uuid.NewString}, nil
}

// Upload stores the content under uploads/<uuid><ext> and returns its URL.
func (u *Uploader) Upload(ctx context.Context, c upload.Content) (string, error) {
	data, mime := c.Data, c.MIME
	if c.Kind == upload.KindToken {
		if u.tokens == nil {
			return "", errors.New("storage: token content requires a host token reader")
		}
		var err error
		data, mime, err = u.tokens.ReadToken(ctx, c.Token)
		if err != nil {
			return "", fmt.Errorf("storage: resolve token: %w", err)
		}
		if c.MIME != "" {
			mime = c.MIME
		}
	}
	if len(data) == 0 {
		return "", errors.New("storage: empty upload")
	}
	key := "uploads/" + u.newID() + uploadExtension(c.Filename, mime)
	saved, err := u.store.Write(ctx, key, data)
	if err != nil {
		return "", err
	}
	return u.baseURL + "/" + saved, nil
}

func uploadExtension(filename, mime string) string {
	if ext := extensionForMIME(mime); ext != "" {
		return ext
	}
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp":
		return ext
	default:
		return ".png"
	}
}

func extensionForMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

var _ upload.Uploader = (*Uploader)(nil)
