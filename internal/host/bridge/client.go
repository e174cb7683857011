package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genbridge/internal/host"
	"genbridge/internal/infra"
)

// ErrMissingBaseURL indicates that the client was configured without a host endpoint.
var ErrMissingBaseURL = errors.New("bridge: host base url is required")

// Options configures the host bridge client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client talks to the plugin host over its local HTTP bridge.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     infra.ComponentLogger(opts.Logger, "host-bridge"),
	}, nil
}

// GetImage renders document content through the host.
func (c *Client) GetImage(ctx context.Context, req host.ImageRequest) (host.Acquired, error) {
	var out host.Acquired
	if err := c.do(ctx, http.MethodPost, "/acquire/image", req, &out); err != nil {
		return host.Acquired{}, err
	}
	return out, nil
}

// GetMask renders a mask through the host.
func (c *Client) GetMask(ctx context.Context, req host.MaskRequest) (host.Acquired, error) {
	var out host.Acquired
	if err := c.do(ctx, http.MethodPost, "/acquire/mask", req, &out); err != nil {
		return host.Acquired{}, err
	}
	return out, nil
}

// TaskAdd creates a task panel entry.
func (c *Client) TaskAdd(ctx context.Context, entry host.TaskEntry) error {
	return c.do(ctx, http.MethodPost, "/tasks", entry, nil)
}

// TaskUpdate replaces a task panel entry.
func (c *Client) TaskUpdate(ctx context.Context, entry host.TaskEntry) error {
	return c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(entry.ID), entry, nil)
}

// TaskRemove deletes a task panel entry.
func (c *Client) TaskRemove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

// Revoke releases a host object URL.
func (c *Client) Revoke(ctx context.Context, blobURL string) error {
	return c.do(ctx, http.MethodPost, "/blobs/revoke", map[string]string{"url": blobURL}, nil)
}

// ReadToken downloads the bytes behind an acquisition token.
func (c *Client) ReadToken(ctx context.Context, token string) ([]byte, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, "", errors.New("bridge: token is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tokens/"+url.PathEscape(token), nil)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: build token request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: read token: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: read token body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, "", statusError(resp.StatusCode, data)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return data, mime, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("bridge: encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("bridge: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bridge: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, raw)
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("bridge: call ok")
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("bridge: decode response: %w", err)
	}
	return nil
}

func statusError(status int, raw []byte) error {
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
		return fmt.Errorf("bridge: %s (%s)", detail.Message, detail.Code)
	}
	return fmt.Errorf("bridge: status %d: %s", status, strings.TrimSpace(string(raw)))
}

var (
	_ host.Acquirer    = (*Client)(nil)
	_ host.TaskBoard   = (*Client)(nil)
	_ host.BlobRevoker = (*Client)(nil)
	_ host.TokenReader = (*Client)(nil)
)
