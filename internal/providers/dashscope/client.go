package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"genbridge/internal/domain"
	"genbridge/internal/infra"
	"genbridge/internal/task"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("dashscope: api key is required")

// Remote task statuses reported by the tasks endpoint.
const (
	statusPending   = "PENDING"
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusCanceled  = "CANCELED"
	statusUnknown   = "UNKNOWN"
)

// Options configures the DashScope image-synthesis client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EditModel      string
	DefaultSize    string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client submits asynchronous image-synthesis jobs and exposes them as
// pollable tasks.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	editModel   string
	defaultSize string
	httpClient  *http.Client
	logger      *infra.Logger
}

// ImageRequest captures the inputs of one synthesis job. A base image turns
// the job into an edit; a mask restricts the edit to the masked region.
type ImageRequest struct {
	Title          string
	Prompt         string
	NegativePrompt string
	Size           string
	Count          int
	Seed           int
	BaseImageURL   string
	MaskImageURL   string
	Function       string
}

type synthesisRequest struct {
	Model      string          `json:"model"`
	Input      synthesisInput  `json:"input"`
	Parameters synthesisParams `json:"parameters"`
}

type synthesisInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Function       string `json:"function,omitempty"`
	BaseImageURL   string `json:"base_image_url,omitempty"`
	MaskImageURL   string `json:"mask_image_url,omitempty"`
}

type synthesisParams struct {
	Size string `json:"size,omitempty"`
	N    int    `json:"n,omitempty"`
	Seed *int   `json:"seed,omitempty"`
}

// TaskResponse is the tasks endpoint payload. It travels in task.Status.Raw
// so FetchResult can read results from the final poll.
type TaskResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID      string `json:"task_id"`
		TaskStatus  string `json:"task_status"`
		Code        string `json:"code"`
		Message     string `json:"message"`
		TaskMetrics struct {
			Total     int `json:"TOTAL"`
			Succeeded int `json:"SUCCEEDED"`
			Failed    int `json:"FAILED"`
		} `json:"task_metrics"`
		Results []struct {
			URL          string `json:"url"`
			OrigPrompt   string `json:"orig_prompt"`
			ActualPrompt string `json:"actual_prompt"`
			Code         string `json:"code"`
			Message      string `json:"message"`
		} `json:"results"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "wanx2.1-t2i-turbo"
	}
	editModel := strings.TrimSpace(opts.EditModel)
	if editModel == "" {
		editModel = "wanx2.1-imageedit"
	}
	defaultSize := strings.TrimSpace(opts.DefaultSize)
	if defaultSize == "" {
		defaultSize = "1024*1024"
	}
	return &Client{
		apiKey:      strings.TrimSpace(opts.APIKey),
		baseURL:     baseURL,
		model:       model,
		editModel:   editModel,
		defaultSize: defaultSize,
		httpClient:  httpClient,
		logger:      infra.ComponentLogger(opts.Logger, "dashscope"),
	}, nil
}

// Model returns the text-to-image model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit enqueues a synthesis job and returns the remote task id.
func (c *Client) Submit(ctx context.Context, req ImageRequest) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("dashscope: prompt is required")
	}
	payload := synthesisRequest{
		Model: c.model,
		Input: synthesisInput{
			Prompt:         prompt,
			NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		},
		Parameters: synthesisParams{Size: c.defaultSize, N: 1},
	}
	if size := strings.TrimSpace(req.Size); size != "" {
		payload.Parameters.Size = size
	}
	if req.Count > 0 {
		payload.Parameters.N = min(req.Count, 4)
	}
	if req.Seed > 0 {
		seed := req.Seed
		payload.Parameters.Seed = &seed
	}

	endpoint := c.baseURL + "/services/aigc/text2image/image-synthesis"
	if base := strings.TrimSpace(req.BaseImageURL); base != "" {
		endpoint = c.baseURL + "/services/aigc/image2image/image-synthesis"
		payload.Model = c.editModel
		payload.Input.BaseImageURL = base
		payload.Input.MaskImageURL = strings.TrimSpace(req.MaskImageURL)
		payload.Input.Function = editFunction(req)
		// Edits take their size from the base image.
		payload.Parameters.Size = ""
	}

	var decoded TaskResponse
	if err := c.do(ctx, http.MethodPost, endpoint, payload, true, &decoded); err != nil {
		return "", err
	}
	id := strings.TrimSpace(decoded.Output.TaskID)
	if id == "" {
		return "", fmt.Errorf("dashscope: submit returned no task id (request %s)", decoded.RequestID)
	}
	c.logger.Debug().
		Str("model", payload.Model).
		Str("request_id", decoded.RequestID).
		Str("task_id", id).
		Msg("dashscope: submitted synthesis task")
	return id, nil
}

func editFunction(req ImageRequest) string {
	if fn := strings.TrimSpace(req.Function); fn != "" {
		return fn
	}
	if strings.TrimSpace(req.MaskImageURL) != "" {
		return "description_edit_with_mask"
	}
	return "description_edit"
}

// Poll reads the remote task status. Failed or cancelled remote tasks are
// reported as errors so the polling loop ends.
func (c *Client) Poll(ctx context.Context, id string) (task.Status, error) {
	resp, err := c.fetchTask(ctx, id)
	if err != nil {
		return task.Status{}, err
	}
	out := resp.Output
	switch out.TaskStatus {
	case statusSucceeded:
		return task.Status{Done: true, Progress: 100, Message: "finished", Raw: resp}, nil
	case statusFailed, statusCanceled, statusUnknown:
		msg := strings.TrimSpace(out.Message)
		if msg == "" {
			msg = strings.ToLower(out.TaskStatus)
		}
		return task.Status{}, fmt.Errorf("dashscope: task %s %s: %s (%s): %w", id, strings.ToLower(out.TaskStatus), msg, out.Code, domain.ErrProviderFailure)
	case statusPending:
		return task.Status{Progress: 5, Message: "queued", Raw: resp}, nil
	default:
		return task.Status{Progress: runningProgress(resp), Message: "generating", Raw: resp}, nil
	}
}

// runningProgress maps sub-image completion onto 10..90.
func runningProgress(resp *TaskResponse) int {
	m := resp.Output.TaskMetrics
	if m.Total <= 0 {
		return 10
	}
	finished := min(m.Succeeded+m.Failed, m.Total)
	return 10 + finished*80/m.Total
}

// FetchResult turns the final poll into result items. It refetches the task
// only when the final status did not carry the payload.
func (c *Client) FetchResult(ctx context.Context, id string, last task.Status) ([]task.ResultItem, error) {
	resp, ok := last.Raw.(*TaskResponse)
	if !ok || resp == nil {
		var err error
		if resp, err = c.fetchTask(ctx, id); err != nil {
			return nil, err
		}
	}
	items := make([]task.ResultItem, 0, len(resp.Output.Results))
	for _, r := range resp.Output.Results {
		u := strings.TrimSpace(r.URL)
		if u == "" {
			continue
		}
		item := task.ResultItem{URL: u, MIME: mimeFromURL(u)}
		if r.ActualPrompt != "" {
			item.Meta = map[string]any{"actual_prompt": r.ActualPrompt}
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("dashscope: task %s finished without images: %w", id, domain.ErrProviderFailure)
	}
	return items, nil
}

// Cancel asks DashScope to drop a task that is still queued.
func (c *Client) Cancel(ctx context.Context, id string) error {
	endpoint := c.baseURL + "/tasks/" + url.PathEscape(id) + "/cancel"
	if err := c.do(ctx, http.MethodPost, endpoint, nil, false, nil); err != nil {
		return fmt.Errorf("dashscope: cancel %s: %w", id, err)
	}
	return nil
}

// Funcs exposes the client as task callbacks.
func (c *Client) Funcs() task.Funcs {
	return task.Funcs{Poll: c.Poll, FetchResult: c.FetchResult, Cancel: c.Cancel}
}

// Starter begins tracking a submitted job. *task.Tracker implements it.
type Starter interface {
	Start(ctx context.Context, id string, funcs task.Funcs, opts ...task.Option) (*task.Task, error)
}

// Run submits req and hands the remote job to tracker.
func (c *Client) Run(ctx context.Context, tracker Starter, req ImageRequest) (*task.Task, error) {
	id, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Generate image"
		if req.BaseImageURL != "" {
			title = "Edit image"
		}
	}
	return tracker.Start(ctx, id, c.Funcs(), task.WithTitle(title))
}

func (c *Client) fetchTask(ctx context.Context, id string) (*TaskResponse, error) {
	var decoded TaskResponse
	endpoint := c.baseURL + "/tasks/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, false, &decoded); err != nil {
		return nil, err
	}
	if decoded.Code != "" {
		return nil, fmt.Errorf("dashscope: %s (%s)", decoded.Message, decoded.Code)
	}
	return &decoded, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, async bool, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("dashscope: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("dashscope: build request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if async {
		httpReq.Header.Set("X-DashScope-Async", "enable")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dashscope: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dashscope: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return fmt.Errorf("dashscope: %s (%s)", detail.Message, detail.Code)
		}
		return fmt.Errorf("dashscope: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("dashscope: decode response: %w", err)
	}
	return nil
}

func mimeFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	switch strings.ToLower(path.Ext(parsed.Path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
