package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"genbridge/internal/host"
	"genbridge/internal/http/handlers"
	"genbridge/internal/metrics"
	"genbridge/internal/providers/dashscope"
	"genbridge/internal/session"
	"genbridge/internal/task"
	"genbridge/internal/upload"
)

type stubAcquirer struct{ n atomic.Int32 }

func (s *stubAcquirer) GetImage(ctx context.Context, req host.ImageRequest) (host.Acquired, error) {
	n := s.n.Add(1)
	return host.Acquired{ThumbnailURL: fmt.Sprintf("blob:img-%d", n), Data: []byte("png"), MIME: "image/png"}, nil
}

func (s *stubAcquirer) GetMask(ctx context.Context, req host.MaskRequest) (host.Acquired, error) {
	n := s.n.Add(1)
	return host.Acquired{ThumbnailURL: fmt.Sprintf("blob:mask-%d", n), Data: []byte("png"), MIME: "image/png"}, nil
}

type stubProvider struct {
	finish chan struct{}
	n      atomic.Int32
}

func (p *stubProvider) Run(ctx context.Context, tr dashscope.Starter, req dashscope.ImageRequest) (*task.Task, error) {
	id := fmt.Sprintf("job-%d", p.n.Add(1))
	return tr.Start(ctx, id, task.Funcs{
		Poll: func(ctx context.Context, id string) (task.Status, error) {
			select {
			case <-p.finish:
				return task.Status{Done: true, Progress: 100}, nil
			default:
				return task.Status{Progress: 10}, nil
			}
		},
		FetchResult: func(ctx context.Context, id string, last task.Status) ([]task.ResultItem, error) {
			return []task.ResultItem{{URL: "https://cdn.test/" + id + ".png"}}, nil
		},
		Cancel: func(ctx context.Context, id string) error { return nil },
	}, task.WithTitle(req.Title))
}

func newTestServer(t *testing.T, rateLimit int) (http.Handler, *stubProvider) {
	t.Helper()
	prov := &stubProvider{finish: make(chan struct{})}
	sess, err := session.New(session.Options{
		Acquirer: &stubAcquirer{},
		Uploader: upload.UploaderFunc(func(ctx context.Context, c upload.Content) (string, error) {
			return "https://cdn.test/uploads/" + c.Filename, nil
		}),
		Provider:   prov,
		TaskPolicy: task.Policy{Interval: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(sess.Close)

	app := handlers.NewApp(sess, nil)
	router := NewRouter(app, Options{
		Metrics:         metrics.New(),
		CORSOrigins:     []string{"*"},
		RateLimitPerMin: rateLimit,
	})
	return router, prov
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, 0)
	rr := do(t, h, http.MethodGet, "/v1/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	var payload map[string]any
	decodeBody(t, rr, &payload)
	if payload["status"] != "ok" || payload["session_id"] == "" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestComponentLifecycle(t *testing.T) {
	h, _ := newTestServer(t, 0)

	rr := do(t, h, http.MethodPost, "/v1/components", `{"id":"img","max_slots":2,"initial_urls":["https://cdn.test/seed.png"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d body %s", rr.Code, rr.Body.String())
	}

	if rr := do(t, h, http.MethodPost, "/v1/components", `{"id":"img","max_slots":2}`); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/components", `{"id":"","max_slots":2}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty id status = %d, want 400", rr.Code)
	}

	if rr := do(t, h, http.MethodPut, "/v1/components/img/slots/1/auto", `{"enabled":true,"content_type":"everything"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad content type status = %d, want 400", rr.Code)
	}
	if rr := do(t, h, http.MethodPut, "/v1/components/img/slots/7/auto", `{"enabled":true,"content_type":"canvas"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("out of range status = %d, want 400", rr.Code)
	}

	rr = do(t, h, http.MethodPut, "/v1/components/img/slots/1/auto", `{"enabled":true,"content_type":"canvas"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("auto status = %d body %s", rr.Code, rr.Body.String())
	}
	var slot map[string]any
	decodeBody(t, rr, &slot)
	if slot["auto"] == nil {
		t.Fatalf("expected auto config on slot, got %#v", slot)
	}

	rr = do(t, h, http.MethodPost, "/v1/components/img/slots/0/sync", `{"content_type":"selection"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("sync status = %d body %s", rr.Code, rr.Body.String())
	}
	var synced map[string]string
	decodeBody(t, rr, &synced)
	if !strings.HasPrefix(synced["url"], "https://cdn.test/uploads/img-0-selection") {
		t.Fatalf("unexpected sync url %q", synced["url"])
	}

	rr = do(t, h, http.MethodGet, "/v1/components/img/slots", "")
	var listed struct {
		ComponentID string           `json:"component_id"`
		Slots       []map[string]any `json:"slots"`
	}
	decodeBody(t, rr, &listed)
	if len(listed.Slots) != 2 || listed.Slots[0]["url"] != synced["url"] {
		t.Fatalf("unexpected slots %#v", listed.Slots)
	}

	if rr := do(t, h, http.MethodDelete, "/v1/components/img/slots/0", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("clear status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/components/img/slots/x", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad index status = %d, want 400", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/components/img", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("unregister status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/components/img/slots", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("slots after unregister = %d, want 404", rr.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	h, prov := newTestServer(t, 0)

	if rr := do(t, h, http.MethodPost, "/v1/tasks", `{"prompt":"  "}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d, want 400", rr.Code)
	}

	rr := do(t, h, http.MethodPost, "/v1/tasks", `{"title":"Sky","prompt":"a blue sky"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body %s", rr.Code, rr.Body.String())
	}
	var snap task.Snapshot
	decodeBody(t, rr, &snap)
	if snap.ID == "" || snap.Title != "Sky" {
		t.Fatalf("unexpected snapshot %#v", snap)
	}

	if rr := do(t, h, http.MethodDelete, "/v1/tasks/"+snap.ID, ""); rr.Code != http.StatusConflict {
		t.Fatalf("delete active status = %d, want 409", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/tasks/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", rr.Code)
	}

	close(prov.finish)
	view := waitForState(t, h, snap.ID, task.StateDone)
	if len(view.Result) != 1 || view.Result[0].URL != "https://cdn.test/"+snap.ID+".png" {
		t.Fatalf("unexpected result %#v", view.Result)
	}

	rr = do(t, h, http.MethodGet, "/v1/tasks", "")
	var list struct {
		Items []task.Snapshot `json:"items"`
	}
	decodeBody(t, rr, &list)
	if len(list.Items) != 1 {
		t.Fatalf("expected 1 task, got %d", len(list.Items))
	}

	if rr := do(t, h, http.MethodDelete, "/v1/tasks/"+snap.ID, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete done status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/tasks/"+snap.ID, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("deleted task status = %d, want 404", rr.Code)
	}
}

func TestTaskCancel(t *testing.T) {
	h, _ := newTestServer(t, 0)

	rr := do(t, h, http.MethodPost, "/v1/tasks", `{"prompt":"a red sky"}`)
	var snap task.Snapshot
	decodeBody(t, rr, &snap)

	if rr := do(t, h, http.MethodPost, "/v1/tasks/"+snap.ID+"/cancel", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d body %s", rr.Code, rr.Body.String())
	}
	waitForState(t, h, snap.ID, task.StateCancelled)
}

func TestTaskHistoryDisabled(t *testing.T) {
	h, _ := newTestServer(t, 0)
	rr := do(t, h, http.MethodGet, "/v1/tasks/history", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("history status = %d, want 404", rr.Code)
	}
	var payload map[string]string
	decodeBody(t, rr, &payload)
	if payload["error"] != "history_disabled" {
		t.Fatalf("unexpected error code %q", payload["error"])
	}
}

func TestDocumentStateAndThumbnails(t *testing.T) {
	h, _ := newTestServer(t, 0)

	rr := do(t, h, http.MethodPost, "/v1/document-state", `{"active_document_id":"doc-1","selection_state_id":"s1","canvas_state_id":"c1"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("document-state status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/document-state", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed document-state status = %d, want 400", rr.Code)
	}

	if rr := do(t, h, http.MethodGet, "/v1/thumbnails?track=video&content_type=canvas", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad track status = %d, want 400", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/thumbnails?track=image&content_type=canvas", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("thumbnail status = %d", rr.Code)
	}
	var payload map[string]any
	decodeBody(t, rr, &payload)
	if payload["document_id"] != "doc-1" || payload["tracking"] != false {
		t.Fatalf("unexpected thumbnail payload %#v", payload)
	}
}

func TestTaskEventsStream(t *testing.T) {
	h, _ := newTestServer(t, 0)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/tasks/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	readEvent := func() string {
		for lines.Scan() {
			if name, ok := strings.CutPrefix(lines.Text(), "event: "); ok {
				return name
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}
	if got := readEvent(); got != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", got)
	}

	post, err := http.Post(srv.URL+"/v1/tasks", "application/json", strings.NewReader(`{"prompt":"stream me"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	post.Body.Close()

	if got := readEvent(); got != string(task.EventStarted) {
		t.Fatalf("next event = %q, want started", got)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	h, _ := newTestServer(t, 1)

	if rr := do(t, h, http.MethodGet, "/v1/tasks", ""); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/tasks", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	for i := 0; i < 3; i++ {
		if rr := do(t, h, http.MethodGet, "/v1/healthz", ""); rr.Code != http.StatusOK {
			t.Fatalf("healthz should not be limited, got %d", rr.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t, 0)
	do(t, h, http.MethodGet, "/v1/healthz", "")
	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `path="/v1/healthz"`) {
		t.Fatalf("expected healthz route in metrics output")
	}
}

type taskResponse struct {
	task.Snapshot
	Result []task.ResultItem `json:"result"`
}

func waitForState(t *testing.T, h http.Handler, id string, want task.State) taskResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rr := do(t, h, http.MethodGet, "/v1/tasks/"+id, "")
		var view taskResponse
		decodeBody(t, rr, &view)
		if view.State == want {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s state = %s, want %s", id, view.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
