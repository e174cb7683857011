package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"genbridge/internal/host"
)

func TestGetImageSendsRequestAndDecodes(t *testing.T) {
	var captured host.ImageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/acquire/image" {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"thumbnail_url":"blob:thumb-1","token":"tok-1","source":"doc-1"}`)
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got, err := client.GetImage(context.Background(), host.ImageRequest{Content: host.ContentSelection, Size: 192, CropToSelection: true})
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got.ThumbnailURL != "blob:thumb-1" || got.Token != "tok-1" {
		t.Fatalf("acquired = %+v", got)
	}
	if captured.Content != host.ContentSelection || captured.Size != 192 || !captured.CropToSelection {
		t.Fatalf("request = %+v", captured)
	}
}

func TestTaskBoardCallsUseEntryID(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	entry := host.TaskEntry{ID: "task/1", Title: "Generate", Status: "Running", Progress: 30}
	if err := client.TaskAdd(ctx, entry); err != nil {
		t.Fatalf("TaskAdd: %v", err)
	}
	if err := client.TaskUpdate(ctx, entry); err != nil {
		t.Fatalf("TaskUpdate: %v", err)
	}
	if err := client.TaskRemove(ctx, entry.ID); err != nil {
		t.Fatalf("TaskRemove: %v", err)
	}
	want := []string{"POST /tasks", "PUT /tasks/task/1", "DELETE /tasks/task/1"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestErrorResponseIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"no_document","message":"no active document"}`)
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetMask(context.Background(), host.MaskRequest{Content: host.ContentSelection})
	if err == nil || !strings.Contains(err.Error(), "no active document") {
		t.Fatalf("error = %v, want host message", err)
	}
}

func TestReadTokenReturnsBytesAndMIME(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokens/tok-9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	data, mime, err := client.ReadToken(context.Background(), "tok-9")
	if err != nil {
		t.Fatalf("ReadToken: %v", err)
	}
	if mime != "image/png" || len(data) != 4 {
		t.Fatalf("got mime=%q len=%d", mime, len(data))
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Options{}); err != ErrMissingBaseURL {
		t.Fatalf("err = %v, want ErrMissingBaseURL", err)
	}
}
