package infra

import (
	"errors"
	"testing"
)

func TestSplitMarker(t *testing.T) {
	marker, stmt, err := SplitMarker("\n--sql 0b5e2a57-77c6-4a43-9a57-3f6f3c0c7a10\nselect 1;\n")
	if err != nil {
		t.Fatalf("SplitMarker returned error: %v", err)
	}
	if marker != "0b5e2a57-77c6-4a43-9a57-3f6f3c0c7a10" {
		t.Fatalf("marker = %q", marker)
	}
	if stmt != "select 1;" {
		t.Fatalf("statement = %q, want %q", stmt, "select 1;")
	}
}

func TestSplitMarkerRejectsUntaggedQueries(t *testing.T) {
	for _, q := range []string{"", "select 1", "--sql not-a-uuid\nselect 1"} {
		if _, _, err := SplitMarker(q); !errors.Is(err, ErrMissingMarker) {
			t.Fatalf("SplitMarker(%q) error = %v, want ErrMissingMarker", q, err)
		}
	}
}
