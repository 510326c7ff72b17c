package draftstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func testRecord(key, title string) Record {
	return Record{
		DraftKey:        key,
		DocumentID:      strPtr("doc-1"),
		DocumentVariant: "summary",
		Payload:         json.RawMessage(`{"title":"` + title + `"}`),
		UpdatedAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// backendUnderTest exercises the shared Backend contract against a concrete
// implementation.
func backendUnderTest(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	defer backend.Close()

	if _, err := backend.Get(ctx, "ws-1", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := backend.Upsert(ctx, "ws-1", testRecord("k1", "first")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := backend.Upsert(ctx, "ws-1", testRecord("k1", "second")); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	records, err := backend.List(ctx, "ws-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("upsert must keep one live record per key, got %d", len(records))
	}

	rec, err := backend.Get(ctx, "ws-1", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Payload, &payload); err != nil || payload["title"] != "second" {
		t.Fatalf("latest upsert must win: %s / %v", rec.Payload, err)
	}
	if rec.DocumentID == nil || *rec.DocumentID != "doc-1" {
		t.Fatalf("document id lost: %+v", rec.DocumentID)
	}

	// Workspaces are isolated.
	if err := backend.Upsert(ctx, "ws-2", testRecord("k1", "other")); err != nil {
		t.Fatalf("Upsert ws-2: %v", err)
	}
	records, _ = backend.List(ctx, "ws-1")
	if len(records) != 1 {
		t.Fatalf("workspace isolation broken: %d records", len(records))
	}

	if err := backend.Delete(ctx, "ws-1", "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := backend.Delete(ctx, "ws-1", "k1"); err != nil {
		t.Fatalf("delete of an absent draft must succeed: %v", err)
	}
	if _, err := backend.Get(ctx, "ws-1", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryBackendContract(t *testing.T) {
	backendUnderTest(t, NewMemoryBackend())
}

func TestFileBackendContract(t *testing.T) {
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "drafts.json"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	backendUnderTest(t, backend)
}

func TestUpsertValidation(t *testing.T) {
	backend := NewMemoryBackend()
	defer backend.Close()
	ctx := context.Background()

	cases := []struct {
		name      string
		workspace string
		rec       Record
	}{
		{"missing workspace", "", testRecord("k1", "x")},
		{"missing key", "ws-1", testRecord("", "x")},
		{"missing payload", "ws-1", Record{DraftKey: "k1"}},
	}
	for _, tc := range cases {
		if err := backend.Upsert(ctx, tc.workspace, tc.rec); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestFileBackendPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drafts.json")
	ctx := context.Background()

	backend, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := backend.Upsert(ctx, "ws-1", testRecord("k1", "durable")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	backend.Close()

	reopened, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	rec, err := reopened.Get(ctx, "ws-1", "k1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Payload, &payload); err != nil || payload["title"] != "durable" {
		t.Fatalf("payload lost across reopen: %s / %v", rec.Payload, err)
	}
}

func TestOpenSchemes(t *testing.T) {
	dir := t.TempDir()
	good := []string{
		"memory://",
		"file://" + filepath.Join(dir, "drafts.json"),
	}
	for _, dsn := range good {
		backend, err := Open(dsn)
		if err != nil {
			t.Fatalf("Open(%q): %v", dsn, err)
		}
		backend.Close()
	}
	bad := []string{"", "mysql://localhost/drafts"}
	for _, dsn := range bad {
		if _, err := Open(dsn); !errors.Is(err, ErrInvalidDSN) {
			t.Fatalf("Open(%q): expected ErrInvalidDSN, got %v", dsn, err)
		}
	}
}

func TestOpenRegisteredFactory(t *testing.T) {
	called := false
	RegisterFactory("teststore", func(dsn string) (Backend, error) {
		called = true
		return NewMemoryBackend(), nil
	})
	backend, err := Open("teststore://anything")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	backend.Close()
	if !called {
		t.Fatal("registered factory was not used")
	}
}
