package localstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T, quota int64) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "drafts.db"), quota)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	key := "draft:5:doc-1:4:none:7:default"

	if _, err := s.GetItem(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetItem(key, []byte(`{"title":"one"}`)); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := s.SetItem(key, []byte(`{"title":"two"}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	data, err := s.GetItem(key)
	if err != nil || !bytes.Equal(data, []byte(`{"title":"two"}`)) {
		t.Fatalf("GetItem: %q / %v", data, err)
	}
	keys, err := s.Keys()
	if err != nil || len(keys) != 1 {
		t.Fatalf("upsert must keep a single row per key: %v / %v", keys, err)
	}
	if err := s.RemoveItem(key); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if err := s.RemoveItem(key); err != nil {
		t.Fatalf("idempotent remove: %v", err)
	}
}

func TestSQLiteStoreQuota(t *testing.T) {
	s := newTestSQLiteStore(t, 10)

	if err := s.SetItem("a", []byte("12345")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := s.SetItem("b", []byte("123456")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if err := s.SetItem("a", []byte("1234567890")); err != nil {
		t.Fatalf("overwrite within quota: %v", err)
	}
}

func TestSQLiteStorePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drafts.db")
	s, err := NewSQLiteStore(path, 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.SetItem("k1", []byte("durable")); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	data, err := reopened.GetItem("k1")
	if err != nil || !bytes.Equal(data, []byte("durable")) {
		t.Fatalf("GetItem after reopen: %q / %v", data, err)
	}
}

func TestSQLiteStoreClosed(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	s.Close()
	if err := s.SetItem("k", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
