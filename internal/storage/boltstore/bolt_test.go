package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pastebin/internal/expiry"
	"pastebin/internal/storage"
	"pastebin/internal/storage/storagetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Port {
		return openTemp(t)
	})
}

func TestRetiredSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	now := time.Now().UTC().Round(time.Second)
	meta := storage.Metadata{ContentType: "text/plain", CreatedAt: now, ExpiresAt: expiry.At(now.Add(time.Hour))}
	if err := store.InsertIfAbsent(context.Background(), "abc123", meta, []byte("hello")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Delete(context.Background(), "abc123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InsertIfAbsent(context.Background(), "abc123", meta, []byte("again")); err != storage.ErrConflict {
		t.Fatalf("expected conflict after reopen, got %v", err)
	}
}

func TestDeleteClearsExpiryIndex(t *testing.T) {
	store := openTemp(t)
	now := time.Now().UTC().Round(time.Second)
	meta := storage.Metadata{ContentType: "text/plain", CreatedAt: now, ExpiresAt: expiry.At(now.Add(-time.Minute))}
	if err := store.InsertIfAbsent(context.Background(), "dead", meta, []byte("bye")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Delete(context.Background(), "dead"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for id, err := range store.ScanExpired(context.Background(), now) {
		t.Fatalf("unexpected scan result %q err=%v", id, err)
	}
}
