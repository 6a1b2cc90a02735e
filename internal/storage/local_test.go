package storage

import (
	"context"
	"testing"
)

func TestLocalStore_PutGetDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}

	ctx := context.Background()
	objectPath := "events/2026/01/05/13/batch-abc.ndjson.snappy"
	content := []byte("hello world")
	metadata := map[string]string{"event_count": "3", "shard_id": "shard-0"}

	if err := store.Put(ctx, objectPath, content, metadata); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	data, err := store.Get(ctx, objectPath)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", data, content)
	}

	meta, err := store.Metadata(ctx, objectPath)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if meta["event_count"] != "3" {
		t.Errorf("metadata mismatch: got %q, want %q", meta["event_count"], "3")
	}

	if err := store.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = store.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStore_GetMissingObject(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}

	if _, err := store.Get(context.Background(), "missing/object"); err != ErrObjectNotFound {
		t.Errorf("got %v, want ErrObjectNotFound", err)
	}
}

func TestLocalStore_ListByPrefix(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}

	ctx := context.Background()
	paths := []string{
		"events/2026/01/05/13/a",
		"events/2026/01/05/14/b",
		"events/2026/01/06/00/c",
		"deadletter/2026/01/05/x",
	}
	for _, p := range paths {
		if err := store.Put(ctx, p, []byte("data"), map[string]string{"k": "v"}); err != nil {
			t.Fatalf("Put %s failed: %v", p, err)
		}
	}

	objects, err := store.List(ctx, "events/2026/01/05/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("got %d objects, want 2: %v", len(objects), objects)
	}
	// Metadata sidecars must not show up as objects.
	for _, obj := range objects {
		if len(obj) > 10 && obj[len(obj)-10:] == ".meta.json" {
			t.Errorf("sidecar leaked into listing: %s", obj)
		}
	}
}
