package vault

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryChunkStoreRoundtrip(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()
	name := HashChunk([]byte("content"))

	if _, err := store.Get(ctx, name); err == nil {
		t.Fatal("expected error reading a chunk that was never put")
	}

	if err := store.Put(ctx, name, []byte("content")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("content")) {
		t.Errorf("Get() = %q, want %q", got, "content")
	}

	if err := store.Delete(ctx, name); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, name); err == nil {
		t.Error("expected error reading a deleted chunk")
	}
}

func TestMemoryChunkStoreGetCopiesData(t *testing.T) {
	store := NewMemoryChunkStore()
	ctx := context.Background()
	name := HashChunk([]byte("content"))
	store.Put(ctx, name, []byte("content"))

	got, _ := store.Get(ctx, name)
	got[0] = 'X'

	again, _ := store.Get(ctx, name)
	if !bytes.Equal(again, []byte("content")) {
		t.Error("mutating a returned slice affected the store's internal copy")
	}
}

func TestDiskChunkStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskChunkStore(filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatalf("NewDiskChunkStore failed: %v", err)
	}

	name := HashChunk([]byte("payload"))
	if err := store.Put(ctx, name, []byte("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Errorf("Get() = %q, want %q", got, "payload")
	}
}

func TestDiskChunkStoreGetMissing(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskChunkStore(filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatalf("NewDiskChunkStore failed: %v", err)
	}

	if _, err := store.Get(ctx, HashChunk([]byte("never written"))); err == nil {
		t.Error("expected an error reading a chunk that was never put")
	}
}

func TestDiskChunkStorePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskChunkStore(filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatalf("NewDiskChunkStore failed: %v", err)
	}

	name := HashChunk([]byte("payload"))
	if err := store.Put(ctx, name, []byte("payload")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := store.Put(ctx, name, []byte("payload")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
}

func TestDiskChunkStoreDeleteMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskChunkStore(filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatalf("NewDiskChunkStore failed: %v", err)
	}

	if err := store.Delete(ctx, HashChunk([]byte("never written"))); err != nil {
		t.Errorf("Delete of a missing chunk should be a no-op, got: %v", err)
	}
}
