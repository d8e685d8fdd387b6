package vault

import (
	"context"
	"testing"
	"time"
)

func newTestHandler(t *testing.T) *DirectoryHandler {
	t.Helper()
	cfg := HandlerConfig{
		ChunkStore:               NewMemoryChunkStore(),
		VersionStore:             NewMemoryVersionStore(10),
		MasterKey:                newTestMasterKey(t),
		Scheduler:                NewFlushScheduler(2),
		DirectoryInactivityDelay: 20 * time.Millisecond,
		FileInactivityDelay:      20 * time.Millisecond,
		MaxVersions:              10,
	}
	h, err := NewDirectoryHandler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewDirectoryHandler failed: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func TestDirectoryHandlerRootIsCachedAndStable(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	first, err := h.Root(ctx)
	if err != nil {
		t.Fatalf("Root failed: %v", err)
	}
	if first.ID() != RootDirectoryID {
		t.Errorf("root ID = %s, want the all-zero RootDirectoryID", FormatID(first.ID()))
	}

	second, err := h.Root(ctx)
	if err != nil {
		t.Fatalf("Root failed: %v", err)
	}
	if first != second {
		t.Error("Root should return the same cached *Directory across calls")
	}
}

func TestDirectoryHandlerAddAndResolve(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	if _, err := h.Add(ctx, "/", NewFileMetaData("a.txt", time.Now())); err != nil {
		t.Fatalf("Add file failed: %v", err)
	}

	dirMeta := NewDirectoryMetaData("sub", time.Now())
	if _, err := h.Add(ctx, "/", dirMeta); err != nil {
		t.Fatalf("Add directory failed: %v", err)
	}
	if _, err := h.Add(ctx, "/sub", NewFileMetaData("nested.txt", time.Now())); err != nil {
		t.Fatalf("Add nested file failed: %v", err)
	}

	sub, err := h.Resolve(ctx, "/sub")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if sub.ID() != dirMeta.DirectoryId {
		t.Error("Resolve(\"/sub\") returned the wrong Directory")
	}
	if !sub.HasChild("nested.txt") {
		t.Error("expected nested.txt under /sub")
	}
}

func TestDirectoryHandlerResolveMissingFails(t *testing.T) {
	h := newTestHandler(t)
	if _, err := h.Resolve(context.Background(), "/does/not/exist"); err == nil {
		t.Error("expected an error resolving a missing path")
	}
}

func TestDirectoryHandlerResolveThroughFileFails(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	h.Add(ctx, "/", NewFileMetaData("a.txt", time.Now()))

	if _, err := h.Resolve(ctx, "/a.txt/nested"); err == nil {
		t.Error("expected an error resolving through a file component")
	}
}

func TestDirectoryHandlerAddDuplicateNameFails(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	h.Add(ctx, "/", NewFileMetaData("a.txt", time.Now()))

	if _, err := h.Add(ctx, "/", NewFileMetaData("a.txt", time.Now())); err == nil {
		t.Error("expected ErrFileExists adding a duplicate name")
	}
}

func TestDirectoryHandlerDeleteFile(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	h.Add(ctx, "/", NewFileMetaData("a.txt", time.Now()))

	if err := h.Delete(ctx, "/", "a.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	root, _ := h.Root(ctx)
	if root.HasChild("a.txt") {
		t.Error("a.txt still present after Delete")
	}
}

func TestDirectoryHandlerDeleteMissingFails(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Delete(context.Background(), "/", "missing.txt"); err == nil {
		t.Error("expected ErrNoSuchFile deleting a missing entry")
	}
}

func TestDirectoryHandlerCascadeDeleteDropsDescendants(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	dirMeta := NewDirectoryMetaData("sub", time.Now())
	h.Add(ctx, "/", dirMeta)
	h.Add(ctx, "/sub", NewFileMetaData("inner.txt", time.Now()))

	if err := h.Delete(ctx, "/", "sub"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := h.Resolve(ctx, "/sub"); err == nil {
		t.Error("expected /sub to be gone after cascade delete")
	}

	versions, err := h.versionStore.Versions(ctx, dirMeta.DirectoryId)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 0 {
		t.Error("expected the deleted directory's version history to be dropped")
	}
}

func TestDirectoryHandlerRenameWithinSameDirectory(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	h.Add(ctx, "/", NewFileMetaData("old.txt", time.Now()))

	if err := h.Rename(ctx, "/", "old.txt", "/", "new.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	root, _ := h.Root(ctx)
	if root.HasChild("old.txt") {
		t.Error("old name still present after rename")
	}
	if !root.HasChild("new.txt") {
		t.Error("new name missing after rename")
	}
}

func TestDirectoryHandlerRenameAcrossDirectories(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	h.Add(ctx, "/", NewDirectoryMetaData("src", time.Now()))
	h.Add(ctx, "/", NewDirectoryMetaData("dst", time.Now()))
	h.Add(ctx, "/src", NewFileMetaData("a.txt", time.Now()))

	if err := h.Rename(ctx, "/src", "a.txt", "/dst", "a.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	src, _ := h.Resolve(ctx, "/src")
	dst, _ := h.Resolve(ctx, "/dst")
	if src.HasChild("a.txt") {
		t.Error("source directory still has a.txt after cross-directory rename")
	}
	if !dst.HasChild("a.txt") {
		t.Error("destination directory missing a.txt after cross-directory rename")
	}
}

func TestDirectoryHandlerRenameAcrossDirectoriesCollisionLeavesSource(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	h.Add(ctx, "/", NewDirectoryMetaData("src", time.Now()))
	h.Add(ctx, "/", NewDirectoryMetaData("dst", time.Now()))
	h.Add(ctx, "/src", NewFileMetaData("a.txt", time.Now()))
	h.Add(ctx, "/dst", NewFileMetaData("a.txt", time.Now()))

	err := h.Rename(ctx, "/src", "a.txt", "/dst", "a.txt")
	if err == nil {
		t.Fatal("expected ErrFileExists on a colliding cross-directory rename")
	}

	src, _ := h.Resolve(ctx, "/src")
	if !src.HasChild("a.txt") {
		t.Error("source should still have a.txt after a refused rename")
	}
}

func TestDirectoryHandlerRenameMovesDirectoryParent(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	h.Add(ctx, "/", NewDirectoryMetaData("dst", time.Now()))
	movedMeta := NewDirectoryMetaData("moved", time.Now())
	h.Add(ctx, "/", movedMeta)

	if err := h.Rename(ctx, "/", "moved", "/dst", "moved"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	dst, _ := h.Resolve(ctx, "/dst")
	newParentID := ParentId(dst.ID())

	h.mu.Lock()
	moved, ok := h.cache[movedMeta.DirectoryId]
	h.mu.Unlock()
	if !ok {
		t.Fatal("moved directory is no longer cached")
	}
	if moved.ParentID() != newParentID {
		t.Error("moved directory's ParentID was not updated to its new parent")
	}
}

func TestDirectoryHandlerCloseIsIdempotent(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	h.Add(ctx, "/", NewFileMetaData("a.txt", time.Now()))

	if err := h.Close(ctx); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
