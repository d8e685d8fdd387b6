package fuse

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benjaminbollen/MaidSafe-Drive/lib/secret"
	"github.com/benjaminbollen/MaidSafe-Drive/lib/vault"
)

// fuseAvailable checks whether /dev/fuse is accessible. Tests that
// need a real mount call this and skip if the device is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func testMount(t *testing.T) string {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()

	masterKey, err := secret.New(32)
	if err != nil {
		t.Fatalf("secret.New failed: %v", err)
	}
	t.Cleanup(func() { masterKey.Close() })

	chunkStore, err := vault.NewDiskChunkStore(filepath.Join(root, "chunks"))
	if err != nil {
		t.Fatalf("NewDiskChunkStore failed: %v", err)
	}
	versionStore := vault.NewMemoryVersionStore(10)
	scheduler := vault.NewFlushScheduler(2)

	handler, err := vault.NewDirectoryHandler(context.Background(), vault.HandlerConfig{
		ChunkStore:               chunkStore,
		VersionStore:             versionStore,
		MasterKey:                masterKey,
		Scheduler:                scheduler,
		DirectoryInactivityDelay: 20 * time.Millisecond,
		FileInactivityDelay:      20 * time.Millisecond,
		MaxVersions:              10,
	})
	if err != nil {
		t.Fatalf("NewDirectoryHandler failed: %v", err)
	}

	drive := vault.NewDrive(handler)
	mountpoint := filepath.Join(root, "mount")

	server, err := Mount(Options{Mountpoint: mountpoint, Drive: drive})
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount failed: %v", err)
		}
		handler.Close(context.Background())
	})

	return mountpoint
}

func TestMountCreateWriteReadFile(t *testing.T) {
	mountpoint := testMount(t)

	path := filepath.Join(mountpoint, "hello.txt")
	content := []byte("hello from a real mount")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("ReadFile() = %q, want %q", got, content)
	}
}

func TestMountMkdirAndReaddir(t *testing.T) {
	mountpoint := testMount(t)

	if err := os.Mkdir(filepath.Join(mountpoint, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mountpoint, "sub", "nested.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["sub"] {
		t.Error("expected \"sub\" under the mountpoint")
	}

	nested, err := os.ReadDir(filepath.Join(mountpoint, "sub"))
	if err != nil {
		t.Fatalf("ReadDir of sub failed: %v", err)
	}
	if len(nested) != 1 || nested[0].Name() != "nested.txt" {
		t.Errorf("unexpected entries under sub: %+v", nested)
	}
}

func TestMountRenameAndUnlink(t *testing.T) {
	mountpoint := testMount(t)

	oldPath := filepath.Join(mountpoint, "old.txt")
	newPath := filepath.Join(mountpoint, "new.txt")
	os.WriteFile(oldPath, []byte("payload"), 0o644)

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := os.Stat(oldPath); err == nil {
		t.Error("old path should be gone after rename")
	}

	if err := os.Remove(newPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(newPath); err == nil {
		t.Error("new path should be gone after removal")
	}
}

func TestMountRmdirCascadesToDescendants(t *testing.T) {
	mountpoint := testMount(t)

	dir := filepath.Join(mountpoint, "sub")
	os.Mkdir(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)

	if err := os.Remove(dir); err != nil {
		t.Fatalf("Remove of a non-empty directory failed: %v", err)
	}
	if _, err := os.Stat(dir); err == nil {
		t.Error("sub should be gone after its removal cascaded to its contents")
	}
}
