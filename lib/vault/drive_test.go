package vault

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func newTestDrive(t *testing.T) *Drive {
	t.Helper()
	return NewDrive(newTestHandler(t))
}

func TestDriveCreateOpensFileWithEncryptor(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()

	fc, err := drive.Create(ctx, "/", "a.txt", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if fc.OpenCount() != 1 {
		t.Errorf("OpenCount() = %d, want 1", fc.OpenCount())
	}
	if fc.Encryptor() == nil {
		t.Error("expected Create to attach a live encryptor")
	}
}

func TestDriveCreateDirectoryHasNoEncryptor(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()

	fc, err := drive.Create(ctx, "/", "sub", true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if fc.OpenCount() != 0 {
		t.Errorf("OpenCount() = %d, want 0 for a directory", fc.OpenCount())
	}
	if fc.Encryptor() != nil {
		t.Error("expected a directory entry to have no encryptor")
	}

	if _, err := drive.Lookup(ctx, "/sub", "nonexistent"); err == nil {
		t.Error("expected the created sub-directory to be resolvable and empty")
	}
}

func TestDriveWriteReadRoundtrip(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()

	fc, err := drive.Create(ctx, "/", "a.txt", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	content := []byte("hello from the drive facade")
	n, err := drive.Write(ctx, fc, 0, content)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(content) {
		t.Errorf("Write() = %d, want %d", n, len(content))
	}

	got, err := drive.Read(ctx, fc, 0, uint64(len(content)))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Read() = %q, want %q", got, content)
	}

	if err := drive.Release(ctx, fc); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestDriveWriteGrowsSizeAttribute(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()
	fc, _ := drive.Create(ctx, "/", "a.txt", false)

	drive.Write(ctx, fc, 0, []byte("0123456789"))
	if got := fc.MetaData().Attributes.Size; got != 10 {
		t.Errorf("Size = %d, want 10", got)
	}

	drive.Write(ctx, fc, 2, []byte("ab"))
	if got := fc.MetaData().Attributes.Size; got != 10 {
		t.Errorf("Size after a write entirely within bounds = %d, want 10", got)
	}
}

func TestDriveReadWriteWithoutOpenFails(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()
	fc := NewFileContext(NewFileMetaData("detached.txt", time.Now()), NewDirectoryId())

	if _, err := drive.Read(ctx, fc, 0, 10); err == nil {
		t.Error("expected Read on a never-opened FileContext to fail")
	}
	if _, err := drive.Write(ctx, fc, 0, []byte("x")); err == nil {
		t.Error("expected Write on a never-opened FileContext to fail")
	}
}

func TestDriveFlushPersistsDataMapWithoutClosing(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()
	fc, _ := drive.Create(ctx, "/", "a.txt", false)
	drive.Write(ctx, fc, 0, []byte("content to flush"))

	if err := drive.Flush(ctx, fc); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if fc.MetaData().DataMap == nil {
		t.Error("expected a DataMap to be installed after Flush")
	}
	if fc.Encryptor() == nil {
		t.Error("Flush should not detach the encryptor, only persist through it")
	}

	got, err := drive.Read(ctx, fc, 0, uint64(len("content to flush")))
	if err != nil {
		t.Fatalf("Read after Flush failed: %v", err)
	}
	if string(got) != "content to flush" {
		t.Errorf("Read after Flush = %q", got)
	}
}

func TestDriveOpenReopenReusesEncryptor(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()
	fc, _ := drive.Create(ctx, "/", "a.txt", false)
	drive.Write(ctx, fc, 0, []byte("payload"))

	if err := drive.Release(ctx, fc); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	reopened, err := drive.Open(ctx, "/", "a.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if reopened != fc {
		t.Error("Open should return the same cached *FileContext")
	}
	if reopened.Encryptor() == nil {
		t.Error("expected the racing reopen to reuse the still-live encryptor")
	}

	got, err := drive.Read(ctx, reopened, 0, uint64(len("payload")))
	if err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Read after reopen = %q, want %q", got, "payload")
	}
	drive.Release(ctx, reopened)
}

func TestDriveReleaseTearsDownEncryptorWhenIdle(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()
	fc, _ := drive.Create(ctx, "/", "a.txt", false)
	drive.Write(ctx, fc, 0, []byte("payload"))

	if err := drive.Release(ctx, fc); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for fc.Encryptor() != nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fc.Encryptor() != nil {
		t.Error("expected the encryptor to be torn down after the file inactivity delay elapsed")
	}
	if fc.MetaData().DataMap == nil {
		t.Error("expected a DataMap to be installed once the deferred teardown fires")
	}
}

func TestDriveDeleteAndRenameDelegateToHandler(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()
	fc, _ := drive.Create(ctx, "/", "a.txt", false)
	drive.Release(ctx, fc)

	if err := drive.Rename(ctx, "/", "a.txt", "/", "b.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := drive.Lookup(ctx, "/", "b.txt"); err != nil {
		t.Fatalf("Lookup after Rename failed: %v", err)
	}

	if err := drive.Delete(ctx, "/", "b.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := drive.Lookup(ctx, "/", "b.txt"); err == nil {
		t.Error("expected b.txt to be gone after Delete")
	}
}

func TestDriveReaddirAndReleaseDir(t *testing.T) {
	drive := newTestDrive(t)
	ctx := context.Background()
	fc1, _ := drive.Create(ctx, "/", "a.txt", false)
	drive.Release(ctx, fc1)
	fc2, _ := drive.Create(ctx, "/", "b.txt", false)
	drive.Release(ctx, fc2)

	entries, err := drive.Readdir(ctx, "/")
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Readdir returned %d entries, want 2", len(entries))
	}

	if err := drive.ReleaseDir(ctx, "/"); err != nil {
		t.Fatalf("ReleaseDir failed: %v", err)
	}
}
