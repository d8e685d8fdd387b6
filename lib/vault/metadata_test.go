package vault

import (
	"testing"
	"time"
)

func TestNewFileMetaData(t *testing.T) {
	now := time.Now()
	meta := NewFileMetaData("report.txt", now)

	if meta.IsDirectory {
		t.Error("file metadata should not be a directory")
	}
	if meta.Name != "report.txt" {
		t.Errorf("Name = %q, want %q", meta.Name, "report.txt")
	}
	if meta.Attributes.Mode != 0o644 {
		t.Errorf("Mode = %o, want 0644", meta.Attributes.Mode)
	}
	if !meta.Attributes.ModTime.Equal(now) {
		t.Error("ModTime not set to creation time")
	}
	if meta.DataMap != nil {
		t.Error("a freshly created file should have no DataMap yet")
	}
}

func TestNewDirectoryMetaData(t *testing.T) {
	now := time.Now()
	meta := NewDirectoryMetaData("subdir", now)

	if !meta.IsDirectory {
		t.Error("directory metadata should be a directory")
	}
	if meta.Attributes.Mode != 0o755 {
		t.Errorf("Mode = %o, want 0755", meta.Attributes.Mode)
	}
	var zero DirectoryId
	if meta.DirectoryId == zero {
		t.Error("directory metadata should have a non-zero DirectoryId")
	}
}

func TestDataMapTotalChunkBytes(t *testing.T) {
	dm := &DataMap{
		Chunks: []ChunkReference{
			{Length: 100},
			{Length: 250},
		},
	}
	if got := dm.TotalChunkBytes(); got != 350 {
		t.Errorf("TotalChunkBytes() = %d, want 350", got)
	}
}

func TestTouchModifiedUpdatesBothTimes(t *testing.T) {
	var attrs Attributes
	at := time.Now()
	attrs.touchModified(at)
	if !attrs.ModTime.Equal(at) || !attrs.AccessTime.Equal(at) {
		t.Error("touchModified should update both ModTime and AccessTime")
	}
}

func TestTouchAccessedLeavesModTime(t *testing.T) {
	var attrs Attributes
	base := time.Now()
	attrs.touchModified(base)

	later := base.Add(time.Minute)
	attrs.touchAccessed(later)

	if !attrs.ModTime.Equal(base) {
		t.Error("touchAccessed should not change ModTime")
	}
	if !attrs.AccessTime.Equal(later) {
		t.Error("touchAccessed should update AccessTime")
	}
}
