package vault

import (
	"context"
	"fmt"
	"time"
)

// Drive is the façade that turns path-addressed filesystem
// operations into calls on a DirectoryHandler, the Directory and
// FileContext it resolves to, and the EncryptorStream attached to an
// open file. It is the only type most callers — a FUSE bridge, a
// test, a CLI — need to hold.
type Drive struct {
	handler *DirectoryHandler
}

// NewDrive wraps a DirectoryHandler as a Drive.
func NewDrive(handler *DirectoryHandler) *Drive {
	return &Drive{handler: handler}
}

// Lookup returns the metadata for name under parentPath.
func (d *Drive) Lookup(ctx context.Context, parentPath, name string) (MetaData, error) {
	parent, err := d.handler.Resolve(ctx, parentPath)
	if err != nil {
		return MetaData{}, err
	}
	return parent.GetChild(name)
}

// Readdir returns the metadata for every entry directly under
// dirPath.
func (d *Drive) Readdir(ctx context.Context, dirPath string) ([]MetaData, error) {
	dir, err := d.handler.Resolve(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	return dir.Children(), nil
}

// ReleaseDir rewinds dirPath's readdir cursor, called when a caller's
// directory listing handle is closed.
func (d *Drive) ReleaseDir(ctx context.Context, dirPath string) error {
	dir, err := d.handler.Resolve(ctx, dirPath)
	if err != nil {
		return err
	}
	dir.ResetChildrenCounter()
	return nil
}

// Create adds a new entry named name under parentPath. For a file,
// the new entry comes back already open (open count 1, with a fresh
// empty EncryptorStream attached) exactly as a filesystem create-and-
// open call expects; the caller must Release it when done. For a
// directory, the new entry is registered with the DirectoryHandler
// and no open count applies.
func (d *Drive) Create(ctx context.Context, parentPath, name string, isDirectory bool) (*FileContext, error) {
	now := time.Now()
	var meta MetaData
	if isDirectory {
		meta = NewDirectoryMetaData(name, now)
	} else {
		meta = NewFileMetaData(name, now)
	}

	fc, err := d.handler.Add(ctx, parentPath, meta)
	if err != nil {
		return nil, err
	}

	if !isDirectory {
		fc.IncrementOpenCount()
		fc.AcquireEncryptor(func() *EncryptorStream {
			return NewEncryptorStream(nil, d.handler.ChunkStore(), d.handler.MasterKey())
		})
	}
	return fc, nil
}

// Open increments the open count on the named entry and, on the
// 0-to-1 transition for a file, attaches its EncryptorStream —
// reusing one left behind by a teardown that had not yet fired, or
// building a fresh one from the entry's last flushed DataMap
// otherwise. Directories have no encryptor and no open-count
// transition to react to.
func (d *Drive) Open(ctx context.Context, parentPath, name string) (*FileContext, error) {
	parent, err := d.handler.Resolve(ctx, parentPath)
	if err != nil {
		return nil, err
	}
	fc, err := parent.GetMutableChild(name)
	if err != nil {
		return nil, err
	}

	if fc.IsDirectory() {
		return fc, nil
	}

	if fc.IncrementOpenCount() == 1 {
		fc.AcquireEncryptor(func() *EncryptorStream {
			meta := fc.MetaData()
			return NewEncryptorStream(meta.DataMap, d.handler.ChunkStore(), d.handler.MasterKey())
		})
	}
	return fc, nil
}

// Read returns up to length bytes of fc's content starting at
// offset. fc must currently be open.
func (d *Drive) Read(ctx context.Context, fc *FileContext, offset, length uint64) ([]byte, error) {
	enc := fc.Encryptor()
	if enc == nil {
		return nil, wrapUnknown(errNotOpen)
	}
	data, err := enc.Read(ctx, offset, length)
	if err != nil {
		return nil, wrapUnknown(err)
	}
	return data, nil
}

// Write copies data into fc's content starting at offset, grows the
// entry's size attribute if the write reaches past the current end,
// and schedules the owning directory for storing. fc must currently
// be open.
func (d *Drive) Write(ctx context.Context, fc *FileContext, offset uint64, data []byte) (int, error) {
	enc := fc.Encryptor()
	if enc == nil {
		return 0, wrapUnknown(errNotOpen)
	}

	n, err := enc.Write(ctx, offset, data)
	if err != nil {
		return 0, wrapUnknown(err)
	}

	fc.GrowSizeAttribute(offset+uint64(n), time.Now())
	d.scheduleOwnerStore(ctx, fc)
	return n, nil
}

// Flush persists fc's currently buffered content to the ChunkStore
// without closing it, and schedules the owning directory for storing.
// A no-op if fc has no live EncryptorStream.
func (d *Drive) Flush(ctx context.Context, fc *FileContext) error {
	enc := fc.Encryptor()
	if enc == nil {
		return nil
	}

	dataMap, err := enc.Flush(ctx)
	if err != nil {
		return wrapUnknown(err)
	}

	fc.SetDataMap(dataMap, time.Now())
	fc.MarkFlushed()
	d.scheduleOwnerStore(ctx, fc)
	return nil
}

// Release closes one handle on fc. Once the open count reaches zero,
// the entry's EncryptorStream is not torn down immediately: a
// deferred teardown is armed instead, flushing and detaching it after
// the handler's configured file inactivity delay unless a Open races
// ahead of it first.
func (d *Drive) Release(ctx context.Context, fc *FileContext) error {
	if fc.IsDirectory() {
		return nil
	}
	if fc.DecrementOpenCount() != 0 {
		return nil
	}

	fc.ScheduleTeardown(d.handler.Scheduler(), d.handler.FileInactivityDelay(), func(enc *EncryptorStream) {
		flushCtx := context.Background()
		dataMap, err := enc.Flush(flushCtx)
		if err != nil {
			return
		}
		fc.SetDataMap(dataMap, time.Now())
		fc.MarkFlushed()
		d.scheduleOwnerStore(flushCtx, fc)
		enc.Close()
	})
	return nil
}

// Delete removes the named entry from the directory at parentPath,
// cascading to every chunk and version-chain entry it owns if it is
// itself a directory.
func (d *Drive) Delete(ctx context.Context, parentPath, name string) error {
	return d.handler.Delete(ctx, parentPath, name)
}

// Rename moves oldName under oldParentPath to newName under
// newParentPath.
func (d *Drive) Rename(ctx context.Context, oldParentPath, oldName, newParentPath, newName string) error {
	return d.handler.Rename(ctx, oldParentPath, oldName, newParentPath, newName)
}

// Close drains every pending store and shuts the Drive down.
func (d *Drive) Close(ctx context.Context) error {
	return d.handler.Close(ctx)
}

// scheduleOwnerStore schedules fc's owning directory for storing, or
// silently does nothing if the owning directory is not resolvable —
// which can only happen after a concurrent delete raced ahead of this
// write, in which case there is nothing left to persist to anyway.
func (d *Drive) scheduleOwnerStore(ctx context.Context, fc *FileContext) {
	dir, err := d.handler.getByID(ctx, fc.DirectoryID(), zeroParentID)
	if err != nil {
		return
	}
	dir.ScheduleForStoring()
}

var errNotOpen = fmt.Errorf("vault: file context has no open handle")
