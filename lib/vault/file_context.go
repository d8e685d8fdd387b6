package vault

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FileContext is the cached record for one entry in a Directory's
// child list. It carries the entry's metadata plus, while the entry
// is open, the EncryptorStream that buffers its unflushed writes.
//
// The EncryptorStream's lifetime is decoupled from any single open
// handle on purpose: closing the last handle arms a deferred teardown
// rather than tearing down immediately, so a close immediately
// followed by a reopen — common during sequential writes from tools
// that reopen a file per write call — reuses the live stream instead
// of re-deriving it from a freshly flushed DataMap.
type FileContext struct {
	mu sync.Mutex

	metaData    MetaData
	directoryID DirectoryId

	openCount int32 // atomic; read/written via sync/atomic only

	encryptor *EncryptorStream
	teardown  *DeferredCall
	flushed   bool
}

// NewFileContext wraps meta as a cache entry belonging to the
// directory identified by directoryID.
func NewFileContext(meta MetaData, directoryID DirectoryId) *FileContext {
	return &FileContext{metaData: meta, directoryID: directoryID, flushed: true}
}

// Name returns the entry's name under its parent.
func (fc *FileContext) Name() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.metaData.Name
}

// IsDirectory reports whether the entry is itself a directory.
func (fc *FileContext) IsDirectory() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.metaData.IsDirectory
}

// DirectoryID returns the identity of the directory this entry lives
// in, resolved through the DirectoryHandler rather than a live
// pointer, so a FileContext never outlives the handler's ownership of
// its parent.
func (fc *FileContext) DirectoryID() DirectoryId {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.directoryID
}

// SetDirectoryID updates the owning directory after a rename moves
// the entry to a different parent.
func (fc *FileContext) SetDirectoryID(id DirectoryId) {
	fc.mu.Lock()
	fc.directoryID = id
	fc.mu.Unlock()
}

// MetaData returns a copy of the entry's current metadata.
func (fc *FileContext) MetaData() MetaData {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.metaData
}

// SetName renames the entry in place, used by RenameChild.
func (fc *FileContext) SetName(name string) {
	fc.mu.Lock()
	fc.metaData.Name = name
	fc.mu.Unlock()
}

// SetDataMap installs a freshly flushed chunk manifest and updates
// the size attribute to match.
func (fc *FileContext) SetDataMap(dm *DataMap, at time.Time) {
	fc.mu.Lock()
	fc.metaData.DataMap = dm
	if dm != nil {
		fc.metaData.Attributes.Size = dm.Size
		fc.metaData.Attributes.Blocks = blocksFor(dm.Size)
	}
	fc.metaData.Attributes.touchModified(at)
	fc.mu.Unlock()
}

// blocksFor returns the 512-byte block count st_blocks reports for a
// file of the given size, matching the convention POSIX stat uses.
func blocksFor(size uint64) uint64 {
	return (size + 511) / 512
}

// IncrementOpenCount records one more open handle and returns the
// new count.
func (fc *FileContext) IncrementOpenCount() int32 {
	return atomic.AddInt32(&fc.openCount, 1)
}

// DecrementOpenCount releases one open handle and returns the new
// count.
func (fc *FileContext) DecrementOpenCount() int32 {
	return atomic.AddInt32(&fc.openCount, -1)
}

// OpenCount returns the number of handles currently open on this
// entry.
func (fc *FileContext) OpenCount() int32 {
	return atomic.LoadInt32(&fc.openCount)
}

// AcquireEncryptor returns the entry's live EncryptorStream, racing
// any pending teardown out of the way first. If a teardown was
// pending and is successfully cancelled, the existing stream (which
// never got torn down) is reused. If the teardown had already fired —
// or there was never a stream at all — factory builds a fresh one
// from the entry's current DataMap.
func (fc *FileContext) AcquireEncryptor(factory func() *EncryptorStream) *EncryptorStream {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.teardown != nil {
		outcome := fc.teardown.Cancel()
		fc.teardown = nil
		if outcome == CancelArmedAndStopped && fc.encryptor != nil {
			return fc.encryptor
		}
		fc.encryptor = nil
	}

	if fc.encryptor != nil {
		return fc.encryptor
	}

	fc.encryptor = factory()
	fc.flushed = false
	return fc.encryptor
}

// ScheduleTeardown arms a deferred call that, after delay with no
// intervening AcquireEncryptor, flushes and detaches the entry's
// EncryptorStream. onFired receives the detached stream so the caller
// can persist its final DataMap; it is never called with a nil
// stream. The call is skipped entirely if the open count is no longer
// zero by the time it fires, since a reopen raced ahead of it.
func (fc *FileContext) ScheduleTeardown(scheduler *FlushScheduler, delay time.Duration, onFired func(enc *EncryptorStream)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.encryptor == nil {
		return
	}
	if fc.teardown != nil {
		fc.teardown.Cancel()
	}

	fc.teardown = scheduler.ScheduleAfter(delay, func(_ context.Context) {
		fc.mu.Lock()
		if fc.OpenCount() != 0 {
			fc.mu.Unlock()
			return
		}
		enc := fc.encryptor
		fc.encryptor = nil
		fc.teardown = nil
		fc.flushed = true
		fc.mu.Unlock()

		if enc != nil {
			onFired(enc)
		}
	})
}

// FlushAndDetachEncryptor synchronously persists the entry's current
// buffered content, if it has a live encryptor, without discarding
// the stream: a still-open file keeps writing to the same stream
// afterward. onFlush is expected to call the stream's Flush and
// return the resulting DataMap. Used by a Directory's Serialise to
// make sure every child's on-disk metadata reflects its latest
// content before the directory blob itself is encoded.
func (fc *FileContext) FlushAndDetachEncryptor(onFlush func(*EncryptorStream) (*DataMap, error), at time.Time) error {
	fc.mu.Lock()
	enc := fc.encryptor
	if enc == nil {
		fc.mu.Unlock()
		return nil
	}
	fc.mu.Unlock()

	dm, err := onFlush(enc)
	if err != nil {
		return err
	}

	fc.mu.Lock()
	fc.metaData.DataMap = dm
	if dm != nil {
		fc.metaData.Attributes.Size = dm.Size
		fc.metaData.Attributes.Blocks = blocksFor(dm.Size)
	}
	fc.metaData.Attributes.touchModified(at)
	fc.flushed = true
	fc.mu.Unlock()
	return nil
}

// Encryptor returns the entry's live EncryptorStream, or nil if the
// entry has no handles open on it.
func (fc *FileContext) Encryptor() *EncryptorStream {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.encryptor
}

// GrowSizeAttribute raises the size (and derived block count)
// attribute to end if it is larger than the entry's current size,
// matching how a write past the current end of a file grows it. A
// write entirely within the current size leaves size unchanged.
func (fc *FileContext) GrowSizeAttribute(end uint64, at time.Time) {
	fc.mu.Lock()
	if end > fc.metaData.Attributes.Size {
		fc.metaData.Attributes.Size = end
		fc.metaData.Attributes.Blocks = blocksFor(end)
	}
	fc.metaData.Attributes.touchModified(at)
	fc.mu.Unlock()
}

// Flushed reports whether the entry's encryptor (if any) has been
// fully written back since its last mutation.
func (fc *FileContext) Flushed() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.flushed
}

// MarkFlushed records that the current encryptor state has been
// persisted.
func (fc *FileContext) MarkFlushed() {
	fc.mu.Lock()
	fc.flushed = true
	fc.mu.Unlock()
}

// Less orders entries by name, for maintaining a Directory's sorted
// child list.
func (fc *FileContext) Less(other *FileContext) bool {
	return fc.Name() < other.Name()
}
