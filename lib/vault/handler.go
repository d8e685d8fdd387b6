package vault

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/benjaminbollen/MaidSafe-Drive/lib/secret"
)

// RootDirectoryID is the well-known identity of the root directory.
// Unlike every other DirectoryId, it is not randomly generated: a
// mount always needs to find the same root regardless of which
// process created it, so the root's identity is the all-zero value
// rather than something only the creating process would know.
var RootDirectoryID DirectoryId

// HandlerConfig bundles the dependencies a DirectoryHandler needs.
type HandlerConfig struct {
	ChunkStore   ChunkStore
	VersionStore VersionStore
	MasterKey    *secret.Buffer
	Scheduler    *FlushScheduler

	DirectoryInactivityDelay time.Duration
	FileInactivityDelay      time.Duration
	MaxVersions              int

	Logger *slog.Logger
}

// DirectoryHandler is the cache of every Directory currently held in
// memory, keyed by identity rather than by path: a DirectoryId
// outlives any rename, while a path does not, so identity is the
// only key that never needs fixing up after a move.
//
// Path-addressed callers (the Drive façade, and ultimately the FUSE
// bridge) resolve a path to a Directory by walking from the root one
// component at a time, fetching each intermediate Directory from the
// cache or, on a miss, from the backend.
type DirectoryHandler struct {
	mu    sync.Mutex
	cache map[DirectoryId]*Directory

	rootID DirectoryId

	chunkStore   ChunkStore
	versionStore VersionStore
	masterKey    *secret.Buffer
	scheduler    *FlushScheduler

	directoryInactivityDelay time.Duration
	fileInactivityDelay      time.Duration
	maxVersions              int

	logger *slog.Logger
	closed bool
}

// NewDirectoryHandler creates a handler over the given backends and
// hydrates (or, for a brand-new backend, creates) the root directory.
func NewDirectoryHandler(ctx context.Context, cfg HandlerConfig) (*DirectoryHandler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &DirectoryHandler{
		cache:                    make(map[DirectoryId]*Directory),
		rootID:                   RootDirectoryID,
		chunkStore:               cfg.ChunkStore,
		versionStore:             cfg.VersionStore,
		masterKey:                cfg.MasterKey,
		scheduler:                cfg.Scheduler,
		directoryInactivityDelay: cfg.DirectoryInactivityDelay,
		fileInactivityDelay:      cfg.FileInactivityDelay,
		maxVersions:              cfg.MaxVersions,
		logger:                   logger,
	}

	if _, err := h.getByID(ctx, h.rootID, zeroParentID); err != nil {
		return nil, err
	}
	return h, nil
}

// FileInactivityDelay returns the delay a newly opened file's
// EncryptorStream waits through, after its last close, before being
// torn down. Exposed so the Drive façade can arm FileContext teardown
// timers without the handler's other internals leaking out.
func (h *DirectoryHandler) FileInactivityDelay() time.Duration { return h.fileInactivityDelay }

// Scheduler returns the handler's shared FlushScheduler.
func (h *DirectoryHandler) Scheduler() *FlushScheduler { return h.scheduler }

// ChunkStore returns the handler's backing ChunkStore.
func (h *DirectoryHandler) ChunkStore() ChunkStore { return h.chunkStore }

// MasterKey returns the handler's master encryption key.
func (h *DirectoryHandler) MasterKey() *secret.Buffer { return h.masterKey }

func (h *DirectoryHandler) directoryConfig() DirectoryConfig {
	return DirectoryConfig{
		Scheduler:       h.scheduler,
		InactivityDelay: h.directoryInactivityDelay,
		MaxVersions:     h.maxVersions,
		FlushChild:      h.flushChild,
		SealBlob:        h.sealBlob,
		PersistVersion:  h.persistVersion,
		OnStoreError: func(id DirectoryId, err error) {
			h.logger.Error("storing directory", "directory_id", FormatID(id), "error", err)
		},
	}
}

// flushChild synchronously persists a file entry's buffered content,
// if it has a live EncryptorStream, before its metadata is read for
// a Directory's Serialise.
func (h *DirectoryHandler) flushChild(fc *FileContext) {
	if fc.IsDirectory() {
		return
	}
	ctx := context.Background()
	err := fc.FlushAndDetachEncryptor(func(enc *EncryptorStream) (*DataMap, error) {
		return enc.Flush(ctx)
	}, time.Now())
	if err != nil {
		h.logger.Error("flushing file before directory store", "name", fc.Name(), "error", err)
	}
}

// sealBlob chunks and encrypts a serialised directory blob through
// the same pipeline a file's content goes through.
func (h *DirectoryHandler) sealBlob(ctx context.Context, blob []byte) (*DataMap, error) {
	stream := NewEncryptorStream(nil, h.chunkStore, h.masterKey)
	defer stream.Close()
	if _, err := stream.Write(ctx, 0, blob); err != nil {
		return nil, err
	}
	return stream.Flush(ctx)
}

// readBlob decrypts and reassembles the directory blob addressed by
// dataMap.
func (h *DirectoryHandler) readBlob(ctx context.Context, dataMap *DataMap) ([]byte, error) {
	if dataMap == nil || dataMap.Size == 0 {
		return nil, nil
	}
	stream := NewEncryptorStream(dataMap, h.chunkStore, h.masterKey)
	defer stream.Close()
	return stream.Read(ctx, 0, dataMap.Size)
}

// persistVersion records a newly sealed version in the VersionStore.
func (h *DirectoryHandler) persistVersion(ctx context.Context, id DirectoryId, version VersionName) error {
	return h.versionStore.AppendVersion(ctx, id, version)
}

// getByID returns the cached Directory for id, loading it from the
// backend on a cache miss. A miss on the root with no recorded
// versions creates a fresh, empty root rather than failing, since an
// unused backend has no root version yet.
func (h *DirectoryHandler) getByID(ctx context.Context, id DirectoryId, parentID ParentId) (*Directory, error) {
	h.mu.Lock()
	if cached, ok := h.cache[id]; ok {
		h.mu.Unlock()
		return cached, nil
	}
	h.mu.Unlock()

	versions, err := h.versionStore.Versions(ctx, id)
	if err != nil {
		return nil, wrapBackend(err)
	}

	var dir *Directory
	if len(versions) == 0 {
		if id != h.rootID {
			return nil, wrapNoSuchFile(FormatID(id))
		}
		dir = NewDirectory(id, parentID, h.directoryConfig())
	} else {
		blob, err := h.readBlob(ctx, &versions[0].DataMap)
		if err != nil {
			return nil, err
		}
		dir, err = NewDirectoryFromBlob(id, parentID, blob, versions, h.directoryConfig())
		if err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	if existing, ok := h.cache[id]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	h.cache[id] = dir
	h.mu.Unlock()
	return dir, nil
}

// Root returns the handler's root Directory.
func (h *DirectoryHandler) Root(ctx context.Context) (*Directory, error) {
	return h.getByID(ctx, h.rootID, zeroParentID)
}

// splitPath turns a POSIX-style absolute or relative path into its
// non-empty components.
func splitPath(p string) []string {
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == "/" {
		return nil
	}
	cleaned = strings.Trim(cleaned, "/")
	if cleaned == "" {
		return nil
	}
	return strings.Split(cleaned, "/")
}

// Resolve walks from the root to the directory named by path,
// fetching each intermediate Directory on demand.
func (h *DirectoryHandler) Resolve(ctx context.Context, dirPath string) (*Directory, error) {
	dir, err := h.Root(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range splitPath(dirPath) {
		meta, err := dir.GetChild(name)
		if err != nil {
			return nil, err
		}
		if !meta.IsDirectory {
			return nil, wrapNoSuchFile(name)
		}
		dir, err = h.getByID(ctx, meta.DirectoryId, ParentId(dir.ID()))
		if err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// Add inserts a new entry into the directory named by parentPath. If
// the entry is itself a directory, a fresh, empty Directory is cached
// under its DirectoryId as part of the same call.
func (h *DirectoryHandler) Add(ctx context.Context, parentPath string, meta MetaData) (*FileContext, error) {
	parent, err := h.Resolve(ctx, parentPath)
	if err != nil {
		return nil, err
	}

	fc := NewFileContext(meta, parent.ID())
	if err := parent.AddChild(fc); err != nil {
		return nil, err
	}

	if meta.IsDirectory {
		child := NewDirectory(meta.DirectoryId, ParentId(parent.ID()), h.directoryConfig())
		h.mu.Lock()
		h.cache[meta.DirectoryId] = child
		h.mu.Unlock()
	}
	return fc, nil
}

// Delete removes the named entry from the directory at parentPath.
// Deleting a directory cascades: every descendant's chunks are
// removed from the ChunkStore and its version history is dropped
// from the VersionStore.
func (h *DirectoryHandler) Delete(ctx context.Context, parentPath, name string) error {
	parent, err := h.Resolve(ctx, parentPath)
	if err != nil {
		return err
	}

	fc, err := parent.RemoveChild(name)
	if err != nil {
		return err
	}

	meta := fc.MetaData()
	if meta.IsDirectory {
		h.cascadeDelete(ctx, meta.DirectoryId)
		return nil
	}
	h.deleteChunks(ctx, meta.DataMap)
	return nil
}

func (h *DirectoryHandler) deleteChunks(ctx context.Context, dataMap *DataMap) {
	if dataMap == nil {
		return
	}
	for _, ref := range dataMap.Chunks {
		if err := h.chunkStore.Delete(ctx, ref.Name); err != nil {
			h.logger.Warn("deleting chunk", "chunk", FormatID(ref.Name), "error", err)
		}
	}
}

func (h *DirectoryHandler) cascadeDelete(ctx context.Context, id DirectoryId) {
	h.mu.Lock()
	dir, cached := h.cache[id]
	delete(h.cache, id)
	h.mu.Unlock()

	if !cached {
		loaded, err := h.getByID(ctx, id, zeroParentID)
		if err != nil {
			h.logger.Warn("loading directory for cascade delete", "directory_id", FormatID(id), "error", err)
		} else {
			dir = loaded
			h.mu.Lock()
			delete(h.cache, id)
			h.mu.Unlock()
		}
	}
	if dir == nil {
		return
	}

	dir.ResetChildrenCounter()
	for {
		child, ok := dir.GetChildAndIncrementCounter()
		if !ok {
			break
		}
		meta := child.MetaData()
		if meta.IsDirectory {
			h.cascadeDelete(ctx, meta.DirectoryId)
		} else {
			h.deleteChunks(ctx, meta.DataMap)
		}
	}

	if err := h.versionStore.DeleteAll(ctx, id); err != nil {
		h.logger.Warn("deleting version history", "directory_id", FormatID(id), "error", err)
	}
}

// Rename moves the entry named oldName under oldParentPath to newName
// under newParentPath, which may be the same directory or a different
// one. It fails with ErrNoSuchFile if the source is absent or
// ErrFileExists if the destination name is already taken.
func (h *DirectoryHandler) Rename(ctx context.Context, oldParentPath, oldName, newParentPath, newName string) error {
	oldParent, err := h.Resolve(ctx, oldParentPath)
	if err != nil {
		return err
	}
	newParent, err := h.Resolve(ctx, newParentPath)
	if err != nil {
		return err
	}

	if oldParent.ID() == newParent.ID() {
		_, err := oldParent.RenameChild(oldName, newName)
		return err
	}

	meta, err := oldParent.GetChild(oldName)
	if err != nil {
		return err
	}
	if newParent.HasChild(newName) {
		return wrapFileExists(newName)
	}

	fc, err := oldParent.RemoveChild(oldName)
	if err != nil {
		return err
	}
	fc.SetName(newName)
	fc.SetDirectoryID(newParent.ID())

	if err := newParent.AddChild(fc); err != nil {
		fc.SetName(oldName)
		fc.SetDirectoryID(oldParent.ID())
		_ = oldParent.AddChild(fc)
		return err
	}

	if meta.IsDirectory {
		h.mu.Lock()
		child, ok := h.cache[meta.DirectoryId]
		h.mu.Unlock()
		if ok {
			child.SetNewParent(ParentId(newParent.ID()))
		}
	}
	return nil
}

// Close drains every cached Directory's pending store and then shuts
// down the shared FlushScheduler. Close does not refuse later
// Resolve/Add/Delete/Rename calls and keeps its cached Directories,
// but once the scheduler is closed no further store runs, so changes
// made through such calls are never persisted; callers must stop
// issuing them before calling Close.
func (h *DirectoryHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	dirs := make([]*Directory, 0, len(h.cache))
	for _, d := range h.cache {
		dirs = append(dirs, d)
	}
	h.mu.Unlock()

	var firstErr error
	for _, d := range dirs {
		if err := d.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.scheduler.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
