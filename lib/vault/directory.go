package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benjaminbollen/MaidSafe-Drive/lib/codec"
)

// storeState tracks whether a Directory's blob matches what is
// currently persisted to the backend.
type storeState int

const (
	// storeComplete means no store is armed or running: either the
	// directory has never been mutated, or its last store has
	// finished. A store that failed also ends here; its changes are
	// written by the next store that gets scheduled.
	storeComplete storeState = iota
	// storePending means a mutation has happened and a store is
	// armed on a timer, but has not yet started running.
	storePending
	// storeOngoing means a store is currently running on the
	// FlushScheduler's worker pool.
	storeOngoing
)

// directoryBlob is the CBOR-encoded form of a Directory's child list —
// the payload that gets content-chunked, encrypted, and addressed as
// one version of the directory's structured data.
type directoryBlob struct {
	Children []MetaData `json:"children"`
}

// Directory is the in-memory cache entry for one directory: its
// sorted children, its version chain, and the store-state machine
// that coalesces bursts of mutation into a single deferred write.
//
// A Directory never holds a live pointer to its parent. Renaming it
// into a different parent only updates parentID; resolving the actual
// parent Directory, if ever needed, goes back through the
// DirectoryHandler under the handler's own lock, which is what keeps
// the handler free to evict, replace, or relocate a cached Directory
// without chasing down every pointer into it.
type Directory struct {
	mu   sync.Mutex
	cond *sync.Cond

	directoryID DirectoryId
	parentID    ParentId

	children                []*FileContext
	childrenCounterPosition int

	versions    []VersionName
	maxVersions int

	state        storeState
	pendingAgain bool
	storeTimer   *DeferredCall

	scheduler       *FlushScheduler
	inactivityDelay time.Duration

	// flushChild persists one child's EncryptorStream content, if it
	// has a live stream, before the child's MetaData is read for
	// serialisation; the stream stays attached. Injected by the DirectoryHandler, which is the
	// layer that knows how to turn a stream into a DataMap via the
	// ChunkStore.
	flushChild func(*FileContext)

	// sealBlob chunks and encrypts one serialised directory blob
	// through the same pipeline a file's content goes through,
	// returning the DataMap that addresses it. Injected by the
	// DirectoryHandler, which owns the ChunkStore and master key.
	sealBlob func(ctx context.Context, blob []byte) (*DataMap, error)

	// persistVersion records a newly sealed version in the backing
	// VersionStore. Injected by the DirectoryHandler for the same
	// reason as sealBlob.
	persistVersion func(ctx context.Context, id DirectoryId, version VersionName) error

	// onStoreError receives any error sealBlob or persistVersion
	// returns, since the store itself runs on a background worker
	// with no caller left to hand the error back to.
	onStoreError func(DirectoryId, error)
}

// DirectoryConfig bundles the dependencies a Directory needs from its
// owning DirectoryHandler.
type DirectoryConfig struct {
	Scheduler       *FlushScheduler
	InactivityDelay time.Duration
	MaxVersions     int
	FlushChild      func(*FileContext)
	SealBlob        func(ctx context.Context, blob []byte) (*DataMap, error)
	PersistVersion  func(ctx context.Context, id DirectoryId, version VersionName) error
	OnStoreError    func(DirectoryId, error)
}

// NewDirectory creates a freshly minted, empty Directory with no
// version history.
func NewDirectory(directoryID DirectoryId, parentID ParentId, cfg DirectoryConfig) *Directory {
	d := &Directory{
		directoryID:     directoryID,
		parentID:        parentID,
		maxVersions:     cfg.MaxVersions,
		scheduler:       cfg.Scheduler,
		inactivityDelay: cfg.InactivityDelay,
		flushChild:      cfg.FlushChild,
		sealBlob:        cfg.SealBlob,
		persistVersion:  cfg.PersistVersion,
		onStoreError:    cfg.OnStoreError,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// NewDirectoryFromBlob reconstructs a Directory from a previously
// stored blob and its known version chain.
func NewDirectoryFromBlob(directoryID DirectoryId, parentID ParentId, blob []byte, versions []VersionName, cfg DirectoryConfig) (*Directory, error) {
	d := NewDirectory(directoryID, parentID, cfg)

	var decoded directoryBlob
	if err := codec.Unmarshal(blob, &decoded); err != nil {
		return nil, wrapParsing(err)
	}

	d.children = make([]*FileContext, len(decoded.Children))
	for i, meta := range decoded.Children {
		d.children[i] = NewFileContext(meta, directoryID)
	}
	sort.Slice(d.children, func(i, j int) bool { return d.children[i].Less(d.children[j]) })

	d.versions = append([]VersionName(nil), versions...)
	d.trimVersionsLocked()

	return d, nil
}

// ID returns the directory's identity.
func (d *Directory) ID() DirectoryId { return d.directoryID }

// ParentID returns the directory's current parent.
func (d *Directory) ParentID() ParentId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parentID
}

// Versions returns the directory's version chain, most recent first.
func (d *Directory) Versions() []VersionName {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]VersionName(nil), d.versions...)
}

// InitialiseVersions replaces the version chain, used when a
// Directory is hydrated from the backend rather than freshly created.
func (d *Directory) InitialiseVersions(versions []VersionName) {
	d.mu.Lock()
	d.versions = append([]VersionName(nil), versions...)
	d.trimVersionsLocked()
	d.mu.Unlock()
}

// AddNewVersion appends a new version carrying dataMap to the front
// of the chain, computing its index from the current head: zero for
// the very first version a Directory ever gets, one past the current
// head's index otherwise. The chain is trimmed to MaxVersions entries
// afterward.
func (d *Directory) AddNewVersion(dataMap DataMap) VersionName {
	d.mu.Lock()
	defer d.mu.Unlock()

	var index uint64
	if len(d.versions) > 0 {
		index = d.versions[0].Index + 1
	}
	version := VersionName{Index: index, VersionId: NewVersionId(), DataMap: dataMap}
	d.versions = append([]VersionName{version}, d.versions...)
	d.trimVersionsLocked()
	return version
}

func (d *Directory) trimVersionsLocked() {
	if d.maxVersions > 0 && len(d.versions) > d.maxVersions {
		d.versions = d.versions[:d.maxVersions]
	}
}

// findLocked returns the index a child with the given name occupies
// (or would occupy, were it present) in the sorted children slice,
// and whether it is actually present there.
func (d *Directory) findLocked(name string) (int, bool) {
	index := sort.Search(len(d.children), func(i int) bool { return d.children[i].Name() >= name })
	if index < len(d.children) && d.children[index].Name() == name {
		return index, true
	}
	return index, false
}

// HasChild reports whether name is present among the directory's
// children.
func (d *Directory) HasChild(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, found := d.findLocked(name)
	return found
}

// GetChild returns a snapshot of the named child's metadata.
func (d *Directory) GetChild(name string) (MetaData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	index, found := d.findLocked(name)
	if !found {
		return MetaData{}, wrapNoSuchFile(name)
	}
	return d.children[index].MetaData(), nil
}

// GetMutableChild returns the shared FileContext for the named child,
// for callers that need to open, write, or attach an encryptor to it.
func (d *Directory) GetMutableChild(name string) (*FileContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	index, found := d.findLocked(name)
	if !found {
		return nil, wrapNoSuchFile(name)
	}
	return d.children[index], nil
}

// GetChildAndIncrementCounter returns the child at the directory's
// readdir cursor and advances the cursor by one. It returns false
// once the cursor has walked off the end; ResetChildrenCounter starts
// a fresh pass.
func (d *Directory) GetChildAndIncrementCounter() (*FileContext, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.childrenCounterPosition >= len(d.children) {
		return nil, false
	}
	fc := d.children[d.childrenCounterPosition]
	d.childrenCounterPosition++
	return fc, true
}

// ResetChildrenCounter rewinds the readdir cursor to the start,
// called once a caller's listing of the directory is released.
func (d *Directory) ResetChildrenCounter() {
	d.mu.Lock()
	d.childrenCounterPosition = 0
	d.mu.Unlock()
}

// Children returns a snapshot of every child's metadata, in sorted
// order. Unlike GetChildAndIncrementCounter, it does not touch the
// readdir cursor.
func (d *Directory) Children() []MetaData {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MetaData, len(d.children))
	for i, child := range d.children {
		out[i] = child.MetaData()
	}
	return out
}

// AddChild inserts a new child, keeping the children slice sorted by
// name, and schedules the directory for storing. It fails with
// ErrFileExists if the name is already taken.
func (d *Directory) AddChild(fc *FileContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	index, found := d.findLocked(fc.Name())
	if found {
		return wrapFileExists(fc.Name())
	}
	d.children = append(d.children, nil)
	copy(d.children[index+1:], d.children[index:])
	d.children[index] = fc
	d.childrenCounterPosition = 0
	d.doScheduleForStoring(true)
	return nil
}

// RemoveChild removes the named child and schedules the directory
// for storing. It fails with ErrNoSuchFile if the name is absent.
func (d *Directory) RemoveChild(name string) (*FileContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	index, found := d.findLocked(name)
	if !found {
		return nil, wrapNoSuchFile(name)
	}
	fc := d.children[index]
	d.children = append(d.children[:index], d.children[index+1:]...)
	d.childrenCounterPosition = 0
	d.doScheduleForStoring(true)
	return fc, nil
}

// RenameChild renames oldName to newName in place, keeping the
// children slice sorted, and schedules the directory for storing. It
// fails with ErrNoSuchFile if oldName is absent or ErrFileExists if
// newName is already taken by a different child.
func (d *Directory) RenameChild(oldName, newName string) (*FileContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	oldIndex, found := d.findLocked(oldName)
	if !found {
		return nil, wrapNoSuchFile(oldName)
	}
	if newIndex, found := d.findLocked(newName); found && d.children[newIndex] != d.children[oldIndex] {
		return nil, wrapFileExists(newName)
	}

	fc := d.children[oldIndex]
	d.children = append(d.children[:oldIndex], d.children[oldIndex+1:]...)
	fc.SetName(newName)

	newIndex, _ := d.findLocked(newName)
	d.children = append(d.children, nil)
	copy(d.children[newIndex+1:], d.children[newIndex:])
	d.children[newIndex] = fc

	d.childrenCounterPosition = 0
	d.doScheduleForStoring(true)
	return fc, nil
}

// SetNewParent updates the directory's parent identity, used when a
// containing rename moves this directory to a new location. It waits
// briefly for any in-flight store to finish first, so the store that
// follows reflects the new parent.
func (d *Directory) SetNewParent(parentID ParentId) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	d.mu.Lock()
	for d.state == storeOngoing {
		if !d.waitLocked(ctx) {
			break
		}
	}
	d.parentID = parentID
	d.doScheduleForStoring(true)
	d.mu.Unlock()
}

// ScheduleForStoring arms (or re-arms, pushing the deadline forward)
// a deferred store after the directory's inactivity delay. Called
// after every child mutation.
func (d *Directory) ScheduleForStoring() {
	d.mu.Lock()
	d.doScheduleForStoring(true)
	d.mu.Unlock()
}

// StoreImmediatelyIfPending brings a pending (not yet running) store
// forward to run now, without waiting out the rest of the inactivity
// delay. It has no effect if no store is pending.
func (d *Directory) StoreImmediatelyIfPending() {
	d.mu.Lock()
	d.doScheduleForStoring(false)
	d.mu.Unlock()
}

// doScheduleForStoring must be called with d.mu held. useDelay=true is
// the normal debounced path: a fresh mutation either arms a new timer
// or pushes an already-armed one further out. useDelay=false is the
// "bring forward" path: it tries to win the race against an armed
// timer and, if it does, submits the store to run immediately instead
// of waiting. If the timer has already started firing, cancelling it
// is a no-op and the in-flight store is left to proceed on its own; a
// mutation during storeOngoing is instead recorded in pendingAgain and
// picked back up once the in-flight store completes.
func (d *Directory) doScheduleForStoring(useDelay bool) {
	switch d.state {
	case storeComplete:
		if !useDelay {
			return
		}
		d.state = storePending
		d.storeTimer = d.scheduler.ScheduleAfter(d.inactivityDelay, d.runStore)

	case storePending:
		if useDelay {
			if d.storeTimer.Cancel() == CancelArmedAndStopped {
				d.storeTimer = d.scheduler.ScheduleAfter(d.inactivityDelay, d.runStore)
				return
			}
			// The old timer already fired and handed runStore to the
			// scheduler before we could stop it. Treat this like a
			// mutation arriving during storeOngoing: record it and let
			// the store already underway pick it back up, instead of
			// arming a second timer that would submit a second
			// concurrent runStore for this directory.
			d.storeTimer = nil
			d.state = storeOngoing
			d.pendingAgain = true
			return
		}
		if d.storeTimer.Cancel() == CancelArmedAndStopped {
			d.storeTimer = nil
			d.state = storeOngoing
			d.scheduler.Submit(d.runStore)
		}

	case storeOngoing:
		d.pendingAgain = true
	}
}

// runStore serialises the directory, seals the blob into a DataMap,
// assigns it a new version, and persists that version through
// persistVersion. It runs on the FlushScheduler's worker pool, never
// on a caller's goroutine.
func (d *Directory) runStore(ctx context.Context) {
	d.mu.Lock()
	d.state = storeOngoing
	d.mu.Unlock()

	blob, err := d.Serialise()
	if err == nil {
		var dataMap *DataMap
		dataMap, err = d.sealBlob(ctx, blob)
		if err == nil {
			version := d.AddNewVersion(*dataMap)
			if d.persistVersion != nil {
				err = d.persistVersion(ctx, d.directoryID, version)
			}
		}
	}
	if err != nil && d.onStoreError != nil {
		d.onStoreError(d.directoryID, err)
	}

	d.mu.Lock()
	needAgain := d.pendingAgain
	d.pendingAgain = false
	d.state = storeComplete
	d.cond.Broadcast()
	d.mu.Unlock()

	if needAgain {
		d.ScheduleForStoring()
	}
}

// Serialise flushes every child's pending encryptor and encodes the
// resulting metadata snapshot to CBOR.
func (d *Directory) Serialise() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, child := range d.children {
		if d.flushChild != nil {
			d.flushChild(child)
		}
	}

	blob := directoryBlob{Children: make([]MetaData, len(d.children))}
	for i, child := range d.children {
		blob.Children[i] = child.MetaData()
	}
	encoded, err := codec.Marshal(&blob)
	if err != nil {
		return nil, wrapParsing(err)
	}
	return encoded, nil
}

// Close drains any in-flight or pending store before returning,
// bringing a pending store forward rather than waiting out its full
// inactivity delay. It mirrors what releasing the last reference to a
// Directory must guarantee: no mutation is left unpersisted.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.state == storeOngoing {
		if !d.waitLocked(ctx) {
			return ctx.Err()
		}
	}
	d.doScheduleForStoring(false)
	for d.state != storeComplete {
		if !d.waitLocked(ctx) {
			return ctx.Err()
		}
	}
	return nil
}

// waitLocked blocks on d.cond until either a broadcast wakes it or
// ctx is done, returning false in the latter case. Callers must hold
// d.mu; it is released while waiting and reacquired before returning,
// same as sync.Cond.Wait.
func (d *Directory) waitLocked(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	d.cond.Wait()
	stop()
	return ctx.Err() == nil
}
