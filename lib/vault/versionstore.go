package vault

import (
	"context"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/benjaminbollen/MaidSafe-Drive/lib/codec"
)

// VersionStore persists the version chain for every Directory this
// module knows about, independently of the chunk-addressed content
// the versions point at. Splitting it from ChunkStore mirrors the
// backend split a structured-data network draws between versioned,
// small, frequently-updated records and large, content-addressed,
// immutable chunks.
type VersionStore interface {
	// Versions returns the known version chain for id, most recent
	// first. Returns an empty, nil-error result for a directory with
	// no recorded versions yet.
	Versions(ctx context.Context, id DirectoryId) ([]VersionName, error)

	// AppendVersion records a newly stored version at the front of
	// id's chain, trimming the chain to the store's configured
	// maximum length.
	AppendVersion(ctx context.Context, id DirectoryId, version VersionName) error

	// DeleteAll drops every recorded version for id, called when the
	// directory itself is deleted.
	DeleteAll(ctx context.Context, id DirectoryId) error
}

// MemoryVersionStore is an in-memory VersionStore, used for tests and
// short-lived mounts.
type MemoryVersionStore struct {
	mu          sync.Mutex
	chains      map[DirectoryId][]VersionName
	maxVersions int
}

// NewMemoryVersionStore creates an empty in-memory VersionStore that
// retains at most maxVersions entries per directory.
func NewMemoryVersionStore(maxVersions int) *MemoryVersionStore {
	return &MemoryVersionStore{chains: make(map[DirectoryId][]VersionName), maxVersions: maxVersions}
}

func (m *MemoryVersionStore) Versions(_ context.Context, id DirectoryId) ([]VersionName, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VersionName(nil), m.chains[id]...), nil
}

func (m *MemoryVersionStore) AppendVersion(_ context.Context, id DirectoryId, version VersionName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := append([]VersionName{version}, m.chains[id]...)
	if m.maxVersions > 0 && len(chain) > m.maxVersions {
		chain = chain[:m.maxVersions]
	}
	m.chains[id] = chain
	return nil
}

func (m *MemoryVersionStore) DeleteAll(_ context.Context, id DirectoryId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chains, id)
	return nil
}

// BadgerVersionStore is a VersionStore backed by BadgerDB.
//
// Each directory's entire version chain is stored under a single key
// as one CBOR-encoded list, rather than one key per version. A
// directory's chain is bounded by maxVersions and read-modify-written
// as a whole on every append, so there is no range-scan cost to
// recover it — a directory's version history is small enough that
// this is cheaper than the bookkeeping a multi-key chain would need,
// and it keeps DeleteAll a single-key delete instead of a prefix scan.
type BadgerVersionStore struct {
	db          *badger.DB
	maxVersions int
}

// badgerVersionKeyPrefix namespaces this store's keys against
// whatever else shares the BadgerDB instance.
const badgerVersionKeyPrefix = "directory-versions:"

func badgerVersionKey(id DirectoryId) []byte {
	return []byte(badgerVersionKeyPrefix + FormatID(id))
}

// NewBadgerVersionStore opens (or creates) a BadgerDB database at
// dbPath to back a VersionStore that retains at most maxVersions
// entries per directory.
func NewBadgerVersionStore(dbPath string, maxVersions int) (*BadgerVersionStore, error) {
	opts := badger.DefaultOptions(dbPath).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("vault: opening version store at %s: %w", dbPath, err)
	}
	return &BadgerVersionStore{db: db, maxVersions: maxVersions}, nil
}

// Close releases the underlying BadgerDB handle.
func (b *BadgerVersionStore) Close() error {
	return b.db.Close()
}

func (b *BadgerVersionStore) Versions(_ context.Context, id DirectoryId) ([]VersionName, error) {
	var chain []VersionName
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerVersionKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return codec.Unmarshal(raw, &chain)
		})
	})
	if err != nil {
		return nil, wrapBackend(err)
	}
	return chain, nil
}

func (b *BadgerVersionStore) AppendVersion(_ context.Context, id DirectoryId, version VersionName) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		var chain []VersionName

		item, err := txn.Get(badgerVersionKey(id))
		switch {
		case err == nil:
			if err := item.Value(func(raw []byte) error {
				return codec.Unmarshal(raw, &chain)
			}); err != nil {
				return err
			}
		case err == badger.ErrKeyNotFound:
			// First version for this directory; chain starts empty.
		default:
			return err
		}

		chain = append([]VersionName{version}, chain...)
		if b.maxVersions > 0 && len(chain) > b.maxVersions {
			chain = chain[:b.maxVersions]
		}

		encoded, err := codec.Marshal(chain)
		if err != nil {
			return err
		}
		return txn.Set(badgerVersionKey(id), encoded)
	})
	if err != nil {
		return wrapBackend(err)
	}
	return nil
}

func (b *BadgerVersionStore) DeleteAll(_ context.Context, id DirectoryId) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(badgerVersionKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return wrapBackend(err)
	}
	return nil
}
