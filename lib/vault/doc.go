// Package vault implements the in-memory directory cache and
// write-back engine for a content-addressed, encrypted storage
// backend: the part of a user-space virtual filesystem that keeps a
// cached directory tree consistent with a chunked, versioned backing
// store under concurrent filesystem-style callbacks.
//
// The package is organized in layers:
//
//   - Identity: fixed-width byte identifiers (DirectoryId, ParentId,
//     VersionId, ChunkName) and the MetaData record each directory
//     entry carries.
//
//   - FileContext: the per-entry cache record — metadata plus an
//     optional encryption stream whose lifetime outlives a logical
//     close, so rapid close/reopen sequences reuse the same stream.
//
//   - Directory: the in-memory representation of one directory —
//     sorted children, a version chain, and a {Pending, Ongoing,
//     Complete} store state machine driving coalesced persistence.
//
//   - DirectoryHandler: the Directory cache, keyed by DirectoryId,
//     which resolves paths by walking from the root and is
//     responsible for fetch-on-demand, insertion, cross-directory
//     rename, and cascade deletion.
//
//   - FlushScheduler: the timer/executor abstraction coalescing
//     bursts of mutation into a single deferred store or encryptor
//     teardown.
//
//   - Drive: the façade translating path-addressed filesystem
//     operations into calls on the above.
//
// Chunk encryption (EncryptorStream) and the two storage backends
// (ChunkStore, VersionStore) are concrete in this module so the core
// can be exercised end-to-end, but their algorithms are not the
// subject of the package: a caller may substitute any implementation
// satisfying the same interfaces.
package vault
