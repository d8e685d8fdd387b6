package vault

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// idSize is the width of every identity type in this package. Using
// one width for DirectoryId, ParentId, VersionId, and ChunkName keeps
// the CBOR encoding of the Directory blob uniform and lets a single
// FormatID/ParseID pair serve all four.
const idSize = 32

// DirectoryId identifies a Directory across the lifetime of the
// cache. Immutable after construction.
type DirectoryId [idSize]byte

// ParentId identifies a Directory's parent. Never part of a persisted
// blob — carried only by the in-memory Directory, which the
// DirectoryHandler sets when it loads, creates, or moves one.
type ParentId [idSize]byte

// VersionId identifies one version of a Directory blob in the version
// chain maintained by the structured-data backend.
type VersionId [idSize]byte

// ChunkName is the content address of one encrypted chunk in the
// ChunkStore. Unlike DirectoryId/ParentId/VersionId, a ChunkName is
// always derived from the chunk's ciphertext via keyed BLAKE3 (see
// chunkDomainKey below), never randomly generated: the backend's
// put is idempotent by content address only if identical bytes always
// produce the same name.
type ChunkName [idSize]byte

// chunkDomainKey separates chunk-name hashing from any other keyed
// hash domain this package might grow. Changing it invalidates every
// existing ChunkName.
var chunkDomainKey = blake3DomainKey("maidsafe-drive.vault.chunk.v1")

// blake3DomainKey derives a 32-byte BLAKE3 key from a short ASCII tag
// by hashing it with the unkeyed hasher, so domain tags of any length
// can be written as readable strings in source rather than hand
// zero-padded byte arrays.
func blake3DomainKey(tag string) [32]byte {
	var key [32]byte
	hasher := blake3.New()
	hasher.Write([]byte(tag))
	copy(key[:], hasher.Sum(nil))
	return key
}

// HashChunk computes the content address of an encrypted chunk.
func HashChunk(data []byte) ChunkName {
	hasher, err := blake3.NewKeyed(chunkDomainKey[:])
	if err != nil {
		panic("vault: blake3 keyed init failed: " + err.Error())
	}
	hasher.Write(data)
	var name ChunkName
	copy(name[:], hasher.Sum(nil))
	return name
}

// newRandomID generates a fresh, non-content-derived identity by
// concatenating two random UUIDs. DirectoryId and VersionId are
// generated this way at creation time; they do not need to be
// derivable from content the way a ChunkName does.
func newRandomID() [idSize]byte {
	var id [idSize]byte
	first := uuid.New()
	second := uuid.New()
	copy(id[:16], first[:])
	copy(id[16:], second[:])
	return id
}

// NewDirectoryId generates a fresh DirectoryId.
func NewDirectoryId() DirectoryId { return DirectoryId(newRandomID()) }

// NewVersionId generates a fresh VersionId.
func NewVersionId() VersionId { return VersionId(newRandomID()) }

// FormatID returns the hex string for any of this package's 32-byte
// identity types.
func FormatID(id [idSize]byte) string {
	return hex.EncodeToString(id[:])
}

// ParseID parses a 64-character hex string into a 32-byte identity.
func ParseID(hexString string) ([idSize]byte, error) {
	var id [idSize]byte
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return id, fmt.Errorf("vault: parsing id: %w", err)
	}
	if len(decoded) != idSize {
		return id, fmt.Errorf("vault: id is %d bytes, want %d", len(decoded), idSize)
	}
	copy(id[:], decoded)
	return id, nil
}

// zeroParentID is the sentinel parent of the root directory.
var zeroParentID ParentId
