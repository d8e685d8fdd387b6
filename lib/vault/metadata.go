package vault

import "time"

// Attributes carries the POSIX-like stat fields tracked per entry.
// Fields mirror what a FUSE getattr call needs, not a full stat(2)
// structure: this module does not track uid/gid/nlink.
type Attributes struct {
	Size         uint64    `json:"size"`
	Blocks       uint64    `json:"blocks"`
	Mode         uint32    `json:"mode"`
	ModTime      time.Time `json:"mod_time"`
	AccessTime   time.Time `json:"access_time"`
	CreationTime time.Time `json:"creation_time"`
}

// touchModified stamps ModTime and AccessTime to the given instant.
func (a *Attributes) touchModified(at time.Time) {
	a.ModTime = at
	a.AccessTime = at
}

// touchAccessed stamps AccessTime only.
func (a *Attributes) touchAccessed(at time.Time) {
	a.AccessTime = at
}

// ChunkReference names one chunk in a DataMap, in file order.
type ChunkReference struct {
	Name   ChunkName `json:"name"`
	Length uint32    `json:"length"`
}

// DataMap is the chunk manifest for one file's content: an ordered
// list of encrypted chunk addresses plus the plaintext size they
// reconstruct to. A directory entry with IsDirectory false always
// carries a DataMap once its content has been flushed at least once;
// a freshly created, never-flushed file has a nil DataMap and an
// attached EncryptorStream instead.
type DataMap struct {
	Chunks []ChunkReference `json:"chunks"`
	Size   uint64           `json:"size"`

	// WrappedFileKey is this file's per-file chunk-encryption key,
	// sealed under the vault's master key. Wrapping a fresh random
	// key per file, rather than deriving chunk keys from the master
	// key directly, means a file's chunks can be rewrapped under a
	// new master key without re-encrypting their content.
	WrappedFileKey []byte `json:"wrapped_file_key,omitempty"`
}

// TotalChunkBytes sums the stored (encrypted) length of every chunk,
// which is not the same as Size (the plaintext length) once AEAD
// overhead is accounted for.
func (dm *DataMap) TotalChunkBytes() uint64 {
	var total uint64
	for _, ref := range dm.Chunks {
		total += uint64(ref.Length)
	}
	return total
}

// MetaData is the persisted record for one entry in a Directory's
// child list: a file or a nested directory.
//
// A directory entry carries DirectoryId (its own identity, used to
// look it up in the DirectoryHandler) and leaves DataMap nil. A file
// entry carries DataMap (once flushed) and leaves DirectoryId zero.
// The two are mutually exclusive by IsDirectory, not by a union type,
// because CBOR has no native sum type and this keeps the blob
// self-describing without a discriminator tag.
type MetaData struct {
	Name        string      `json:"name"`
	IsDirectory bool        `json:"is_directory"`
	DirectoryId DirectoryId `json:"directory_id,omitempty"`
	DataMap     *DataMap    `json:"data_map,omitempty"`
	Attributes  Attributes  `json:"attributes"`
}

// NewFileMetaData returns the metadata for a freshly created, empty
// file entry.
func NewFileMetaData(name string, at time.Time) MetaData {
	md := MetaData{Name: name, IsDirectory: false}
	md.Attributes.ModTime = at
	md.Attributes.AccessTime = at
	md.Attributes.CreationTime = at
	md.Attributes.Mode = 0o644
	return md
}

// NewDirectoryMetaData returns the metadata for a freshly created
// directory entry, with a newly generated DirectoryId.
func NewDirectoryMetaData(name string, at time.Time) MetaData {
	md := MetaData{Name: name, IsDirectory: true, DirectoryId: NewDirectoryId()}
	md.Attributes.ModTime = at
	md.Attributes.AccessTime = at
	md.Attributes.CreationTime = at
	md.Attributes.Mode = 0o755
	return md
}

// VersionName identifies one entry in a Directory's version chain: a
// monotonically increasing index paired with the opaque VersionId the
// structured-data backend uses to address it. Index 0 is the
// sentinel value used for the very first version of a freshly created
// Directory, before any version chain has been fetched from the
// backend.
type VersionName struct {
	Index     uint64    `json:"index"`
	VersionId VersionId `json:"version_id"`

	// DataMap addresses the chunked, encrypted form of this version's
	// serialised directory blob, the same way a file's DataMap
	// addresses its content. A directory's structured data and a
	// file's content are stored through the same chunk pipeline; only
	// what ends up in the version chain differs.
	DataMap DataMap `json:"data_map"`
}
