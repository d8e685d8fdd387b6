package vault

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/benjaminbollen/MaidSafe-Drive/lib/secret"
)

// Chunking parameters for EncryptorStream's content-defined chunker.
// These govern chunk boundaries only; changing them does not change
// any already-stored chunk's address, since a ChunkName addresses
// ciphertext, not a position within a file.
const (
	targetChunkSize = 64 * 1024
	minChunkSize    = 8 * 1024
	maxChunkSize    = 128 * 1024
)

const gearBoundaryMask uint64 = 0xFFFF000000000000
const gearSkipBytes = minChunkSize - 64 - 1

// ChunkStore is the content-addressed backend an EncryptorStream
// reads encrypted chunks from and writes them to. Implementations
// need only be a key-value store keyed by content address; nothing in
// this package requires a particular storage medium.
type ChunkStore interface {
	Get(ctx context.Context, name ChunkName) ([]byte, error)
	Put(ctx context.Context, name ChunkName, data []byte) error
	Delete(ctx context.Context, name ChunkName) error
}

// EncryptorStream buffers one file's unflushed content in memory and
// turns a Flush into content-defined chunks, each individually
// encrypted and pushed to a ChunkStore.
//
// Random mid-file overwrite beyond the already-buffered range is
// supported by zero-extending the buffer, but this package makes no
// attempt at sparse-file bookkeeping: a write past the current end
// always materializes the zero-filled gap.
type EncryptorStream struct {
	mu sync.Mutex

	chunkStore ChunkStore
	masterKey  *secret.Buffer

	content  []byte
	hydrated bool

	sourceMap *DataMap
	fileKey   *secret.Buffer
}

// NewEncryptorStream creates a stream over an existing DataMap (for
// an already-flushed file being reopened) or over a nil DataMap (for
// a brand-new, empty file). Chunk ciphertext is read from and written
// to chunkStore; per-file keys are wrapped under masterKey.
func NewEncryptorStream(dataMap *DataMap, chunkStore ChunkStore, masterKey *secret.Buffer) *EncryptorStream {
	return &EncryptorStream{chunkStore: chunkStore, masterKey: masterKey, sourceMap: dataMap}
}

// hydrate loads and decrypts every chunk referenced by the stream's
// source DataMap into content, exactly once. Callers must hold mu.
func (e *EncryptorStream) hydrate(ctx context.Context) error {
	if e.hydrated {
		return nil
	}
	e.hydrated = true

	if e.sourceMap == nil || len(e.sourceMap.Chunks) == 0 {
		return nil
	}

	fileKey, err := unwrapFileKey(e.masterKey, e.sourceMap.WrappedFileKey)
	if err != nil {
		return wrapUnknown(err)
	}
	e.fileKey = fileKey

	content := make([]byte, 0, e.sourceMap.Size)
	for index, ref := range e.sourceMap.Chunks {
		ciphertext, err := e.chunkStore.Get(ctx, ref.Name)
		if err != nil {
			return wrapBackend(err)
		}
		plaintext, err := openChunk(e.fileKey, index, ciphertext)
		if err != nil {
			return wrapUnknown(err)
		}
		content = append(content, plaintext...)
	}
	e.content = content
	return nil
}

// Size returns the stream's current (unflushed) content length.
func (e *EncryptorStream) Size(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.hydrate(ctx); err != nil {
		return 0, err
	}
	return uint64(len(e.content)), nil
}

// Read returns up to length bytes starting at offset. Reading past
// end of content returns fewer bytes than requested, never an error;
// reading entirely past end of content returns an empty slice.
func (e *EncryptorStream) Read(ctx context.Context, offset, length uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.hydrate(ctx); err != nil {
		return nil, err
	}

	size := uint64(len(e.content))
	if offset >= size {
		return nil, nil
	}
	end := offset + length
	if end > size {
		end = size
	}
	out := make([]byte, end-offset)
	copy(out, e.content[offset:end])
	return out, nil
}

// Write copies data into the stream's buffer starting at offset,
// zero-extending the buffer first if the write reaches past its
// current end. It returns the number of bytes written, always
// len(data) on success.
func (e *EncryptorStream) Write(ctx context.Context, offset uint64, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.hydrate(ctx); err != nil {
		return 0, err
	}

	end := offset + uint64(len(data))
	if end > uint64(len(e.content)) {
		grown := make([]byte, end)
		copy(grown, e.content)
		e.content = grown
	}
	copy(e.content[offset:end], data)
	return len(data), nil
}

// Flush chunks the stream's current content, encrypts and stores
// each chunk, and returns the resulting DataMap. The stream remains
// usable afterward; a later Write followed by another Flush produces
// a fresh DataMap built from the then-current content.
func (e *EncryptorStream) Flush(ctx context.Context) (*DataMap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.hydrate(ctx); err != nil {
		return nil, err
	}

	if len(e.content) == 0 {
		dm := &DataMap{Size: 0}
		e.sourceMap = dm
		return dm, nil
	}

	if e.fileKey == nil {
		fileKey, err := newFileKey()
		if err != nil {
			return nil, wrapUnknown(err)
		}
		e.fileKey = fileKey
	}

	chunks := chunkContent(e.content)
	refs := make([]ChunkReference, 0, len(chunks))
	for index, plaintext := range chunks {
		ciphertext, err := sealChunk(e.fileKey, index, plaintext)
		if err != nil {
			return nil, wrapUnknown(err)
		}
		name := HashChunk(ciphertext)
		if err := e.chunkStore.Put(ctx, name, ciphertext); err != nil {
			return nil, wrapBackend(err)
		}
		refs = append(refs, ChunkReference{Name: name, Length: uint32(len(ciphertext))})
	}

	wrapped, err := wrapFileKey(e.masterKey, e.fileKey)
	if err != nil {
		return nil, wrapUnknown(err)
	}

	dm := &DataMap{Chunks: refs, Size: uint64(len(e.content)), WrappedFileKey: wrapped}
	e.sourceMap = dm
	return dm, nil
}

// Close releases the stream's unwrapped per-file key. It does not
// flush; callers must Flush explicitly before Close if they want the
// current content persisted.
func (e *EncryptorStream) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fileKey == nil {
		return nil
	}
	err := e.fileKey.Close()
	e.fileKey = nil
	return err
}

// chunkContent splits data into content-defined chunks using
// GearHash, the same rolling hash FastCDC and the Xet/rust-gearhash
// implementations use. Using the same boundary function everywhere
// means the same file content always splits at the same chunk
// boundaries. Chunk addresses still differ from one flush to the
// next, since each chunk is sealed under a fresh random nonce and its
// ChunkName hashes the ciphertext.
func chunkContent(data []byte) [][]byte {
	var chunks [][]byte
	position := 0
	for position < len(data) {
		remaining := data[position:]
		boundary := gearFindBoundary(remaining)
		chunks = append(chunks, remaining[:boundary])
		position += boundary
	}
	return chunks
}

// gearFindBoundary returns the offset of the first chunk boundary in
// data, or len(data) if data fits in one chunk, or maxChunkSize if no
// boundary appears before the forced cutoff.
func gearFindBoundary(data []byte) int {
	length := len(data)
	if length <= maxChunkSize {
		return length
	}

	var hash uint64
	position := gearSkipBytes
	for position < maxChunkSize && position < length {
		hash = (hash << 1) + gearTable[data[position]]
		position++
		if position >= minChunkSize && (hash&gearBoundaryMask) == 0 {
			return position
		}
	}
	return maxChunkSize
}

// newFileKey generates a fresh random per-file chunk-encryption key.
func newFileKey() (*secret.Buffer, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("vault: generating file key: %w", err)
	}
	return secret.NewFromBytes(raw)
}

// sealChunk encrypts one chunk under fileKey with XChaCha20-Poly1305.
// index is bound in as additional authenticated data so chunks cannot
// be reordered within a file without detection, even though each
// chunk's ChunkName addresses its ciphertext independently of
// position.
func sealChunk(fileKey *secret.Buffer, index int, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(fileKey.Bytes())
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	output := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	copy(output, nonce[:])
	return aead.Seal(output, nonce[:], plaintext, chunkAAD(index)), nil
}

// openChunk reverses sealChunk.
func openChunk(fileKey *secret.Buffer, index int, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("vault: encrypted chunk is shorter than a nonce")
	}
	aead, err := chacha20poly1305.NewX(fileKey.Bytes())
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	sealed := ciphertext[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, sealed, chunkAAD(index))
}

func chunkAAD(index int) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, uint64(index))
	return aad
}

// wrapFileKey seals fileKey's bytes under masterKey.
func wrapFileKey(masterKey *secret.Buffer, fileKey *secret.Buffer) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(masterKey.Bytes())
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	output := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+fileKey.Len()+aead.Overhead())
	copy(output, nonce[:])
	return aead.Seal(output, nonce[:], fileKey.Bytes(), nil), nil
}

// unwrapFileKey reverses wrapFileKey, returning the per-file key in a
// fresh secret.Buffer.
func unwrapFileKey(masterKey *secret.Buffer, wrapped []byte) (*secret.Buffer, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("vault: wrapped file key is shorter than a nonce")
	}
	aead, err := chacha20poly1305.NewX(masterKey.Bytes())
	if err != nil {
		return nil, err
	}
	nonce := wrapped[:chacha20poly1305.NonceSizeX]
	sealed := wrapped[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: unwrapping file key: %w", err)
	}
	return secret.NewFromBytes(plaintext)
}

// gearTable is the 256-entry GearHash rolling-hash table, credited to
// the rust-gearhash crate's derivation of the FastCDC paper's
// reference table. Using the same table as every other
// GearHash-based chunker means identical input always produces
// identical chunk boundaries.
var gearTable = [256]uint64{
	0x5c95c078, 0x22408989, 0x2d48a214, 0x12842087,
	0x530f8afb, 0x474536b9, 0x2963b4f1, 0x44cb738b,
	0x4ea7403d, 0x4d606b6e, 0x074ec5d3, 0x3af39d18,
	0x726c4b7d, 0x60b26d8c, 0x3bd7a0a2, 0x7e51163a,
	0x07e7fbe3, 0x2da12162, 0x4dc3c487, 0x74b82462,
	0x5c74486e, 0x4d30a5dd, 0x5218c048, 0x25fd6e8c,
	0x1001de8e, 0x06f68502, 0x04681ce7, 0x18840c6b,
	0x28716fab, 0x27a7a855, 0x1d5bb906, 0x00eea11c,
	0x42c21f83, 0x0b2f6c73, 0x151c0a4f, 0x0c88e74b,
	0x44297db3, 0x0c9f2889, 0x22c19b89, 0x397e0284,
	0x3b47e2cf, 0x5e6a06a4, 0x02a60ec5, 0x10a30dc4,
	0x259f4bf4, 0x7448e0a6, 0x0d9b89b1, 0x0a0857b0,
	0x1e2a9eab, 0x09a3fdab, 0x3f6a6ff5, 0x5ad8cb5e,
	0x2a96c135, 0x46aff290, 0x544ff32c, 0x51e8cad1,
	0x4e0c57c8, 0x4d1ab85c, 0x5c9f62c5, 0x3bf82ccc,
	0x08a6ae66, 0x570fb7ac, 0x2cc96de0, 0x3ba9d60a,
	0x2c5fad64, 0x10ca4656, 0x06d0e217, 0x32b94f28,
	0x1d10fe68, 0x66f3df1a, 0x555fc7c0, 0x1afeb39d,
	0x08e1e40f, 0x31c86d13, 0x12e1a55b, 0x78aa48f0,
	0x4a71e0d9, 0x6b6cfbb0, 0x4a8a4b5d, 0x26e11f1b,
	0x4b65fb4f, 0x0eac5bdb, 0x7108e3c2, 0x0f03e6a3,
	0x41e3dce0, 0x1e80b9f2, 0x4a4cc2bc, 0x51fb08bc,
	0x05e33025, 0x72421bca, 0x00b93a24, 0x6dfd0e3c,
	0x23f18d04, 0x3e16cd59, 0x4d5b2a04, 0x49b2a50b,
	0x5fa94b5e, 0x35d16efc, 0x1e83a79a, 0x58c0d77d,
	0x4e45e50e, 0x1f64ee5d, 0x16ef2bb3, 0x5e27dc6e,
	0x7f0b8a3f, 0x3f59d96f, 0x232a5c1f, 0x7f83a841,
	0x59a11b26, 0x7b0c98f9, 0x5b93ed6e, 0x2f7c3534,
	0x0b66a92b, 0x10741c6e, 0x4a05bbae, 0x544e9756,
	0x33161fba, 0x248ca40b, 0x20a2f5ff, 0x6e529a22,
	0x316aeed5, 0x2a0af2cc, 0x1a4bbd7a, 0x1b9c4c28,
	0x4ea13a8c, 0x37eeff2c, 0x00a5d16d, 0x3ba2e855,
	0x2fdc2bae, 0x552985cf, 0x100a3d1b, 0x5897d96c,
	0x79a18dd4, 0x3fba8cfe, 0x0e8c0d27, 0x7e75cf15,
	0x4f10a4a8, 0x5e38a7b6, 0x7ed42d93, 0x28c2d49d,
	0x36aeafc3, 0x7361fffe, 0x27685296, 0x7cf7bdcf,
	0x00eb2c20, 0x0e97d95a, 0x7b14c77b, 0x46e97cb4,
	0x349a2cce, 0x2b00d5f0, 0x33a3ed5f, 0x6028f41d,
	0x1ed51d48, 0x6e75ec40, 0x6bfe88b0, 0x5ab96b34,
	0x45eb5e21, 0x5ba3faa6, 0x7e397ad3, 0x5cb7f39e,
	0x6d89f1e3, 0x3d1e1a72, 0x37000acc, 0x3f70d73e,
	0x7b120ad6, 0x75c84c75, 0x0b96d26c, 0x3a2e14b8,
	0x0e2a7a25, 0x21fcf4db, 0x5ed8c765, 0x01c08d38,
	0x09b24969, 0x5d5f684b, 0x36c0e8f2, 0x41cb6e2a,
	0x57dff2e1, 0x4c51b47d, 0x35bfbe24, 0x7b7ca00e,
	0x16e7e68f, 0x0cc6cff1, 0x6d5f0b69, 0x5f07e8c2,
	0x2bc8e7f2, 0x4dff3652, 0x31eb7bb4, 0x3e9e2df0,
	0x7a6b96d0, 0x600cd1da, 0x3ae99a7d, 0x3c2baabd,
	0x5df7c7c3, 0x73ee1e12, 0x02eae5d1, 0x6f5b5dd7,
	0x117caeb7, 0x3d39b7d5, 0x07b83b5b, 0x71da406f,
	0x4c93d7e6, 0x0e37ff7a, 0x7e91c441, 0x5c7e90e4,
	0x51b9c0c7, 0x32cf793e, 0x47ceff44, 0x2ef06e0f,
	0x6d02afc1, 0x2b0c1bc5, 0x5de2d15c, 0x16f93f40,
	0x0ef05e5e, 0x32b2f28f, 0x5a4a5fca, 0x7b37a3db,
	0x29786a10, 0x66f31c5a, 0x6d4c66f8, 0x14f43c6c,
	0x1a81fc14, 0x3b8f03ab, 0x163f8ab7, 0x1e92ab2e,
	0x3e3e1c34, 0x35ac0284, 0x61d4b73d, 0x76b7c71d,
	0x5aee7044, 0x6db41689, 0x5d3e1e24, 0x6b3c82b7,
	0x15ea6a23, 0x411e4e66, 0x2fe46038, 0x2aff5ca1,
	0x344e7bf6, 0x0c3743f4, 0x1bb8c8f5, 0x54b4c77f,
	0x6fc6cfaa, 0x7d012bdd, 0x3e8d9c39, 0x57204ab9,
	0x2f6f4ad5, 0x4ad26c8a, 0x6b8ea98e, 0x73a28ba6,
	0x7a70d90e, 0x51cf88e4, 0x6aff9307, 0x56d74c87,
	0x3c47d6c6, 0x4a8e8930, 0x4bf9a794, 0x5c3da92e,
}
