package vault

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by façade operations. Callers should use
// errors.Is against these sentinels; concrete errors are always
// wrapped with context via fmt.Errorf("...: %w", ...).
var (
	// ErrNoSuchFile is returned when a lookup misses on a child name
	// or an intermediate path component.
	ErrNoSuchFile = errors.New("vault: no such file")

	// ErrFileExists is returned when an add would duplicate a name
	// already present in the directory.
	ErrFileExists = errors.New("vault: file exists")

	// ErrParsing is returned when a Directory blob fails to decode.
	ErrParsing = errors.New("vault: parsing error")

	// ErrBackend wraps any failure from the ChunkStore or VersionStore.
	ErrBackend = errors.New("vault: backend failure")

	// ErrUnknown is returned when the EncryptorStream reports a
	// read, write, or flush failure.
	ErrUnknown = errors.New("vault: unknown encryptor failure")
)

func wrapNoSuchFile(name string) error {
	return fmt.Errorf("vault: %q: %w", name, ErrNoSuchFile)
}

func wrapFileExists(name string) error {
	return fmt.Errorf("vault: %q: %w", name, ErrFileExists)
}

func wrapParsing(cause error) error {
	return fmt.Errorf("vault: decoding directory blob: %w: %w", ErrParsing, cause)
}

func wrapBackend(cause error) error {
	return fmt.Errorf("vault: %w: %w", ErrBackend, cause)
}

func wrapUnknown(cause error) error {
	return fmt.Errorf("vault: %w: %w", ErrUnknown, cause)
}
