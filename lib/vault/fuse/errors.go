package fuse

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/benjaminbollen/MaidSafe-Drive/lib/vault"
)

func errRequired(field string) error {
	return fmt.Errorf("fuse: %s is required", field)
}

func errCreatingMountpoint(path string, cause error) error {
	return fmt.Errorf("fuse: creating mountpoint %q: %w", path, cause)
}

func errMounting(path string, cause error) error {
	return fmt.Errorf("fuse: mounting at %q: %w", path, cause)
}

// errnoFor translates a Drive error into the errno the kernel expects
// back from a filesystem callback.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vault.ErrNoSuchFile):
		return syscall.ENOENT
	case errors.Is(err, vault.ErrFileExists):
		return syscall.EEXIST
	default:
		return syscall.EIO
	}
}
