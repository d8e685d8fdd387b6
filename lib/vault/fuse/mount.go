// Package fuse bridges a vault.Drive to the kernel via
// hanwen/go-fuse/v2, translating inode-addressed FUSE callbacks into
// the Drive's path-addressed operations.
package fuse

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/benjaminbollen/MaidSafe-Drive/lib/vault"
)

// Options configures the mount.
type Options struct {
	// Mountpoint is the directory the filesystem is mounted at. It
	// is created if it does not already exist.
	Mountpoint string

	// Drive is the vault façade every filesystem call is translated
	// into.
	Drive *vault.Drive

	// AllowOther permits other users, including root, to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, error-level
	// messages are written as text to stderr and lower levels are
	// dropped.
	Logger *slog.Logger
}

// Mount mounts a read-write vault filesystem at options.Mountpoint.
// The caller must call Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errRequired("mountpoint")
	}
	if options.Drive == nil {
		return nil, errRequired("drive")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, errCreatingMountpoint(options.Mountpoint, err)
	}

	root := &vaultNode{drive: options.Drive, path: "/", logger: options.Logger}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "vaultfs",
			Name:       "vault",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, errMounting(options.Mountpoint, err)
	}

	options.Logger.Info("vault filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// vaultNode represents one path in the mounted tree, directory or
// file. FUSE addresses nodes by inode; the node's own path is what
// lets it translate a callback back into a Drive operation.
type vaultNode struct {
	gofuse.Inode
	drive  *vault.Drive
	path   string
	logger *slog.Logger
}

var (
	_ gofuse.InodeEmbedder = (*vaultNode)(nil)
	_ gofuse.NodeLookuper  = (*vaultNode)(nil)
	_ gofuse.NodeReaddirer = (*vaultNode)(nil)
	_ gofuse.NodeGetattrer = (*vaultNode)(nil)
	_ gofuse.NodeCreater   = (*vaultNode)(nil)
	_ gofuse.NodeMkdirer   = (*vaultNode)(nil)
	_ gofuse.NodeOpener    = (*vaultNode)(nil)
	_ gofuse.NodeReader    = (*vaultNode)(nil)
	_ gofuse.NodeWriter    = (*vaultNode)(nil)
	_ gofuse.NodeFlusher   = (*vaultNode)(nil)
	_ gofuse.NodeReleaser  = (*vaultNode)(nil)
	_ gofuse.NodeUnlinker  = (*vaultNode)(nil)
	_ gofuse.NodeRmdirer   = (*vaultNode)(nil)
	_ gofuse.NodeRenamer   = (*vaultNode)(nil)
)

// fileHandle is the FUSE file handle for one open file: the
// FileContext the Drive returned from Open, carried across
// Read/Write/Flush/Release calls on the same handle.
type fileHandle struct {
	fc *vault.FileContext
}

func splitParent(p string) (parent, name string) {
	if p == "/" || p == "" {
		return "/", ""
	}
	trimmed := strings.TrimPrefix(p, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return "/", trimmed
	}
	return "/" + trimmed[:idx], trimmed[idx+1:]
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func attrOutFromMeta(meta vault.MetaData, out *fuse.EntryOut) {
	if meta.IsDirectory {
		out.Mode = syscall.S_IFDIR | meta.Attributes.Mode
	} else {
		out.Mode = syscall.S_IFREG | meta.Attributes.Mode
	}
	out.Size = meta.Attributes.Size
	out.Blocks = meta.Attributes.Blocks
}

func (n *vaultNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	meta, err := n.drive.Lookup(ctx, n.path, name)
	if err != nil {
		return nil, errnoFor(err)
	}

	mode := uint32(syscall.S_IFREG)
	if meta.IsDirectory {
		mode = syscall.S_IFDIR
	}
	child := n.NewInode(ctx, &vaultNode{
		drive:  n.drive,
		path:   joinPath(n.path, name),
		logger: n.logger,
	}, gofuse.StableAttr{Mode: mode})

	attrOutFromMeta(meta, out)
	return child, 0
}

func (n *vaultNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.drive.Readdir(ctx, n.path)
	if err != nil {
		return nil, errnoFor(err)
	}

	dirEntries := make([]fuse.DirEntry, len(entries))
	for i, meta := range entries {
		mode := uint32(syscall.S_IFREG)
		if meta.IsDirectory {
			mode = syscall.S_IFDIR
		}
		dirEntries[i] = fuse.DirEntry{Name: meta.Name, Mode: mode}
	}
	return &sliceDirStream{entries: dirEntries}, 0
}

func (n *vaultNode) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.path == "/" {
		out.Mode = syscall.S_IFDIR | 0o755
		return 0
	}
	parent, name := splitParent(n.path)
	meta, err := n.drive.Lookup(ctx, parent, name)
	if err != nil {
		return errnoFor(err)
	}
	if meta.IsDirectory {
		out.Mode = syscall.S_IFDIR | meta.Attributes.Mode
	} else {
		out.Mode = syscall.S_IFREG | meta.Attributes.Mode
	}
	out.Size = meta.Attributes.Size
	out.Blocks = meta.Attributes.Blocks
	return 0
}

func (n *vaultNode) Create(ctx context.Context, name string, _ uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	fc, err := n.drive.Create(ctx, n.path, name, false)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}

	child := n.NewInode(ctx, &vaultNode{
		drive:  n.drive,
		path:   joinPath(n.path, name),
		logger: n.logger,
	}, gofuse.StableAttr{Mode: syscall.S_IFREG})

	out.Mode = syscall.S_IFREG | (mode & 0o777)
	return child, &fileHandle{fc: fc}, 0, 0
}

func (n *vaultNode) Mkdir(ctx context.Context, name string, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	fc, err := n.drive.Create(ctx, n.path, name, true)
	if err != nil {
		return nil, errnoFor(err)
	}

	child := n.NewInode(ctx, &vaultNode{
		drive:  n.drive,
		path:   joinPath(n.path, name),
		logger: n.logger,
	}, gofuse.StableAttr{Mode: syscall.S_IFDIR})

	attrOutFromMeta(fc.MetaData(), out)
	return child, 0
}

func (n *vaultNode) Open(ctx context.Context, _ uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	parent, name := splitParent(n.path)
	fc, err := n.drive.Open(ctx, parent, name)
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return &fileHandle{fc: fc}, 0, 0
}

func (n *vaultNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	data, err := n.drive.Read(ctx, fh.fc, uint64(off), uint64(len(dest)))
	if err != nil {
		n.logger.Error("read", "path", n.path, "error", err)
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *vaultNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	written, err := n.drive.Write(ctx, fh.fc, uint64(off), data)
	if err != nil {
		n.logger.Error("write", "path", n.path, "error", err)
		return 0, errnoFor(err)
	}
	return uint32(written), 0
}

func (n *vaultNode) Flush(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	if err := n.drive.Flush(ctx, fh.fc); err != nil {
		n.logger.Error("flush", "path", n.path, "error", err)
		return errnoFor(err)
	}
	return 0
}

func (n *vaultNode) Release(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	if err := n.drive.Release(ctx, fh.fc); err != nil {
		n.logger.Error("release", "path", n.path, "error", err)
		return errnoFor(err)
	}
	return 0
}

func (n *vaultNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.drive.Delete(ctx, n.path, name); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (n *vaultNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := n.drive.Delete(ctx, n.path, name); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (n *vaultNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, _ uint32) syscall.Errno {
	target, ok := newParent.(*vaultNode)
	if !ok {
		return syscall.EXDEV
	}
	if err := n.drive.Rename(ctx, n.path, name, target.path, newName); err != nil {
		return errnoFor(err)
	}
	return 0
}

// sliceDirStream implements gofuse.DirStream over a fixed slice of
// entries computed once at Readdir time.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool { return s.index < len(s.entries) }

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
