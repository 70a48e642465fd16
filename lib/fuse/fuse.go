// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse exposes a mount engine's namespace through the
// kernel. It is a thin adapter: every semantic decision (precedence,
// whiteouts, symlinks, byte addressing) lives below it.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/stratafs/strata/lib/catalog"
	"github.com/stratafs/strata/lib/mount"
	"github.com/stratafs/strata/lib/union"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the namespace is mounted.
	// Created if it does not exist.
	Mountpoint string

	// Engine serves resolution and reads.
	Engine *mount.Mount

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors go to
	// stderr.
	Logger *slog.Logger
}

// Mount mounts the namespace at the configured mountpoint. The
// caller must call Unmount on the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &dirNode{options: &options, node: options.Engine.Root()}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "strata",
			Name:       "strata",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("namespace mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

func errnoFor(err error) syscall.Errno {
	switch {
	case errors.Is(err, union.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, union.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, union.ErrSymlinkLoop):
		return syscall.ELOOP
	default:
		return syscall.EIO
	}
}

// effectiveRecord chases hardlink records to the target whose
// attributes the kernel should see.
func effectiveRecord(entry *catalog.Entry, rec *catalog.Record) *catalog.Record {
	for hops := 0; rec.Kind == catalog.KindHardlink && hops < 8; hops++ {
		target, err := entry.Resolve(rec.LinkTarget)
		if err != nil {
			return rec
		}
		rec = target
	}
	return rec
}

func fillAttr(rec *catalog.Record, out *fuse.Attr) {
	out.Mode = modeBits(rec)
	out.Size = uint64(rec.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 65536
	mtime := rec.ModTime
	out.Mtime = uint64(mtime.Unix())
	out.Mtimensec = uint32(mtime.Nanosecond())
	out.Ctime = out.Mtime
	out.Ctimensec = out.Mtimensec
	out.Nlink = 1
}

func modeBits(rec *catalog.Record) uint32 {
	perm := uint32(rec.Mode.Perm())
	switch rec.Kind {
	case catalog.KindDir:
		if perm == 0 {
			perm = 0o555
		}
		return syscall.S_IFDIR | perm
	case catalog.KindSymlink:
		return syscall.S_IFLNK | 0o777
	default:
		return syscall.S_IFREG | perm
	}
}

// dirNode is a merged directory in the namespace.
type dirNode struct {
	gofuse.Inode
	options *Options
	node    *union.Node
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(d.node.Record, &out.Attr)
	return 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child, err := d.node.Child(name)
	if err != nil {
		return nil, errnoFor(err)
	}

	switch {
	case child.IsDir():
		inode := d.NewPersistentInode(ctx, &dirNode{options: d.options, node: child},
			gofuse.StableAttr{Mode: syscall.S_IFDIR})
		fillAttr(child.Record, &out.Attr)
		return inode, 0

	case child.Record.Kind == catalog.KindSymlink:
		inode := d.NewPersistentInode(ctx, &linkNode{options: d.options, node: child},
			gofuse.StableAttr{Mode: syscall.S_IFLNK})
		fillAttr(child.Record, &out.Attr)
		return inode, 0

	default:
		rec := effectiveRecord(child.Entry(), child.Record)
		inode := d.NewPersistentInode(ctx, &fileNode{options: d.options, node: child, rec: rec},
			gofuse.StableAttr{Mode: syscall.S_IFREG})
		fillAttr(rec, &out.Attr)
		return inode, 0
	}
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	children, err := d.node.Readdir()
	if err != nil {
		return nil, errnoFor(err)
	}
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		mode := uint32(syscall.S_IFREG)
		switch {
		case child.IsDir():
			mode = syscall.S_IFDIR
		case child.Record.Kind == catalog.KindSymlink:
			mode = syscall.S_IFLNK
		}
		entries = append(entries, fuse.DirEntry{Name: child.Name, Mode: mode})
	}
	return &sliceDirStream{entries: entries}, 0
}

// linkNode is a symlink leaf.
type linkNode struct {
	gofuse.Inode
	options *Options
	node    *union.Node
}

var _ gofuse.InodeEmbedder = (*linkNode)(nil)
var _ gofuse.NodeGetattrer = (*linkNode)(nil)
var _ gofuse.NodeReadlinker = (*linkNode)(nil)

func (l *linkNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(l.node.Record, &out.Attr)
	return 0
}

func (l *linkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(l.node.Record.LinkTarget), 0
}

// fileNode is a regular file served through the engine's handle
// table.
type fileNode struct {
	gofuse.Inode
	options *Options
	node    *union.Node
	rec     *catalog.Record
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)
var _ gofuse.NodeReleaser = (*fileNode)(nil)

func (fn *fileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(fn.rec, &out.Attr)
	return 0
}

// fileHandle carries one engine handle id between Open and Release.
type fileHandle struct {
	id uint64
}

func (fn *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	id, err := fn.options.Engine.OpenHandle(fn.node)
	if err != nil {
		fn.options.Logger.Error("open failed",
			"name", fn.node.Name, "error", err)
		return nil, 0, errnoFor(err)
	}
	// Source content is immutable while mounted, so the kernel page
	// cache stays valid.
	return &fileHandle{id: id}, fuse.FOPEN_KEEP_CACHE, 0
}

func (fn *fileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	n, err := fn.options.Engine.ReadAt(h.id, dest, off)
	if err != nil && err != io.EOF {
		fn.options.Logger.Error("read failed",
			"name", fn.node.Name, "offset", off, "error", err)
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fn *fileNode) Release(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	if h, ok := f.(*fileHandle); ok {
		if err := fn.options.Engine.Release(h.id); err != nil {
			fn.options.Logger.Warn("release failed",
				"name", fn.node.Name, "error", err)
		}
	}
	return 0
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
