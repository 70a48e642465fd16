// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
)

func init() {
	registerBackend(&backend{format: "squashfs", shape: ShapeBlockImage, scan: scanImage})
}

// scanImage walks a filesystem image's tree. Data blocks inside the
// image are compressed and packed, so records are stream-served
// rather than range-addressed. Nested images are not expanded; the
// image library wants a host path.
func scanImage(st *buildState) error {
	if st.container != rootContainer {
		return fmt.Errorf("%w: nested image %s", ErrUnknownFormat, st.label)
	}
	disk, err := diskfs.Open(st.entry.Source.Path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return fmt.Errorf("opening image %s: %w", st.label, err)
	}
	defer disk.Close()

	fsys, err := disk.GetFilesystem(0)
	if err != nil {
		return fmt.Errorf("reading image filesystem of %s: %w", st.label, err)
	}
	return st.walkImage(fsys, "/", st.root)
}

func (st *buildState) walkImage(fsys filesystem.FileSystem, dir string, node *Record) error {
	infos, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing %s in %s: %w", dir, st.label, err)
	}
	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		full := path.Join(dir, name)

		switch {
		case info.IsDir():
			child := &Record{
				Name:    name,
				Kind:    KindDir,
				Mode:    info.Mode(),
				ModTime: info.ModTime(),
			}
			node.Add(child)
			if err := st.walkImage(fsys, full, child); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			target, ok := readlinkInfo(info)
			if !ok {
				st.logger.Debug("symlink target unavailable",
					"image", st.label, "member", full)
				continue
			}
			node.Add(&Record{
				Name:       name,
				Kind:       KindSymlink,
				Mode:       info.Mode(),
				ModTime:    info.ModTime(),
				LinkTarget: target,
			})
		case info.Mode().IsRegular():
			node.Add(&Record{
				Name:    name,
				Kind:    KindRegular,
				Size:    info.Size(),
				Mode:    info.Mode(),
				ModTime: info.ModTime(),
				Location: Location{
					Kind: LocStream,
					Path: normalizeMemberPath(full),
				},
			})
		default:
			st.logger.Debug("skipping special file",
				"image", st.label, "member", full)
		}
	}
	return nil
}

// readlinkInfo pulls a symlink target out of fs implementations that
// expose one on their FileInfo.
func readlinkInfo(info os.FileInfo) (string, bool) {
	switch v := info.(type) {
	case interface{ Readlink() (string, error) }:
		target, err := v.Readlink()
		return target, err == nil
	case interface{ Readlink() string }:
		return v.Readlink(), true
	}
	return "", false
}

// imageBackend serves member streams out of an open filesystem
// image.
type imageBackend struct {
	disk io.Closer
	fsys filesystem.FileSystem
}

func openImageBackend(path string) (streamBackend, error) {
	disk, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, err
	}
	fsys, err := disk.GetFilesystem(0)
	if err != nil {
		disk.Close()
		return nil, err
	}
	return &imageBackend{disk: disk, fsys: fsys}, nil
}

func (b *imageBackend) openPath(p string) (io.ReadCloser, error) {
	f, err := b.fsys.OpenFile("/"+p, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	return imageFile{f}, nil
}

func (b *imageBackend) Close() error {
	return b.disk.Close()
}

// imageFile adds a Close that tolerates file handles without one.
type imageFile struct {
	f filesystem.File
}

func (f imageFile) Read(p []byte) (int, error) { return f.f.Read(p) }

func (f imageFile) Close() error {
	if c, ok := f.f.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
