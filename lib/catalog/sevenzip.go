// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/bodgit/sevenzip"
)

func init() {
	registerBackend(&backend{format: "7z", shape: ShapeCentralDirectory, scan: scan7z})
}

// openStreamBackend attaches the per-open stream backend for
// formats whose members have no stable byte range.
func openStreamBackend(format, path string) (streamBackend, error) {
	switch format {
	case "7z":
		return open7zBackend(path)
	case "squashfs":
		return openImageBackend(path)
	default:
		return nil, fmt.Errorf("catalog: format %q has no stream backend", format)
	}
}

// scan7z lists members from the archive's trailing header. Solid
// compression means members have no addressable byte ranges, so
// every record is stream-served through the backend.
func scan7z(st *buildState) error {
	r, err := sevenzip.NewReader(st.data, st.size)
	if err != nil {
		return fmt.Errorf("reading 7z header of %s: %w", st.label, err)
	}

	for _, f := range r.File {
		parts := splitPath(f.Name)
		if len(parts) == 0 {
			continue
		}
		info := f.FileInfo()
		parent := ensureDir(st.root, parts[:len(parts)-1], info.ModTime())
		name := parts[len(parts)-1]

		switch {
		case info.IsDir():
			parent.Add(&Record{
				Name:    name,
				Kind:    KindDir,
				Mode:    info.Mode(),
				ModTime: info.ModTime(),
			})
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := read7zSymlink(f)
			if err != nil {
				st.logger.Warn("unreadable symlink member",
					"archive", st.label, "member", f.Name, "error", err)
				continue
			}
			parent.Add(&Record{
				Name:       name,
				Kind:       KindSymlink,
				Mode:       info.Mode(),
				ModTime:    info.ModTime(),
				LinkTarget: target,
			})
		case info.Mode().IsRegular():
			parent.Add(&Record{
				Name:    name,
				Kind:    KindRegular,
				Size:    info.Size(),
				Mode:    info.Mode(),
				ModTime: info.ModTime(),
				Location: Location{
					Kind: LocStream,
					Path: normalizeMemberPath(f.Name),
				},
			})
		default:
			st.logger.Debug("skipping member",
				"archive", st.label, "member", f.Name)
		}
	}
	return nil
}

func read7zSymlink(f *sevenzip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	target, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(target), nil
}

// normalizeMemberPath is the key member records and the backend's
// index agree on.
func normalizeMemberPath(name string) string {
	return strings.Join(splitPath(strings.ReplaceAll(name, "\\", "/")), "/")
}

type sevenzipBackend struct {
	rc    *sevenzip.ReadCloser
	index map[string]*sevenzip.File
}

func open7zBackend(path string) (streamBackend, error) {
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	b := &sevenzipBackend{rc: rc, index: make(map[string]*sevenzip.File, len(rc.File))}
	for _, f := range rc.File {
		b.index[normalizeMemberPath(f.Name)] = f
	}
	return b, nil
}

func (b *sevenzipBackend) openPath(path string) (io.ReadCloser, error) {
	f, ok := b.index[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return f.Open()
}

func (b *sevenzipBackend) Close() error {
	return b.rc.Close()
}
