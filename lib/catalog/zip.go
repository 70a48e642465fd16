// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"

	"github.com/stratafs/strata/lib/seekindex"
)

func init() {
	registerBackend(&backend{format: "zip", shape: ShapeCentralDirectory, scan: scanZip})
}

// methodBzip2 is zip compression method 12. archive/zip only names
// Store and Deflate.
const methodBzip2 = 12

var zipCodecs = map[uint16]string{
	zip.Deflate: "deflate",
	methodBzip2: "bzip2",
}

func scanZip(st *buildState) error {
	zr, err := zip.NewReader(st.data, st.size)
	if err != nil {
		return fmt.Errorf("reading central directory of %s: %w", st.label, err)
	}

	for _, f := range zr.File {
		parts := splitPath(f.Name)
		if len(parts) == 0 {
			continue
		}
		mode := f.Mode()
		parent := ensureDir(st.root, parts[:len(parts)-1], f.Modified)
		name := parts[len(parts)-1]

		if mode.IsDir() {
			parent.Add(&Record{
				Name:    name,
				Kind:    KindDir,
				Mode:    mode,
				ModTime: f.Modified,
			})
			continue
		}
		if mode&fs.ModeSymlink != 0 {
			target, err := readZipSymlink(f)
			if err != nil {
				st.logger.Warn("unreadable symlink member",
					"archive", st.label, "member", f.Name, "error", err)
				continue
			}
			parent.Add(&Record{
				Name:       name,
				Kind:       KindSymlink,
				Mode:       mode,
				ModTime:    f.Modified,
				LinkTarget: target,
			})
			continue
		}
		if f.Flags&0x1 != 0 {
			st.logger.Warn("skipping encrypted member",
				"archive", st.label, "member", f.Name)
			continue
		}

		loc, err := st.zipLocation(f)
		if err != nil {
			st.logger.Warn("skipping member",
				"archive", st.label, "member", f.Name, "error", err)
			continue
		}
		parent.Add(&Record{
			Name:     name,
			Kind:     KindRegular,
			Size:     int64(f.UncompressedSize64),
			Mode:     mode,
			ModTime:  f.Modified,
			Location: loc,
		})
	}
	return nil
}

// zipLocation maps one member to a byte range. Stored members are
// addressed directly; compressed members stay Compact below the size
// floor and get a single-checkpoint table above it. The table is
// synthesized from the central directory, so a zip scan never
// decompresses anything.
func (st *buildState) zipLocation(f *zip.File) (Location, error) {
	off, err := f.DataOffset()
	if err != nil {
		return Location{}, err
	}

	if f.Method == zip.Store {
		return Location{
			Kind:      LocDirect,
			Container: st.container,
			Offset:    off,
			Length:    int64(f.CompressedSize64),
		}, nil
	}

	codec, ok := zipCodecs[f.Method]
	if !ok {
		return Location{}, fmt.Errorf("unsupported compression method %d", f.Method)
	}

	if int64(f.UncompressedSize64) <= st.cfg.CompactFloor {
		return Location{
			Kind:      LocCompact,
			Container: st.container,
			Offset:    off,
			Length:    int64(f.CompressedSize64),
			Codec:     codec,
		}, nil
	}

	table := &seekindex.Table{
		Codec:            codec,
		Checkpoints:      []seekindex.Checkpoint{{}},
		DecompressedSize: int64(f.UncompressedSize64),
		Complete:         true,
	}
	tid := st.entry.addTable(st.container, off, int64(f.CompressedSize64), table)
	return Location{
		Kind:   LocIndexed,
		Table:  tid,
		Offset: 0,
		Length: int64(f.UncompressedSize64),
	}, nil
}

func readZipSymlink(f *zip.File) (string, error) {
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
