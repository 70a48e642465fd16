// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"io/fs"
	"os"
	"path/filepath"
)

func init() {
	registerBackend(&backend{format: "dir", shape: ShapeHost, scan: scanHostDir})
}

func buildDir(src *Source, cfg *BuildConfig) (*Entry, error) {
	entry := newEntry(src, "dir")
	st := &buildState{
		entry:     entry,
		cfg:       cfg,
		logger:    cfg.Logger,
		container: rootContainer,
		root:      entry.Root,
		label:     src.Path,
	}
	if err := backends["dir"].scan(st); err != nil {
		return nil, err
	}
	return entry, nil
}

// scanHostDir mirrors a host directory tree into host-addressed
// records. Content is never copied; reads go straight to the
// underlying files.
func scanHostDir(st *buildState) error {
	rootPath := st.label
	return filepath.WalkDir(rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			st.logger.Warn("unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == rootPath {
			return nil
		}
		rel, err := filepath.Rel(rootPath, p)
		if err != nil {
			return err
		}
		parts := splitPath(filepath.ToSlash(rel))
		if len(parts) == 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			st.logger.Warn("unstattable path", "path", p, "error", err)
			return nil
		}
		parent := ensureDir(st.root, parts[:len(parts)-1], st.entry.Source.ModTime)
		name := parts[len(parts)-1]

		switch {
		case d.IsDir():
			parent.Add(&Record{
				Name:    name,
				Kind:    KindDir,
				Mode:    info.Mode(),
				ModTime: info.ModTime(),
			})
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				st.logger.Warn("unreadable symlink", "path", p, "error", err)
				return nil
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
					Kind: LocHost,
					Path: p,
				},
			})
		default:
			st.logger.Debug("skipping special file", "path", p)
		}
		return nil
	})
}
