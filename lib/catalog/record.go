// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"io/fs"
	"strings"
	"time"
)

// Kind classifies a file record.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDir
	KindSymlink
	KindHardlink
)

// String returns the human-readable name of a record kind.
func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindHardlink:
		return "hardlink"
	default:
		return "unknown"
	}
}

// LocationKind says how a record's bytes are reached.
type LocationKind uint8

const (
	// LocNone: no bytes (directories, symlinks).
	LocNone LocationKind = iota

	// LocDirect: a plain byte range within a container.
	LocDirect

	// LocIndexed: a decompressed-offset range behind a checkpoint
	// table.
	LocIndexed

	// LocCompact: a small compressed member that is inflated whole
	// on first read; checkpointing overhead is not worth it below
	// the configured size floor.
	LocCompact

	// LocStream: bytes served by the source's backend through a
	// per-open stream (7z members, filesystem-image files).
	LocStream

	// LocHost: a plain file on the host filesystem (directory
	// sources).
	LocHost
)

// Location addresses a record's (or container's) bytes.
type Location struct {
	Kind LocationKind

	// Container is the id of the container the range lives in.
	// Meaningful for Direct, Indexed and Compact.
	Container int64

	// Offset is a physical byte offset for Direct and Compact, or
	// a decompressed offset for Indexed.
	Offset int64

	// Length is the stored byte length: equal to the record size
	// for Direct, the compressed length for Compact, and the
	// decompressed length for Indexed.
	Length int64

	// Table is the checkpoint-table id for Indexed.
	Table int64

	// Codec names the compression of a Compact range.
	Codec string

	// Path is the host path for LocHost, or the archive-internal
	// path for LocStream.
	Path string
}

// Record is one node of a source's file tree. Directory records own
// their children in insertion order; the parent reference is
// non-owning.
type Record struct {
	ID         int64
	Name       string
	Kind       Kind
	Size       int64
	Mode       fs.FileMode
	ModTime    time.Time
	LinkTarget string
	Location   Location

	parent     *Record
	children   []*Record
	childIndex map[string]*Record
}

// Child returns the named child, if present.
func (r *Record) Child(name string) (*Record, bool) {
	c, ok := r.childIndex[name]
	return c, ok
}

// Children returns the record's children in insertion order. The
// returned slice is shared; callers must not mutate it.
func (r *Record) Children() []*Record {
	return r.children
}

// Parent returns the record's parent, nil for the root.
func (r *Record) Parent() *Record { return r.parent }

// Add appends child under r, replacing any existing child with the
// same name in place (archives can legitimately contain duplicate
// paths; the last occurrence wins, matching extraction behavior).
func (r *Record) Add(child *Record) {
	if r.childIndex == nil {
		r.childIndex = make(map[string]*Record)
	}
	if old, ok := r.childIndex[child.Name]; ok {
		for i, c := range r.children {
			if c == old {
				r.children[i] = child
				break
			}
		}
	} else {
		r.children = append(r.children, child)
	}
	r.childIndex[child.Name] = child
	child.parent = r
}

// splitPath breaks an archive-internal path into clean components.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return nil
	}
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ensureDir walks components below root, creating implicit
// directory records as needed. Archives routinely omit directory
// entries for paths their members imply.
func ensureDir(root *Record, components []string, mtime time.Time) *Record {
	node := root
	for _, name := range components {
		child, ok := node.Child(name)
		if !ok || child.Kind != KindDir {
			child = &Record{
				Name:    name,
				Kind:    KindDir,
				Mode:    fs.ModeDir | 0o755,
				ModTime: mtime,
			}
			node.Add(child)
		}
		node = child
	}
	return node
}

// walkRecords visits every record under root in depth-first
// preorder. Returning false from visit stops the walk.
func walkRecords(root *Record, visit func(path string, r *Record) bool) {
	var walk func(prefix string, r *Record) bool
	walk = func(prefix string, r *Record) bool {
		for _, child := range r.children {
			childPath := child.Name
			if prefix != "" {
				childPath = prefix + "/" + child.Name
			}
			if !visit(childPath, child) {
				return false
			}
			if !walk(childPath, child) {
				return false
			}
		}
		return true
	}
	walk("", root)
}
