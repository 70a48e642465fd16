// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package union composes the catalogs of several sources into one
// namespace. Earlier sources take precedence; directories at the
// same path merge their children; whiteout entries in an earlier
// source hide names from later ones.
package union

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stratafs/strata/lib/catalog"
)

var (
	// ErrNotFound is returned when a path resolves to nothing in
	// any source.
	ErrNotFound = errors.New("union: not found")

	// ErrNotDir is returned when a path component other than the
	// last resolves to a non-directory.
	ErrNotDir = errors.New("union: not a directory")

	// ErrSymlinkLoop is returned when symlink expansion exceeds the
	// depth bound.
	ErrSymlinkLoop = errors.New("union: too many levels of symbolic links")
)

// whiteoutPrefix marks a name as deleted for all later sources.
// `.wh.foo` in source 0 hides `foo` contributed by sources 1..n; the
// marker itself is never exposed.
const whiteoutPrefix = ".wh."

// maxSymlinkDepth bounds symlink expansion during resolution.
const maxSymlinkDepth = 40

// Tree is a composed namespace over an ordered source list.
type Tree struct {
	sources []*catalog.Entry
}

// New composes entries into a tree. The slice order is the
// precedence order; index 0 wins conflicts.
func New(entries []*catalog.Entry) *Tree {
	return &Tree{sources: entries}
}

// Sources returns the tree's entries in precedence order.
func (t *Tree) Sources() []*catalog.Entry { return t.sources }

// layer is one source's contribution to a directory node.
type layer struct {
	source int
	rec    *catalog.Record
}

// Node is one resolved name in the composed namespace. For
// directories it carries every source layer that contributes
// children; for leaves it carries the winning record only.
type Node struct {
	tree *Tree

	// Name is the node's final path component, "" for the root.
	Name string

	// Record is the winning record: attribute and content queries
	// go here.
	Record *catalog.Record

	// Source is the index of the entry the winning record belongs
	// to.
	Source int

	layers []layer
}

// Entry returns the catalog entry that owns the node's winning
// record.
func (n *Node) Entry() *catalog.Entry {
	return n.tree.sources[n.Source]
}

// IsDir reports whether the node is a (possibly merged) directory.
func (n *Node) IsDir() bool { return len(n.layers) > 0 }

// Root returns the namespace root: the merge of every source's root
// directory.
func (t *Tree) Root() *Node {
	n := &Node{tree: t}
	for i, e := range t.sources {
		if n.Record == nil {
			n.Record = e.Root
			n.Source = i
		}
		n.layers = append(n.layers, layer{source: i, rec: e.Root})
	}
	return n
}

// Child resolves one name under a directory node.
//
// Sources are consulted in precedence order; a whiteout in an
// earlier source stops the walk so later sources cannot contribute
// the name. If any visible candidate is a directory, the directory
// form wins regardless of precedence (a shadowing leaf would hide
// whole subtrees) and every directory candidate becomes a merge
// layer.
func (n *Node) Child(name string) (*Node, error) {
	if !n.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, n.Name)
	}
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, whiteoutPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var cands []layer
	for _, l := range n.layers {
		if rec, ok := l.rec.Child(name); ok {
			cands = append(cands, layer{source: l.source, rec: rec})
		}
		if _, ok := l.rec.Child(whiteoutPrefix + name); ok {
			break
		}
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var dirs []layer
	for _, c := range cands {
		if c.rec.Kind == catalog.KindDir {
			dirs = append(dirs, c)
		}
	}
	if len(dirs) > 0 {
		return &Node{
			tree:   n.tree,
			Name:   name,
			Record: dirs[0].rec,
			Source: dirs[0].source,
			layers: dirs,
		}, nil
	}
	first := cands[0]
	return &Node{
		tree:   n.tree,
		Name:   name,
		Record: first.rec,
		Source: first.source,
	}, nil
}

// Readdir lists a merged directory. Names appear in source
// precedence order, then each source's native order, each name once.
// Whiteout markers are consumed, never listed.
func (n *Node) Readdir() ([]*Node, error) {
	if !n.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, n.Name)
	}
	seen := map[string]bool{}
	hidden := map[string]bool{}
	var names []string
	for _, l := range n.layers {
		for _, child := range l.rec.Children() {
			name := child.Name
			if strings.HasPrefix(name, whiteoutPrefix) {
				continue
			}
			if seen[name] || hidden[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
		// This layer's whiteouts bind from the next layer down.
		for _, child := range l.rec.Children() {
			if strings.HasPrefix(child.Name, whiteoutPrefix) {
				hidden[strings.TrimPrefix(child.Name, whiteoutPrefix)] = true
			}
		}
	}

	out := make([]*Node, 0, len(names))
	for _, name := range names {
		child, err := n.Child(name)
		if err != nil {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// Resolve walks path from the root. Symlinks in intermediate
// components are always expanded; follow controls whether a symlink
// in the final component is too.
func (t *Tree) Resolve(path string, follow bool) (*Node, error) {
	stack := []*Node{t.Root()}
	rest := splitComponents(path)
	depth := 0

	for len(rest) > 0 {
		c := rest[0]
		rest = rest[1:]
		switch c {
		case "", ".":
			continue
		case "..":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		cur := stack[len(stack)-1]
		child, err := cur.Child(c)
		if err != nil {
			return nil, err
		}
		if child.Record.Kind == catalog.KindSymlink && (len(rest) > 0 || follow) {
			depth++
			if depth > maxSymlinkDepth {
				return nil, fmt.Errorf("%w: %s", ErrSymlinkLoop, path)
			}
			target := child.Record.LinkTarget
			if strings.HasPrefix(target, "/") {
				stack = stack[:1]
			}
			rest = append(splitComponents(target), rest...)
			continue
		}
		stack = append(stack, child)
	}
	return stack[len(stack)-1], nil
}

// splitComponents keeps "." and ".." so Resolve can interpret them
// against its node stack.
func splitComponents(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
