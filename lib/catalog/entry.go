// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/stratafs/strata/lib/seekindex"
)

// digestSpan is how much of a file's head feeds the optional
// content digest. Enough to cover archive headers without re-reading
// large sources on every mount.
const digestSpan = 256 << 10

// Source identifies one mount source and the tuple used to decide
// whether a persisted entry still describes it.
type Source struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time

	// Digest is an optional BLAKE3 hash of the file's head, for
	// sources on filesystems with unstable modification times.
	Digest []byte
}

// ResolveSource stats path and captures its identity tuple.
func ResolveSource(path string, withDigest bool) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	src := &Source{
		Path:    path,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if withDigest && !src.IsDir {
		d, err := digestHead(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		src.Digest = d
	}
	return src, nil
}

func digestHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.CopyN(h, f, digestSpan); err != nil && err != io.EOF {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Matches reports whether other describes the same file content as
// src, per the identity tuple. A digest recorded on only one side is
// ignored.
func (s *Source) Matches(other *Source) bool {
	if s.Path != other.Path || s.IsDir != other.IsDir {
		return false
	}
	if s.IsDir {
		return true
	}
	if s.Size != other.Size {
		return false
	}
	if len(s.Digest) > 0 && len(other.Digest) > 0 {
		if len(s.Digest) != len(other.Digest) {
			return false
		}
		for i := range s.Digest {
			if s.Digest[i] != other.Digest[i] {
				return false
			}
		}
		return true
	}
	return s.ModTime.Equal(other.ModTime)
}

// rootContainer is the id of the source file itself. All other
// container ids are allocated by the builder.
const rootContainer int64 = 0

// Container describes a byte stream that member ranges refer to.
// Container 0 is always the source file; derived containers (for
// example the decompressed view of a tar.gz, or a nested archive
// member) address their bytes within an earlier container.
type Container struct {
	ID       int64
	Location Location
}

// TableRef binds a checkpoint table to the compressed region it
// indexes.
type TableRef struct {
	ID           int64
	Container    int64
	StreamOffset int64
	StreamLength int64
	Table        *seekindex.Table
}

// Entry is the complete catalog of one source: its record tree plus
// the containers and checkpoint tables the records' locations refer
// to.
type Entry struct {
	SourceID int64
	Source   *Source
	Format   string
	Root     *Record

	Containers map[int64]*Container
	Tables     map[int64]*TableRef

	nextContainer int64
	nextTable     int64

	backendMu sync.Mutex
	backend   streamBackend
}

func newEntry(src *Source, format string) *Entry {
	return &Entry{
		Source: src,
		Format: format,
		Root: &Record{
			Kind:    KindDir,
			Mode:    os.ModeDir | 0o755,
			ModTime: src.ModTime,
		},
		Containers:    map[int64]*Container{},
		Tables:        map[int64]*TableRef{},
		nextContainer: 1,
		nextTable:     1,
	}
}

func (e *Entry) addContainer(loc Location) int64 {
	id := e.nextContainer
	e.nextContainer++
	e.Containers[id] = &Container{ID: id, Location: loc}
	return id
}

func (e *Entry) addTable(container, off, length int64, t *seekindex.Table) int64 {
	id := e.nextTable
	e.nextTable++
	e.Tables[id] = &TableRef{
		ID:           id,
		Container:    container,
		StreamOffset: off,
		StreamLength: length,
		Table:        t,
	}
	return id
}

// Resolve walks path below the entry root. It does not follow
// symlinks; that is the namespace layer's concern.
func (e *Entry) Resolve(path string) (*Record, error) {
	node := e.Root
	for _, name := range splitPath(path) {
		child, ok := node.Child(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		node = child
	}
	return node, nil
}

// streamBackend serves members that have no stable byte range in any
// container (solid 7z streams, filesystem images).
type streamBackend interface {
	openPath(path string) (io.ReadCloser, error)
	io.Closer
}

// OpenMember opens a per-read stream for a LocStream record,
// attaching the source's backend on first use. The returned stream
// reads the member from its beginning.
func (e *Entry) OpenMember(rec *Record) (io.ReadCloser, error) {
	if rec.Location.Kind != LocStream {
		return nil, fmt.Errorf("catalog: record %q is not stream-served", rec.Name)
	}
	e.backendMu.Lock()
	defer e.backendMu.Unlock()
	if e.backend == nil {
		b, err := openStreamBackend(e.Format, e.Source.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		e.backend = b
	}
	return e.backend.openPath(rec.Location.Path)
}

// Close releases the entry's stream backend, if one was attached.
func (e *Entry) Close() error {
	e.backendMu.Lock()
	defer e.backendMu.Unlock()
	if e.backend == nil {
		return nil
	}
	err := e.backend.Close()
	e.backend = nil
	return err
}
