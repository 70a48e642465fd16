// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/stratafs/strata/lib/seekindex"
)

// TableReaderFunc resolves a checkpoint table to a random-access
// view of its decompressed stream. The read path installs a caching
// implementation; nil makes every call open a fresh decompressor.
type TableReaderFunc func(t *TableRef) (io.ReaderAt, error)

// hardlinkBound caps hardlink chains; archives written by sane tools
// need one hop.
const hardlinkBound = 8

// RecordReader is an open random-access view of one regular
// record's content.
type RecordReader struct {
	io.ReaderAt
	size    int64
	closers []io.Closer
}

// Size returns the record's content length.
func (rr *RecordReader) Size() int64 { return rr.size }

// Close releases whatever the view holds open (host file, stream
// backend handle, decompressor contexts).
func (rr *RecordReader) Close() error {
	var first error
	for _, c := range rr.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	rr.closers = nil
	return first
}

// ContainerReaderAt resolves a container id to a random-access view
// of its bytes. file must be an open view of the source file (it is
// what container 0 resolves to). tables may be nil.
func (e *Entry) ContainerReaderAt(file io.ReaderAt, id int64, tables TableReaderFunc) (io.ReaderAt, int64, error) {
	if id == rootContainer {
		return file, e.Source.Size, nil
	}
	c, ok := e.Containers[id]
	if !ok {
		return nil, 0, fmt.Errorf("catalog: unknown container %d", id)
	}
	return e.locationReaderAt(file, c.Location, tables)
}

func (e *Entry) locationReaderAt(file io.ReaderAt, loc Location, tables TableReaderFunc) (io.ReaderAt, int64, error) {
	switch loc.Kind {
	case LocDirect:
		base, _, err := e.ContainerReaderAt(file, loc.Container, tables)
		if err != nil {
			return nil, 0, err
		}
		return io.NewSectionReader(base, loc.Offset, loc.Length), loc.Length, nil

	case LocIndexed:
		t, ok := e.Tables[loc.Table]
		if !ok {
			return nil, 0, fmt.Errorf("catalog: unknown table %d", loc.Table)
		}
		view, err := e.tableReaderAt(file, t, tables)
		if err != nil {
			return nil, 0, err
		}
		return io.NewSectionReader(view, loc.Offset, loc.Length), loc.Length, nil

	default:
		return nil, 0, fmt.Errorf("catalog: location kind %d is not range-addressed", loc.Kind)
	}
}

func (e *Entry) tableReaderAt(file io.ReaderAt, t *TableRef, tables TableReaderFunc) (io.ReaderAt, error) {
	if tables != nil {
		return tables(t)
	}
	base, _, err := e.ContainerReaderAt(file, t.Container, tables)
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(base, t.StreamOffset, t.StreamLength)
	return seekindex.NewReader(t.Table, section, t.StreamLength)
}

// OpenRecord opens a random-access view of a regular record. file is
// the open source file view (unused for host records). Hardlinks are
// chased to their target record first.
func (e *Entry) OpenRecord(file io.ReaderAt, rec *Record, tables TableReaderFunc) (*RecordReader, error) {
	for hops := 0; rec.Kind == KindHardlink; hops++ {
		if hops >= hardlinkBound {
			return nil, fmt.Errorf("catalog: hardlink chain too long at %q", rec.Name)
		}
		target, err := e.Resolve(rec.LinkTarget)
		if err != nil {
			return nil, err
		}
		rec = target
	}
	if rec.Kind != KindRegular {
		return nil, fmt.Errorf("catalog: %q is a %s, not a regular file", rec.Name, rec.Kind)
	}

	switch rec.Location.Kind {
	case LocDirect, LocIndexed:
		ra, size, err := e.locationReaderAt(file, rec.Location, tables)
		if err != nil {
			return nil, err
		}
		rr := &RecordReader{ReaderAt: ra, size: size}
		if c, ok := ra.(io.Closer); ok {
			rr.closers = append(rr.closers, c)
		}
		return rr, nil

	case LocCompact:
		data, err := e.inflateCompact(file, rec, tables)
		if err != nil {
			return nil, err
		}
		return &RecordReader{ReaderAt: bytes.NewReader(data), size: int64(len(data))}, nil

	case LocStream:
		sa := &streamAt{
			open: func() (io.ReadCloser, error) { return e.OpenMember(rec) },
			size: rec.Size,
		}
		return &RecordReader{ReaderAt: sa, size: rec.Size, closers: []io.Closer{sa}}, nil

	case LocHost:
		f, err := os.Open(rec.Location.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return &RecordReader{ReaderAt: f, size: rec.Size, closers: []io.Closer{f}}, nil

	default:
		return nil, fmt.Errorf("catalog: record %q has no content", rec.Name)
	}
}

// inflateCompact decompresses a small member in one shot. The codec
// resumes from the zero checkpoint, i.e. the member's own start.
func (e *Entry) inflateCompact(file io.ReaderAt, rec *Record, tables TableReaderFunc) ([]byte, error) {
	base, _, err := e.ContainerReaderAt(file, rec.Location.Container, tables)
	if err != nil {
		return nil, err
	}
	codec, err := seekindex.Lookup(rec.Location.Codec)
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(base, rec.Location.Offset, rec.Location.Length)
	stream, err := codec.Resume(section, rec.Location.Length, seekindex.Checkpoint{})
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	data := make([]byte, rec.Size)
	if _, err := io.ReadFull(stream, data); err != nil {
		return nil, fmt.Errorf("catalog: inflating %q: %w", rec.Name, err)
	}
	return data, nil
}

// streamAt adapts a reopenable sequential stream to io.ReaderAt.
// Forward reads ride the live stream; a backward read reopens and
// discards. Stream-shaped backends have no cheaper option.
type streamAt struct {
	open func() (io.ReadCloser, error)
	size int64

	mu  sync.Mutex
	cur io.ReadCloser
	pos int64
}

func (s *streamAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("catalog: negative read offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	truncated := false
	if int64(len(p)) > s.size-off {
		p = p[:s.size-off]
		truncated = true
	}

	if s.cur == nil || off < s.pos {
		if s.cur != nil {
			s.cur.Close()
		}
		stream, err := s.open()
		if err != nil {
			s.cur = nil
			return 0, err
		}
		s.cur = stream
		s.pos = 0
	}
	if off > s.pos {
		copied, err := io.CopyN(io.Discard, s.cur, off-s.pos)
		s.pos += copied
		if err != nil {
			s.drop()
			return 0, fmt.Errorf("catalog: stream ended while seeking to %d: %w", off, err)
		}
	}

	n, err := io.ReadFull(s.cur, p)
	s.pos += int64(n)
	if err != nil {
		s.drop()
		return n, err
	}
	if truncated {
		return n, io.EOF
	}
	return n, nil
}

func (s *streamAt) drop() {
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
	s.pos = 0
}

func (s *streamAt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop()
	return nil
}
