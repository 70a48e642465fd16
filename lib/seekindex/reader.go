// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Reader serves reads at arbitrary decompressed offsets over one
// compressed stream, using a frozen checkpoint table. It keeps one
// live decompressor, so a sequential read pattern costs O(length)
// per read; a backward (or far-forward) read reseeks via the table.
//
// A Reader is safe for concurrent use, but reads serialize on the
// single decompressor context. Callers wanting parallel reads on
// the same stream open multiple Readers over the same Table.
type Reader struct {
	table   *Table
	codec   Codec
	src     io.ReaderAt
	srcSize int64

	mu  sync.Mutex
	cur io.ReadCloser
	pos int64 // decompressed offset the next cur.Read returns
}

// NewReader opens a random-access reader over src using a built
// table. src must cover the same compressed bytes the table was
// built from.
func NewReader(table *Table, src io.ReaderAt, srcSize int64) (*Reader, error) {
	c, err := Lookup(table.Codec)
	if err != nil {
		return nil, err
	}
	return &Reader{table: table, codec: c, src: src, srcSize: srcSize, pos: -1}, nil
}

// Size returns the decompressed stream length (the indexed prefix
// length for an incomplete table).
func (r *Reader) Size() int64 { return r.table.DecompressedSize }

// Position returns the decompressed offset the live context sits at,
// or -1 when no context is live. Used by the context cache to decide
// whether a parked Reader is worth borrowing for a given offset.
func (r *Reader) Position() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// ReadAt reads len(p) decompressed bytes starting at off. Reads
// past the end return the available bytes with io.EOF, matching the
// io.ReaderAt contract.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("seekindex: negative read offset %d", off)
	}
	size := r.table.DecompressedSize
	if off >= size {
		if !r.table.Complete {
			return 0, fmt.Errorf("%w: read at %d, indexed %d", ErrIncompleteIndex, off, size)
		}
		return 0, io.EOF
	}

	truncated := false
	if int64(len(p)) > size-off {
		p = p[:size-off]
		truncated = true
	}

	if err := r.position(off); err != nil {
		return 0, err
	}

	n, err := io.ReadFull(r.cur, p)
	r.pos += int64(n)
	if err != nil {
		// The stream ended before the table said it would: the
		// compressed data is damaged or truncated behind the index.
		r.invalidate()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return n, fmt.Errorf("%w: stream ended at decompressed offset %d, table says %d",
				ErrCorruptStream, off+int64(n), size)
		}
		return n, err
	}
	if truncated {
		return n, io.EOF
	}
	return n, nil
}

// position arranges for r.cur to produce the byte at decompressed
// offset off next. It continues the live context when that is
// cheaper than resuming from the best checkpoint.
func (r *Reader) position(off int64) error {
	index, residual, err := r.table.Seek(off)
	if err != nil {
		return err
	}
	checkpoint := r.table.Checkpoints[index]

	// Continue the live context if it is at or behind the target
	// but not behind the chosen checkpoint: the forward discard is
	// then no longer than the residual a fresh resume would pay.
	if r.cur != nil && r.pos >= 0 && r.pos <= off && r.pos >= int64(checkpoint.DecompressedOffset) {
		return r.discard(off - r.pos)
	}

	r.invalidate()
	stream, err := r.codec.Resume(r.src, r.srcSize, checkpoint)
	if err != nil {
		return err
	}
	r.cur = stream
	r.pos = int64(checkpoint.DecompressedOffset)
	return r.discard(residual)
}

func (r *Reader) discard(n int64) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, r.cur, n)
	r.pos += copied
	if err != nil {
		r.invalidate()
		return fmt.Errorf("%w: stream ended while skipping to decompressed offset %d",
			ErrCorruptStream, r.pos+n-copied)
	}
	return nil
}

func (r *Reader) invalidate() {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	r.pos = -1
}

// Close releases the live decompressor context. The Reader may be
// used again afterwards; the next read resumes from a checkpoint.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidate()
	return nil
}
