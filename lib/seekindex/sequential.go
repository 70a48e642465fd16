// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/ulikunitz/xz"
)

// sequentialCodec wraps a format with no restart point reachable
// through its pure-Go decoder. Its table carries only the (0,0)
// sentinel: any backward seek restarts decompression from the
// stream's beginning. xz and bzip2 are block-structured on the wire,
// but neither ulikunitz/xz nor compress/bzip2 exposes block-level
// entry, and raw deflate genuinely has none.
type sequentialCodec struct {
	name string
	open func(io.Reader) (io.Reader, error)
}

func init() {
	register(&sequentialCodec{
		name: "xz",
		open: func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) },
	})
	register(&sequentialCodec{
		name: "bzip2",
		open: func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil },
	})
	register(&sequentialCodec{
		name: "deflate",
		open: func(r io.Reader) (io.Reader, error) { return flate.NewReader(r), nil },
	})
}

func (c *sequentialCodec) Name() string { return c.name }

func (c *sequentialCodec) BuildIndex(r io.Reader, spacing int64) (*Table, error) {
	table := newTable(c.name)
	counting := newCountingReader(r)

	decompressed, err := c.open(counting)
	if err != nil {
		if emptyStream(counting.offset, err) {
			table.Complete = true
			return table, nil
		}
		return table, fmt.Errorf("%w: %s header: %v", ErrCorruptStream, c.name, err)
	}

	out, err := io.Copy(io.Discard, decompressed)
	table.DecompressedSize = out
	if err != nil {
		return table, fmt.Errorf("%w: %s at decompressed offset %d: %v",
			ErrCorruptStream, c.name, out, err)
	}
	table.Complete = true
	return table, nil
}

func (c *sequentialCodec) Resume(src io.ReaderAt, size int64, cp Checkpoint) (io.ReadCloser, error) {
	// Only the sentinel exists for sequential codecs.
	if cp.CompressedOffset != 0 {
		return nil, fmt.Errorf("seekindex: %s has no checkpoint at offset %d", c.name, cp.CompressedOffset)
	}
	if size <= 0 {
		return nopReadCloser{bytes.NewReader(nil)}, nil
	}

	section := io.NewSectionReader(src, 0, size)
	decompressed, err := c.open(section)
	if err != nil {
		return nil, fmt.Errorf("%w: resuming %s: %v", ErrCorruptStream, c.name, err)
	}
	if closer, ok := decompressed.(io.ReadCloser); ok {
		return closer, nil
	}
	return nopReadCloser{decompressed}, nil
}
