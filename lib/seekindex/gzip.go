// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

func init() { register(gzipCodec{}) }

// gzipCodec checkpoints at gzip member boundaries. A gzip file may
// be the concatenation of multiple members, each an independent
// deflate stream with its own header and CRC; decompression can
// restart at any member start with no carried state. Files produced
// by pigz, bgzf or multigz-style writers restart every few tens of
// kilobytes; a plain single-member file has only the sentinel.
type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) BuildIndex(r io.Reader, spacing int64) (*Table, error) {
	table := newTable("gzip")
	counting := newCountingReader(r)

	zr, err := gzip.NewReader(counting)
	if err != nil {
		if emptyStream(counting.offset, err) {
			table.Complete = true
			return table, nil
		}
		return table, fmt.Errorf("%w: gzip header: %v", ErrCorruptStream, err)
	}
	defer zr.Close()

	var out int64
	var lastCheckpoint int64
	buf := make([]byte, 64<<10)

	for {
		// Drain one member. Multistream(false) makes the reader
		// stop at the member's end instead of silently starting
		// the next one, which is what exposes the boundary.
		zr.Multistream(false)
		n, err := io.CopyBuffer(io.Discard, zr, buf)
		out += n
		if err != nil {
			table.DecompressedSize = out
			return table, fmt.Errorf("%w: gzip member at decompressed offset %d: %v",
				ErrCorruptStream, out, err)
		}

		// counting.offset now sits exactly at the member trailer's
		// end: the next member's first byte, or stream EOF. Capture
		// it before Reset consumes the next header.
		memberEnd := counting.offset
		if err := zr.Reset(counting); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			table.DecompressedSize = out
			return table, fmt.Errorf("%w: gzip member header at offset %d: %v",
				ErrCorruptStream, memberEnd, err)
		}

		if spacing <= 0 || out-lastCheckpoint >= spacing {
			table.Checkpoints = append(table.Checkpoints, Checkpoint{
				CompressedOffset:   uint64(memberEnd),
				DecompressedOffset: uint64(out),
			})
			lastCheckpoint = out
		}
	}

	table.DecompressedSize = out
	table.Complete = true
	return table, nil
}

func (gzipCodec) Resume(src io.ReaderAt, size int64, cp Checkpoint) (io.ReadCloser, error) {
	remaining := size - int64(cp.CompressedOffset)
	if remaining <= 0 {
		return nopReadCloser{bytes.NewReader(nil)}, nil
	}

	section := io.NewSectionReader(src, int64(cp.CompressedOffset), remaining)
	zr, err := gzip.NewReader(bufio.NewReader(section))
	if err != nil {
		return nil, fmt.Errorf("%w: resuming gzip at offset %d: %v",
			ErrCorruptStream, cp.CompressedOffset, err)
	}
	// Multistream stays on: the resumed stream reads through every
	// following member to the end of the file.
	return zr, nil
}
