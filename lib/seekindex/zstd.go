// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

func init() { register(zstdCodec{}) }

// zstdCodec checkpoints at zstd frame boundaries. Frames are
// independently decodable, and frame extents can be located without
// decompression by walking block headers (RFC 8878: each block
// header carries its compressed size). Multi-frame files — anything
// produced by a streaming compressor that cuts frames, or by
// repeated EncodeAll appends — seek in O(frame size). Skippable
// frames are skipped and never checkpointed.
type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

const (
	zstdFrameMagic     = 0xfd2fb528
	zstdSkippableMask  = 0xfffffff0
	zstdSkippableMagic = 0x184d2a50
)

func (zstdCodec) BuildIndex(r io.Reader, spacing int64) (*Table, error) {
	table := newTable("zstd")
	br := newCountingReader(r)

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("seekindex: zstd decoder: %v", err)
	}
	defer dec.Close()

	var out int64
	var lastCheckpoint int64

	for {
		frameStart := br.offset

		var magicBytes [4]byte
		_, err := io.ReadFull(br, magicBytes[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			table.DecompressedSize = out
			return table, fmt.Errorf("%w: truncated zstd magic at offset %d: %v",
				ErrCorruptStream, frameStart, err)
		}
		magic := binary.LittleEndian.Uint32(magicBytes[:])

		if magic&zstdSkippableMask == zstdSkippableMagic {
			var sizeBytes [4]byte
			if _, err := io.ReadFull(br, sizeBytes[:]); err != nil {
				table.DecompressedSize = out
				return table, fmt.Errorf("%w: truncated skippable frame at offset %d",
					ErrCorruptStream, frameStart)
			}
			skip := int64(binary.LittleEndian.Uint32(sizeBytes[:]))
			if _, err := io.CopyN(io.Discard, br, skip); err != nil {
				table.DecompressedSize = out
				return table, fmt.Errorf("%w: truncated skippable frame at offset %d",
					ErrCorruptStream, frameStart)
			}
			continue
		}

		if magic != zstdFrameMagic {
			table.DecompressedSize = out
			return table, fmt.Errorf("%w: bad zstd frame magic %#x at offset %d",
				ErrCorruptStream, magic, frameStart)
		}

		frameOut, err := decodeZstdFrame(dec, magicBytes[:], br)
		if err != nil {
			table.DecompressedSize = out
			return table, fmt.Errorf("%w: zstd frame at offset %d: %v",
				ErrCorruptStream, frameStart, err)
		}

		// The decompressed offset guards against duplicating the zero
		// checkpoint: a stream opening with a skippable or empty
		// frame has restart points still at output offset 0.
		if out > 0 && (spacing <= 0 || out-lastCheckpoint >= spacing) {
			table.Checkpoints = append(table.Checkpoints, Checkpoint{
				CompressedOffset:   uint64(frameStart),
				DecompressedOffset: uint64(out),
			})
			lastCheckpoint = out
		}
		out += frameOut
	}

	table.DecompressedSize = out
	table.Complete = true
	return table, nil
}

// decodeZstdFrame streams one frame, whose magic has already been
// consumed, through dec and counts its decompressed bytes. The frame
// is piped rather than buffered, so build memory stays bounded by the
// decoder's window however large the frame is.
func decodeZstdFrame(dec *zstd.Decoder, magic []byte, r io.Reader) (int64, error) {
	pr, pw := io.Pipe()
	if err := dec.Reset(pr); err != nil {
		return 0, err
	}

	type decodeResult struct {
		n   int64
		err error
	}
	done := make(chan decodeResult, 1)
	go func() {
		n, err := io.Copy(io.Discard, dec)
		// Unblocks the feeding side when the decoder stops early.
		pr.CloseWithError(err)
		done <- decodeResult{n, err}
	}()

	var feedErr error
	if _, err := pw.Write(magic); err != nil {
		feedErr = err
	} else {
		feedErr = walkZstdFrame(r, pw)
	}
	pw.CloseWithError(feedErr)
	res := <-done

	// A decoder failure surfaces on the feeding side too, as the
	// pipe's close error.
	if feedErr != nil {
		return res.n, feedErr
	}
	return res.n, res.err
}

// walkZstdFrame reads one zstd frame (after its magic) from r,
// copying every byte to frame, using only header fields to find
// the frame's end.
func walkZstdFrame(r io.Reader, frame io.Writer) error {
	tee := io.TeeReader(r, frame)

	var descriptor [1]byte
	if _, err := io.ReadFull(tee, descriptor[:]); err != nil {
		return fmt.Errorf("frame header descriptor: %v", err)
	}
	fhd := descriptor[0]

	singleSegment := fhd&0x20 != 0
	contentChecksum := fhd&0x04 != 0
	if fhd&0x08 != 0 {
		return errors.New("reserved frame header bit set")
	}

	headerExtra := 0
	if !singleSegment {
		headerExtra++ // window descriptor
	}
	switch fhd & 0x03 { // dictionary ID field size
	case 1:
		headerExtra++
	case 2:
		headerExtra += 2
	case 3:
		headerExtra += 4
	}
	switch fhd >> 6 { // frame content size field
	case 0:
		if singleSegment {
			headerExtra++
		}
	case 1:
		headerExtra += 2
	case 2:
		headerExtra += 4
	case 3:
		headerExtra += 8
	}
	if _, err := io.CopyN(io.Discard, tee, int64(headerExtra)); err != nil {
		return fmt.Errorf("frame header: %v", err)
	}

	for {
		var blockHeader [3]byte
		if _, err := io.ReadFull(tee, blockHeader[:]); err != nil {
			return fmt.Errorf("block header: %v", err)
		}
		raw := uint32(blockHeader[0]) | uint32(blockHeader[1])<<8 | uint32(blockHeader[2])<<16
		lastBlock := raw&1 != 0
		blockType := (raw >> 1) & 3
		blockSize := int64(raw >> 3)

		switch blockType {
		case 0, 2: // raw, compressed: blockSize bytes follow
		case 1: // RLE: one byte follows
			blockSize = 1
		default:
			return errors.New("reserved block type")
		}
		if _, err := io.CopyN(io.Discard, tee, blockSize); err != nil {
			return fmt.Errorf("block body: %v", err)
		}
		if lastBlock {
			break
		}
	}

	if contentChecksum {
		if _, err := io.CopyN(io.Discard, tee, 4); err != nil {
			return fmt.Errorf("content checksum: %v", err)
		}
	}
	return nil
}

func (zstdCodec) Resume(src io.ReaderAt, size int64, cp Checkpoint) (io.ReadCloser, error) {
	remaining := size - int64(cp.CompressedOffset)
	if remaining <= 0 {
		return nopReadCloser{bytes.NewReader(nil)}, nil
	}

	section := io.NewSectionReader(src, int64(cp.CompressedOffset), remaining)
	decoder, err := zstd.NewReader(section)
	if err != nil {
		return nil, fmt.Errorf("%w: resuming zstd at offset %d: %v",
			ErrCorruptStream, cp.CompressedOffset, err)
	}
	return decoder.IOReadCloser(), nil
}
