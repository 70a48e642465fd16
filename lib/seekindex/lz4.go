// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/stratafs/strata/lib/codec"
)

func init() { register(lz4Codec{}) }

// lz4Codec checkpoints at block boundaries inside lz4 frames whose
// block-independence flag is set (the only mode pierrec/lz4 and the
// reference CLI produce), and at every frame boundary otherwise.
// Independent blocks decompress with lz4.UncompressBlock and no
// carried window, so a resume lands on a block start and pays at
// most one block of discard.
type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

const (
	lz4FrameMagic     = 0x184d2204
	lz4SkippableMask  = 0xfffffff0
	lz4SkippableMagic = 0x184d2a50
	lz4EndMark        = 0
	lz4Uncompressed   = 0x80000000
)

// lz4Resume is the opaque resume blob for a mid-frame block
// checkpoint: enough of the frame descriptor to keep parsing blocks
// without re-reading the frame header. An empty blob means the
// checkpoint sits on a frame boundary.
type lz4Resume struct {
	MaxBlockSize    uint32 `cbor:"m"`
	BlockChecksum   bool   `cbor:"bc"`
	ContentChecksum bool   `cbor:"cc"`
}

type lz4FrameHeader struct {
	independent     bool
	blockChecksum   bool
	contentChecksum bool
	maxBlockSize    uint32
}

func (lz4Codec) BuildIndex(r io.Reader, spacing int64) (*Table, error) {
	table := newTable("lz4")
	br := newCountingReader(r)

	var out int64
	var lastCheckpoint int64

	blockBuf := make([]byte, 0)
	dst := make([]byte, 0)

	corrupt := func(offset int64, format string, args ...any) (*Table, error) {
		table.DecompressedSize = out
		return table, fmt.Errorf("%w: lz4 at offset %d: %s",
			ErrCorruptStream, offset, fmt.Sprintf(format, args...))
	}

	for {
		frameStart := br.offset

		var magicBytes [4]byte
		_, err := io.ReadFull(br, magicBytes[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return corrupt(frameStart, "truncated magic: %v", err)
		}
		magic := binary.LittleEndian.Uint32(magicBytes[:])

		if magic&lz4SkippableMask == lz4SkippableMagic {
			var sizeBytes [4]byte
			if _, err := io.ReadFull(br, sizeBytes[:]); err != nil {
				return corrupt(frameStart, "truncated skippable frame")
			}
			if _, err := io.CopyN(io.Discard, br, int64(binary.LittleEndian.Uint32(sizeBytes[:]))); err != nil {
				return corrupt(frameStart, "truncated skippable frame")
			}
			continue
		}
		if magic != lz4FrameMagic {
			return corrupt(frameStart, "bad frame magic %#x", magic)
		}

		header, err := readLZ4FrameHeader(br)
		if err != nil {
			return corrupt(frameStart, "%v", err)
		}

		// The decompressed offset guards against duplicating the zero
		// checkpoint: the first restart point past the header still
		// sits at output offset 0.
		if out > 0 && (spacing <= 0 || out-lastCheckpoint >= spacing) {
			table.Checkpoints = append(table.Checkpoints, Checkpoint{
				CompressedOffset:   uint64(frameStart),
				DecompressedOffset: uint64(out),
			})
			lastCheckpoint = out
		}

		resumeBlob, err := codec.Marshal(lz4Resume{
			MaxBlockSize:    header.maxBlockSize,
			BlockChecksum:   header.blockChecksum,
			ContentChecksum: header.contentChecksum,
		})
		if err != nil {
			return nil, fmt.Errorf("seekindex: encoding lz4 resume state: %w", err)
		}

		if cap(dst) < int(header.maxBlockSize) {
			dst = make([]byte, header.maxBlockSize)
		}
		dst = dst[:cap(dst)]

		// Walk the frame's blocks.
		for {
			blockStart := br.offset

			var sizeBytes [4]byte
			if _, err := io.ReadFull(br, sizeBytes[:]); err != nil {
				return corrupt(blockStart, "truncated block header: %v", err)
			}
			blockWord := binary.LittleEndian.Uint32(sizeBytes[:])
			if blockWord == lz4EndMark {
				if header.contentChecksum {
					if _, err := io.CopyN(io.Discard, br, 4); err != nil {
						return corrupt(blockStart, "truncated content checksum")
					}
				}
				break
			}

			dataLen := blockWord &^ lz4Uncompressed
			if dataLen > header.maxBlockSize {
				return corrupt(blockStart, "block length %d exceeds frame maximum %d",
					dataLen, header.maxBlockSize)
			}
			if cap(blockBuf) < int(dataLen) {
				blockBuf = make([]byte, dataLen)
			}
			blockBuf = blockBuf[:dataLen]
			if _, err := io.ReadFull(br, blockBuf); err != nil {
				return corrupt(blockStart, "truncated block body: %v", err)
			}
			if header.blockChecksum {
				if _, err := io.CopyN(io.Discard, br, 4); err != nil {
					return corrupt(blockStart, "truncated block checksum")
				}
			}

			var blockOut int64
			if blockWord&lz4Uncompressed != 0 {
				blockOut = int64(dataLen)
			} else {
				n, err := lz4.UncompressBlock(blockBuf, dst)
				if err != nil {
					return corrupt(blockStart, "block decompression: %v", err)
				}
				blockOut = int64(n)
			}

			// A block boundary is a restart point only when blocks
			// are independent.
			if header.independent && out > 0 && (spacing <= 0 || out-lastCheckpoint >= spacing) {
				table.Checkpoints = append(table.Checkpoints, Checkpoint{
					CompressedOffset:   uint64(blockStart),
					DecompressedOffset: uint64(out),
					Resume:             resumeBlob,
				})
				lastCheckpoint = out
			}
			out += blockOut
		}
	}

	table.DecompressedSize = out
	table.Complete = true
	return table, nil
}

func readLZ4FrameHeader(r io.Reader) (lz4FrameHeader, error) {
	var fixed [2]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return lz4FrameHeader{}, fmt.Errorf("truncated frame descriptor: %v", err)
	}
	flg, bd := fixed[0], fixed[1]

	if (flg>>6)&3 != 1 {
		return lz4FrameHeader{}, fmt.Errorf("unsupported frame version %d", (flg>>6)&3)
	}
	sizeCode := (bd >> 4) & 7
	if sizeCode < 4 || sizeCode > 7 {
		return lz4FrameHeader{}, fmt.Errorf("invalid block max-size code %d", sizeCode)
	}

	header := lz4FrameHeader{
		independent:     flg&0x20 != 0,
		blockChecksum:   flg&0x10 != 0,
		contentChecksum: flg&0x04 != 0,
		maxBlockSize:    1 << (8 + 2*sizeCode),
	}

	// Optional content size, optional dictionary ID, then the
	// one-byte header checksum.
	skip := int64(1)
	if flg&0x08 != 0 {
		skip += 8
	}
	if flg&0x01 != 0 {
		skip += 4
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return lz4FrameHeader{}, fmt.Errorf("truncated frame descriptor: %v", err)
	}
	return header, nil
}

func (lz4Codec) Resume(src io.ReaderAt, size int64, cp Checkpoint) (io.ReadCloser, error) {
	remaining := size - int64(cp.CompressedOffset)
	if remaining <= 0 {
		return nopReadCloser{bytes.NewReader(nil)}, nil
	}
	section := io.NewSectionReader(src, int64(cp.CompressedOffset), remaining)

	if len(cp.Resume) == 0 {
		// Frame boundary: the standard reader handles the header
		// and every following frame.
		return nopReadCloser{lz4.NewReader(section)}, nil
	}

	var state lz4Resume
	if err := codec.Unmarshal(cp.Resume, &state); err != nil {
		return nil, fmt.Errorf("%w: decoding lz4 resume state: %v", ErrCorruptStream, err)
	}
	return &lz4BlockReader{
		src:    section,
		state:  state,
		dst:    make([]byte, state.MaxBlockSize),
		inward: make([]byte, state.MaxBlockSize),
	}, nil
}

// lz4BlockReader decompresses independent lz4 blocks starting
// mid-frame. When the frame ends, it hands the remainder of the
// stream to the standard reader (following frames start with their
// own headers).
type lz4BlockReader struct {
	src   *io.SectionReader
	state lz4Resume

	dst    []byte // decompression buffer
	inward []byte // compressed block buffer
	buf    []byte // current block's decompressed bytes
	pos    int
	rest   io.Reader // non-nil once the frame has ended
	err    error
}

func (r *lz4BlockReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.rest != nil {
		return r.rest.Read(p)
	}
	if r.pos >= len(r.buf) {
		if err := r.nextBlock(); err != nil {
			r.err = err
			return 0, err
		}
		if r.rest != nil {
			return r.rest.Read(p)
		}
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}

func (r *lz4BlockReader) nextBlock() error {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(r.src, sizeBytes[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("%w: truncated lz4 block header: %v", ErrCorruptStream, err)
	}
	blockWord := binary.LittleEndian.Uint32(sizeBytes[:])

	if blockWord == lz4EndMark {
		if r.state.ContentChecksum {
			if _, err := io.CopyN(io.Discard, r.src, 4); err != nil {
				return fmt.Errorf("%w: truncated lz4 content checksum", ErrCorruptStream)
			}
		}
		// Frame done; anything further is a fresh frame.
		r.rest = lz4.NewReader(r.src)
		return nil
	}

	dataLen := blockWord &^ lz4Uncompressed
	if dataLen > r.state.MaxBlockSize {
		return fmt.Errorf("%w: lz4 block length %d exceeds frame maximum %d",
			ErrCorruptStream, dataLen, r.state.MaxBlockSize)
	}
	block := r.inward[:dataLen]
	if _, err := io.ReadFull(r.src, block); err != nil {
		return fmt.Errorf("%w: truncated lz4 block body: %v", ErrCorruptStream, err)
	}
	if r.state.BlockChecksum {
		if _, err := io.CopyN(io.Discard, r.src, 4); err != nil {
			return fmt.Errorf("%w: truncated lz4 block checksum", ErrCorruptStream)
		}
	}

	if blockWord&lz4Uncompressed != 0 {
		r.buf = block
	} else {
		n, err := lz4.UncompressBlock(block, r.dst)
		if err != nil {
			return fmt.Errorf("%w: lz4 block decompression: %v", ErrCorruptStream, err)
		}
		r.buf = r.dst[:n]
	}
	r.pos = 0
	return nil
}

func (r *lz4BlockReader) Close() error { return nil }
