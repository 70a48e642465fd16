// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCorruptStream indicates a codec-level integrity failure:
// checksum mismatch, truncated frame, or malformed header. A build
// that fails this way still returns the table built up to the last
// valid checkpoint, marked incomplete.
var ErrCorruptStream = errors.New("seekindex: corrupt stream")

// ErrIncompleteIndex indicates a seek beyond the indexed prefix of
// an incomplete table.
var ErrIncompleteIndex = errors.New("seekindex: offset beyond indexed prefix")

// Checkpoint is a resumable position within a compressed stream.
// Between two consecutive checkpoints, decompression is a
// deterministic function of the earlier checkpoint's resume state.
type Checkpoint struct {
	// CompressedOffset is the byte offset within the compressed
	// stream where decompression can restart.
	CompressedOffset uint64 `cbor:"c"`

	// DecompressedOffset is the decompressed byte offset the
	// restart produces.
	DecompressedOffset uint64 `cbor:"d"`

	// Resume is whatever the codec needs to resume here. Opaque to
	// everything but the owning codec; empty when the checkpoint
	// sits at a self-describing boundary (gzip member, zstd frame).
	Resume []byte `cbor:"r,omitempty"`
}

// Table is the ordered checkpoint sequence for one compressed
// stream. Built once, immutable after construction.
type Table struct {
	// Codec names the codec that built this table and the only one
	// that can resume from its checkpoints.
	Codec string `cbor:"codec"`

	// Checkpoints are strictly increasing in both offsets. The
	// first is always the (0,0) sentinel.
	Checkpoints []Checkpoint `cbor:"checkpoints"`

	// DecompressedSize is the total decompressed length once fully
	// scanned; for an incomplete table it is the indexed prefix
	// length instead.
	DecompressedSize int64 `cbor:"size"`

	// Complete is false when the build stopped early (corruption,
	// or a growing source that has not been fully scanned). Seeks
	// are then only valid within the indexed prefix.
	Complete bool `cbor:"complete"`
}

// Seek locates the greatest checkpoint with DecompressedOffset <=
// target. It returns the checkpoint's index and the residual byte
// count to decompress and discard before target. Cost is
// O(log len(Checkpoints)).
func (t *Table) Seek(target int64) (int, int64, error) {
	if target < 0 {
		return 0, 0, fmt.Errorf("seekindex: negative offset %d", target)
	}
	if len(t.Checkpoints) == 0 {
		return 0, 0, fmt.Errorf("seekindex: empty table")
	}
	if !t.Complete && target >= t.DecompressedSize {
		return 0, 0, fmt.Errorf("%w: offset %d, indexed %d", ErrIncompleteIndex, target, t.DecompressedSize)
	}

	// First checkpoint with DecompressedOffset > target, minus one.
	index := sort.Search(len(t.Checkpoints), func(i int) bool {
		return t.Checkpoints[i].DecompressedOffset > uint64(target)
	}) - 1
	if index < 0 {
		index = 0
	}

	residual := target - int64(t.Checkpoints[index].DecompressedOffset)
	return index, residual, nil
}

// Validate checks the table invariants: sentinel first checkpoint
// and strict monotonicity in both offsets.
func (t *Table) Validate() error {
	if len(t.Checkpoints) == 0 {
		return fmt.Errorf("seekindex: table has no checkpoints")
	}
	first := t.Checkpoints[0]
	if first.CompressedOffset != 0 || first.DecompressedOffset != 0 {
		return fmt.Errorf("seekindex: first checkpoint is (%d,%d), want (0,0)",
			first.CompressedOffset, first.DecompressedOffset)
	}
	for i := 1; i < len(t.Checkpoints); i++ {
		prev, cur := t.Checkpoints[i-1], t.Checkpoints[i]
		if cur.CompressedOffset <= prev.CompressedOffset || cur.DecompressedOffset <= prev.DecompressedOffset {
			return fmt.Errorf("seekindex: checkpoint %d (%d,%d) not after (%d,%d)",
				i, cur.CompressedOffset, cur.DecompressedOffset,
				prev.CompressedOffset, prev.DecompressedOffset)
		}
	}
	return nil
}

// newTable returns a table holding only the (0,0) sentinel.
func newTable(codec string) *Table {
	return &Table{
		Codec:       codec,
		Checkpoints: []Checkpoint{{}},
	}
}
