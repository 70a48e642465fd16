// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// writeMultiMemberGzip compresses data as a concatenation of gzip
// members of memberSize decompressed bytes each.
func writeMultiMemberGzip(t *testing.T, data []byte, memberSize int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	for start := 0; start < len(data); start += memberSize {
		end := start + memberSize
		if end > len(data) {
			end = len(data)
		}
		if start > 0 {
			w.Reset(&buf)
		}
		if _, err := w.Write(data[start:end]); err != nil {
			t.Fatalf("gzip write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("gzip close: %v", err)
		}
	}
	return buf.Bytes()
}

func TestGzipBuildIndexCheckpoints(t *testing.T) {
	data := makeTestData(32 << 10)
	compressed := writeMultiMemberGzip(t, data, 4<<10)

	// Spacing 0: a checkpoint at every member boundary.
	table, err := Build("gzip", bytes.NewReader(compressed), 0)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !table.Complete {
		t.Error("table should be complete")
	}
	if table.DecompressedSize != int64(len(data)) {
		t.Errorf("DecompressedSize = %d, want %d", table.DecompressedSize, len(data))
	}
	// 8 members → sentinel + 7 interior boundaries (the final
	// member's end is stream EOF, not a restart point).
	if len(table.Checkpoints) != 8 {
		t.Errorf("got %d checkpoints, want 8", len(table.Checkpoints))
	}
	if err := table.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	for i, cp := range table.Checkpoints {
		if cp.DecompressedOffset != uint64(i*4<<10) {
			t.Errorf("checkpoint %d at decompressed offset %d, want %d",
				i, cp.DecompressedOffset, i*4<<10)
		}
	}
}

func TestGzipBuildIndexSpacing(t *testing.T) {
	data := makeTestData(64 << 10)
	compressed := writeMultiMemberGzip(t, data, 4<<10)

	// Spacing of 16 KiB across 4 KiB members: roughly one
	// checkpoint every 4 members.
	table, err := Build("gzip", bytes.NewReader(compressed), 16<<10)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(table.Checkpoints) < 3 || len(table.Checkpoints) > 6 {
		t.Errorf("got %d checkpoints, want about 4", len(table.Checkpoints))
	}
	var last uint64
	for i, cp := range table.Checkpoints[1:] {
		if cp.DecompressedOffset-last < 16<<10 {
			t.Errorf("checkpoint %d only %d bytes after previous",
				i+1, cp.DecompressedOffset-last)
		}
		last = cp.DecompressedOffset
	}
}

func TestGzipRoundTripEveryOffset(t *testing.T) {
	data := makeTestData(8 << 10)
	compressed := writeMultiMemberGzip(t, data, 1<<10)

	table, err := Build("gzip", bytes.NewReader(compressed), 0)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	reader, err := NewReader(table, bytes.NewReader(compressed), int64(len(compressed)))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	buf := make([]byte, 33)
	for off := 0; off < len(data); off++ {
		n, err := reader.ReadAt(buf, int64(off))
		want := len(data) - off
		if want > len(buf) {
			want = len(buf)
		}
		if n != want {
			t.Fatalf("ReadAt(%d): n = %d, want %d (err %v)", off, n, want, err)
		}
		if err != nil && err != io.EOF {
			t.Fatalf("ReadAt(%d) failed: %v", off, err)
		}
		if !bytes.Equal(buf[:n], data[off:off+n]) {
			t.Fatalf("ReadAt(%d): content mismatch", off)
		}
	}
}

func TestGzipSingleMember(t *testing.T) {
	data := makeTestData(16 << 10)
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write(data)
	w.Close()

	table, err := Build("gzip", bytes.NewReader(buf.Bytes()), 1<<10)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	// No interior restart points: just the sentinel.
	if len(table.Checkpoints) != 1 {
		t.Errorf("got %d checkpoints, want 1", len(table.Checkpoints))
	}

	reader, err := NewReader(table, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	got := make([]byte, 100)
	if _, err := reader.ReadAt(got, 12000); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, data[12000:12100]) {
		t.Error("single-member read mismatch")
	}
}

func TestGzipEmptyStream(t *testing.T) {
	table, err := Build("gzip", bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("Build on empty stream failed: %v", err)
	}
	if !table.Complete || table.DecompressedSize != 0 {
		t.Errorf("empty stream: complete=%v size=%d", table.Complete, table.DecompressedSize)
	}
	if len(table.Checkpoints) != 1 || table.Checkpoints[0].DecompressedOffset != 0 {
		t.Errorf("empty stream should have just the sentinel, got %v", table.Checkpoints)
	}
}

func TestGzipCorruptStream(t *testing.T) {
	data := makeTestData(16 << 10)
	compressed := writeMultiMemberGzip(t, data, 2<<10)

	// Cut the stream inside a late member.
	cut := compressed[:len(compressed)-40]

	table, err := Build("gzip", bytes.NewReader(cut), 0)
	if !errors.Is(err, ErrCorruptStream) {
		t.Fatalf("Build on truncated stream: got %v, want ErrCorruptStream", err)
	}
	if table.Complete {
		t.Error("truncated table should be incomplete")
	}
	if table.DecompressedSize == 0 {
		t.Fatal("truncated table should still cover a prefix")
	}

	// The valid prefix stays readable.
	reader, err := NewReader(table, bytes.NewReader(cut), int64(len(cut)))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	got := make([]byte, 100)
	if _, err := reader.ReadAt(got, 1000); err != nil {
		t.Fatalf("read within valid prefix failed: %v", err)
	}
	if !bytes.Equal(got, data[1000:1100]) {
		t.Error("prefix read mismatch")
	}

	// Beyond the indexed prefix: ErrIncompleteIndex.
	if _, err := reader.ReadAt(got, table.DecompressedSize+10); !errors.Is(err, ErrIncompleteIndex) {
		t.Errorf("read past prefix: got %v, want ErrIncompleteIndex", err)
	}
}
