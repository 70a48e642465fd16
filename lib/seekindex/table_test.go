// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"errors"
	"math/rand"
	"testing"
)

// makeTestData produces deterministic mildly-compressible bytes.
func makeTestData(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	for i := range data {
		// Runs of repeated values interleaved with noise, so
		// compressors neither store raw nor collapse to nothing.
		if i%7 == 0 {
			data[i] = byte(rng.Intn(256))
		} else {
			data[i] = byte(i / 64)
		}
	}
	return data
}

func TestTableSeek(t *testing.T) {
	table := &Table{
		Codec: "gzip",
		Checkpoints: []Checkpoint{
			{0, 0, nil},
			{100, 1000, nil},
			{200, 2000, nil},
		},
		DecompressedSize: 3000,
		Complete:         true,
	}

	tests := []struct {
		target       int64
		wantIndex    int
		wantResidual int64
	}{
		{0, 0, 0},
		{999, 0, 999},
		{1000, 1, 0},
		{1500, 1, 500},
		{2000, 2, 0},
		{2999, 2, 999},
	}
	for _, tt := range tests {
		index, residual, err := table.Seek(tt.target)
		if err != nil {
			t.Fatalf("Seek(%d) failed: %v", tt.target, err)
		}
		if index != tt.wantIndex || residual != tt.wantResidual {
			t.Errorf("Seek(%d) = (%d, %d), want (%d, %d)",
				tt.target, index, residual, tt.wantIndex, tt.wantResidual)
		}
	}
}

func TestTableSeekNegative(t *testing.T) {
	table := newTable("gzip")
	if _, _, err := table.Seek(-1); err == nil {
		t.Error("Seek(-1) should fail")
	}
}

func TestTableSeekIncomplete(t *testing.T) {
	table := &Table{
		Codec:            "gzip",
		Checkpoints:      []Checkpoint{{0, 0, nil}},
		DecompressedSize: 500,
		Complete:         false,
	}

	if _, _, err := table.Seek(499); err != nil {
		t.Errorf("Seek within indexed prefix failed: %v", err)
	}
	_, _, err := table.Seek(500)
	if !errors.Is(err, ErrIncompleteIndex) {
		t.Errorf("Seek past prefix: got %v, want ErrIncompleteIndex", err)
	}
}

func TestTableValidate(t *testing.T) {
	t.Run("sentinel only", func(t *testing.T) {
		if err := newTable("gzip").Validate(); err != nil {
			t.Errorf("sentinel table should validate: %v", err)
		}
	})

	t.Run("missing sentinel", func(t *testing.T) {
		table := &Table{Codec: "gzip", Checkpoints: []Checkpoint{{10, 10, nil}}}
		if err := table.Validate(); err == nil {
			t.Error("table without (0,0) sentinel should fail validation")
		}
	})

	t.Run("non-monotonic compressed", func(t *testing.T) {
		table := &Table{Codec: "gzip", Checkpoints: []Checkpoint{
			{0, 0, nil}, {100, 50, nil}, {100, 80, nil},
		}}
		if err := table.Validate(); err == nil {
			t.Error("repeated compressed offset should fail validation")
		}
	})

	t.Run("non-monotonic decompressed", func(t *testing.T) {
		table := &Table{Codec: "gzip", Checkpoints: []Checkpoint{
			{0, 0, nil}, {100, 50, nil}, {200, 50, nil},
		}}
		if err := table.Validate(); err == nil {
			t.Error("repeated decompressed offset should fail validation")
		}
	})

	t.Run("empty", func(t *testing.T) {
		table := &Table{Codec: "gzip"}
		if err := table.Validate(); err == nil {
			t.Error("empty checkpoint list should fail validation")
		}
	})
}

func TestLookupUnknownCodec(t *testing.T) {
	if _, err := Lookup("lzma-nope"); err == nil {
		t.Error("Lookup of unregistered codec should fail")
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   string
	}{
		{"gzip", []byte{0x1f, 0x8b, 0x08, 0x00}, "gzip"},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}, "zstd"},
		{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, "xz"},
		{"bzip2", []byte{'B', 'Z', 'h', '9'}, "bzip2"},
		{"lz4", []byte{0x04, 0x22, 0x4d, 0x18}, "lz4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Detect(tt.prefix)
			if !ok {
				t.Fatalf("Detect(%x) found nothing", tt.prefix)
			}
			if c.Name() != tt.want {
				t.Errorf("Detect(%x) = %s, want %s", tt.prefix, c.Name(), tt.want)
			}
		})
	}

	t.Run("plain data", func(t *testing.T) {
		if _, ok := Detect([]byte("hello plain text")); ok {
			t.Error("Detect should not match uncompressed data")
		}
	})
}
