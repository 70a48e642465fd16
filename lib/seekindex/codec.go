// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package seekindex

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultSpacing is the default minimum decompressed distance between
// checkpoints. Smaller spacing means a larger index and cheaper
// seeks.
const DefaultSpacing = 4 << 20

// Codec adapts one compression format to checkpoint building and
// resumption.
type Codec interface {
	// Name is the codec's stable identifier, recorded in tables and
	// the catalog.
	Name() string

	// BuildIndex performs one linear decompression pass over r,
	// emitting a checkpoint at the codec's first restart point
	// after every spacing decompressed bytes (spacing <= 0 means
	// every restart point). On integrity failure it returns both
	// the partial table (Complete false) and an error wrapping
	// ErrCorruptStream.
	BuildIndex(r io.Reader, spacing int64) (*Table, error)

	// Resume opens a decompressed stream positioned exactly at
	// cp.DecompressedOffset, reading compressed bytes from src
	// starting at cp.CompressedOffset. size is the total compressed
	// stream length.
	Resume(src io.ReaderAt, size int64, cp Checkpoint) (io.ReadCloser, error)
}

var codecs = map[string]Codec{}

// register is called from each codec's init.
func register(c Codec) {
	codecs[c.Name()] = c
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("seekindex: unknown codec %q", name)
	}
	return c, nil
}

// Build runs the named codec's index builder over r and validates
// the result. See Codec.BuildIndex for the corruption contract.
func Build(codecName string, r io.Reader, spacing int64) (*Table, error) {
	c, err := Lookup(codecName)
	if err != nil {
		return nil, err
	}
	table, buildErr := c.BuildIndex(r, spacing)
	if table != nil {
		if err := table.Validate(); err != nil {
			return nil, err
		}
	}
	return table, buildErr
}

// Magic prefixes for codec detection. Raw deflate has no magic and
// is never detected; it is only used explicitly (zip members).
var magics = []struct {
	prefix []byte
	codec  string
}{
	{[]byte{0x1f, 0x8b}, "gzip"},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, "zstd"},
	{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, "xz"},
	{[]byte{'B', 'Z', 'h'}, "bzip2"},
	{[]byte{0x04, 0x22, 0x4d, 0x18}, "lz4"},
}

// Detect sniffs a stream prefix for a known compression magic.
func Detect(prefix []byte) (Codec, bool) {
	for _, m := range magics {
		if bytes.HasPrefix(prefix, m.prefix) {
			c, ok := codecs[m.codec]
			return c, ok
		}
	}
	return nil, false
}

// countingReader tracks the exact number of bytes consumed from the
// underlying reader. It implements io.ByteReader so that flate-based
// decompressors read exactly what they need instead of buffering
// ahead, keeping the count equal to the true compressed offset.
type countingReader struct {
	r      io.Reader
	br     io.ByteReader
	offset int64
	onebuf [1]byte
}

func newCountingReader(r io.Reader) *countingReader {
	cr := &countingReader{r: r}
	if br, ok := r.(io.ByteReader); ok {
		cr.br = br
	}
	return cr
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.offset += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	if c.br != nil {
		b, err := c.br.ReadByte()
		if err == nil {
			c.offset++
		}
		return b, err
	}
	n, err := c.r.Read(c.onebuf[:])
	if n == 1 {
		c.offset++
		return c.onebuf[0], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}

// emptyStream reports whether an initial decode error just means the
// input had no bytes at all. An empty stream is a valid (if trivial)
// source: its table is the bare sentinel.
func emptyStream(consumed int64, err error) bool {
	return consumed == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF))
}

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }
