// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"bytes"
	"fmt"
	"io"
)

// Shape classifies how a format exposes its member list. Each
// backend declares one; the builder's handling (single pass, seek to
// directory, tree walk) follows from it.
type Shape uint8

const (
	// ShapeHost: a plain directory tree on the host.
	ShapeHost Shape = iota

	// ShapeHeaderStream: members discovered by one pass over
	// interleaved header blocks (tar).
	ShapeHeaderStream

	// ShapeCentralDirectory: the member list lives in a trailing
	// directory structure (zip, 7z).
	ShapeCentralDirectory

	// ShapeBlockImage: an on-disk filesystem tree addressed by
	// block (squashfs).
	ShapeBlockImage
)

// backend is one archive format: a tag, its shape, and the scan that
// populates an entry's record tree from the source bytes.
type backend struct {
	format string
	shape  Shape
	scan   func(*buildState) error
}

var backends = map[string]*backend{}

func registerBackend(b *backend) {
	if _, dup := backends[b.format]; dup {
		panic(fmt.Sprintf("catalog: duplicate backend %q", b.format))
	}
	backends[b.format] = b
}

// Archive magics. Tar's lives at offset 257, inside the first
// header block. Zip needs the full four-byte signature of the local
// file header, or of the end-of-central-directory record for an
// archive with no members; the bare "PK" prefix also matches
// ordinary text.
var (
	magicZipLocal = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magic7z       = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	magicSquashLE = []byte("hsqs")
	magicSquashBE = []byte("sqsh")
)

const tarMagicOffset = 257

// sniffBuf is how much of a stream's head the format sniffer needs.
const sniffBuf = 512

// detectArchive matches prefix against the known archive formats.
// prefix should hold at least sniffBuf bytes for tar detection to
// work; shorter prefixes still match the front-anchored magics.
func detectArchive(prefix []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(prefix, magic7z):
		return "7z", true
	case bytes.HasPrefix(prefix, magicZipLocal), bytes.HasPrefix(prefix, magicZipEmpty):
		return "zip", true
	case bytes.HasPrefix(prefix, magicSquashLE), bytes.HasPrefix(prefix, magicSquashBE):
		return "squashfs", true
	case len(prefix) >= tarMagicOffset+5 &&
		bytes.Equal(prefix[tarMagicOffset:tarMagicOffset+5], []byte("ustar")):
		return "tar", true
	}
	return "", false
}

// readPrefix fills up to sniffBuf bytes from the head of r.
func readPrefix(r io.ReaderAt) ([]byte, error) {
	buf := make([]byte, sniffBuf)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}
