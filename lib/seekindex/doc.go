// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package seekindex makes sequentially-compressed streams randomly
// seekable.
//
// Sequential codecs (gzip, zstd, lz4, xz, bzip2, raw deflate) must
// normally be decompressed from the start to reach an arbitrary
// offset. This package builds a checkpoint table for a stream in one
// linear pass, recording resumable positions, and then serves reads
// at arbitrary decompressed offsets by resuming from the nearest
// checkpoint at or before the target and decompressing only the
// residual gap.
//
// Where the checkpoints come from is codec-specific:
//
//   - gzip: member boundaries. Concatenated gzip members are a valid
//     gzip stream, and each member is independently decompressible,
//     so multi-member files (pigz, multigz, bgzf-style) seek in
//     O(member size). A monolithic single-member file degrades to
//     one checkpoint at the stream start.
//   - zstd: frame boundaries, located by walking frame and block
//     headers without decompression.
//   - lz4: independent block boundaries within frames.
//   - xz, bzip2, raw deflate: no mid-stream restart point is
//     reachable through their pure-Go decoders, so their tables
//     carry only the (0,0) sentinel and backward seeks restart from
//     the beginning.
//
// A checkpoint's resume state is an opaque blob whose only consumer
// is the owning codec's Resume method; the table itself is
// codec-agnostic. Tables are append-only during Build and frozen
// afterwards: any number of Readers may share a frozen table without
// locking.
package seekindex
