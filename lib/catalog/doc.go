// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog maps archive paths to the byte ranges and codec
// handles needed to read them without extraction.
//
// Building an entry scans a source once: archive members become
// records addressed by container-relative byte ranges (tar, zip),
// checkpoint tables (compressed layers), or backend streams (7z,
// filesystem images). Entries persist in SQLite keyed by the
// source's identity tuple; a stale or unreadable stored entry is a
// cache miss, never an error.
package catalog
