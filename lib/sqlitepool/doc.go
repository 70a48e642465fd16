// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool
// with Strata's standard pragmas applied to every connection.
//
// The catalog store (lib/catalog) is the only consumer. Its workload
// is read-mostly: catalog entries are written once per source build
// and read on every mount, so the pragmas favor WAL snapshot reads
// over write throughput.
package sqlitepool
