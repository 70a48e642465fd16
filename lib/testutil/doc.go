// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for strata packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate
// the timeout safety valve pattern (select with time.After fallback)
// so that concurrency tests cannot hang the suite when a channel
// operation never completes.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no other strata dependencies.
package testutil
