// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import "errors"

var (
	// ErrUnknownFormat is returned when a source matches no known
	// archive, image, or compression format.
	ErrUnknownFormat = errors.New("catalog: unknown source format")

	// ErrSourceUnavailable is returned when a source file cannot
	// be opened or no longer matches its recorded identity.
	ErrSourceUnavailable = errors.New("catalog: source unavailable")

	// ErrDepthExceeded is returned when nested-archive expansion
	// hits the configured recursion bound.
	ErrDepthExceeded = errors.New("catalog: nesting depth exceeded")

	// ErrNotFound is returned when a path resolves to no record.
	ErrNotFound = errors.New("catalog: not found")
)
