// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Strata's standard CBOR encoding configuration.
//
// CBOR is the serialization format for everything Strata persists
// inside the catalog store: checkpoint tables, codec resume-state
// blobs, and any structured column that is not worth a dedicated
// SQLite schema. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2), so rebuilding an unchanged source produces a
// byte-identical serialized tree — the property the catalog's
// reuse tests rely on.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
package codec
