// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the bridge's standard CBOR encoding configuration.
//
// The bridge uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: Matrix Client-Server API, inbound
//     webhook payloads, room state, and provisioning responses.
//   - CBOR for internal protocols: the networked queue's wire envelopes
//     exchanged between bridge processes and the broker.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every bridge package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (queue frames):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
