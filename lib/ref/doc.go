// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// values for the bridge: room IDs, user IDs, event IDs, and event
// types.
//
// All constructors validate their inputs and return errors for invalid
// identifiers. Once constructed, a ref is immutable. Identifiers are
// parsed into these types at the boundary (config, homeserver
// responses, queue payloads) so that the rest of the bridge never
// passes raw strings where a room or user is meant.
//
// JSON marshaling uses the canonical Matrix string form via
// encoding.TextMarshaler.
package ref
