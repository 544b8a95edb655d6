// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the bridge's Matrix client-server API layer.
//
// A [Client] holds the homeserver URL and HTTP transport and is shared
// across sessions. A [Session] wraps a Client with the bridge's
// appservice access token; it exposes exactly the operations the
// bridge needs (event and state send, room state reads, account data,
// profiles, appservice registration) rather than the full
// client-server API.
//
// Sessions impersonate: [Session.Impersonate] returns a session that
// acts as another user in the appservice namespace by attaching the
// user_id query parameter to every request, the way the appservice
// spec defines masquerading. The webhook sender identities the bridge
// invents are all driven through impersonated sessions of the one
// appservice token.
//
// The access token lives in a lib/secret buffer: locked against swap
// and excluded from core dumps, copied onto the heap only at the
// Authorization header boundary.
//
// Error responses from the homeserver are surfaced as *[MatrixError]
// carrying the errcode and HTTP status; use [IsMatrixError] or
// errors.As to branch on specific codes.
package messaging
