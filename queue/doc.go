// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue moves events between bridge components through a
// uniform publish/subscribe and request/response interface with two
// interchangeable backends:
//
//   - [LocalQueue]: in-process bus for monolithic deployments. Dispatch
//     is synchronous and in subscription order; events never leave the
//     process.
//   - [NetQueue]: networked bus for horizontally scaled deployments.
//     Events travel as CBOR frames over a websocket connection to a
//     [Broker], which relays them to every process subscribed to the
//     event's topic.
//
// Both backends implement [Queue] with the same logical semantics:
// exact topic match (no wildcards), at-least-once delivery, and
// per-publisher ordering. The networked backend additionally owns a
// shared broker connection; only this package writes to it.
//
// Request/response: PushAndWait publishes an event carrying a message
// ID and waits for a correlated response. Responders publish their
// reply on the request topic prefixed with "response." (see
// [ResponseTopic]) echoing the request's message ID. Exactly one
// response is expected per request; a response arriving after the
// requester timed out is discarded silently.
//
// A [Factory] owns at most one live backend instance per process and
// constructs it lazily; consumers receive the Queue by injection
// rather than through a package-level singleton.
package queue
