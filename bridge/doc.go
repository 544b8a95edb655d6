// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge turns inbound webhook HTTP requests into Matrix room
// messages.
//
// The pieces, wired together by cmd/hookbridge:
//
//   - [WebhookIngress] receives webhook HTTP requests, normalizes the
//     payload to JSON, and publishes a webhook.event on the queue.
//   - [ConnectionManager] owns the room-to-connection registry, routes
//     webhook events to the right [GenericHookConnection], and exposes
//     the provisioning surface (create, update, delete, list).
//   - [GenericHookConnection] holds one hook's configuration: it
//     validates state, transforms payloads (the default text/html/
//     username path or a sandboxed user script), reconciles the sender
//     ghost's display name, and builds the outbound message.
//   - [MessageSenderClient] and [MessageSender] split message sending
//     over the queue so that in networked deployments a separate
//     worker process owns the homeserver writes.
//
// Connections declare what they support through [Capabilities] flags
// rather than callers probing for optional methods.
//
// Failures cross the provisioning boundary as *[APIError] values
// carrying an [ErrCode]; webhook processing failures never do — a
// webhook sender is a third party that cannot fix the room's
// configuration, so processing errors degrade to a fallback message or
// a log line.
package bridge
