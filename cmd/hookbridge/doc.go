// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// hookbridge is the webhook-to-Matrix bridge daemon. It serves the
// inbound webhook listener, loads connections from room state, and
// routes deliveries to rooms.
//
// In the default monolithic deployment everything runs in this one
// process over the in-process queue. With queue.monolithic false the
// processes communicate through the broker: set queue.broker_listen
// on exactly one process to host it, point queue.broker_url at it
// everywhere, and run cmd/hookbridge-sender for outbound posting.
//
// Configuration comes from the file named by the HOOKBRIDGE_CONFIG
// environment variable or the --config flag.
package main
