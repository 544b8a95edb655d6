// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox executes user-supplied JavaScript transformation
// functions against webhook payloads, isolated from the host process.
//
// A [Script] is compiled once when a connection's configuration is
// validated and executed once per inbound webhook. Each execution runs
// in a fresh interpreter with exactly two globals: the payload under
// "data" and the API version under "WebhookApiVersion". The
// interpreter has no host access of any kind. Execution is bounded by
// a fixed wall-clock budget ([ExecutionBudget]); a script still
// running at the deadline is interrupted and the run fails with
// [ErrDeadline], leaving nothing behind.
//
// The script communicates its outcome by assigning the global
// "result". See [Script.Execute] for the accepted result shapes.
package sandbox
