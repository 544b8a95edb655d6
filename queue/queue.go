// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultResponseTimeout bounds PushAndWait when the caller passes a
// non-positive timeout.
const DefaultResponseTimeout = 10 * time.Second

var (
	// ErrTimeout is returned by PushAndWait when no response arrived
	// within the timeout.
	ErrTimeout = errors.New("queue: timed out waiting for response")

	// ErrClosed is returned for operations on a closed queue.
	ErrClosed = errors.New("queue: closed")
)

// ConnectionError wraps a transport failure on the networked backend,
// distinguishing it from a responder that is merely slow.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("queue: connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is a transport failure rather
// than a timeout or a usage error.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// Queue is the message bus between bridge components. Both backends
// guarantee exact topic match, per-publisher ordering, and isolation
// of subscriber failures.
type Queue interface {
	// Push publishes event to every subscriber of event.Name.
	Push(ctx context.Context, event *Event) error

	// PushAndWait publishes event as a request and blocks until a
	// correlated response arrives, the timeout elapses (ErrTimeout),
	// or ctx is done. A zero or negative timeout means
	// DefaultResponseTimeout. The event's MessageID is assigned if
	// empty.
	PushAndWait(ctx context.Context, event *Event, timeout time.Duration) (*Event, error)

	// Subscribe registers handler for events published under topic.
	// Multiple handlers may subscribe to the same topic; each receives
	// every matching event.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// Unsubscribe removes a previously registered handler. Removing a
	// subscription twice is not an error.
	Unsubscribe(sub Subscription) error

	// Close releases the backend. In-flight PushAndWait calls fail
	// with ErrClosed.
	Close() error
}
