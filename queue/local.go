// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"time"
)

// LocalQueue is the in-process backend. Push dispatches synchronously
// on the caller's goroutine, in subscription order; when Push returns,
// every subscriber has run.
type LocalQueue struct {
	d *dispatcher
}

// NewLocalQueue constructs the in-process backend. The logger is
// required.
func NewLocalQueue(logger *slog.Logger) *LocalQueue {
	if logger == nil {
		panic("queue: NewLocalQueue requires a logger")
	}
	return &LocalQueue{d: newDispatcher(logger)}
}

// Push delivers event synchronously to every subscriber of its topic.
func (q *LocalQueue) Push(ctx context.Context, event *Event) error {
	if q.d.isClosed() {
		return ErrClosed
	}
	q.d.dispatch(ctx, event)
	return nil
}

// PushAndWait publishes event as a request and blocks until a response
// with a matching message ID arrives or the timeout elapses. With
// synchronous local dispatch a responder that replies inline completes
// the wait immediately.
func (q *LocalQueue) PushAndWait(ctx context.Context, event *Event, timeout time.Duration) (*Event, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	if event.MessageID == "" {
		event.MessageID = newMessageID()
	}
	event.AwaitingResponse = true

	ch, err := q.d.registerPending(event.MessageID)
	if err != nil {
		return nil, err
	}
	defer q.d.dropPending(event.MessageID)

	if err := q.Push(ctx, event); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return response, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers handler for events published under topic.
func (q *LocalQueue) Subscribe(topic string, handler Handler) (Subscription, error) {
	return q.d.subscribe(topic, handler)
}

// Unsubscribe removes a previously registered handler.
func (q *LocalQueue) Unsubscribe(sub Subscription) error {
	q.d.unsubscribe(sub)
	return nil
}

// Close drops all subscriptions and fails pending requests.
func (q *LocalQueue) Close() error {
	q.d.close()
	return nil
}
