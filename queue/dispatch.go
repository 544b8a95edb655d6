// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// subscriber pairs a handler with its subscription ID.
type subscriber struct {
	id      uint64
	handler Handler
}

// dispatcher holds the subscriber table and the pending-response map
// shared by both backends. Subscriber slices are copy-on-write:
// dispatch iterates a snapshot, so handlers may subscribe or
// unsubscribe reentrantly without deadlocking.
type dispatcher struct {
	logger *slog.Logger

	mu          sync.RWMutex
	closed      bool
	nextID      uint64
	subscribers map[string][]subscriber
	pending     map[string]chan *Event
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger:      logger,
		subscribers: make(map[string][]subscriber),
		pending:     make(map[string]chan *Event),
	}
}

func (d *dispatcher) subscribe(topic string, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, fmt.Errorf("queue: nil handler for topic %q", topic)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Subscription{}, ErrClosed
	}
	d.nextID++
	id := d.nextID
	existing := d.subscribers[topic]
	updated := make([]subscriber, len(existing), len(existing)+1)
	copy(updated, existing)
	d.subscribers[topic] = append(updated, subscriber{id: id, handler: handler})
	return Subscription{topic: topic, id: id}, nil
}

// unsubscribe removes the subscription and reports whether the topic
// now has no subscribers left.
func (d *dispatcher) unsubscribe(sub Subscription) (last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing := d.subscribers[sub.topic]
	updated := make([]subscriber, 0, len(existing))
	for _, s := range existing {
		if s.id != sub.id {
			updated = append(updated, s)
		}
	}
	if len(updated) == 0 {
		delete(d.subscribers, sub.topic)
		return true
	}
	d.subscribers[sub.topic] = updated
	return false
}

// dispatch delivers event to every subscriber of its topic, in
// subscription order, and completes a pending request if the event is
// a response. A handler error or panic is logged and does not affect
// the remaining subscribers.
func (d *dispatcher) dispatch(ctx context.Context, event *Event) {
	d.mu.RLock()
	subs := d.subscribers[event.Name]
	d.mu.RUnlock()

	for _, s := range subs {
		d.deliver(ctx, s, event)
	}

	if event.MessageID != "" && !event.AwaitingResponse {
		d.completePending(event)
	}
}

func (d *dispatcher) deliver(ctx context.Context, s subscriber, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("queue handler panicked",
				"topic", event.Name,
				"sender", event.Sender,
				"panic", r)
		}
	}()
	if err := s.handler(ctx, event); err != nil {
		d.logger.Warn("queue handler failed",
			"topic", event.Name,
			"sender", event.Sender,
			"error", err)
	}
}

// registerPending reserves a response slot for the given message ID.
func (d *dispatcher) registerPending(messageID string) (chan *Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	ch := make(chan *Event, 1)
	d.pending[messageID] = ch
	return ch, nil
}

func (d *dispatcher) dropPending(messageID string) {
	d.mu.Lock()
	delete(d.pending, messageID)
	d.mu.Unlock()
}

// completePending hands a response event to its waiting requester. A
// response with no waiter arrived after the requester gave up and is
// discarded.
func (d *dispatcher) completePending(event *Event) {
	d.mu.Lock()
	ch, ok := d.pending[event.MessageID]
	if ok {
		delete(d.pending, event.MessageID)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("discarding late response",
			"topic", event.Name,
			"message_id", event.MessageID)
		return
	}
	ch <- event
}

// close marks the dispatcher closed and fails every pending request.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
	d.subscribers = make(map[string][]subscriber)
}

func (d *dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}
