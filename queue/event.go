// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event is a single message on the queue. The Data payload is opaque
// JSON; producers and consumers agree on its shape per topic name.
type Event struct {
	// Name is the topic the event is published under. Subscriptions
	// match it exactly.
	Name string `json:"event_name"`

	// Sender identifies the component that published the event,
	// mostly for logging.
	Sender string `json:"sender"`

	// Data is the JSON payload.
	Data json.RawMessage `json:"data"`

	// MessageID correlates a request with its response. Empty for
	// fire-and-forget events.
	MessageID string `json:"message_id,omitempty"`

	// AwaitingResponse is set on request events published with
	// PushAndWait. A response event echoes the request's MessageID
	// with AwaitingResponse false.
	AwaitingResponse bool `json:"awaiting_response,omitempty"`
}

// NewEvent builds a fire-and-forget event, marshaling data to JSON.
func NewEvent(name, sender string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("queue: marshaling %q event data: %w", name, err)
	}
	return &Event{Name: name, Sender: sender, Data: raw}, nil
}

// NewResponse builds the response to a request event, publishing on the
// request's response topic and echoing its message ID.
func NewResponse(request *Event, sender string, data any) (*Event, error) {
	if request.MessageID == "" {
		return nil, fmt.Errorf("queue: cannot respond to %q event with no message ID", request.Name)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("queue: marshaling response to %q: %w", request.Name, err)
	}
	return &Event{
		Name:      ResponseTopic(request.Name),
		Sender:    sender,
		Data:      raw,
		MessageID: request.MessageID,
	}, nil
}

// DecodeData unmarshals the event payload into v.
func (e *Event) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("queue: decoding %q event data: %w", e.Name, err)
	}
	return nil
}

// ResponseTopic returns the topic responses to request events named
// name are published on.
func ResponseTopic(name string) string {
	return "response." + name
}

// Handler consumes one event. Returning an error logs the failure but
// does not stop delivery to other subscribers.
type Handler func(ctx context.Context, event *Event) error

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	topic string
	id    uint64
}

// Topic reports the topic the subscription was registered on.
func (s Subscription) Topic() string { return s.topic }

func newMessageID() string {
	return uuid.NewString()
}
