// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hookbridge/hookbridge/lib/ref"
	"github.com/hookbridge/hookbridge/messaging"
	"github.com/hookbridge/hookbridge/queue"
)

// TopicMatrixMessage carries outbound room message requests from
// connections to the sender worker. Responses travel back on the
// derived response topic.
const TopicMatrixMessage = "matrix.message"

// sendTimeout bounds one round trip through the queue and homeserver.
const sendTimeout = 30 * time.Second

// MatrixMessageRequest asks the sender worker to post an event.
type MatrixMessageRequest struct {
	RoomID ref.RoomID `json:"room_id"`

	// Sender is the ghost to impersonate. Zero means the bridge bot.
	Sender ref.UserID `json:"sender,omitempty"`

	EventType ref.EventType   `json:"event_type"`
	Content   json.RawMessage `json:"content"`
}

// MatrixMessageResponse reports the outcome of one send.
type MatrixMessageResponse struct {
	EventID ref.EventID `json:"event_id,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// MessageSenderClientConfig assembles a MessageSenderClient.
type MessageSenderClientConfig struct {
	Queue queue.Queue

	// Sender names this participant on queue events.
	Sender string

	Logger *slog.Logger
}

// MessageSenderClient is the connection-side half of outbound
// messaging: it serializes send requests onto the queue and waits for
// the worker's response. With a local queue the worker runs in the
// same process; with a networked queue it may be a separate one.
type MessageSenderClient struct {
	queue  queue.Queue
	sender string
	logger *slog.Logger
}

// NewMessageSenderClient builds a client. Queue and Logger are
// required.
func NewMessageSenderClient(config MessageSenderClientConfig) *MessageSenderClient {
	if config.Queue == nil {
		panic("bridge: NewMessageSenderClient requires a queue")
	}
	if config.Logger == nil {
		panic("bridge: NewMessageSenderClient requires a logger")
	}
	return &MessageSenderClient{
		queue:  config.Queue,
		sender: config.Sender,
		logger: config.Logger,
	}
}

// SendRoomMessage posts an m.room.message to the room as the given
// user and returns the resulting event ID.
func (c *MessageSenderClient) SendRoomMessage(ctx context.Context, roomID ref.RoomID, sender ref.UserID, content any) (ref.EventID, error) {
	return c.SendRoomEvent(ctx, roomID, sender, "m.room.message", content)
}

// SendRoomEvent posts an arbitrary timeline event through the sender
// worker.
func (c *MessageSenderClient) SendRoomEvent(ctx context.Context, roomID ref.RoomID, sender ref.UserID, eventType ref.EventType, content any) (ref.EventID, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("bridge: encoding message content: %w", err)
	}
	request := MatrixMessageRequest{
		RoomID:    roomID,
		Sender:    sender,
		EventType: eventType,
		Content:   encoded,
	}
	event, err := queue.NewEvent(TopicMatrixMessage, c.sender, request)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("bridge: building send request: %w", err)
	}
	reply, err := c.queue.PushAndWait(ctx, event, sendTimeout)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("bridge: waiting for send response: %w", err)
	}
	var response MatrixMessageResponse
	if err := reply.DecodeData(&response); err != nil {
		return ref.EventID{}, fmt.Errorf("bridge: decoding send response: %w", err)
	}
	if response.Error != "" {
		return ref.EventID{}, fmt.Errorf("bridge: send failed: %s", response.Error)
	}
	return response.EventID, nil
}

// MessageSenderConfig assembles a MessageSender worker.
type MessageSenderConfig struct {
	Queue queue.Queue

	// Session is the appservice session used to post events. Requests
	// naming a ghost sender are served through an impersonated view.
	Session *messaging.Session

	// Sender names this participant on queue responses.
	Sender string

	Logger *slog.Logger
}

// MessageSender is the worker half of outbound messaging. It consumes
// send requests from the queue, posts them to the homeserver, and
// responds with event IDs. Exactly one worker should subscribe per
// deployment.
type MessageSender struct {
	queue  queue.Queue
	sess   *messaging.Session
	sender string
	logger *slog.Logger

	sub queue.Subscription
}

// NewMessageSender builds a worker. Queue, Session and Logger are
// required.
func NewMessageSender(config MessageSenderConfig) *MessageSender {
	if config.Queue == nil {
		panic("bridge: NewMessageSender requires a queue")
	}
	if config.Session == nil {
		panic("bridge: NewMessageSender requires a session")
	}
	if config.Logger == nil {
		panic("bridge: NewMessageSender requires a logger")
	}
	return &MessageSender{
		queue:  config.Queue,
		sess:   config.Session,
		sender: config.Sender,
		logger: config.Logger,
	}
}

// Start subscribes the worker to the message topic.
func (s *MessageSender) Start() error {
	sub, err := s.queue.Subscribe(TopicMatrixMessage, s.handle)
	if err != nil {
		return fmt.Errorf("bridge: subscribing message sender: %w", err)
	}
	s.sub = sub
	return nil
}

// Stop unsubscribes the worker.
func (s *MessageSender) Stop() error {
	return s.queue.Unsubscribe(s.sub)
}

func (s *MessageSender) handle(ctx context.Context, event *queue.Event) error {
	var request MatrixMessageRequest
	if err := event.DecodeData(&request); err != nil {
		return fmt.Errorf("bridge: decoding send request: %w", err)
	}

	eventID, err := s.post(ctx, request)
	response := MatrixMessageResponse{EventID: eventID}
	if err != nil {
		s.logger.Warn("failed to post event",
			"room_id", request.RoomID.String(),
			"sender", request.Sender.String(),
			"error", err)
		response = MatrixMessageResponse{Error: err.Error()}
	}

	reply, err := queue.NewResponse(event, s.sender, response)
	if err != nil {
		// Fire-and-forget request; the outcome is already logged.
		return nil
	}
	return s.queue.Push(ctx, reply)
}

// post sends the event, joining the room and retrying once when the
// sender is not yet a member.
func (s *MessageSender) post(ctx context.Context, request MatrixMessageRequest) (ref.EventID, error) {
	view := s.sess
	if !request.Sender.IsZero() && request.Sender != s.sess.UserID() {
		view = s.sess.Impersonate(request.Sender)
	}
	eventType := request.EventType
	if eventType == "" {
		eventType = "m.room.message"
	}

	eventID, err := view.SendEvent(ctx, request.RoomID, eventType, request.Content)
	if err == nil {
		return eventID, nil
	}
	if !messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
		return ref.EventID{}, err
	}

	if _, joinErr := view.JoinRoom(ctx, request.RoomID); joinErr != nil {
		return ref.EventID{}, errors.Join(err, joinErr)
	}
	return view.SendEvent(ctx, request.RoomID, eventType, request.Content)
}
