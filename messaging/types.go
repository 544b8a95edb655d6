// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/hookbridge/hookbridge/lib/ref"
)

// FormatCustomHTML is the MessageContent.Format value for HTML
// formatted bodies.
const FormatCustomHTML = "org.matrix.custom.html"

// MessageContent is the content body of a Matrix message event
// (m.room.message). Embed it to attach service-specific fields to a
// message; encoding/json flattens embedded structs.
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// NewTextMessage creates a plain text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    body,
	}
}

// NewNoticeMessage creates an m.notice message, the message type for
// automated senders. formattedBody may be empty for a plain notice.
func NewNoticeMessage(body, formattedBody string) MessageContent {
	content := MessageContent{
		MsgType: "m.notice",
		Body:    body,
	}
	if formattedBody != "" {
		content.Format = FormatCustomHTML
		content.FormattedBody = formattedBody
	}
	return content
}

// Event represents a Matrix event from the server.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           ref.EventType  `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
}

// SendEventResponse is returned by SendMessage, SendEvent, and SendStateEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// DisplayNameResponse is returned by the /profile/{userId}/displayname endpoint.
type DisplayNameResponse struct {
	DisplayName string `json:"displayname"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
