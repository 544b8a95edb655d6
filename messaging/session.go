// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/hookbridge/hookbridge/lib/ref"
	"github.com/hookbridge/hookbridge/lib/secret"
)

// Session is an authenticated Matrix session over the bridge's
// appservice access token. Sessions are lightweight; impersonated
// views created with Impersonate share the token and transaction
// counter of their parent.
//
// The access token is stored in a secret.Buffer (mmap-backed, locked
// against swap, excluded from core dumps). The owning session must be
// Closed when no longer needed; impersonated views must not be.
type Session struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID

	// impersonate, when non-zero, is attached as the user_id query
	// parameter so the homeserver attributes requests to that user
	// instead of the token's owner.
	impersonate ref.UserID

	// transactionCounter generates unique transaction IDs for
	// idempotent sends. Shared across impersonated views.
	transactionCounter *atomic.Int64
}

func newSession(client *Client, userID ref.UserID, accessToken *secret.Buffer) *Session {
	return &Session{
		client:             client,
		accessToken:        accessToken,
		userID:             userID,
		transactionCounter: &atomic.Int64{},
	}
}

// UserID returns the token owner's fully-qualified Matrix user ID.
func (s *Session) UserID() ref.UserID {
	return s.userID
}

// EffectiveUserID returns the user requests are attributed to: the
// impersonated user if set, otherwise the token owner.
func (s *Session) EffectiveUserID() ref.UserID {
	if !s.impersonate.IsZero() {
		return s.impersonate
	}
	return s.userID
}

// Impersonate returns a view of the session that acts as userID via
// appservice masquerading. The view shares the parent's token; do not
// Close it.
func (s *Session) Impersonate(userID ref.UserID) *Session {
	view := *s
	view.impersonate = userID
	return &view
}

// Close releases the access token memory (zeros, unlocks, unmaps).
// Idempotent — safe to call multiple times.
func (s *Session) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// query returns the base query values for a request, carrying the
// masquerade parameter when this is an impersonated view.
func (s *Session) query() url.Values {
	if s.impersonate.IsZero() {
		return nil
	}
	query := url.Values{}
	query.Set("user_id", s.impersonate.String())
	return query
}

// WhoAmI validates the access token and returns the user ID the
// homeserver attributes this session to.
func (s *Session) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil, s.query())
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// EnsureRegistered registers localpart in the appservice namespace.
// A localpart that already exists is not an error — the point is that
// the user exists afterwards, not that this call created it.
func (s *Session) EnsureRegistered(ctx context.Context, localpart string) error {
	request := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	_, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", s.accessToken, request)
	if err != nil && !IsMatrixError(err, ErrCodeUserInUse) {
		return fmt.Errorf("messaging: registering %q failed: %w", localpart, err)
	}
	return nil
}

// JoinRoom joins a room by ID as the effective user. Returns the room ID.
func (s *Session) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{}, s.query())
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}

	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// JoinedRooms returns the list of room IDs the effective user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil, s.query())
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// SendMessage sends an m.room.message event to a room as the effective
// user. Returns the event ID of the sent message.
func (s *Session) SendMessage(ctx context.Context, roomID ref.RoomID, content any) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, "m.room.message", content)
}

// SendEvent sends an event of any type to a room as the effective user.
// Uses Matrix's idempotent PUT with a transaction ID.
// Returns the event ID.
func (s *Session) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content, s.query())
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendStateEvent sends a state event to a room.
// State events use PUT with the event type and state key in the path.
// Returns the event ID.
func (s *Session) SendStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content, s.query())
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send state response: %w", err)
	}
	return response.EventID, nil
}

// GetStateEvent fetches a specific state event's content from a room.
// Returns the raw JSON content — the caller is responsible for
// unmarshaling into the appropriate type.
//
// If the state event does not exist, returns a *MatrixError with code
// M_NOT_FOUND.
func (s *Session) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, s.query())
	if err != nil {
		return nil, fmt.Errorf("messaging: get state event %s/%s in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// GetRoomState fetches all current state events from a room.
// Returns the full event objects including type, state_key, sender, etc.
func (s *Session) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", url.PathEscape(roomID.String()))

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, s.query())
	if err != nil {
		return nil, fmt.Errorf("messaging: get room state for %q failed: %w", roomID, err)
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room state response: %w", err)
	}
	return events, nil
}

// GetRoomAccountData fetches a per-room account data event for the
// effective user. Returns the raw JSON content.
//
// If the event does not exist, returns a *MatrixError with code
// M_NOT_FOUND.
func (s *Session) GetRoomAccountData(ctx context.Context, roomID ref.RoomID, eventType ref.EventType) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/rooms/%s/account_data/%s",
		url.PathEscape(s.EffectiveUserID().String()),
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
	)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, s.query())
	if err != nil {
		return nil, fmt.Errorf("messaging: get account data %s in %q failed: %w", eventType, roomID, err)
	}
	return json.RawMessage(body), nil
}

// SetRoomAccountData writes a per-room account data event for the
// effective user.
func (s *Session) SetRoomAccountData(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/rooms/%s/account_data/%s",
		url.PathEscape(s.EffectiveUserID().String()),
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
	)

	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content, s.query())
	if err != nil {
		return fmt.Errorf("messaging: set account data %s in %q failed: %w", eventType, roomID, err)
	}
	return nil
}

// GetDisplayName fetches the display name for a Matrix user from their
// profile. A user with no display name set yields an empty string, not
// an error; a user with no profile at all yields M_NOT_FOUND.
func (s *Session) GetDisplayName(ctx context.Context, userID ref.UserID) (string, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID.String()) + "/displayname"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: get display name for %q failed: %w", userID, err)
	}

	var response DisplayNameResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse display name response: %w", err)
	}
	return response.DisplayName, nil
}

// SetDisplayName sets the effective user's profile display name.
func (s *Session) SetDisplayName(ctx context.Context, displayName string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.EffectiveUserID().String()) + "/displayname"
	request := map[string]any{"displayname": displayName}
	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, request, s.query())
	if err != nil {
		return fmt.Errorf("messaging: set display name for %q failed: %w", s.EffectiveUserID(), err)
	}
	return nil
}

// nextTransactionID generates a unique transaction ID for idempotent
// event sending. Format: "hookbridge-<timestamp_ms>-<counter>" to
// ensure uniqueness across restarts.
func (s *Session) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("hookbridge-%d-%d", time.Now().UnixMilli(), counter)
}
