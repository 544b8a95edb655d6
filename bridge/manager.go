// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hookbridge/hookbridge/lib/ref"
	"github.com/hookbridge/hookbridge/messaging"
	"github.com/hookbridge/hookbridge/queue"
)

// TopicWebhookEvent carries inbound webhook payloads from the ingress
// to the connection manager. The ingress waits for the response to
// learn whether the hook exists.
const TopicWebhookEvent = "webhook.event"

// WebhookEventRequest is one inbound webhook delivery.
type WebhookEventRequest struct {
	HookID  string          `json:"hook_id"`
	Payload json.RawMessage `json:"payload"`
}

// WebhookEventResponse reports how a delivery was handled.
type WebhookEventResponse struct {
	// Successful is false when the message could not be posted. A
	// transformation failure still counts as successful: the fallback
	// message was sent and the webhook sender is not at fault.
	Successful bool `json:"successful"`

	// NotFound marks deliveries for hook IDs no connection claims.
	NotFound bool `json:"not_found,omitempty"`

	EventID ref.EventID `json:"event_id,omitempty"`
}

// GenericHookOptions is the deployment policy for generic webhook
// connections.
type GenericHookOptions struct {
	// Enabled gates provisioning. Existing connections in room state
	// are still loaded and served when disabled.
	Enabled bool

	// AllowJSTransformations permits transformationFunction in state.
	AllowJSTransformations bool

	// UserIDPrefix prefixes ghost localparts. Empty sends as the bot.
	UserIDPrefix string

	// URLPrefix is the public base URL webhook URLs are built from.
	URLPrefix string
}

// ConnectionManagerConfig assembles a ConnectionManager.
type ConnectionManagerConfig struct {
	Queue   queue.Queue
	Session *messaging.Session
	Sender  *MessageSenderClient
	Options GenericHookOptions

	// SenderName names the manager on queue responses.
	SenderName string

	Logger *slog.Logger
}

// ConnectionManager owns the set of live connections. It loads them
// from room state, serves the provisioning operations, and routes
// inbound webhook events from the queue to the connection claiming
// the hook ID.
type ConnectionManager struct {
	queue      queue.Queue
	session    *messaging.Session
	sender     *MessageSenderClient
	options    GenericHookOptions
	senderName string
	logger     *slog.Logger

	mu       sync.RWMutex
	byRoom   map[ref.RoomID]map[string]*GenericHookConnection
	byHookID map[string]*GenericHookConnection

	sub queue.Subscription
}

// NewConnectionManager builds a manager. Queue, Session, Sender and
// Logger are required.
func NewConnectionManager(config ConnectionManagerConfig) *ConnectionManager {
	if config.Queue == nil {
		panic("bridge: NewConnectionManager requires a queue")
	}
	if config.Session == nil {
		panic("bridge: NewConnectionManager requires a session")
	}
	if config.Sender == nil {
		panic("bridge: NewConnectionManager requires a sender")
	}
	if config.Logger == nil {
		panic("bridge: NewConnectionManager requires a logger")
	}
	return &ConnectionManager{
		queue:      config.Queue,
		session:    config.Session,
		sender:     config.Sender,
		options:    config.Options,
		senderName: config.SenderName,
		logger:     config.Logger,
		byRoom:     map[ref.RoomID]map[string]*GenericHookConnection{},
		byHookID:   map[string]*GenericHookConnection{},
	}
}

// Start subscribes the manager to inbound webhook events.
func (m *ConnectionManager) Start() error {
	sub, err := m.queue.Subscribe(TopicWebhookEvent, m.handleWebhookEvent)
	if err != nil {
		return fmt.Errorf("bridge: subscribing connection manager: %w", err)
	}
	m.sub = sub
	return nil
}

// Stop unsubscribes the manager.
func (m *ConnectionManager) Stop() error {
	return m.queue.Unsubscribe(m.sub)
}

// LoadRoomState discovers existing connections in every joined room.
// Invalid or tombstoned state events are skipped, not fatal: one
// broken room must not take down the bridge.
func (m *ConnectionManager) LoadRoomState(ctx context.Context) error {
	rooms, err := m.session.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("bridge: listing joined rooms: %w", err)
	}
	for _, roomID := range rooms {
		if err := m.loadRoom(ctx, roomID); err != nil {
			m.logger.Warn("failed to load room state",
				"room_id", roomID.String(),
				"error", err)
		}
	}
	m.mu.RLock()
	count := len(m.byHookID)
	m.mu.RUnlock()
	m.logger.Info("room state loaded", "rooms", len(rooms), "connections", count)
	return nil
}

func (m *ConnectionManager) loadRoom(ctx context.Context, roomID ref.RoomID) error {
	events, err := m.session.GetRoomState(ctx, roomID)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.Type != GenericHookEventType && event.Type != GenericHookLegacyEventType {
			continue
		}
		if event.StateKey == nil {
			continue
		}
		stateKey := *event.StateKey
		if disabled, _ := event.Content["disabled"].(bool); disabled {
			continue
		}
		if err := m.loadConnection(ctx, roomID, stateKey, event.Type, event.Content); err != nil {
			m.logger.Warn("skipping invalid connection state",
				"room_id", roomID.String(),
				"state_key", stateKey,
				"error", err)
		}
	}
	return nil
}

// loadConnection validates stored state and registers a connection
// for it. State written before hook IDs existed gets one assigned and
// persisted.
func (m *ConnectionManager) loadConnection(ctx context.Context, roomID ref.RoomID, stateKey string, eventType ref.EventType, raw map[string]any) error {
	state, err := ValidateGenericHookState(raw, ValidateOptions{
		AllowJSTransformations: m.options.AllowJSTransformations,
	})
	if err != nil {
		return err
	}
	if state.HookID == "" {
		state.HookID = uuid.NewString()
		if _, err := m.session.SendStateEvent(ctx, roomID, eventType, stateKey, state); err != nil {
			m.logger.Warn("failed to persist assigned hook id",
				"room_id", roomID.String(),
				"state_key", stateKey,
				"error", err)
		}
	}
	connection := m.newConnection(roomID, stateKey, eventType, state)
	m.register(connection)
	return nil
}

func (m *ConnectionManager) newConnection(roomID ref.RoomID, stateKey string, eventType ref.EventType, state *GenericHookState) *GenericHookConnection {
	return NewGenericHookConnection(GenericHookConnectionConfig{
		RoomID:                 roomID,
		StateKey:               stateKey,
		EventType:              eventType,
		State:                  state,
		Session:                m.session,
		Sender:                 m.sender,
		Domain:                 m.session.UserID().Server(),
		UserIDPrefix:           m.options.UserIDPrefix,
		AllowJSTransformations: m.options.AllowJSTransformations,
		Logger:                 m.logger,
	})
}

func (m *ConnectionManager) register(connection *GenericHookConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.byRoom[connection.RoomID()]
	if room == nil {
		room = map[string]*GenericHookConnection{}
		m.byRoom[connection.RoomID()] = room
	}
	if previous, ok := room[connection.StateKey()]; ok {
		delete(m.byHookID, previous.HookID())
	}
	room[connection.StateKey()] = connection
	m.byHookID[connection.HookID()] = connection
}

func (m *ConnectionManager) unregister(connection *GenericHookConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room := m.byRoom[connection.RoomID()]; room != nil {
		delete(room, connection.StateKey())
		if len(room) == 0 {
			delete(m.byRoom, connection.RoomID())
		}
	}
	delete(m.byHookID, connection.HookID())
}

// GetConnection returns the connection at the given room and state
// key, or a NotFound error.
func (m *ConnectionManager) GetConnection(roomID ref.RoomID, stateKey string) (*GenericHookConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if connection, ok := m.byRoom[roomID][stateKey]; ok {
		return connection, nil
	}
	return nil, NotFound("no connection with state key %q in room", stateKey)
}

// connectionByHookID resolves the secret routing identifier.
func (m *ConnectionManager) connectionByHookID(hookID string) (*GenericHookConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connection, ok := m.byHookID[hookID]
	return connection, ok
}

// CreateConnection provisions a new generic hook in a room. The state
// key is the hook's name; provisioning a name that already exists
// replaces the old connection and reports a warning rather than
// failing, matching how a state event overwrite behaves.
func (m *ConnectionManager) CreateConnection(ctx context.Context, roomID ref.RoomID, raw map[string]any) (*GenericHookConnection, []string, error) {
	if !m.options.Enabled {
		return nil, nil, DisabledFeature("generic webhooks are disabled on this deployment")
	}
	state, err := ValidateGenericHookState(raw, ValidateOptions{
		AllowJSTransformations: m.options.AllowJSTransformations,
	})
	if err != nil {
		return nil, nil, err
	}
	state.HookID = uuid.NewString()
	stateKey := state.Name

	var warnings []string
	if _, err := m.GetConnection(roomID, stateKey); err == nil {
		warnings = append(warnings, fmt.Sprintf("replaced an existing connection named %q", state.Name))
	}

	if _, err := m.session.SendStateEvent(ctx, roomID, GenericHookEventType, stateKey, state); err != nil {
		return nil, nil, fmt.Errorf("bridge: writing connection state: %w", err)
	}
	if err := ensureRoomAccountData(ctx, m.session, roomID, state.HookID, stateKey, false); err != nil {
		return nil, nil, fmt.Errorf("bridge: recording hook account data: %w", err)
	}

	connection := m.newConnection(roomID, stateKey, GenericHookEventType, state)
	m.register(connection)
	m.logger.Info("connection provisioned",
		"room_id", roomID.String(),
		"hook_name", state.Name)
	return connection, warnings, nil
}

// UpdateConnection applies a partial state update to an existing
// connection and persists the merged state.
func (m *ConnectionManager) UpdateConnection(ctx context.Context, roomID ref.RoomID, stateKey string, raw map[string]any) error {
	connection, err := m.GetConnection(roomID, stateKey)
	if err != nil {
		return err
	}
	if !connection.Capabilities().Update {
		return UnsupportedOperation("connection type %s does not support updates", connection.ServiceType())
	}

	if err := connection.UpdateConfig(ctx, raw); err != nil {
		return err
	}

	state := connection.State()
	if _, err := m.session.SendStateEvent(ctx, roomID, GenericHookEventType, stateKey, state); err != nil {
		return fmt.Errorf("bridge: writing connection state: %w", err)
	}
	return nil
}

// DeleteConnection removes a connection. Deleting one that does not
// exist is a no-op, so retried deprovision requests succeed.
func (m *ConnectionManager) DeleteConnection(ctx context.Context, roomID ref.RoomID, stateKey string) error {
	connection, err := m.GetConnection(roomID, stateKey)
	if err != nil {
		return nil
	}
	if !connection.Capabilities().Removal {
		return UnsupportedOperation("connection type %s does not support removal", connection.ServiceType())
	}
	if err := connection.Remove(ctx); err != nil {
		return err
	}
	m.unregister(connection)
	return nil
}

// ListConnections describes a room's connections for the provisioning
// surface. Secrets are redacted unless the caller can edit the room.
func (m *ConnectionManager) ListConnections(roomID ref.RoomID, showSecrets bool) []ConnectionDetails {
	m.mu.RLock()
	room := m.byRoom[roomID]
	connections := make([]*GenericHookConnection, 0, len(room))
	for _, connection := range room {
		connections = append(connections, connection)
	}
	m.mu.RUnlock()

	details := make([]ConnectionDetails, 0, len(connections))
	for _, connection := range connections {
		details = append(details, connection.ProvisionerDetails(showSecrets, m.options.URLPrefix))
	}
	return details
}

// OnRoomStateUpdated routes a state event observed on the homeserver
// to the affected connection: tombstones drop it, new state creates
// it, and changed state reconfigures it in place.
func (m *ConnectionManager) OnRoomStateUpdated(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string, content json.RawMessage) error {
	if eventType != GenericHookEventType && eventType != GenericHookLegacyEventType {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return fmt.Errorf("bridge: decoding state update: %w", err)
	}

	connection, err := m.GetConnection(roomID, stateKey)
	if disabled, _ := raw["disabled"].(bool); disabled || len(raw) == 0 {
		if err == nil {
			m.unregister(connection)
		}
		return nil
	}
	if err != nil {
		return m.loadConnection(ctx, roomID, stateKey, eventType, raw)
	}

	previousHookID := connection.HookID()
	if err := connection.OnStateUpdated(ctx, raw); err != nil {
		return err
	}
	if connection.HookID() != previousHookID {
		m.rekey(connection, previousHookID)
	}
	return nil
}

// rekey moves a connection's hook ID index entry after a state update
// changed its hook ID. The previous ID must be captured before the
// update: the connection already holds the new one.
func (m *ConnectionManager) rekey(connection *GenericHookConnection, previousHookID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHookID, previousHookID)
	m.byHookID[connection.HookID()] = connection
}

// handleWebhookEvent serves one delivery from the ingress.
func (m *ConnectionManager) handleWebhookEvent(ctx context.Context, event *queue.Event) error {
	var request WebhookEventRequest
	if err := event.DecodeData(&request); err != nil {
		return fmt.Errorf("bridge: decoding webhook event: %w", err)
	}

	var response WebhookEventResponse
	connection, ok := m.connectionByHookID(request.HookID)
	if !ok {
		m.logger.Warn("webhook for unknown hook id")
		response.NotFound = true
	} else {
		eventID, err := connection.HandleWebhook(ctx, request.Payload)
		if err != nil {
			m.logger.Warn("webhook handling failed",
				"room_id", connection.RoomID().String(),
				"error", err)
		} else {
			response.Successful = true
			response.EventID = eventID
		}
	}

	reply, err := queue.NewResponse(event, m.senderName, response)
	if err != nil {
		return nil
	}
	return m.queue.Push(ctx, reply)
}
