// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"github.com/hookbridge/hookbridge/lib/ref"
)

// Capabilities declares which optional operations a connection variant
// supports. Callers branch on the flags instead of probing for
// methods; an unsupported operation fails with
// ErrCodeUnsupportedOperation before reaching the connection.
type Capabilities struct {
	// Update allows reconfiguring the connection through the
	// provisioning surface.
	Update bool

	// Removal allows deleting the connection through the provisioning
	// surface.
	Removal bool
}

// Connection is one configured bridge endpoint bound to a Matrix room.
// A room owns its connections; the manager tracks them but the room's
// state events are the source of truth.
type Connection interface {
	// ServiceType identifies the connection variant (e.g. "generic").
	ServiceType() string

	// RoomID is the room the connection is bound to.
	RoomID() ref.RoomID

	// StateKey is the state key of the room state event holding the
	// connection's configuration.
	StateKey() string

	// Capabilities reports the optional operations this connection
	// supports.
	Capabilities() Capabilities
}

// BaseConnection carries the room binding every connection variant
// shares. Embed it and provide the variant-specific behavior.
type BaseConnection struct {
	roomID    ref.RoomID
	stateKey  string
	eventType ref.EventType
}

// NewBaseConnection binds a connection to its room state event.
func NewBaseConnection(roomID ref.RoomID, stateKey string, eventType ref.EventType) BaseConnection {
	return BaseConnection{roomID: roomID, stateKey: stateKey, eventType: eventType}
}

// RoomID returns the room the connection is bound to.
func (b *BaseConnection) RoomID() ref.RoomID { return b.roomID }

// StateKey returns the state key of the configuration state event.
func (b *BaseConnection) StateKey() string { return b.stateKey }

// EventType returns the event type the configuration was loaded from.
// For connections created before the canonical type existed this is
// the legacy type.
func (b *BaseConnection) EventType() ref.EventType { return b.eventType }
