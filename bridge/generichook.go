// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/hookbridge/hookbridge/lib/markup"
	"github.com/hookbridge/hookbridge/lib/ref"
	"github.com/hookbridge/hookbridge/messaging"
	"github.com/hookbridge/hookbridge/sandbox"
)

const (
	// ServiceTypeGeneric identifies generic webhook connections on the
	// provisioning surface.
	ServiceTypeGeneric = "generic"

	// GenericHookEventType is the room state event type holding a
	// generic hook's configuration. The same type keys the bot's
	// per-room account data map of hook IDs to state keys.
	GenericHookEventType ref.EventType = "io.hookbridge.generic.hook"

	// GenericHookLegacyEventType is the state event type used by
	// older deployments. Connections are loaded from it and removal
	// tombstones it when that is where the connection lives, but new
	// state is always written under the canonical type.
	GenericHookLegacyEventType ref.EventType = "io.hookbridge.legacy.hook"

	// webhookDataField carries the raw inbound payload on outbound
	// messages for audit and replay.
	webhookDataField = "io.hookbridge.webhook_data"

	transformFailedMessage = "Webhook received but failed to process via transformation function"

	minNameLength = 3
	maxNameLength = 64
)

// GenericHookState is the validated configuration of one generic hook,
// as stored in the room state event.
type GenericHookState struct {
	// HookID is the secret routing identifier webhooks are delivered
	// under. Assigned at provisioning, never user-chosen.
	HookID string `json:"hookId,omitempty"`

	// Name labels the hook and derives the sender ghost's identity.
	Name string `json:"name"`

	// TransformationFunction is optional JavaScript source run against
	// each payload. Only valid in deployments that allow it.
	TransformationFunction string `json:"transformationFunction,omitempty"`
}

// ValidateOptions carries the deployment policy state validation
// enforces.
type ValidateOptions struct {
	// AllowJSTransformations permits the transformationFunction field.
	AllowJSTransformations bool
}

// ValidateGenericHookState checks raw connection state and returns the
// validated form with unknown fields stripped. The same checks apply
// to provisioning, updates, and room state loads.
func ValidateGenericHookState(raw map[string]any, options ValidateOptions) (*GenericHookState, error) {
	name, ok := raw["name"].(string)
	if !ok || name == "" {
		return nil, BadValue("missing or invalid field name")
	}
	if length := utf8.RuneCountInString(name); length < minNameLength || length > maxNameLength {
		return nil, BadValue("name must be between %d and %d characters", minNameLength, maxNameLength)
	}

	state := &GenericHookState{Name: name}

	// An empty transformationFunction counts as absent, so state
	// written without one round-trips on deployments that disallow
	// transforms.
	if transform, present := raw["transformationFunction"]; present && transform != nil && transform != "" {
		if !options.AllowJSTransformations {
			return nil, DisabledFeature("transformation functions are not allowed on this deployment")
		}
		source, ok := transform.(string)
		if !ok {
			return nil, BadValue("transformationFunction must be a string")
		}
		state.TransformationFunction = source
	}

	if hookID, ok := raw["hookId"].(string); ok {
		state.HookID = hookID
	}

	return state, nil
}

// GenericHookConnectionConfig assembles a GenericHookConnection.
type GenericHookConnectionConfig struct {
	RoomID    ref.RoomID
	StateKey  string
	EventType ref.EventType
	State     *GenericHookState

	// Session is the bridge's appservice session, used for display
	// name reconciliation, state tombstones, and account data.
	Session *messaging.Session

	// Sender delivers outbound room messages through the queue.
	Sender *MessageSenderClient

	// Domain is the homeserver name ghost user IDs live under.
	Domain string

	// UserIDPrefix prefixes ghost localparts. Empty means messages go
	// out as the bridge bot instead of per-hook ghosts.
	UserIDPrefix string

	AllowJSTransformations bool

	Logger *slog.Logger
}

// GenericHookConnection is one generic webhook endpoint bound to a
// room. Safe for concurrent webhook deliveries; display name
// reconciliation is a best-effort cache, not a correctness mechanism.
type GenericHookConnection struct {
	BaseConnection
	config GenericHookConnectionConfig
	logger *slog.Logger

	mu     sync.RWMutex
	state  *GenericHookState
	script *sandbox.Script

	// lastDisplayName caches the ghost display name last written, to
	// avoid a profile round trip per webhook. Duplicate writes under
	// race are acceptable.
	lastDisplayName string
}

// NewGenericHookConnection builds a connection from validated state.
// A transformation function that fails to compile does not fail
// construction: the connection is created broken and every webhook it
// receives produces the fallback message until the state is fixed.
func NewGenericHookConnection(config GenericHookConnectionConfig) *GenericHookConnection {
	if config.State == nil {
		panic("bridge: NewGenericHookConnection requires state")
	}
	if config.Session == nil {
		panic("bridge: NewGenericHookConnection requires a session")
	}
	if config.Sender == nil {
		panic("bridge: NewGenericHookConnection requires a sender")
	}
	if config.Logger == nil {
		panic("bridge: NewGenericHookConnection requires a logger")
	}
	eventType := config.EventType
	if eventType == "" {
		eventType = GenericHookEventType
	}
	connection := &GenericHookConnection{
		BaseConnection: NewBaseConnection(config.RoomID, config.StateKey, eventType),
		config:         config,
		logger: config.Logger.With(
			"room_id", config.RoomID.String(),
			"hook_name", config.State.Name,
		),
		state: config.State,
	}
	connection.script = connection.compileOrReport(context.Background(), config.State, false)
	return connection
}

// ServiceType identifies the connection variant.
func (c *GenericHookConnection) ServiceType() string { return ServiceTypeGeneric }

// Capabilities: generic hooks support both reconfiguration and removal.
func (c *GenericHookConnection) Capabilities() Capabilities {
	return Capabilities{Update: true, Removal: true}
}

// HookID returns the secret routing identifier.
func (c *GenericHookConnection) HookID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.HookID
}

// State returns a copy of the current validated state.
func (c *GenericHookConnection) State() GenericHookState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.state
}

// Name returns the hook's label.
func (c *GenericHookConnection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Name
}

// SenderUserID computes the ghost user webhook messages are sent as.
// Without a configured prefix all messages go out as the bridge bot.
func (c *GenericHookConnection) SenderUserID() ref.UserID {
	if c.config.UserIDPrefix == "" {
		return c.config.Session.UserID()
	}
	c.mu.RLock()
	name := c.state.Name
	c.mu.RUnlock()
	return ref.MatrixUserID(c.config.UserIDPrefix+senderLocalpart(name), c.Domain())
}

// Domain returns the homeserver name ghost users live under.
func (c *GenericHookConnection) Domain() string { return c.config.Domain }

// senderLocalpart reduces a hook name to the characters Matrix allows
// in a localpart. A name with nothing usable left falls back to "bot".
func senderLocalpart(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '.', r == '=', r == '_':
			return r
		default:
			return -1
		}
	}, strings.ToLower(name))
	if cleaned == "" {
		return "bot"
	}
	return cleaned
}

// webhookMessageContent is the outbound m.notice carrying the raw
// payload for audit and replay.
type webhookMessageContent struct {
	messaging.MessageContent
	WebhookData json.RawMessage `json:"io.hookbridge.webhook_data,omitempty"`
}

// HandleWebhook processes one inbound payload: transform, reconcile
// the ghost's display name, and send the message. An explicit no-op
// from the transform sends nothing and has no side effects. Transform
// failures degrade to a fallback message rather than failing the
// delivery — the webhook sender cannot fix the room's script.
func (c *GenericHookConnection) HandleWebhook(ctx context.Context, payload json.RawMessage) (ref.EventID, error) {
	c.mu.RLock()
	state := c.state
	script := c.script
	c.mu.RUnlock()

	var plain, html string
	if state.TransformationFunction != "" {
		output, err := c.runTransformation(ctx, script, payload)
		if err != nil {
			c.logger.Warn("transformation function failed", "error", err)
			plain = transformFailedMessage
		} else if output == nil {
			c.logger.Debug("transformation requested no message")
			return ref.EventID{}, nil
		} else {
			plain, html = output.Plain, output.HTML
		}
	} else {
		plain, html = DefaultTransform(payload)
	}

	sender := c.SenderUserID()
	if err := c.ensureDisplayName(ctx, sender); err != nil {
		c.logger.Warn("display name reconciliation failed",
			"sender", sender.String(),
			"error", err)
	}

	formatted := html
	if formatted == "" {
		formatted = markup.RenderInline(plain)
	}
	content := webhookMessageContent{
		MessageContent: messaging.NewNoticeMessage(plain, formatted),
		WebhookData:    payload,
	}

	eventID, err := c.config.Sender.SendRoomMessage(ctx, c.RoomID(), sender, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("bridge: sending webhook message: %w", err)
	}
	return eventID, nil
}

// runTransformation executes the user script against the decoded
// payload. A nil script means the stored function does not compile;
// that is a transform failure, not a no-op.
func (c *GenericHookConnection) runTransformation(ctx context.Context, script *sandbox.Script, payload json.RawMessage) (*sandbox.Output, error) {
	if script == nil {
		return nil, errors.New("stored transformation function does not compile")
	}
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return script.Execute(ctx, data)
}

// DefaultTransform builds the message for hooks with no transformation
// function. Recognized convenience fields: "text" replaces the JSON
// dump, "html" supplies a formatted body, "username" prefixes both
// bodies in bold.
func DefaultTransform(payload json.RawMessage) (plain, html string) {
	parsed := gjson.ParseBytes(payload)

	switch {
	case parsed.Type == gjson.String:
		plain = "Received webhook data: " + parsed.Str
	case parsed.Get("text").Type == gjson.String:
		plain = parsed.Get("text").Str
	default:
		plain = "Received webhook data:\n\n" + fencedJSON(payload)
	}

	if result := parsed.Get("html"); result.Type == gjson.String {
		html = result.Str
	}
	if result := parsed.Get("username"); result.Type == gjson.String {
		plain = "**" + result.Str + "**: " + plain
		if html != "" {
			html = "<strong>" + result.Str + "</strong>: " + html
		}
	}
	return plain, html
}

// fencedJSON pretty-prints the payload inside a json code fence.
func fencedJSON(payload json.RawMessage) string {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "```\n" + string(payload) + "\n```"
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return "```\n" + string(payload) + "\n```"
	}
	return "```json\n\n" + string(pretty) + "\n\n```"
}

// ensureDisplayName reconciles the ghost's profile name with the
// hook's configured name. Best effort: the cache only suppresses
// redundant writes, and concurrent deliveries may both write.
func (c *GenericHookConnection) ensureDisplayName(ctx context.Context, sender ref.UserID) error {
	if c.config.UserIDPrefix == "" {
		// Messages go out as the bot; its profile is not ours to manage.
		return nil
	}

	c.mu.RLock()
	desired := c.state.Name + " (Webhook)"
	cached := c.lastDisplayName
	c.mu.RUnlock()
	if cached == desired {
		return nil
	}

	view := c.config.Session.Impersonate(sender)
	if err := view.EnsureRegistered(ctx, sender.Localpart()); err != nil {
		return err
	}
	current, err := view.GetDisplayName(ctx, sender)
	if err != nil && !messaging.IsNotFound(err) {
		return err
	}
	if current != desired {
		if err := view.SetDisplayName(ctx, desired); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.lastDisplayName = desired
	c.mu.Unlock()
	return nil
}

// OnStateUpdated re-validates raw state and swaps the connection's
// configuration. A transformation function that no longer compiles is
// reported into the room as a notice, but the new state is kept: it
// will fail at the next webhook with the fallback message.
func (c *GenericHookConnection) OnStateUpdated(ctx context.Context, raw map[string]any) error {
	validated, err := ValidateGenericHookState(raw, ValidateOptions{
		AllowJSTransformations: c.config.AllowJSTransformations,
	})
	if err != nil {
		return err
	}

	c.mu.RLock()
	previousHookID := c.state.HookID
	c.mu.RUnlock()
	if validated.HookID == "" {
		validated.HookID = previousHookID
	}

	script := c.compileOrReport(ctx, validated, true)

	c.mu.Lock()
	c.state = validated
	c.script = script
	c.lastDisplayName = ""
	c.mu.Unlock()

	c.logger.Info("connection state updated", "hook_name", validated.Name)
	return nil
}

// stateMap renders the current state as the raw map partial updates
// merge into.
func (c *GenericHookConnection) stateMap() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw := map[string]any{
		"name":   c.state.Name,
		"hookId": c.state.HookID,
	}
	if c.state.TransformationFunction != "" {
		raw["transformationFunction"] = c.state.TransformationFunction
	}
	return raw
}

// UpdateConfig applies a partial configuration update: recognized
// fields from raw overlay the current state, everything else is
// ignored, and the merged result goes through the same validation as
// a full update.
func (c *GenericHookConnection) UpdateConfig(ctx context.Context, raw map[string]any) error {
	merged := c.stateMap()
	for key, value := range raw {
		switch key {
		case "name", "transformationFunction":
			merged[key] = value
		}
	}
	return c.OnStateUpdated(ctx, merged)
}

// compileOrReport compiles the state's transformation function. On
// failure it returns nil; when notify is set the compile error is
// also posted into the room so the user who configured it sees it.
func (c *GenericHookConnection) compileOrReport(ctx context.Context, state *GenericHookState, notify bool) *sandbox.Script {
	if state.TransformationFunction == "" {
		return nil
	}
	script, err := sandbox.Compile(state.TransformationFunction)
	if err == nil {
		return script
	}
	c.logger.Warn("transformation function does not compile", "error", err)
	if notify {
		notice := messaging.NewNoticeMessage(
			fmt.Sprintf("Could not compile transformation function: %v", err), "")
		if _, sendErr := c.config.Sender.SendRoomMessage(ctx, c.RoomID(), c.config.Session.UserID(), notice); sendErr != nil {
			c.logger.Warn("failed to report compile error to room", "error", sendErr)
		}
	}
	return nil
}

// Remove tombstones the connection's state event with {disabled: true}
// and drops its account data entry. The tombstone goes to the event
// type the connection was loaded from — a tombstone under the wrong
// type would leave the live state event behind and the next room state
// load would resurrect the hook. If that write fails the other type is
// tried as a fallback.
func (c *GenericHookConnection) Remove(ctx context.Context) error {
	tombstone := map[string]bool{"disabled": true}

	primary, fallback := c.EventType(), GenericHookLegacyEventType
	if primary == GenericHookLegacyEventType {
		fallback = GenericHookEventType
	}
	_, err := c.config.Session.SendStateEvent(ctx, c.RoomID(), primary, c.StateKey(), tombstone)
	if err != nil {
		_, fallbackErr := c.config.Session.SendStateEvent(ctx, c.RoomID(), fallback, c.StateKey(), tombstone)
		if fallbackErr != nil {
			return fmt.Errorf("bridge: removing connection state: %w", errors.Join(err, fallbackErr))
		}
	}

	if err := ensureRoomAccountData(ctx, c.config.Session, c.RoomID(), c.HookID(), c.StateKey(), true); err != nil {
		return fmt.Errorf("bridge: cleaning up account data: %w", err)
	}

	c.logger.Info("connection removed", "hook_id", c.HookID())
	return nil
}

// ConnectionDetails is the provisioning-surface description of a
// connection.
type ConnectionDetails struct {
	Service string         `json:"service"`
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Config  map[string]any `json:"config"`
}

// ProvisionerDetails describes the connection for the provisioning
// API. The webhook URL and hook ID are secrets: anyone holding them
// can post into the room, so they are only included for callers with
// edit permission.
func (c *GenericHookConnection) ProvisionerDetails(showSecrets bool, urlPrefix string) ConnectionDetails {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	config := map[string]any{
		"name": state.Name,
	}
	if state.TransformationFunction != "" {
		config["transformationFunction"] = state.TransformationFunction
	}
	if showSecrets {
		config["hookId"] = state.HookID
		config["url"] = strings.TrimRight(urlPrefix, "/") + "/webhook/" + state.HookID
	}
	return ConnectionDetails{
		Service: ServiceTypeGeneric,
		Type:    "Webhook",
		ID:      c.StateKey(),
		Config:  config,
	}
}

// ensureRoomAccountData reconciles the bot's per-room map of hook IDs
// to state keys: adds the entry on provision, removes it on
// deprovision, and writes only when the map actually changed.
func ensureRoomAccountData(ctx context.Context, session *messaging.Session, roomID ref.RoomID, hookID, stateKey string, remove bool) error {
	data := map[string]string{}
	raw, err := session.GetRoomAccountData(ctx, roomID, GenericHookEventType)
	if err != nil && !messaging.IsNotFound(err) {
		return err
	}
	if err == nil {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("decoding hook account data: %w", err)
		}
	}

	if remove {
		// Only remove an entry still pointing at this connection: a
		// replacement may have re-pointed the hook ID at another state
		// key, and a stale connection's removal must not strip it.
		if data[hookID] != stateKey {
			return nil
		}
		delete(data, hookID)
	} else {
		if data[hookID] == stateKey {
			return nil
		}
		data[hookID] = stateKey
	}
	return session.SetRoomAccountData(ctx, roomID, GenericHookEventType, data)
}
