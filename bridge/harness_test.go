// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/hookbridge/hookbridge/lib/ref"
	"github.com/hookbridge/hookbridge/messaging"
	"github.com/hookbridge/hookbridge/queue"
)

const (
	testRoom   = "!room:example.com"
	testBot    = "@hookbridge:example.com"
	testPrefix = "_webhook_"
)

// fakeMatrix is a stateful fake homeserver covering the endpoints the
// bridge touches: room state, timeline sends, account data, ghost
// registration and profiles.
type fakeMatrix struct {
	mu sync.Mutex

	// state holds state events: room → eventType → stateKey → content.
	state map[string]map[string]map[string]json.RawMessage

	// rejectStateTypes makes PUTs of the named state event types fail,
	// for exercising the legacy removal fallback.
	rejectStateTypes map[string]bool

	accountData  map[string]json.RawMessage
	registered   map[string]bool
	displayNames map[string]string

	// requireJoin rejects sends with M_FORBIDDEN until the room is
	// joined, for exercising the sender's join-and-retry path.
	requireJoin bool
	joined      map[string]bool

	// failSends rejects every timeline send with M_UNKNOWN.
	failSends bool

	sent []sentEvent
}

// sentEvent is one recorded timeline send.
type sentEvent struct {
	roomID string
	asUser string
	body   json.RawMessage
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		state:            map[string]map[string]map[string]json.RawMessage{},
		rejectStateTypes: map[string]bool{},
		accountData:      map[string]json.RawMessage{},
		registered:       map[string]bool{},
		displayNames:     map[string]string{},
		joined:           map[string]bool{},
	}
}

// putState seeds a state event, bypassing HTTP.
func (f *fakeMatrix) putState(roomID, eventType, stateKey string, content any) {
	encoded, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeStateLocked(roomID, eventType, stateKey, encoded)
}

func (f *fakeMatrix) storeStateLocked(roomID, eventType, stateKey string, content json.RawMessage) {
	room := f.state[roomID]
	if room == nil {
		room = map[string]map[string]json.RawMessage{}
		f.state[roomID] = room
	}
	byType := room[eventType]
	if byType == nil {
		byType = map[string]json.RawMessage{}
		room[eventType] = byType
	}
	byType[stateKey] = content
}

func (f *fakeMatrix) stateContent(roomID, eventType, stateKey string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.state[roomID][eventType][stateKey]
	return content, ok
}

func (f *fakeMatrix) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeMatrix) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if r.Body != nil {
		decoded := json.RawMessage{}
		if err := json.NewDecoder(r.Body).Decode(&decoded); err == nil {
			body = decoded
		}
	}
	w.Header().Set("Content-Type", "application/json")

	path, err := url.PathUnescape(r.URL.Path)
	if err != nil {
		path = r.URL.Path
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case strings.Contains(path, "/register"):
		var request struct {
			Username string `json:"username"`
		}
		json.Unmarshal(body, &request)
		f.mu.Lock()
		seen := f.registered[request.Username]
		f.registered[request.Username] = true
		f.mu.Unlock()
		if seen {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"errcode":"M_USER_IN_USE","error":"taken"}`)
			return
		}
		fmt.Fprintf(w, `{"user_id":"@%s:example.com"}`, request.Username)

	case strings.Contains(path, "/account_data/"):
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPut {
			f.accountData[path] = body
			fmt.Fprint(w, `{}`)
			return
		}
		stored, ok := f.accountData[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errcode":"M_NOT_FOUND","error":"not found"}`)
			return
		}
		w.Write(stored)

	case strings.Contains(path, "/send/"):
		// .../rooms/{roomID}/send/{eventType}/{txnID}
		roomID := ""
		for i, segment := range segments {
			if segment == "rooms" && i+1 < len(segments) {
				roomID = segments[i+1]
			}
		}
		f.mu.Lock()
		if f.failSends {
			f.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"errcode":"M_UNKNOWN","error":"storage failure"}`)
			return
		}
		if f.requireJoin && !f.joined[roomID] {
			f.mu.Unlock()
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"errcode":"M_FORBIDDEN","error":"not in room"}`)
			return
		}
		f.sent = append(f.sent, sentEvent{
			roomID: roomID,
			asUser: r.URL.Query().Get("user_id"),
			body:   body,
		})
		count := len(f.sent)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"event_id":"$sent%d"}`, count)

	case strings.Contains(path, "/state/"):
		// .../rooms/{roomID}/state/{eventType}/{stateKey}
		roomID, eventType, stateKey := "", "", ""
		for i, segment := range segments {
			if segment == "rooms" && i+1 < len(segments) {
				roomID = segments[i+1]
			}
			if segment == "state" && i+1 < len(segments) {
				eventType = segments[i+1]
				if i+2 < len(segments) {
					stateKey = segments[i+2]
				}
			}
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPut {
			if f.rejectStateTypes[eventType] {
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprint(w, `{"errcode":"M_FORBIDDEN","error":"rejected"}`)
				return
			}
			f.storeStateLocked(roomID, eventType, stateKey, body)
			fmt.Fprintf(w, `{"event_id":"$state%d"}`, len(f.state[roomID][eventType]))
			return
		}
		content, ok := f.state[roomID][eventType][stateKey]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errcode":"M_NOT_FOUND","error":"no state"}`)
			return
		}
		w.Write(content)

	case strings.HasSuffix(path, "/state") && r.Method == http.MethodGet:
		roomID := ""
		for i, segment := range segments {
			if segment == "rooms" && i+1 < len(segments) {
				roomID = segments[i+1]
			}
		}
		f.mu.Lock()
		events := []map[string]any{}
		for eventType, byKey := range f.state[roomID] {
			for stateKey, content := range byKey {
				events = append(events, map[string]any{
					"type":             eventType,
					"state_key":        stateKey,
					"sender":           testBot,
					"event_id":         "$state",
					"origin_server_ts": 0,
					"content":          content,
				})
			}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(events)

	case strings.HasSuffix(path, "/displayname"):
		user := segments[len(segments)-2]
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPut {
			var request struct {
				DisplayName string `json:"displayname"`
			}
			json.Unmarshal(body, &request)
			f.displayNames[user] = request.DisplayName
			fmt.Fprint(w, `{}`)
			return
		}
		name, ok := f.displayNames[user]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errcode":"M_NOT_FOUND","error":"no profile"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"displayname": name})

	case strings.Contains(path, "/join/"):
		roomID := segments[len(segments)-1]
		f.mu.Lock()
		f.joined[roomID] = true
		f.mu.Unlock()
		fmt.Fprintf(w, `{"room_id":%q}`, roomID)

	case strings.HasSuffix(path, "/joined_rooms"):
		f.mu.Lock()
		rooms := make([]string, 0, len(f.state))
		for roomID := range f.state {
			rooms = append(rooms, roomID)
		}
		f.mu.Unlock()
		if len(rooms) == 0 {
			rooms = []string{testRoom}
		}
		json.NewEncoder(w).Encode(map[string][]string{"joined_rooms": rooms})

	case strings.HasSuffix(path, "/whoami"):
		fmt.Fprintf(w, `{"user_id":%q}`, testBot)

	default:
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"errcode":"M_FORBIDDEN","error":"denied"}`)
	}
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// harness wires the fake homeserver, a local queue, the sender worker
// and a connection manager together the way the monolithic binary
// does.
type harness struct {
	fake    *fakeMatrix
	session *messaging.Session
	queue   *queue.LocalQueue
	sender  *MessageSenderClient
	manager *ConnectionManager
}

func newHarness(t *testing.T, options GenericHookOptions) *harness {
	t.Helper()
	fake := newFakeMatrix()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	session, err := client.SessionFromToken(ref.MustParseUserID(testBot), "as-token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	logger := testLogger(t)
	localQueue := queue.NewLocalQueue(logger)
	t.Cleanup(func() { localQueue.Close() })

	worker := NewMessageSender(MessageSenderConfig{
		Queue:   localQueue,
		Session: session,
		Sender:  "sender",
		Logger:  logger,
	})
	if err := worker.Start(); err != nil {
		t.Fatalf("starting message sender: %v", err)
	}
	t.Cleanup(func() { worker.Stop() })

	senderClient := NewMessageSenderClient(MessageSenderClientConfig{
		Queue:  localQueue,
		Sender: "webhooks",
		Logger: logger,
	})

	manager := NewConnectionManager(ConnectionManagerConfig{
		Queue:      localQueue,
		Session:    session,
		Sender:     senderClient,
		Options:    options,
		SenderName: "webhooks",
		Logger:     logger,
	})
	if err := manager.Start(); err != nil {
		t.Fatalf("starting connection manager: %v", err)
	}
	t.Cleanup(func() { manager.Stop() })

	return &harness{
		fake:    fake,
		session: session,
		queue:   localQueue,
		sender:  senderClient,
		manager: manager,
	}
}

func defaultOptions() GenericHookOptions {
	return GenericHookOptions{
		Enabled:                true,
		AllowJSTransformations: true,
		UserIDPrefix:           testPrefix,
		URLPrefix:              "https://hooks.example.com",
	}
}

// deliver pushes one webhook through the queue the way the ingress
// does and returns the manager's response.
func (h *harness) deliver(t *testing.T, hookID string, payload string) WebhookEventResponse {
	t.Helper()
	event, err := queue.NewEvent(TopicWebhookEvent, "ingress", WebhookEventRequest{
		HookID:  hookID,
		Payload: json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("building webhook event: %v", err)
	}
	reply, err := h.queue.PushAndWait(t.Context(), event, queue.DefaultResponseTimeout)
	if err != nil {
		t.Fatalf("delivering webhook: %v", err)
	}
	var response WebhookEventResponse
	if err := reply.DecodeData(&response); err != nil {
		t.Fatalf("decoding webhook response: %v", err)
	}
	return response
}
