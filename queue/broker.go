// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hookbridge/hookbridge/lib/codec"
	"github.com/hookbridge/hookbridge/lib/netutil"
)

// brokerSendBuffer bounds the per-client outbound queue. A client that
// falls this far behind starts losing events rather than stalling the
// relay for everyone else.
const brokerSendBuffer = 256

// Broker relays published events between NetQueue clients. It keeps no
// history: an event goes to the clients subscribed to its topic at
// publish time and is then forgotten. Serve it on any mux path, e.g.
//
//	mux.Handle("/queue", broker)
type Broker struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*brokerClient]struct{}
	closed  bool
}

type brokerClient struct {
	conn *websocket.Conn

	// mu guards topics and the send channel's lifecycle: the channel
	// is only closed while holding it, and trySend checks closed under
	// the same lock, so a relay can never send on a closed channel.
	mu     sync.Mutex
	send   chan []byte
	topics map[string]struct{}
	closed bool
}

// trySend queues raw for the client's write loop. It reports false when
// the send buffer is full; a send to an already-dropped client succeeds
// silently.
func (c *brokerClient) trySend(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

// shutdown marks the client closed, releases its write loop and closes
// the connection. Safe to call more than once.
func (c *brokerClient) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

// NewBroker constructs a broker. The logger is required.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		panic("queue: NewBroker requires a logger")
	}
	return &Broker{
		logger:  logger,
		clients: make(map[*brokerClient]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and serves the client
// until it disconnects.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("queue client upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}
	client := &brokerClient{
		conn:   conn,
		send:   make(chan []byte, brokerSendBuffer),
		topics: make(map[string]struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	go b.writeLoop(client)
	b.readLoop(client, r.RemoteAddr)
}

func (b *Broker) readLoop(client *brokerClient, remote string) {
	defer b.drop(client)
	client.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	client.conn.SetPingHandler(func(payload string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		client.trySend(nil) // writeLoop turns nil into a pong
		return nil
	})
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("queue client read failed",
					"remote", remote,
					"error", err)
			}
			return
		}
		var f frame
		if err := codec.Unmarshal(raw, &f); err != nil {
			b.logger.Warn("discarding malformed client frame",
				"remote", remote,
				"error", err)
			continue
		}
		switch f.Op {
		case frameOpSubscribe:
			client.mu.Lock()
			client.topics[f.Topic] = struct{}{}
			client.mu.Unlock()
		case frameOpUnsubscribe:
			client.mu.Lock()
			delete(client.topics, f.Topic)
			client.mu.Unlock()
		case frameOpPublish:
			if f.Event == nil {
				continue
			}
			b.relay(raw, f.Topic, f.Event.Sender)
		}
	}
}

func (b *Broker) writeLoop(client *brokerClient) {
	for raw := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		var err error
		if raw == nil {
			err = client.conn.WriteMessage(websocket.PongMessage, nil)
		} else {
			err = client.conn.WriteMessage(websocket.BinaryMessage, raw)
		}
		if err != nil {
			b.drop(client)
			return
		}
	}
}

// relay fans the already-encoded publish frame out to every client
// subscribed to its topic, the publisher included. A client whose send
// buffer is full loses the event.
func (b *Broker) relay(raw []byte, topic, sender string) {
	b.mu.Lock()
	targets := make([]*brokerClient, 0, len(b.clients))
	for client := range b.clients {
		client.mu.Lock()
		_, subscribed := client.topics[topic]
		client.mu.Unlock()
		if subscribed {
			targets = append(targets, client)
		}
	}
	b.mu.Unlock()

	for _, client := range targets {
		if !client.trySend(raw) {
			b.logger.Warn("dropping event for slow queue client",
				"topic", topic,
				"sender", sender)
		}
	}
}

func (b *Broker) drop(client *brokerClient) {
	b.mu.Lock()
	delete(b.clients, client)
	b.mu.Unlock()
	client.shutdown()
}

// Close disconnects every client. The broker cannot be reused.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	clients := make([]*brokerClient, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	b.clients = make(map[*brokerClient]struct{})
	b.mu.Unlock()
	for _, client := range clients {
		client.shutdown()
	}
	return nil
}
