// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hookbridge/hookbridge/lib/codec"
	"github.com/hookbridge/hookbridge/lib/netutil"
)

const (
	frameOpSubscribe   = "sub"
	frameOpUnsubscribe = "unsub"
	frameOpPublish     = "pub"

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// frame is the wire envelope between a NetQueue and the broker,
// CBOR-encoded with lib/codec for deterministic framing.
type frame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	Event *Event `json:"event,omitempty"`
}

// NetQueueConfig configures the networked backend.
type NetQueueConfig struct {
	// BrokerURL is the websocket URL of the broker, e.g.
	// "ws://127.0.0.1:9800/queue".
	BrokerURL string

	// Sender is attached to outgoing events that carry no sender of
	// their own, mostly for broker-side logging.
	Sender string

	// Logger is required.
	Logger *slog.Logger
}

// NetQueue is the networked backend: a websocket client of a [Broker].
// Local handlers are dispatched from a single read loop, so the
// ordering guarantee matches LocalQueue for events from one publisher.
type NetQueue struct {
	config NetQueueConfig
	d      *dispatcher
	conn   *websocket.Conn

	// writeMu serializes frames onto the connection.
	writeMu sync.Mutex

	// topicMu guards topicRefs, the count of local interests per
	// broker-side subscription. The broker only needs one sub frame
	// per topic no matter how many local handlers exist.
	topicMu   sync.Mutex
	topicRefs map[string]int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewNetQueue connects to the broker and starts the read loop. The
// caller owns the returned queue and must Close it.
func NewNetQueue(ctx context.Context, config NetQueueConfig) (*NetQueue, error) {
	if config.Logger == nil {
		panic("queue: NewNetQueue requires a logger")
	}
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("queue: broker URL is required")
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, config.BrokerURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	q := &NetQueue{
		config:    config,
		d:         newDispatcher(config.Logger),
		conn:      conn,
		topicRefs: make(map[string]int),
		closed:    make(chan struct{}),
	}
	go q.readLoop()
	go q.pingLoop()
	return q, nil
}

func (q *NetQueue) readLoop() {
	defer q.Close()
	q.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	q.conn.SetPongHandler(func(string) error {
		return q.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, raw, err := q.conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				q.config.Logger.Warn("queue broker connection lost", "error", err)
			}
			return
		}
		var f frame
		if err := codec.Unmarshal(raw, &f); err != nil {
			q.config.Logger.Warn("discarding malformed broker frame", "error", err)
			continue
		}
		if f.Op != frameOpPublish || f.Event == nil {
			continue
		}
		q.d.dispatch(context.Background(), f.Event)
	}
}

func (q *NetQueue) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.writeMu.Lock()
			q.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := q.conn.WriteMessage(websocket.PingMessage, nil)
			q.writeMu.Unlock()
			if err != nil {
				q.Close()
				return
			}
		case <-q.closed:
			return
		}
	}
}

func (q *NetQueue) writeFrame(f *frame) error {
	raw, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("queue: encoding %s frame: %w", f.Op, err)
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	q.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := q.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return &ConnectionError{Op: f.Op, Err: err}
	}
	return nil
}

// Push publishes event through the broker. Delivery to local
// subscribers also goes through the broker so that every process, this
// one included, observes the same event stream.
func (q *NetQueue) Push(ctx context.Context, event *Event) error {
	if q.d.isClosed() {
		return ErrClosed
	}
	if event.Sender == "" {
		event.Sender = q.config.Sender
	}
	return q.writeFrame(&frame{Op: frameOpPublish, Topic: event.Name, Event: event})
}

// PushAndWait publishes event as a request and waits for the
// correlated response. The response topic is subscribed on the broker
// for the duration of the wait.
func (q *NetQueue) PushAndWait(ctx context.Context, event *Event, timeout time.Duration) (*Event, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	if event.MessageID == "" {
		event.MessageID = newMessageID()
	}
	event.AwaitingResponse = true

	responseTopic := ResponseTopic(event.Name)
	if err := q.retainTopic(responseTopic); err != nil {
		return nil, err
	}
	defer q.releaseTopic(responseTopic)

	ch, err := q.d.registerPending(event.MessageID)
	if err != nil {
		return nil, err
	}
	defer q.d.dropPending(event.MessageID)

	if err := q.Push(ctx, event); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return response, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, ErrClosed
	}
}

// Subscribe registers handler locally and ensures the broker forwards
// the topic to this process.
func (q *NetQueue) Subscribe(topic string, handler Handler) (Subscription, error) {
	sub, err := q.d.subscribe(topic, handler)
	if err != nil {
		return Subscription{}, err
	}
	if err := q.retainTopic(topic); err != nil {
		q.d.unsubscribe(sub)
		return Subscription{}, err
	}
	return sub, nil
}

// Unsubscribe removes the handler and, when it was the last local
// interest, stops the broker forwarding the topic.
func (q *NetQueue) Unsubscribe(sub Subscription) error {
	q.d.unsubscribe(sub)
	return q.releaseTopic(sub.topic)
}

// retainTopic bumps the local interest count for topic, sending the
// broker a subscribe frame on the zero-to-one transition.
func (q *NetQueue) retainTopic(topic string) error {
	q.topicMu.Lock()
	q.topicRefs[topic]++
	first := q.topicRefs[topic] == 1
	q.topicMu.Unlock()
	if !first {
		return nil
	}
	if err := q.writeFrame(&frame{Op: frameOpSubscribe, Topic: topic}); err != nil {
		q.topicMu.Lock()
		q.topicRefs[topic]--
		q.topicMu.Unlock()
		return err
	}
	return nil
}

func (q *NetQueue) releaseTopic(topic string) error {
	q.topicMu.Lock()
	if q.topicRefs[topic] == 0 {
		q.topicMu.Unlock()
		return nil
	}
	q.topicRefs[topic]--
	last := q.topicRefs[topic] == 0
	if last {
		delete(q.topicRefs, topic)
	}
	q.topicMu.Unlock()
	if !last || q.d.isClosed() {
		return nil
	}
	return q.writeFrame(&frame{Op: frameOpUnsubscribe, Topic: topic})
}

// Close tears down the broker connection and fails pending requests.
func (q *NetQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.d.close()
		q.writeMu.Lock()
		q.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		q.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		q.writeMu.Unlock()
		q.conn.Close()
	})
	return nil
}
