// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hookbridge/hookbridge/lib/service"
	"github.com/hookbridge/hookbridge/queue"
)

// defaultPayloadLimit caps inbound request bodies when no limit is
// configured.
const defaultPayloadLimit = 8 << 20

// webhookTimeout bounds one delivery round trip through the queue.
const webhookTimeout = 30 * time.Second

// WebhookIngressConfig assembles a WebhookIngress.
type WebhookIngressConfig struct {
	Queue queue.Queue

	// Sender names the ingress on queue events.
	Sender string

	// SigningSecret, when set, requires a valid X-Hub-Signature-256
	// header on every delivery.
	SigningSecret []byte

	// PayloadLimit caps request bodies in bytes. Zero selects the
	// default.
	PayloadLimit int64

	Logger *slog.Logger
}

// WebhookIngress is the public HTTP surface webhooks are delivered
// to. It normalizes payloads to JSON and forwards them over the queue
// to the connection manager, which may live in another process.
type WebhookIngress struct {
	queue   queue.Queue
	sender  string
	secret  []byte
	limit   int64
	logger  *slog.Logger
	handler http.Handler
}

// NewWebhookIngress builds the ingress. Queue and Logger are required.
func NewWebhookIngress(config WebhookIngressConfig) *WebhookIngress {
	if config.Queue == nil {
		panic("bridge: NewWebhookIngress requires a queue")
	}
	if config.Logger == nil {
		panic("bridge: NewWebhookIngress requires a logger")
	}
	limit := config.PayloadLimit
	if limit <= 0 {
		limit = defaultPayloadLimit
	}
	ingress := &WebhookIngress{
		queue:  config.Queue,
		sender: config.Sender,
		secret: config.SigningSecret,
		limit:  limit,
		logger: config.Logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{hookId}", ingress.handleWebhook)
	mux.HandleFunc("PUT /webhook/{hookId}", ingress.handleWebhook)
	ingress.handler = mux
	return ingress
}

func (i *WebhookIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.handler.ServeHTTP(w, r)
}

func (i *WebhookIngress) handleWebhook(w http.ResponseWriter, r *http.Request) {
	hookID := r.PathValue("hookId")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.limit))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if len(i.secret) > 0 {
		if err := service.VerifyWebhookHMAC(i.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			i.logger.Warn("rejected webhook with bad signature", "error", err)
			writeJSONError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	payload := normalizePayload(body)

	event, err := queue.NewEvent(TopicWebhookEvent, i.sender, WebhookEventRequest{
		HookID:  hookID,
		Payload: payload,
	})
	if err != nil {
		i.logger.Error("failed to build webhook event", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	reply, err := i.queue.PushAndWait(r.Context(), event, webhookTimeout)
	if err != nil {
		i.logger.Error("webhook delivery timed out", "error", err)
		writeJSONError(w, http.StatusBadGateway, "the bridge failed to process the webhook")
		return
	}

	var response WebhookEventResponse
	if err := reply.DecodeData(&response); err != nil {
		i.logger.Error("undecodable webhook response", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch {
	case response.NotFound:
		writeJSONError(w, http.StatusNotFound, "unknown webhook")
	case !response.Successful:
		writeJSONError(w, http.StatusInternalServerError, "the bridge failed to process the webhook")
	default:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"ok":true}`)
	}
}

// normalizePayload hands connections a valid JSON document regardless
// of what was posted: non-JSON bodies become a JSON string and empty
// bodies an empty object.
func normalizePayload(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(quoted)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
