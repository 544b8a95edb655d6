// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hookbridge/hookbridge/lib/ref"
)

func TestValidateGenericHookState(t *testing.T) {
	allowJS := ValidateOptions{AllowJSTransformations: true}
	noJS := ValidateOptions{}

	tests := []struct {
		name     string
		raw      map[string]any
		options  ValidateOptions
		wantCode ErrCode
	}{
		{"valid", map[string]any{"name": "alerts"}, noJS, ""},
		{"missing name", map[string]any{}, noJS, ErrCodeBadValue},
		{"name not a string", map[string]any{"name": 5}, noJS, ErrCodeBadValue},
		{"name too short", map[string]any{"name": "ab"}, noJS, ErrCodeBadValue},
		{"name too long", map[string]any{"name": strings.Repeat("x", 65)}, noJS, ErrCodeBadValue},
		{"name at bounds", map[string]any{"name": strings.Repeat("x", 64)}, noJS, ""},
		{"multibyte name counts runes", map[string]any{"name": strings.Repeat("ü", 64)}, noJS, ""},
		{"multibyte name too long", map[string]any{"name": strings.Repeat("ü", 65)}, noJS, ErrCodeBadValue},
		{"transform allowed", map[string]any{"name": "alerts", "transformationFunction": "result = 1;"}, allowJS, ""},
		{"transform disallowed", map[string]any{"name": "alerts", "transformationFunction": "result = 1;"}, noJS, ErrCodeDisabledFeature},
		{"transform not a string", map[string]any{"name": "alerts", "transformationFunction": 42}, allowJS, ErrCodeBadValue},
		{"empty transform treated as absent", map[string]any{"name": "alerts", "transformationFunction": ""}, noJS, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state, err := ValidateGenericHookState(tc.raw, tc.options)
			if tc.wantCode != "" {
				if !IsErrCode(err, tc.wantCode) {
					t.Fatalf("err = %v, want code %s", err, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateGenericHookState: %v", err)
			}
			if state.Name != tc.raw["name"] {
				t.Errorf("name = %q", state.Name)
			}
		})
	}
}

func TestValidateStripsUnknownFields(t *testing.T) {
	state, err := ValidateGenericHookState(map[string]any{
		"name":            "alerts",
		"hookId":          "abc",
		"disabled":        false,
		"waitForComplete": true,
	}, ValidateOptions{})
	if err != nil {
		t.Fatalf("ValidateGenericHookState: %v", err)
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshaling state: %v", err)
	}
	var roundTripped map[string]any
	json.Unmarshal(encoded, &roundTripped)
	for key := range roundTripped {
		if key != "name" && key != "hookId" {
			t.Errorf("unknown field %q survived validation", key)
		}
	}
	if state.HookID != "abc" {
		t.Errorf("hookId = %q, want carried through", state.HookID)
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	options := ValidateOptions{AllowJSTransformations: true}
	first, err := ValidateGenericHookState(map[string]any{
		"name":                   "alerts",
		"hookId":                 "abc",
		"transformationFunction": "result = 1;",
		"ignored":                true,
	}, options)
	if err != nil {
		t.Fatalf("first validation: %v", err)
	}

	encoded, _ := json.Marshal(first)
	var raw map[string]any
	json.Unmarshal(encoded, &raw)
	second, err := ValidateGenericHookState(raw, options)
	if err != nil {
		t.Fatalf("re-validation: %v", err)
	}
	if *first != *second {
		t.Errorf("re-validation changed the state: %+v != %+v", first, second)
	}
}

func TestSenderLocalpart(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"My Alerts", "myalerts"},
		{"build-bot_2.0=x", "build-bot_2.0=x"},
		{"ALERTS", "alerts"},
		{"日本語", "bot"},
		{"!!!", "bot"},
	}
	for _, tc := range tests {
		if got := senderLocalpart(tc.name); got != tc.want {
			t.Errorf("senderLocalpart(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSenderUserID(t *testing.T) {
	h := newHarness(t, defaultOptions())
	connection, _, err := h.manager.CreateConnection(t.Context(), roomRef(t), map[string]any{"name": "My Alerts"})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	want := ref.MustParseUserID("@" + testPrefix + "myalerts:example.com")
	if got := connection.SenderUserID(); got != want {
		t.Errorf("SenderUserID = %q, want %q", got, want)
	}
}

func TestSenderUserIDWithoutPrefixIsBot(t *testing.T) {
	options := defaultOptions()
	options.UserIDPrefix = ""
	h := newHarness(t, options)
	connection, _, err := h.manager.CreateConnection(t.Context(), roomRef(t), map[string]any{"name": "alerts"})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if got := connection.SenderUserID(); got.String() != testBot {
		t.Errorf("SenderUserID = %q, want the bridge bot", got)
	}
}

func TestDefaultTransform(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantPlain string
		wantHTML  string
	}{
		{
			"text field verbatim",
			`{"text":"disk full"}`,
			"disk full",
			"",
		},
		{
			"bare string",
			`"disk full"`,
			"Received webhook data: disk full",
			"",
		},
		{
			"html field",
			`{"text":"disk full","html":"<b>disk full</b>"}`,
			"disk full",
			"<b>disk full</b>",
		},
		{
			"username prefixes both bodies",
			`{"text":"hi","html":"<i>hi</i>","username":"nagios"}`,
			"**nagios**: hi",
			"<strong>nagios</strong>: <i>hi</i>",
		},
		{
			"username without html",
			`{"text":"hi","username":"nagios"}`,
			"**nagios**: hi",
			"",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plain, html := DefaultTransform(json.RawMessage(tc.payload))
			if plain != tc.wantPlain {
				t.Errorf("plain = %q, want %q", plain, tc.wantPlain)
			}
			if html != tc.wantHTML {
				t.Errorf("html = %q, want %q", html, tc.wantHTML)
			}
		})
	}
}

func TestDefaultTransformDumpsUnrecognizedJSON(t *testing.T) {
	plain, _ := DefaultTransform(json.RawMessage(`{"level":"critical","host":"db1"}`))
	if !strings.HasPrefix(plain, "Received webhook data:") {
		t.Errorf("plain = %q, want the dump preamble", plain)
	}
	if !strings.Contains(plain, "```json") {
		t.Errorf("plain = %q, want a json code fence", plain)
	}
	if !strings.Contains(plain, `"host": "db1"`) {
		t.Errorf("plain = %q, want the indented payload", plain)
	}
}

func TestHandleWebhookEmptyResultSendsNothing(t *testing.T) {
	h := newHarness(t, defaultOptions())
	connection, _, err := h.manager.CreateConnection(t.Context(), roomRef(t), map[string]any{
		"name":                   "alerts",
		"transformationFunction": `result = {version: "v2", empty: true};`,
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	response := h.deliver(t, connection.HookID(), `{"noise":true}`)
	if !response.Successful {
		t.Error("explicit no-op reported unsuccessful")
	}
	if !response.EventID.IsZero() {
		t.Errorf("no-op produced event %q", response.EventID)
	}
	if sent := h.fake.sentEvents(); len(sent) != 0 {
		t.Fatalf("no-op sent %d events, want 0", len(sent))
	}
}

func TestHandleWebhookTransformFailureFallsBack(t *testing.T) {
	h := newHarness(t, defaultOptions())
	connection, _, err := h.manager.CreateConnection(t.Context(), roomRef(t), map[string]any{
		"name":                   "alerts",
		"transformationFunction": `throw new Error("boom");`,
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	response := h.deliver(t, connection.HookID(), `{}`)
	if !response.Successful {
		t.Fatal("fallback delivery reported unsuccessful")
	}
	sent := h.fake.sentEvents()
	if len(sent) != 1 {
		t.Fatalf("sent %d events, want the fallback message", len(sent))
	}
	var content struct {
		Body string `json:"body"`
	}
	json.Unmarshal(sent[0].body, &content)
	if content.Body != transformFailedMessage {
		t.Errorf("body = %q, want the fallback message", content.Body)
	}
}

func TestHandleWebhookRendersMarkdownWhenNoHTML(t *testing.T) {
	h := newHarness(t, defaultOptions())
	connection, _, err := h.manager.CreateConnection(t.Context(), roomRef(t), map[string]any{
		"name":                   "alerts",
		"transformationFunction": `result = {version: "v2", plain: "**alert** fired"};`,
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	if response := h.deliver(t, connection.HookID(), `{}`); !response.Successful {
		t.Fatal("delivery not successful")
	}
	sent := h.fake.sentEvents()
	var content struct {
		Format        string `json:"format"`
		FormattedBody string `json:"formatted_body"`
	}
	json.Unmarshal(sent[0].body, &content)
	if content.Format != "org.matrix.custom.html" {
		t.Errorf("format = %q", content.Format)
	}
	if !strings.Contains(content.FormattedBody, "<strong>alert</strong>") {
		t.Errorf("formatted body = %q, want rendered markdown", content.FormattedBody)
	}
}

func TestHandleWebhookPrefersScriptHTML(t *testing.T) {
	h := newHarness(t, defaultOptions())
	connection, _, err := h.manager.CreateConnection(t.Context(), roomRef(t), map[string]any{
		"name":                   "alerts",
		"transformationFunction": `result = {version: "v2", plain: "alert", html: "<em>alert</em>"};`,
	})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	if response := h.deliver(t, connection.HookID(), `{}`); !response.Successful {
		t.Fatal("delivery not successful")
	}
	sent := h.fake.sentEvents()
	var content struct {
		FormattedBody string `json:"formatted_body"`
	}
	json.Unmarshal(sent[0].body, &content)
	if content.FormattedBody != "<em>alert</em>" {
		t.Errorf("formatted body = %q, want the script's html untouched", content.FormattedBody)
	}
}

func TestEnsureDisplayNameRegistersAndCaches(t *testing.T) {
	h := newHarness(t, defaultOptions())
	connection, _, err := h.manager.CreateConnection(t.Context(), roomRef(t), map[string]any{"name": "Alerts"})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	for i := 0; i < 2; i++ {
		if response := h.deliver(t, connection.HookID(), `{}`); !response.Successful {
			t.Fatalf("delivery %d not successful", i+1)
		}
	}

	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	ghost := "@" + testPrefix + "alerts:example.com"
	if !h.fake.registered[testPrefix+"alerts"] {
		t.Error("ghost was not registered")
	}
	if got := h.fake.displayNames[ghost]; got != "Alerts (Webhook)" {
		t.Errorf("display name = %q, want %q", got, "Alerts (Webhook)")
	}
}

func TestOnStateUpdatedCompileFailureNotifiesRoomAndKeepsState(t *testing.T) {
	h := newHarness(t, defaultOptions())
	room := roomRef(t)
	connection, _, err := h.manager.CreateConnection(t.Context(), room, map[string]any{"name": "alerts"})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	err = h.manager.UpdateConnection(t.Context(), room, "alerts", map[string]any{
		"transformationFunction": `result = {`,
	})
	if err != nil {
		t.Fatalf("UpdateConnection with broken script: %v", err)
	}

	sent := h.fake.sentEvents()
	if len(sent) != 1 {
		t.Fatalf("sent %d events, want the compile error notice", len(sent))
	}
	var notice struct {
		Body string `json:"body"`
	}
	json.Unmarshal(sent[0].body, &notice)
	if !strings.Contains(notice.Body, "Could not compile") {
		t.Errorf("notice body = %q", notice.Body)
	}

	// The invalid function stays stored and every webhook falls back.
	if got := connection.State().TransformationFunction; got != `result = {` {
		t.Errorf("stored transformation = %q, want the broken source kept", got)
	}
	response := h.deliver(t, connection.HookID(), `{}`)
	if !response.Successful {
		t.Fatal("delivery not successful")
	}
	sent = h.fake.sentEvents()
	var fallback struct {
		Body string `json:"body"`
	}
	json.Unmarshal(sent[len(sent)-1].body, &fallback)
	if fallback.Body != transformFailedMessage {
		t.Errorf("body = %q, want the fallback message", fallback.Body)
	}
}

func TestAPIErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{BadValue("x"), 400},
		{UnsupportedOperation("x"), 400},
		{DisabledFeature("x"), 403},
		{NotFound("x"), 404},
	}
	for _, tc := range tests {
		apiErr := tc.err.(*APIError)
		if got := apiErr.HTTPStatus(); got != tc.status {
			t.Errorf("HTTPStatus(%s) = %d, want %d", apiErr.Code, got, tc.status)
		}
	}
}
