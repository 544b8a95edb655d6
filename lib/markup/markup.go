// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package markup renders message bodies to the Matrix HTML subset.
//
// Matrix messages carry both a plain-text body and an optional
// formatted_body in org.matrix.custom.html format. When a webhook
// transform produces only plain text, the bridge renders it through
// this package so that markdown markers (bold usernames, code fences
// in JSON dumps) display correctly in HTML-capable clients.
package markup

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// markdownInstance is initialized once and reused. The converter
// configuration (extensions, options) never changes and the goldmark
// Markdown is safe to share — actual conversion creates per-call state.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
			),
		)
	})
	return markdownInstance
}

// RenderInline converts markdown to HTML for a message formatted_body.
// A single-paragraph input is rendered without the wrapping <p> element,
// matching how chat clients expect short notices to be formatted.
// Returns the input unchanged if conversion fails — a plain string is
// always a valid body.
func RenderInline(input string) string {
	if input == "" {
		return ""
	}

	var buffer bytes.Buffer
	if err := getMarkdown().Convert([]byte(input), &buffer); err != nil {
		return input
	}

	html := strings.TrimSpace(buffer.String())

	// Unwrap a single top-level paragraph. Multi-block output (code
	// fences, lists) keeps its structure.
	if strings.HasPrefix(html, "<p>") && strings.HasSuffix(html, "</p>") {
		inner := html[len("<p>") : len(html)-len("</p>")]
		if !strings.Contains(inner, "<p>") {
			return inner
		}
	}
	return html
}
