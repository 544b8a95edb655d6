// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("super-secret-token")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "super-secret-token" {
		t.Errorf("buffer content = %q", buffer.String())
	}
	for index, b := range source {
		if b != 0 {
			t.Fatalf("source byte %d not zeroed: %v", index, source)
		}
	}
}

func TestCloseIsIdempotentAndPanicsOnRead(t *testing.T) {
	buffer, err := NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestReadFromPathTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  tok-abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), []byte("tok-abc123")) {
		t.Errorf("buffer = %q", buffer.Bytes())
	}
}

func TestReadFromPathRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFromPath(path); err == nil {
		t.Error("ReadFromPath on whitespace-only file succeeded, want error")
	}
}
