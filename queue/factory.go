// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"sync"
)

// FactoryConfig selects and parameterizes the backend a Factory hands
// out.
type FactoryConfig struct {
	// Monolithic selects the in-process backend. When false, BrokerURL
	// must point at a reachable Broker.
	Monolithic bool

	// BrokerURL is the broker websocket URL for the networked backend.
	BrokerURL string

	// Sender names this process on the networked backend.
	Sender string

	// Logger is required.
	Logger *slog.Logger
}

// Factory owns at most one live queue instance per process and
// constructs it lazily on first Get. Every component in the process
// shares the same instance, which is what makes the in-process backend
// a working bus at all.
type Factory struct {
	config FactoryConfig

	mu       sync.Mutex
	instance Queue
	closed   bool
}

// NewFactory builds a factory. No backend is constructed until Get.
func NewFactory(config FactoryConfig) *Factory {
	if config.Logger == nil {
		panic("queue: NewFactory requires a logger")
	}
	return &Factory{config: config}
}

// Get returns the process-wide queue, constructing it on first call.
// For the networked backend the context bounds the broker dial.
func (f *Factory) Get(ctx context.Context) (Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.instance != nil {
		return f.instance, nil
	}
	if f.config.Monolithic {
		f.instance = NewLocalQueue(f.config.Logger)
		return f.instance, nil
	}
	q, err := NewNetQueue(ctx, NetQueueConfig{
		BrokerURL: f.config.BrokerURL,
		Sender:    f.config.Sender,
		Logger:    f.config.Logger,
	})
	if err != nil {
		return nil, err
	}
	f.instance = q
	return f.instance, nil
}

// Close shuts down the instance if one was constructed. Get fails
// afterwards.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.instance == nil {
		return nil
	}
	err := f.instance.Close()
	f.instance = nil
	return err
}
