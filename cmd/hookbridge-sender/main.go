// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// hookbridge-sender is the outbound posting worker for networked
// deployments. It dials the queue broker, consumes matrix.message
// requests, and posts them to the homeserver with appservice
// impersonation. Run it instead of the monolithic in-process sender
// when the bridge is split across processes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hookbridge/hookbridge/bridge"
	"github.com/hookbridge/hookbridge/lib/config"
	"github.com/hookbridge/hookbridge/lib/process"
	"github.com/hookbridge/hookbridge/lib/ref"
	"github.com/hookbridge/hookbridge/lib/secret"
	"github.com/hookbridge/hookbridge/lib/version"
	"github.com/hookbridge/hookbridge/messaging"
	"github.com/hookbridge/hookbridge/queue"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("hookbridge-sender", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to the config file (overrides HOOKBRIDGE_CONFIG)")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("hookbridge-sender %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Queue.Monolithic {
		return fmt.Errorf("queue.monolithic is true; the monolithic hookbridge process posts its own messages")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := secret.ReadFromPath(cfg.Bridge.TokenFile)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Bridge.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()
	botUserID := ref.MatrixUserID(cfg.Bridge.BotLocalpart, cfg.Bridge.Domain)
	session := client.SessionFromTokenBuffer(botUserID, token)
	defer session.Close()

	eventQueue, err := queue.NewNetQueue(ctx, queue.NetQueueConfig{
		BrokerURL: cfg.Queue.BrokerURL,
		Sender:    "hookbridge-sender",
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer eventQueue.Close()

	worker := bridge.NewMessageSender(bridge.MessageSenderConfig{
		Queue:   eventQueue,
		Session: session,
		Sender:  "hookbridge-sender",
		Logger:  logger,
	})
	if err := worker.Start(); err != nil {
		return err
	}
	defer worker.Stop()

	logger.Info("hookbridge-sender running", "broker", cfg.Queue.BrokerURL)
	<-ctx.Done()
	return nil
}
