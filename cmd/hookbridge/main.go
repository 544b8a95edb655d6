// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/hookbridge/hookbridge/bridge"
	"github.com/hookbridge/hookbridge/lib/config"
	"github.com/hookbridge/hookbridge/lib/process"
	"github.com/hookbridge/hookbridge/lib/ref"
	"github.com/hookbridge/hookbridge/lib/secret"
	"github.com/hookbridge/hookbridge/lib/service"
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
	flagSet := pflag.NewFlagSet("hookbridge", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to the config file (overrides HOOKBRIDGE_CONFIG)")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("hookbridge %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging.Level)
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

	group, ctx := errgroup.WithContext(ctx)

	// In a networked deployment one process hosts the broker every
	// other process dials. Start it before constructing the queue so
	// this process can dial its own broker.
	if cfg.Queue.BrokerListen != "" {
		broker := queue.NewBroker(logger)
		defer broker.Close()
		brokerServer := service.NewHTTPServer(service.HTTPServerConfig{
			Address: cfg.Queue.BrokerListen,
			Handler: broker,
			Logger:  logger.With("component", "broker"),
		})
		group.Go(func() error { return brokerServer.Serve(ctx) })
		select {
		case <-brokerServer.Ready():
		case <-ctx.Done():
			return group.Wait()
		}
	}

	factory := queue.NewFactory(queue.FactoryConfig{
		Monolithic: cfg.Queue.Monolithic,
		BrokerURL:  cfg.Queue.BrokerURL,
		Sender:     "hookbridge",
		Logger:     logger,
	})
	defer factory.Close()
	eventQueue, err := factory.Get(ctx)
	if err != nil {
		return fmt.Errorf("constructing event queue: %w", err)
	}

	senderClient := bridge.NewMessageSenderClient(bridge.MessageSenderClientConfig{
		Queue:  eventQueue,
		Sender: "hookbridge",
		Logger: logger,
	})

	// The monolithic deployment posts its own messages. Networked
	// deployments run cmd/hookbridge-sender for that.
	if cfg.Queue.Monolithic {
		worker := bridge.NewMessageSender(bridge.MessageSenderConfig{
			Queue:   eventQueue,
			Session: session,
			Sender:  "hookbridge",
			Logger:  logger.With("component", "sender"),
		})
		if err := worker.Start(); err != nil {
			return err
		}
		defer worker.Stop()
	}

	manager := bridge.NewConnectionManager(bridge.ConnectionManagerConfig{
		Queue:   eventQueue,
		Session: session,
		Sender:  senderClient,
		Options: bridge.GenericHookOptions{
			Enabled:                cfg.Generic.Enabled,
			AllowJSTransformations: cfg.Generic.AllowJSTransformationFunctions,
			UserIDPrefix:           cfg.Generic.UserIDPrefix,
			URLPrefix:              cfg.Generic.URLPrefix,
		},
		SenderName: "hookbridge",
		Logger:     logger.With("component", "manager"),
	})
	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()
	if err := manager.LoadRoomState(ctx); err != nil {
		return err
	}

	var hmacSecret []byte
	if cfg.Generic.HMACSecretFile != "" {
		buffer, err := secret.ReadFromPath(cfg.Generic.HMACSecretFile)
		if err != nil {
			return fmt.Errorf("reading HMAC secret: %w", err)
		}
		defer buffer.Close()
		hmacSecret = append(hmacSecret, buffer.Bytes()...)
	}

	ingress := bridge.NewWebhookIngress(bridge.WebhookIngressConfig{
		Queue:         eventQueue,
		Sender:        "hookbridge",
		SigningSecret: hmacSecret,
		PayloadLimit:  cfg.Generic.PayloadLimit,
		Logger:        logger.With("component", "ingress"),
	})
	webhookServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Bridge.ListenAddress,
		Handler: ingress,
		Logger:  logger.With("component", "ingress"),
	})
	group.Go(func() error { return webhookServer.Serve(ctx) })

	logger.Info("hookbridge running",
		"listen", cfg.Bridge.ListenAddress,
		"monolithic", cfg.Queue.Monolithic)
	return group.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
