// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for bridge binaries.
//
// Configuration is loaded from a single file specified by:
//   - HOOKBRIDGE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections (development,
// staging, production) that override base values when the environment matches.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the bridge.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Bridge configures the Matrix side: homeserver, bot account, domain.
	Bridge BridgeConfig `yaml:"bridge"`

	// Queue configures event distribution between bridge processes.
	Queue QueueConfig `yaml:"queue"`

	// Generic configures generic webhook connections.
	Generic GenericConfig `yaml:"generic"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Bridge *BridgeConfig `yaml:"bridge,omitempty"`
	Queue  *QueueConfig  `yaml:"queue,omitempty"`
}

// BridgeConfig configures the Matrix side of the bridge.
type BridgeConfig struct {
	// Domain is the Matrix server name the bridge's users belong to
	// (e.g., "example.com"). Synthetic webhook sender IDs are minted
	// under this domain.
	Domain string `yaml:"domain"`

	// HomeserverURL is the base URL for Matrix client-server API calls
	// (e.g., "http://localhost:8008").
	HomeserverURL string `yaml:"homeserver_url"`

	// BotLocalpart is the localpart of the bridge's own account.
	// Default: "hookbridge".
	BotLocalpart string `yaml:"bot_localpart"`

	// TokenFile is the path to a file containing the bridge account's
	// access token. Read into locked memory at startup.
	TokenFile string `yaml:"token_file"`

	// ListenAddress is the TCP address for the inbound webhook
	// listener (e.g., "127.0.0.1:9000").
	ListenAddress string `yaml:"listen_address"`
}

// QueueConfig configures event distribution.
type QueueConfig struct {
	// Monolithic selects the in-process queue. All bridge components
	// run in one process and events never leave it. When false, the
	// networked queue is used and BrokerURL is required.
	Monolithic bool `yaml:"monolithic"`

	// BrokerListen is the TCP address the broker listens on. Only one
	// process in a deployment hosts the broker; set this only on that
	// process. Empty means this process does not host the broker.
	BrokerListen string `yaml:"broker_listen"`

	// BrokerURL is the websocket URL of the broker
	// (e.g., "ws://queue.internal:9800"). Required when Monolithic
	// is false.
	BrokerURL string `yaml:"broker_url"`
}

// GenericConfig configures generic webhook connections.
type GenericConfig struct {
	// Enabled turns the generic webhook service on.
	Enabled bool `yaml:"enabled"`

	// URLPrefix is the public base URL for webhook endpoints. The
	// hook ID is appended to form the full URL handed to webhook
	// senders (e.g., "https://bridge.example.com/webhook/").
	URLPrefix string `yaml:"url_prefix"`

	// UserIDPrefix is prepended to the normalized connection name to
	// form the synthetic sender localpart (e.g., "webhook_"). When
	// empty, messages are sent as the bridge's own account.
	UserIDPrefix string `yaml:"user_id_prefix"`

	// AllowJSTransformationFunctions globally enables user-supplied
	// transformation scripts. When false, any state carrying a
	// transformation function is rejected regardless of per-room
	// settings.
	AllowJSTransformationFunctions bool `yaml:"allow_js_transformation_functions"`

	// PayloadLimit is the maximum accepted webhook body size in bytes.
	// Default: 8 MB.
	PayloadLimit int64 `yaml:"payload_limit"`

	// HMACSecretFile is the path to a file containing a shared HMAC
	// secret. When set, inbound webhooks must carry a valid
	// X-Hub-Signature-256 header. Empty disables verification (the
	// hook ID in the URL is the only credential, as in most generic
	// webhook senders).
	HMACSecretFile string `yaml:"hmac_secret_file"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	// Default: info.
	Level string `yaml:"level"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback —
// the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Bridge: BridgeConfig{
			BotLocalpart:  "hookbridge",
			ListenAddress: "127.0.0.1:9000",
		},
		Queue: QueueConfig{
			Monolithic: true,
		},
		Generic: GenericConfig{
			Enabled:      true,
			PayloadLimit: 8 << 20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the HOOKBRIDGE_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults — if HOOKBRIDGE_CONFIG is not set,
// this fails. This ensures deterministic, auditable configuration with
// no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("HOOKBRIDGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HOOKBRIDGE_CONFIG environment variable not set; " +
			"set it to the path of your hookbridge.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values — this ensures deterministic, auditable
// configuration.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Apply environment-specific overrides (development/staging/production
	// sections in the file).
	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Bridge != nil {
		if overrides.Bridge.Domain != "" {
			c.Bridge.Domain = overrides.Bridge.Domain
		}
		if overrides.Bridge.HomeserverURL != "" {
			c.Bridge.HomeserverURL = overrides.Bridge.HomeserverURL
		}
		if overrides.Bridge.BotLocalpart != "" {
			c.Bridge.BotLocalpart = overrides.Bridge.BotLocalpart
		}
		if overrides.Bridge.TokenFile != "" {
			c.Bridge.TokenFile = overrides.Bridge.TokenFile
		}
		if overrides.Bridge.ListenAddress != "" {
			c.Bridge.ListenAddress = overrides.Bridge.ListenAddress
		}
	}

	if overrides.Queue != nil {
		// Monolithic is a bool, so the override section always applies it.
		c.Queue.Monolithic = overrides.Queue.Monolithic
		if overrides.Queue.BrokerListen != "" {
			c.Queue.BrokerListen = overrides.Queue.BrokerListen
		}
		if overrides.Queue.BrokerURL != "" {
			c.Queue.BrokerURL = overrides.Queue.BrokerURL
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Bridge.Domain == "" {
		errs = append(errs, fmt.Errorf("bridge.domain is required"))
	}
	if c.Bridge.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("bridge.homeserver_url is required"))
	} else if _, err := url.Parse(c.Bridge.HomeserverURL); err != nil {
		errs = append(errs, fmt.Errorf("bridge.homeserver_url is invalid: %w", err))
	}
	if c.Bridge.TokenFile == "" {
		errs = append(errs, fmt.Errorf("bridge.token_file is required"))
	}
	if c.Bridge.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("bridge.listen_address is required"))
	}

	if !c.Queue.Monolithic && c.Queue.BrokerURL == "" {
		errs = append(errs, fmt.Errorf("queue.broker_url is required when queue.monolithic is false"))
	}
	if c.Queue.Monolithic && c.Queue.BrokerListen != "" {
		errs = append(errs, fmt.Errorf("queue.broker_listen is set but queue.monolithic is true; the broker only serves networked deployments"))
	}

	if c.Generic.Enabled {
		if c.Generic.URLPrefix == "" {
			errs = append(errs, fmt.Errorf("generic.url_prefix is required when generic webhooks are enabled"))
		}
		if c.Generic.PayloadLimit <= 0 {
			errs = append(errs, fmt.Errorf("generic.payload_limit must be positive"))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error: got %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}
