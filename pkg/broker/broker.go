// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker embeds the MQTT broker devices connect to. Every CONNECT
// is authenticated and every publish and subscribe authorized through a
// Gate, and client lifecycle changes are emitted as typed events.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	bridgetls "github.com/turtacn/farmbridge/pkg/tls"
	"k8s.io/utils/clock"
)

// Defaults for Config.
const (
	DefaultAddress        = ":1883"
	DefaultMaxConnections = 1000
	DefaultStatsInterval  = 60 * time.Second
)

// Config configures the embedded broker.
type Config struct {
	Address        string        `yaml:"address" json:"address" env:"ADDRESS"`
	MaxConnections int           `yaml:"max_connections" json:"max_connections" env:"MAX_CONNECTIONS"`
	StatsInterval  time.Duration `yaml:"stats_interval" json:"stats_interval" env:"STATS_INTERVAL"`
	// TLS adds a second listener; devices may use either.
	TLS bridgetls.Config `yaml:"tls" json:"tls" envPrefix:"TLS_"`
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	return c
}

// Message is a publish observed by an inline subscription.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// MessageHandler handles messages from an inline subscription.
type MessageHandler func(Message)

type options struct {
	logger *slog.Logger
	sink   EventSink
	clock  clock.WithTicker
}

// Option configures a Handle.
type Option func(*options)

// WithLogger sets the logger used by the handle and the mochi server.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithEventSink sets the consumer of lifecycle events.
func WithEventSink(s EventSink) Option { return func(o *options) { o.sink = s } }

// WithClock replaces the wall clock.
func WithClock(c clock.WithTicker) Option { return func(o *options) { o.clock = c } }

// Handle owns one embedded broker instance. It is created once at startup
// and passed to the components that publish through it.
type Handle struct {
	cfg    Config
	server *mqtt.Server
	hook   *gateHook
	stats  *Stats
	logger *slog.Logger
	clock  clock.WithTicker

	subID     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// New builds a broker gated by gate. An empty address builds a broker with
// no listener, which is only reachable through the inline client.
func New(cfg Config, gate Gate, opts ...Option) (*Handle, error) {
	if gate == nil {
		return nil, errors.New("broker: gate is required")
	}
	o := options{logger: slog.Default(), clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	caps := mqtt.NewDefaultServerCapabilities()
	caps.MaximumClients = int64(cfg.MaxConnections)
	caps.MaximumQos = 1
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       o.logger,
		Capabilities: caps,
	})

	stats := &Stats{}
	hook := newGateHook(gate, o.sink, stats, o.clock, o.logger)
	if err := server.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("failed to add gate hook: %w", err)
	}
	if cfg.Address != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.Address})
		if err := server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("failed to add listener on %s: %w", cfg.Address, err)
		}
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := bridgetls.ServerConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		addr := cfg.TLS.ListenAddress()
		tl := listeners.NewTCP(listeners.Config{ID: "tls", Address: addr, TLSConfig: tlsConfig})
		if err := server.AddListener(tl); err != nil {
			return nil, fmt.Errorf("failed to add tls listener on %s: %w", addr, err)
		}
	}
	return &Handle{
		cfg:    cfg,
		server: server,
		hook:   hook,
		stats:  stats,
		logger: o.logger,
		clock:  o.clock,
	}, nil
}

// Start serves until ctx is done, logging stats every StatsInterval, and
// then closes the broker.
func (h *Handle) Start(ctx context.Context) error {
	if err := h.server.Serve(); err != nil {
		return fmt.Errorf("failed to serve mqtt: %w", err)
	}
	h.logger.Info("MQTT broker listening", "address", h.cfg.Address)

	ticker := h.clock.NewTicker(h.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("MQTT broker is shutting down")
			return h.Close()
		case <-ticker.C():
			s := h.stats.Snapshot()
			h.logger.Info("Broker stats",
				"total_connections", s.TotalConnections,
				"active_connections", s.ActiveConnections,
				"total_messages", s.TotalMessages,
				"total_subscriptions", s.TotalSubscriptions)
		}
	}
}

// Close stops the listener and disconnects every client.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.server.Close()
	})
	return h.closeErr
}

// Stats returns the broker counters.
func (h *Handle) Stats() StatsSnapshot { return h.stats.Snapshot() }

// Publish sends a message from the broker's inline client. Inline
// publishes are not subject to the ACL.
func (h *Handle) Publish(topic string, payload []byte, qos byte) error {
	if err := h.server.Publish(topic, payload, false, qos); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers an inline subscription on filter.
func (h *Handle) Subscribe(filter string, fn MessageHandler) error {
	id := int(h.subID.Add(1))
	return h.server.Subscribe(filter, id, func(cl *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		fn(Message{ClientID: cl.ID, Topic: pk.TopicName, Payload: pk.Payload})
	})
}

// IsConnected reports whether clientID has a live connection.
func (h *Handle) IsConnected(clientID string) bool {
	cl, ok := h.server.Clients.Get(clientID)
	return ok && !cl.Closed()
}

// DisconnectClient closes the connection of clientID.
func (h *Handle) DisconnectClient(clientID string) bool {
	cl, ok := h.server.Clients.Get(clientID)
	if !ok || cl.Closed() {
		return false
	}
	h.logger.Info("Disconnecting client", "client", clientID)
	cl.Stop(ErrKicked)
	return true
}
