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

// Package legacy bridges farms that still run their own MQTT brokers with the
// older farms/{farm}/... topic layout. One persistent upstream session is kept
// per active farm and its messages are normalized into the bridge's storage.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/farmbridge/pkg/dispatch"
	"github.com/turtacn/farmbridge/pkg/metrics"
	"github.com/turtacn/farmbridge/pkg/storage"
	"github.com/turtacn/farmbridge/pkg/topic"
	"k8s.io/utils/clock"
)

// Config holds the manager settings shared by every farm session.
type Config struct {
	Enabled           bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	ReloadInterval    time.Duration `yaml:"reload_interval" json:"reload_interval" env:"RELOAD_INTERVAL"`
	EncryptionKey     string        `yaml:"encryption_key" json:"-" env:"ENCRYPTION_KEY"`
	KeepAlive         time.Duration `yaml:"keepalive" json:"keepalive" env:"KEEPALIVE"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnect_interval" env:"RECONNECT_INTERVAL"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" json:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// WithDefaults fills unset durations and the encryption key.
func (c Config) WithDefaults() Config {
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 5 * time.Minute
	}
	if c.EncryptionKey == "" {
		c.EncryptionKey = DefaultEncryptionKey
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

// AuthModeAPIKey authenticates with the fixed username "apikey" and the
// decrypted secret as password.
const AuthModeAPIKey = "api_key"

// ConnectionStatus describes one farm session.
type ConnectionStatus struct {
	FarmID      string    `json:"farmId"`
	ClientID    string    `json:"clientId"`
	Broker      string    `json:"broker"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ReloadResult lists the farms touched by a reload.
type ReloadResult struct {
	Connected    []string `json:"connected"`
	Disconnected []string `json:"disconnected"`
	Failed       []string `json:"failed"`
	Active       int      `json:"active"`
}

type bridgeStatus struct {
	Online    bool      `json:"online"`
	FarmID    string    `json:"farm_id"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

type farmClient struct {
	farmID   string
	clientID string
	broker   string
	qos      byte
	conn     Conn
	since    time.Time
}

func (c *farmClient) IsConnected() bool { return c.conn.IsConnected() }

func (c *farmClient) Publish(ctx context.Context, t string, qos byte, payload []byte) error {
	if !c.conn.IsConnected() {
		return dispatch.ErrNotConnected
	}
	return c.conn.Publish(ctx, t, qos, false, payload)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the paho dialer.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dial = d } }

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock replaces the wall clock.
func WithClock(c clock.WithTicker) Option { return func(m *Manager) { m.clock = c } }

// Manager owns the per-farm upstream sessions.
type Manager struct {
	cfg     Config
	configs storage.LegacyConfigStore
	router  *Router
	dial    Dialer
	clock   clock.WithTicker
	logger  *slog.Logger

	// base scopes message handling; replaced by Start.
	base context.Context

	mu      sync.Mutex
	clients map[string]*farmClient
}

// NewManager creates a manager that reads farm configurations from configs
// and hands inbound messages to router.
func NewManager(cfg Config, configs storage.LegacyConfigStore, router *Router, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.WithDefaults(),
		configs: configs,
		router:  router,
		dial:    PahoDialer,
		clock:   clock.RealClock{},
		logger:  slog.Default(),
		base:    context.Background(),
		clients: make(map[string]*farmClient),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Connect opens the session for one farm, replacing an existing session for
// the same farm. Inactive farms are skipped.
func (m *Manager) Connect(ctx context.Context, fc storage.LegacyFarmConfig) error {
	if !fc.IsActive {
		m.logger.Info("[Legacy] Skipping inactive farm", "farm_id", fc.FarmID)
		return nil
	}

	addr, err := BrokerAddress(fc.BrokerURL, fc.Port, fc.WSPath)
	if err != nil {
		return err
	}
	var secret string
	if fc.SecretEnc != "" {
		if secret, err = DecryptSecret(fc.SecretEnc, m.cfg.EncryptionKey); err != nil {
			return fmt.Errorf("farm %s: %w", fc.FarmID, err)
		}
	}
	username := fc.Username
	if fc.AuthMode == AuthModeAPIKey {
		username = "apikey"
	}

	now := m.clock.Now()
	fcl := &farmClient{
		farmID:   fc.FarmID,
		clientID: fmt.Sprintf("legacy-%s-%s-%d", fc.ClientIDPrefix, fc.FarmID, now.UnixMilli()),
		broker:   addr,
		qos:      fc.QoSDefault,
		since:    now,
	}
	will, _ := json.Marshal(bridgeStatus{FarmID: fc.FarmID, ClientID: fcl.clientID, Timestamp: now})
	fcl.conn = m.dial(ClientOptions{
		Broker:            addr,
		ClientID:          fcl.clientID,
		Username:          username,
		Password:          secret,
		KeepAlive:         m.cfg.KeepAlive,
		ReconnectInterval: m.cfg.ReconnectInterval,
		ConnectTimeout:    m.cfg.ConnectTimeout,
		WillTopic:         topic.BridgeStatus(fc.FarmID),
		WillPayload:       will,
		OnConnect:         func() { m.onConnect(fcl) },
		OnConnectionLost: func(err error) {
			m.logger.Warn("[Legacy] MQTT client offline", "farm_id", fc.FarmID, "error", err)
		},
	})

	m.mu.Lock()
	old := m.clients[fc.FarmID]
	m.clients[fc.FarmID] = fcl
	metrics.LegacyConnections.Set(float64(len(m.clients)))
	m.mu.Unlock()
	if old != nil {
		old.conn.Disconnect()
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := fcl.conn.Connect(cctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.logger.Warn("[Legacy] Farm broker not reachable yet, retrying in background", "farm_id", fc.FarmID, "broker", addr)
			return nil
		}
		m.remove(fc.FarmID, fcl)
		return fmt.Errorf("farm %s: connect %s: %w", fc.FarmID, addr, err)
	}
	m.logger.Info("[Legacy] Connected to farm", "farm_id", fc.FarmID, "broker", addr, "client_id", fcl.clientID)
	return nil
}

// onConnect runs after every (re)connect of a farm session.
func (m *Manager) onConnect(c *farmClient) {
	ctx, cancel := context.WithTimeout(m.base, m.cfg.ConnectTimeout)
	defer cancel()

	filters := make(map[string]byte)
	for _, f := range topic.LegacySubscriptions(c.farmID) {
		filters[f] = c.qos
	}
	err := c.conn.Subscribe(ctx, filters, func(t string, payload []byte) {
		if err := m.router.Handle(m.base, c.farmID, t, payload); err != nil {
			m.logger.Error("[Legacy] Error processing message", "farm_id", c.farmID, "topic", t, "error", err)
		}
	})
	if err != nil {
		m.logger.Error("[Legacy] Subscribe failed", "farm_id", c.farmID, "error", err)
	}

	status, _ := json.Marshal(bridgeStatus{Online: true, FarmID: c.farmID, ClientID: c.clientID, Timestamp: m.clock.Now()})
	if err := c.conn.Publish(ctx, topic.BridgeStatus(c.farmID), 1, true, status); err != nil {
		m.logger.Warn("[Legacy] Bridge status publish failed", "farm_id", c.farmID, "error", err)
	}
}

func (m *Manager) remove(farmID string, only *farmClient) *farmClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[farmID]
	if !ok || (only != nil && c != only) {
		return nil
	}
	delete(m.clients, farmID)
	metrics.LegacyConnections.Set(float64(len(m.clients)))
	return c
}

// Disconnect closes a farm's session and reports whether one existed.
func (m *Manager) Disconnect(farmID string) bool {
	c := m.remove(farmID, nil)
	if c == nil {
		return false
	}
	c.conn.Disconnect()
	m.logger.Info("[Legacy] Disconnected from farm", "farm_id", farmID)
	return true
}

// Reload reconciles sessions with the active configurations: farms that are
// gone are disconnected, farms that are new or whose session is down are
// (re)connected, and healthy sessions are left alone.
func (m *Manager) Reload(ctx context.Context) (ReloadResult, error) {
	m.logger.Info("[Legacy] Reloading farm configurations")
	configs, err := m.configs.ActiveLegacyConfigs(ctx)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("load legacy configs: %w", err)
	}

	active := make(map[string]storage.LegacyFarmConfig, len(configs))
	for _, c := range configs {
		if c.IsActive {
			active[c.FarmID] = c
		}
	}

	var res ReloadResult
	for _, id := range m.farmIDs() {
		if _, ok := active[id]; !ok && m.Disconnect(id) {
			res.Disconnected = append(res.Disconnected, id)
		}
	}

	for _, c := range configs {
		if !c.IsActive {
			continue
		}
		m.mu.Lock()
		existing := m.clients[c.FarmID]
		m.mu.Unlock()
		if existing != nil && existing.IsConnected() {
			continue
		}
		if err := m.Connect(ctx, c); err != nil {
			m.logger.Error("[Legacy] Failed to connect farm", "farm_id", c.FarmID, "error", err)
			res.Failed = append(res.Failed, c.FarmID)
			continue
		}
		res.Connected = append(res.Connected, c.FarmID)
	}

	res.Active = m.ActiveConnections()
	m.logger.Info("[Legacy] Active connections", "count", res.Active)
	return res, nil
}

func (m *Manager) farmIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveConnections is the number of farm sessions held, connected or not.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Connections lists the farm sessions ordered by farm id.
func (m *Manager) Connections() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionStatus, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, ConnectionStatus{
			FarmID:      c.farmID,
			ClientID:    c.clientID,
			Broker:      c.broker,
			Connected:   c.IsConnected(),
			ConnectedAt: c.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FarmID < out[j].FarmID })
	return out
}

// ClientForFarm implements dispatch.Resolver.
func (m *Manager) ClientForFarm(farmID string) (dispatch.FarmPublisher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[farmID]
	if !ok {
		return nil, false
	}
	return c, true
}

// Start reloads immediately and then every ReloadInterval. All sessions are
// closed when ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.base = ctx
	defer m.Shutdown()

	ticker := m.clock.NewTicker(m.cfg.ReloadInterval)
	defer ticker.Stop()
	for {
		if _, err := m.Reload(ctx); err != nil {
			m.logger.Error("[Legacy] Error reloading configurations", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// Shutdown disconnects every farm.
func (m *Manager) Shutdown() {
	m.logger.Info("[Legacy] Shutting down client manager")
	for _, id := range m.farmIDs() {
		m.Disconnect(id)
	}
}
