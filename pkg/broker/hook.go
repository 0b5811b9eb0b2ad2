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

package broker

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/metrics"
	"k8s.io/utils/clock"
)

// ErrKicked is the stop cause for clients disconnected by an operator.
var ErrKicked = errors.New("broker: disconnected by administrator")

// connState is what the hook remembers about one transport connection.
type connState struct {
	serial uint64
	claims atomic.Pointer[auth.DeviceClaims]
	active atomic.Bool
}

// gateHook adapts a Gate to mochi's hook interface and turns hook calls
// into typed events.
type gateHook struct {
	mqtt.HookBase
	gate   Gate
	sink   EventSink
	stats  *Stats
	clock  clock.PassiveClock
	logger *slog.Logger

	serial atomic.Uint64
	conns  sync.Map // *mqtt.Client -> *connState
}

func newGateHook(gate Gate, sink EventSink, stats *Stats, c clock.PassiveClock, logger *slog.Logger) *gateHook {
	return &gateHook{gate: gate, sink: sink, stats: stats, clock: c, logger: logger}
}

// ID implements mqtt.Hook.
func (h *gateHook) ID() string { return "farmbridge-gate" }

// Provides implements mqtt.Hook.
func (h *gateHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnPacketRead,
		mqtt.OnPublished,
	}, []byte{b})
}

func (h *gateHook) emit(cl *mqtt.Client, st *connState, kind EventKind, mutate func(*Event)) {
	if h.sink == nil {
		return
	}
	ev := Event{
		Kind:     kind,
		ClientID: cl.ID,
		Conn:     st.serial,
		Remote:   cl.Net.Remote,
		Claims:   st.claims.Load(),
		At:       h.clock.Now().UTC(),
	}
	if mutate != nil {
		mutate(&ev)
	}
	h.sink.Deliver(ev)
}

func (h *gateHook) state(cl *mqtt.Client) (*connState, bool) {
	v, ok := h.conns.Load(cl)
	if !ok {
		return nil, false
	}
	return v.(*connState), true
}

// OnConnect records the connection and emits ready.
func (h *gateHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	st := &connState{serial: h.serial.Add(1)}
	h.conns.Store(cl, st)
	h.stats.totalConnections.Add(1)
	metrics.ConnectionsTotal.Inc()
	h.emit(cl, st, EventReady, nil)
	return nil
}

// OnConnectAuthenticate verifies the device token. A rejected client never
// reaches OnDisconnect, so its state is dropped here.
func (h *gateHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	if cl.Net.Inline {
		return true
	}
	st, ok := h.state(cl)
	if !ok {
		return false
	}
	claims, err := h.gate.Authenticate(cl.ID, string(pk.Connect.Username), pk.Connect.Password)
	if err != nil {
		h.conns.Delete(cl)
		metrics.AuthFailuresTotal.Inc()
		h.logger.Warn("MQTT authentication failed", "client", cl.ID, "remote", cl.Net.Remote, "error", err)
		h.emit(cl, st, EventErrored, func(ev *Event) { ev.Err = err })
		return false
	}
	st.claims.Store(&claims)
	return true
}

// OnSessionEstablished marks the client active once CONNACK is sent.
func (h *gateHook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	st, ok := h.state(cl)
	if !ok || !st.active.CompareAndSwap(false, true) {
		return
	}
	h.stats.activeConnections.Add(1)
	metrics.ActiveClients.Inc()
	if claims := st.claims.Load(); claims != nil {
		h.logger.Info("Client authenticated", "client", cl.ID, "device", claims.DeviceID,
			"tenant", claims.TenantID, "farm", claims.FarmID)
	}
	h.emit(cl, st, EventAuthenticated, nil)
}

// OnACLCheck authorizes publishes (write) and subscriptions.
func (h *gateHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}
	var claims *auth.DeviceClaims
	if st, ok := h.state(cl); ok {
		claims = st.claims.Load()
	}
	if write {
		return h.gate.AuthorizePublish(claims, topic)
	}
	return h.gate.AuthorizeSubscribe(claims, topic)
}

// OnSubscribed records the filters the broker granted.
func (h *gateHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	st, ok := h.state(cl)
	if !ok {
		return
	}
	var granted []string
	for i, f := range pk.Filters {
		if i < len(reasonCodes) && reasonCodes[i] < 0x80 {
			granted = append(granted, f.Filter)
		}
	}
	if len(granted) == 0 {
		return
	}
	h.stats.totalSubscriptions.Add(int64(len(granted)))
	h.emit(cl, st, EventSubscribed, func(ev *Event) { ev.Topics = granted })
}

// OnUnsubscribed removes filters from the client.
func (h *gateHook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	st, ok := h.state(cl)
	if !ok {
		return
	}
	filters := make([]string, 0, len(pk.Filters))
	for _, f := range pk.Filters {
		filters = append(filters, f.Filter)
	}
	h.emit(cl, st, EventUnsubscribed, func(ev *Event) { ev.Topics = filters })
}

// OnPacketRead watches for PINGREQ to refresh last-seen.
func (h *gateHook) OnPacketRead(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if pk.FixedHeader.Type == packets.Pingreq {
		if st, ok := h.state(cl); ok {
			h.emit(cl, st, EventPing, nil)
		}
	}
	return pk, nil
}

// OnPublished counts messages published by device clients.
func (h *gateHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	if cl.Net.Inline {
		return
	}
	st, ok := h.state(cl)
	if !ok {
		return
	}
	h.stats.totalMessages.Add(1)
	metrics.MessagesPublishedTotal.Inc()
	h.emit(cl, st, EventPublished, func(ev *Event) { ev.Topics = []string{pk.TopicName} })
}

// OnDisconnect removes the connection. The active counter is decremented
// at most once per connection.
func (h *gateHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	v, ok := h.conns.LoadAndDelete(cl)
	if !ok {
		return
	}
	st := v.(*connState)
	if st.active.CompareAndSwap(true, false) {
		h.stats.activeConnections.Add(-1)
		metrics.ActiveClients.Dec()
	}
	kind := EventDisconnected
	if !cleanDisconnect(err) {
		kind = EventErrored
		h.logger.Warn("Client connection error", "client", cl.ID, "error", err)
	} else {
		h.logger.Info("Client disconnected", "client", cl.ID)
	}
	h.emit(cl, st, kind, func(ev *Event) { ev.Err = err })
}

func cleanDisconnect(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, packets.CodeDisconnect) ||
		errors.Is(err, ErrKicked)
}
