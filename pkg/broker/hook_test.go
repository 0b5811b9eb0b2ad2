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
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/logger"
	testingclock "k8s.io/utils/clock/testing"
)

var sensorClaims = auth.DeviceClaims{
	DeviceID:   "sensor-1",
	TenantID:   "acme",
	FarmID:     "farm-7",
	DeviceType: "sensor_gateway",
}

// stubVerifier accepts exactly one token.
type stubVerifier struct {
	token  string
	claims auth.DeviceClaims
}

func (v stubVerifier) Verify(token string) (auth.DeviceClaims, error) {
	if token != v.token {
		return auth.DeviceClaims{}, auth.ErrInvalidToken
	}
	return v.claims, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Deliver(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func newTestHook() (*gateHook, *eventLog) {
	events := &eventLog{}
	gate := NewClaimsGate(stubVerifier{token: "good", claims: sensorClaims}, logger.Discard())
	clk := testingclock.NewFakePassiveClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	return newGateHook(gate, events, &Stats{}, clk, logger.Discard()), events
}

func connectPacket(password string) packets.Packet {
	return packets.Packet{Connect: packets.ConnectParams{
		Username: []byte("device"),
		Password: []byte(password),
	}}
}

func TestClaimsGateAuthenticate(t *testing.T) {
	gate := NewClaimsGate(stubVerifier{token: "good", claims: sensorClaims}, logger.Discard())

	_, err := gate.Authenticate("c1", "", nil)
	assert.ErrorIs(t, err, auth.ErrMissingToken)

	_, err = gate.Authenticate("c1", "", []byte("forged"))
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	claims, err := gate.Authenticate("c1", "", []byte("good"))
	require.NoError(t, err)
	assert.Equal(t, sensorClaims, claims)
}

func TestClaimsGateAuthorize(t *testing.T) {
	gate := NewClaimsGate(stubVerifier{}, logger.Discard())
	c := sensorClaims

	assert.False(t, gate.AuthorizePublish(nil, "tenants/acme/devices/sensor-1/telemetry"))
	assert.False(t, gate.AuthorizeSubscribe(nil, "tenants/acme/devices/sensor-1/commands"))

	assert.True(t, gate.AuthorizePublish(&c, "tenants/acme/devices/sensor-1/telemetry"))
	assert.False(t, gate.AuthorizePublish(&c, "tenants/acme/devices/sensor-2/telemetry"))
	assert.False(t, gate.AuthorizePublish(&c, "tenants/other/devices/sensor-1/telemetry"))
	assert.True(t, gate.AuthorizeSubscribe(&c, "tenants/acme/devices/sensor-1/commands"))
	assert.True(t, gate.AuthorizeSubscribe(&c, "tenants/acme/farms/farm-7/devices/+/status"))
	assert.False(t, gate.AuthorizeSubscribe(&c, "#"))
}

func TestHookLifecycle(t *testing.T) {
	h, events := newTestHook()
	cl := &mqtt.Client{ID: "sensor-1"}
	cl.Net.Remote = "10.0.0.9:50000"

	require.NoError(t, h.OnConnect(cl, connectPacket("good")))
	require.True(t, h.OnConnectAuthenticate(cl, connectPacket("good")))
	h.OnSessionEstablished(cl, packets.Packet{})

	assert.True(t, h.OnACLCheck(cl, "tenants/acme/devices/sensor-1/telemetry", true))
	assert.False(t, h.OnACLCheck(cl, "tenants/acme/devices/sensor-1/commands", true))
	assert.True(t, h.OnACLCheck(cl, "tenants/acme/devices/sensor-1/commands", false))

	h.OnSubscribed(cl, packets.Packet{Filters: packets.Subscriptions{
		{Filter: "tenants/acme/devices/sensor-1/commands"},
		{Filter: "tenants/other/#"},
	}}, []byte{0x01, 0x87})
	sub := events.last()
	assert.Equal(t, EventSubscribed, sub.Kind)
	assert.Equal(t, []string{"tenants/acme/devices/sensor-1/commands"}, sub.Topics)

	_, err := h.OnPacketRead(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	require.NoError(t, err)
	h.OnPublished(cl, packets.Packet{TopicName: "tenants/acme/devices/sensor-1/telemetry"})
	h.OnUnsubscribed(cl, packets.Packet{Filters: packets.Subscriptions{{Filter: "tenants/acme/devices/sensor-1/commands"}}})

	s := h.stats.Snapshot()
	assert.Equal(t, int64(1), s.TotalConnections)
	assert.Equal(t, int64(1), s.ActiveConnections)
	assert.Equal(t, int64(1), s.TotalMessages)
	assert.Equal(t, int64(1), s.TotalSubscriptions)

	h.OnDisconnect(cl, packets.CodeDisconnect, false)
	h.OnDisconnect(cl, errors.New("again"), false)
	assert.Equal(t, int64(0), h.stats.Snapshot().ActiveConnections)

	assert.Equal(t, []EventKind{
		EventReady, EventAuthenticated, EventSubscribed, EventPing,
		EventPublished, EventUnsubscribed, EventDisconnected,
	}, events.kinds())
	last := events.last()
	require.NotNil(t, last.Claims)
	assert.Equal(t, "farm-7", last.Claims.FarmID)
	assert.Equal(t, "10.0.0.9:50000", last.Remote)
}

func TestHookRejectsBadToken(t *testing.T) {
	h, events := newTestHook()
	cl := &mqtt.Client{ID: "intruder"}

	require.NoError(t, h.OnConnect(cl, connectPacket("forged")))
	assert.False(t, h.OnConnectAuthenticate(cl, connectPacket("forged")))
	assert.False(t, h.OnACLCheck(cl, "tenants/acme/devices/sensor-1/telemetry", true))

	h.OnDisconnect(cl, nil, false)
	assert.Equal(t, []EventKind{EventReady, EventErrored}, events.kinds())
	assert.ErrorIs(t, events.last().Err, auth.ErrInvalidToken)
	assert.Equal(t, int64(0), h.stats.Snapshot().ActiveConnections)
}

func TestHookErroredDisconnect(t *testing.T) {
	h, events := newTestHook()
	cl := &mqtt.Client{ID: "sensor-1"}
	require.NoError(t, h.OnConnect(cl, connectPacket("good")))
	require.True(t, h.OnConnectAuthenticate(cl, connectPacket("good")))
	h.OnSessionEstablished(cl, packets.Packet{})

	h.OnDisconnect(cl, errors.New("connection reset by peer"), false)
	assert.Equal(t, EventErrored, events.last().Kind)
	assert.Equal(t, int64(0), h.stats.Snapshot().ActiveConnections)
}

func TestHookTakeoverUsesDistinctConnections(t *testing.T) {
	h, events := newTestHook()
	first := &mqtt.Client{ID: "sensor-1"}
	second := &mqtt.Client{ID: "sensor-1"}

	require.NoError(t, h.OnConnect(first, connectPacket("good")))
	require.True(t, h.OnConnectAuthenticate(first, connectPacket("good")))
	h.OnSessionEstablished(first, packets.Packet{})
	require.NoError(t, h.OnConnect(second, connectPacket("good")))
	require.True(t, h.OnConnectAuthenticate(second, connectPacket("good")))
	h.OnSessionEstablished(second, packets.Packet{})
	assert.Equal(t, int64(2), h.stats.Snapshot().ActiveConnections)

	h.OnDisconnect(first, packets.CodeDisconnect, false)
	assert.Equal(t, int64(1), h.stats.Snapshot().ActiveConnections)
	assert.True(t, h.OnACLCheck(second, "tenants/acme/devices/sensor-1/status", true))

	gone := events.last()
	assert.Equal(t, EventDisconnected, gone.Kind)
	assert.Equal(t, uint64(1), gone.Conn)
}

func TestHookInlineClientBypassesGate(t *testing.T) {
	h, events := newTestHook()
	cl := &mqtt.Client{ID: "inline"}
	cl.Net.Inline = true

	assert.True(t, h.OnConnectAuthenticate(cl, packets.Packet{}))
	assert.True(t, h.OnACLCheck(cl, "farms/f1/devices/d1/command", true))
	h.OnPublished(cl, packets.Packet{TopicName: "farms/f1/devices/d1/command"})
	assert.Empty(t, events.kinds())
	assert.Equal(t, int64(0), h.stats.Snapshot().TotalMessages)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "ready", EventReady.String())
	assert.Equal(t, "errored", EventErrored.String())
	assert.Equal(t, "unknown", EventKind(99).String())
	assert.True(t, EventDisconnected.Terminal())
	assert.False(t, EventPing.Terminal())
}
