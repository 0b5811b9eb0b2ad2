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

package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/farmbridge/pkg/broker"
	"github.com/turtacn/farmbridge/pkg/device"
	"github.com/turtacn/farmbridge/pkg/logger"
	"github.com/turtacn/farmbridge/pkg/storage"
	clocktesting "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestIngestor() (*Ingestor, *storage.MemStore) {
	store := storage.NewMemStore()
	return New(context.Background(), store, clocktesting.NewFakePassiveClock(t0), logger.Discard()), store
}

func msg(topic, payload string) broker.Message {
	return broker.Message{ClientID: "c1", Topic: topic, Payload: []byte(payload)}
}

func TestTelemetryMetrics(t *testing.T) {
	in, store := newTestIngestor()
	err := in.Handle(context.Background(), msg("tenants/acme/devices/d1/telemetry",
		`{"metrics":{"temp":21.5,"relay":true,"mode":"auto"},"status":"warn"}`))
	require.NoError(t, err)

	rows := store.Readings()
	require.Len(t, rows, 4)
	assert.Equal(t, "mode", rows[0].Key)
	assert.Equal(t, "auto", rows[0].Text)
	assert.Equal(t, "relay", rows[1].Key)
	assert.Equal(t, 1.0, rows[1].Value)
	assert.Equal(t, "temp", rows[2].Key)
	assert.Equal(t, 21.5, rows[2].Value)
	assert.Equal(t, StatusReadingKey, rows[3].Key)
	assert.Equal(t, "warn", rows[3].Text)
	for _, r := range rows {
		assert.Equal(t, "acme", r.TenantID)
		assert.Equal(t, "d1", r.DeviceUUID)
		assert.Equal(t, t0, r.TS)
	}
}

func TestTelemetryErrStatusIsStored(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(&buf, "debug", "json")
	require.NoError(t, err)
	store := storage.NewMemStore()
	in := New(context.Background(), store, clocktesting.NewFakePassiveClock(t0), log)

	require.NoError(t, in.Handle(context.Background(), msg("tenants/acme/devices/d1/telemetry", `{"status":"err"}`)))
	require.NoError(t, in.Handle(context.Background(), msg("tenants/acme/devices/d1/telemetry", `{"status":"ok"}`)))

	rows := store.Readings()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusReadingKey, rows[0].Key)
	assert.Equal(t, "err", rows[0].Text)
	assert.Equal(t, "d1", rows[0].DeviceUUID)
	assert.Equal(t, t0, rows[0].TS)
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), "Degraded telemetry")
}

func TestTelemetryReadingsWithTimestamp(t *testing.T) {
	in, store := newTestIngestor()
	err := in.Handle(context.Background(), msg("tenants/acme/devices/d1/telemetry",
		`{"ts":"2024-04-30T08:00:00Z","readings":[{"key":"ec","value":1.8,"unit":"mS/cm"}]}`))
	require.NoError(t, err)

	rows := store.Readings()
	require.Len(t, rows, 1)
	assert.Equal(t, "mS/cm", rows[0].Unit)
	assert.Equal(t, time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC), rows[0].TS)
}

func TestStatusCreatesThenUpdates(t *testing.T) {
	in, store := newTestIngestor()
	ctx := context.Background()

	require.NoError(t, in.Handle(ctx, msg("tenants/acme/devices/d1/status", `{"online":true}`)))
	d, err := store.Device("acme", "d1")
	require.NoError(t, err)
	assert.Equal(t, "online", d.Status)

	require.NoError(t, in.Handle(ctx, msg("tenants/acme/devices/d1/status", `{"status":"offline"}`)))
	d, _ = store.Device("acme", "d1")
	assert.Equal(t, "offline", d.Status)
	assert.Equal(t, t0, d.LastSeenAt)
}

func TestResponseAcksCommand(t *testing.T) {
	in, store := newTestIngestor()
	store.AddCommand(storage.Command{ID: "1", CommandID: "cmd-1", DeviceID: "d1", Status: storage.CommandSent})
	ctx := context.Background()

	require.NoError(t, in.Handle(ctx, msg("tenants/acme/devices/d1/response",
		`{"command_id":"cmd-1","status":"nack","error":"Command exceeds safe limits"}`)))
	c, _ := store.Command("1")
	assert.Equal(t, storage.CommandStatus(device.Nack), c.Status)
	require.NotNil(t, c.AckAt)
	assert.Equal(t, t0, *c.AckAt)

	assert.Error(t, in.Handle(ctx, msg("tenants/acme/devices/d1/response", `{"status":"ack"}`)))
}

func TestIgnoredAndMalformed(t *testing.T) {
	in, store := newTestIngestor()
	ctx := context.Background()

	require.NoError(t, in.Handle(ctx, msg("tenants/acme/devices/d1/commands", `{}`)))
	require.NoError(t, in.Handle(ctx, msg("farms/f1/d1/telemetry", `{"metrics":{"x":1}}`)))
	assert.Empty(t, store.Readings())

	assert.Error(t, in.Handle(ctx, msg("tenants/acme/devices/d1/telemetry", `{`)))
}

type fakeSubscriber struct {
	filter string
	fn     broker.MessageHandler
}

func (s *fakeSubscriber) Subscribe(filter string, fn broker.MessageHandler) error {
	s.filter, s.fn = filter, fn
	return nil
}

func TestAttach(t *testing.T) {
	in, store := newTestIngestor()
	sub := &fakeSubscriber{}
	require.NoError(t, in.Attach(sub))
	assert.Equal(t, "tenants/+/devices/+/+", sub.filter)

	sub.fn(msg("tenants/acme/devices/d1/telemetry", `{"metrics":{"temp":20}}`))
	sub.fn(msg("tenants/acme/devices/d1/telemetry", `garbage`))
	assert.Len(t, store.Readings(), 1)
}

func TestTelemetryHandler(t *testing.T) {
	in, store := newTestIngestor()
	h := in.TelemetryHandler("acme")

	tel := device.NewTelemetry("modbus_10.0.0.5_1", t0)
	tel.Metrics["temperature"] = 23.4
	h(*tel)
	h(*device.NewTelemetry("empty", t0))

	rows := store.Readings()
	require.Len(t, rows, 1)
	assert.Equal(t, "modbus_10.0.0.5_1", rows[0].DeviceUUID)
	assert.Equal(t, "acme", rows[0].TenantID)
	assert.Equal(t, 23.4, rows[0].Value)

	partial := device.NewTelemetry("modbus_10.0.0.5_1", t0)
	partial.Metrics["humidity"] = 61.0
	partial.Degrade(device.StatusErr)
	h(*partial)

	failed := device.NewTelemetry("modbus_10.0.0.6_1", t0)
	failed.Degrade(device.StatusWarn)
	h(*failed)

	rows = store.Readings()
	require.Len(t, rows, 4)
	assert.Equal(t, "humidity", rows[1].Key)
	assert.Equal(t, StatusReadingKey, rows[2].Key)
	assert.Equal(t, "err", rows[2].Text)
	assert.Equal(t, "modbus_10.0.0.6_1", rows[3].DeviceUUID)
	assert.Equal(t, "warn", rows[3].Text)
}
