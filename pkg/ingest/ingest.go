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

// Package ingest stores what devices publish on the bridge's own topic
// layout: telemetry batches, liveness updates and command responses.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/turtacn/farmbridge/pkg/broker"
	"github.com/turtacn/farmbridge/pkg/device"
	"github.com/turtacn/farmbridge/pkg/storage"
	"github.com/turtacn/farmbridge/pkg/topic"
	"k8s.io/utils/clock"
)

// DeviceFilter matches every device channel of every tenant.
const DeviceFilter = "tenants/+/devices/+/+"

// StatusReadingKey names the text reading that records a warn or err
// telemetry batch.
const StatusReadingKey = "status"

// Sink is the storage surface written by the ingestor.
type Sink interface {
	storage.DeviceStore
	storage.ReadingStore
	AckCommand(ctx context.Context, ack storage.CommandAckUpdate) (bool, error)
}

// Subscriber is satisfied by *broker.Handle.
type Subscriber interface {
	Subscribe(filter string, fn broker.MessageHandler) error
}

// Ingestor turns device publishes into storage rows.
type Ingestor struct {
	sink   Sink
	clock  clock.PassiveClock
	logger *slog.Logger
	ctx    context.Context
}

// New creates an ingestor. ctx scopes the storage calls made from broker
// callbacks.
func New(ctx context.Context, sink Sink, c clock.PassiveClock, logger *slog.Logger) *Ingestor {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{sink: sink, clock: c, logger: logger, ctx: ctx}
}

// Attach subscribes the ingestor to every device channel.
func (i *Ingestor) Attach(s Subscriber) error {
	return s.Subscribe(DeviceFilter, func(m broker.Message) {
		if err := i.Handle(i.ctx, m); err != nil {
			i.logger.Warn("Dropped device message", "client", m.ClientID, "topic", m.Topic, "error", err)
		}
	})
}

type telemetryBody struct {
	TS       *time.Time             `json:"ts"`
	Status   device.TelemetryStatus `json:"status"`
	Metrics  map[string]any         `json:"metrics"`
	Readings []struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
		Unit  string `json:"unit"`
	} `json:"readings"`
}

type statusBody struct {
	Online *bool  `json:"online"`
	Status string `json:"status"`
}

// Handle stores one message. Commands channels and foreign topics are ignored.
func (i *Ingestor) Handle(ctx context.Context, m broker.Message) error {
	dt, ok := topic.ParseDevice(m.Topic)
	if !ok {
		return nil
	}
	switch dt.Channel {
	case topic.ChannelTelemetry:
		return i.telemetry(ctx, dt, m.Payload)
	case topic.ChannelStatus:
		return i.status(ctx, dt, m.Payload)
	case topic.ChannelResponse:
		return i.response(ctx, dt, m.Payload)
	}
	return nil
}

func (i *Ingestor) telemetry(ctx context.Context, dt topic.DeviceTopic, payload []byte) error {
	var body telemetryBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("telemetry from %s: %w", dt.DeviceID, err)
	}
	ts := i.clock.Now()
	if body.TS != nil {
		ts = *body.TS
	}

	rows := metricRows(dt.TenantID, dt.DeviceID, ts, body.Metrics)
	for _, r := range body.Readings {
		rows = append(rows, reading(dt.TenantID, dt.DeviceID, ts, r.Key, r.Value, r.Unit))
	}
	if r, ok := i.degraded(ctx, dt.TenantID, dt.DeviceID, ts, body.Status); ok {
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := i.sink.InsertReadings(ctx, rows); err != nil {
		return fmt.Errorf("insert telemetry from %s: %w", dt.DeviceID, err)
	}
	return nil
}

func (i *Ingestor) status(ctx context.Context, dt topic.DeviceTopic, payload []byte) error {
	var body statusBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("status from %s: %w", dt.DeviceID, err)
	}
	online := body.Status == "online"
	if body.Online != nil {
		online = *body.Online
	}

	now := i.clock.Now()
	err := i.sink.UpdateDeviceState(ctx, dt.TenantID, dt.DeviceID, online, now)
	if errors.Is(err, storage.ErrNotFound) {
		err = i.sink.UpsertDevice(ctx, storage.Device{
			DeviceID:   dt.DeviceID,
			TenantID:   dt.TenantID,
			Status:     storage.DeviceStatus(online),
			LastSeenAt: now,
		})
	}
	if err != nil {
		return fmt.Errorf("status from %s: %w", dt.DeviceID, err)
	}
	return nil
}

func (i *Ingestor) response(ctx context.Context, dt topic.DeviceTopic, payload []byte) error {
	var ack device.CommandAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("response from %s: %w", dt.DeviceID, err)
	}
	if ack.CommandID == "" {
		return fmt.Errorf("response from %s: missing command_id", dt.DeviceID)
	}
	if ack.Status == "" {
		ack.Status = device.Ack
	}
	at := ack.TS
	if at.IsZero() {
		at = i.clock.Now()
	}
	found, err := i.sink.AckCommand(ctx, storage.CommandAckUpdate{
		DeviceID:  dt.DeviceID,
		CommandID: ack.CommandID,
		Status:    string(ack.Status),
		Payload:   json.RawMessage(payload),
		At:        at,
	})
	if err != nil {
		return fmt.Errorf("response from %s: %w", dt.DeviceID, err)
	}
	if !found {
		i.logger.Warn("Response for unknown command", "device", dt.DeviceID, "command_id", ack.CommandID)
	}
	return nil
}

// TelemetryHandler stores batches produced by directly polled devices, such
// as the Modbus adapters, under tenantID.
func (i *Ingestor) TelemetryHandler(tenantID string) func(device.Telemetry) {
	return func(t device.Telemetry) {
		rows := metricRows(tenantID, t.DeviceID, t.TS, t.Metrics)
		if r, ok := i.degraded(i.ctx, tenantID, t.DeviceID, t.TS, t.Status); ok {
			rows = append(rows, r)
		}
		if len(rows) == 0 {
			return
		}
		if err := i.sink.InsertReadings(i.ctx, rows); err != nil {
			i.logger.Error("Failed to store polled telemetry", "device", t.DeviceID, "error", err)
		}
	}
}

// degraded logs a warn or err batch at the matching level and returns the
// reading that records it.
func (i *Ingestor) degraded(ctx context.Context, tenantID, deviceID string, ts time.Time, s device.TelemetryStatus) (storage.Reading, bool) {
	level := slog.LevelWarn
	switch s {
	case device.StatusWarn:
	case device.StatusErr:
		level = slog.LevelError
	default:
		return storage.Reading{}, false
	}
	i.logger.Log(ctx, level, "Degraded telemetry", "tenant", tenantID, "device", deviceID, "status", s)
	return storage.Reading{DeviceUUID: deviceID, TenantID: tenantID, Key: StatusReadingKey, Text: string(s), TS: ts}, true
}

func metricRows(tenantID, deviceID string, ts time.Time, metrics map[string]any) []storage.Reading {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]storage.Reading, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, reading(tenantID, deviceID, ts, k, metrics[k], ""))
	}
	return rows
}

func reading(tenantID, deviceID string, ts time.Time, key string, v any, unit string) storage.Reading {
	r := storage.Reading{DeviceUUID: deviceID, TenantID: tenantID, Key: key, Unit: unit, TS: ts}
	if n, ok := device.Number(v); ok {
		r.Value = n
	} else {
		r.Text = device.Text(v)
	}
	return r
}
