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

package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/turtacn/farmbridge/pkg/device"
	"github.com/turtacn/farmbridge/pkg/metrics"
	"github.com/turtacn/farmbridge/pkg/storage"
	"github.com/turtacn/farmbridge/pkg/topic"
	"k8s.io/utils/clock"
)

// LegacyDeviceType is recorded for every device registered through a legacy farm.
const LegacyDeviceType = "sensor_gateway"

// Sink is the storage surface the router writes to.
type Sink interface {
	storage.DeviceStore
	storage.ReadingStore
	AckCommand(ctx context.Context, ack storage.CommandAckUpdate) (bool, error)
}

// Router normalizes legacy farm messages into device, reading and command
// rows. Legacy farms have no tenant of their own; the farm id is used.
type Router struct {
	sink   Sink
	clock  clock.PassiveClock
	logger *slog.Logger
}

// NewRouter creates a router writing to sink.
func NewRouter(sink Sink, c clock.PassiveClock, logger *slog.Logger) *Router {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sink: sink, clock: c, logger: logger}
}

type legacyReading struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Unit  string `json:"unit"`
	TS    string `json:"ts"`
}

type legacyTelemetry struct {
	Readings []legacyReading `json:"readings"`
}

type legacyState struct {
	Online bool `json:"online"`
}

type legacyAck struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// Handle routes one message received on a farm's session. Messages for
// another farm or with unknown topics are ignored.
func (r *Router) Handle(ctx context.Context, farmID, t string, payload []byte) error {
	lt, ok := topic.ParseLegacy(t)
	if !ok || lt.FarmID != farmID {
		r.logger.Debug("[Legacy] Ignoring message", "farm_id", farmID, "topic", t)
		return nil
	}
	if !json.Valid(payload) {
		return fmt.Errorf("legacy: %s: payload is not JSON", t)
	}
	metrics.LegacyMessagesTotal.WithLabelValues(lt.Kind).Inc()

	now := r.clock.Now()
	switch lt.Kind {
	case topic.KindRegistry:
		return r.registry(ctx, lt, payload, now)
	case topic.KindState:
		var st legacyState
		if err := json.Unmarshal(payload, &st); err != nil {
			return fmt.Errorf("legacy: state for %s: %w", lt.DeviceID, err)
		}
		err := r.sink.UpdateDeviceState(ctx, lt.FarmID, lt.DeviceID, st.Online, now)
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Debug("[Legacy] State for unregistered device", "farm_id", lt.FarmID, "device_id", lt.DeviceID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("legacy: update state of %s: %w", lt.DeviceID, err)
		}
		r.logger.Debug("[Legacy] Device state updated", "device_id", lt.DeviceID, "online", st.Online)
	case topic.KindTelemetry:
		return r.telemetry(ctx, lt, payload, now)
	case topic.KindCommand:
		var ack legacyAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			return fmt.Errorf("legacy: command for %s: %w", lt.DeviceID, err)
		}
		if ack.CommandID == "" {
			return nil
		}
		if ack.Status == "" {
			ack.Status = string(device.Ack)
		}
		found, err := r.sink.AckCommand(ctx, storage.CommandAckUpdate{
			DeviceID:  lt.DeviceID,
			CommandID: ack.CommandID,
			Status:    ack.Status,
			Payload:   json.RawMessage(payload),
			At:        now,
		})
		if err != nil {
			return fmt.Errorf("legacy: ack command %s: %w", ack.CommandID, err)
		}
		if !found {
			r.logger.Warn("[Legacy] Ack for unknown command", "device_id", lt.DeviceID, "command_id", ack.CommandID)
		}
	}
	return nil
}

func (r *Router) registry(ctx context.Context, lt topic.LegacyTopic, payload []byte, now time.Time) error {
	err := r.sink.UpsertDevice(ctx, storage.Device{
		DeviceID:     lt.DeviceID,
		TenantID:     lt.FarmID,
		FarmID:       lt.FarmID,
		DeviceType:   LegacyDeviceType,
		Capabilities: json.RawMessage(payload),
		LastSeenAt:   now,
	})
	if err != nil {
		return fmt.Errorf("legacy: register %s: %w", lt.DeviceID, err)
	}
	r.logger.Info("[Legacy] Device registered", "farm_id", lt.FarmID, "device_id", lt.DeviceID)
	return nil
}

func (r *Router) telemetry(ctx context.Context, lt topic.LegacyTopic, payload []byte, now time.Time) error {
	var msg legacyTelemetry
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("legacy: telemetry for %s: %w", lt.DeviceID, err)
	}
	if len(msg.Readings) == 0 {
		return nil
	}

	rows := make([]storage.Reading, 0, len(msg.Readings))
	for _, rd := range msg.Readings {
		row := storage.Reading{
			DeviceUUID: lt.DeviceID,
			TenantID:   lt.FarmID,
			Key:        rd.Key,
			Unit:       rd.Unit,
			TS:         now,
		}
		if v, ok := device.Number(rd.Value); ok {
			row.Value = v
		} else {
			row.Text = device.Text(rd.Value)
		}
		if rd.TS != "" {
			if ts, err := time.Parse(time.RFC3339Nano, rd.TS); err == nil {
				row.TS = ts
			}
		}
		rows = append(rows, row)
	}
	if err := r.sink.InsertReadings(ctx, rows); err != nil {
		return fmt.Errorf("legacy: insert telemetry for %s: %w", lt.DeviceID, err)
	}
	r.logger.Debug("[Legacy] Inserted readings", "device_id", lt.DeviceID, "count", len(rows))
	return nil
}
