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

// Package device holds the message model shared by every transport the
// bridge speaks: telemetry batches, device commands and their acks.
package device

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TelemetryStatus summarises the health of a telemetry batch.
type TelemetryStatus string

const (
	StatusOK   TelemetryStatus = "ok"
	StatusWarn TelemetryStatus = "warn"
	StatusErr  TelemetryStatus = "err"
)

func (s TelemetryStatus) rank() int {
	switch s {
	case StatusWarn:
		return 1
	case StatusErr:
		return 2
	}
	return 0
}

// Telemetry is one batch of metric readings taken from a device.
type Telemetry struct {
	DeviceID string          `json:"device_id"`
	TS       time.Time       `json:"ts"`
	Metrics  map[string]any  `json:"metrics"`
	Status   TelemetryStatus `json:"status"`
}

// NewTelemetry starts an empty, healthy batch.
func NewTelemetry(deviceID string, ts time.Time) *Telemetry {
	return &Telemetry{
		DeviceID: deviceID,
		TS:       ts,
		Metrics:  make(map[string]any),
		Status:   StatusOK,
	}
}

// Degrade lowers the batch status to s. A status never improves.
func (t *Telemetry) Degrade(s TelemetryStatus) {
	if s.rank() > t.Status.rank() {
		t.Status = s
	}
}

// Command is the bridge-native command envelope.
type Command struct {
	DeviceID       string         `json:"device_id"`
	Type           string         `json:"type"`
	Params         map[string]any `json:"params,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TimeoutMs      int            `json:"timeout_ms,omitempty"`
}

// AckStatus is the terminal outcome of a command.
type AckStatus string

const (
	Ack  AckStatus = "ack"
	Nack AckStatus = "nack"
)

// CommandAck reports the outcome of one command.
type CommandAck struct {
	DeviceID  string    `json:"device_id"`
	CommandID string    `json:"command_id,omitempty"`
	TS        time.Time `json:"ts"`
	Status    AckStatus `json:"status"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewAck builds a successful ack.
func NewAck(deviceID string, ts time.Time, result any) CommandAck {
	return CommandAck{DeviceID: deviceID, TS: ts, Status: Ack, Result: result}
}

// NewNack builds a failed ack carrying err's message.
func NewNack(deviceID string, ts time.Time, err error) CommandAck {
	return CommandAck{DeviceID: deviceID, TS: ts, Status: Nack, Error: err.Error()}
}

// Number coerces a JSON-ish value to float64. Booleans become 1 or 0.
// Strings are parsed; anything else is not a number.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Text renders a metric value for storage columns that hold free text.
func Text(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
