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

// package storage defines the persistence contracts the bridge depends on and
// provides an in-memory implementation, a PostgreSQL implementation and an
// InfluxDB reading sink.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row is not found in the store.
	ErrNotFound = errors.New("not found")
)

// CommandStatus is the lifecycle state of a queued command.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandSent    CommandStatus = "sent"
	CommandError   CommandStatus = "error"
)

// Command is a queued command joined with its device's farm.
type Command struct {
	ID        string
	CommandID string
	DeviceID  string
	FarmID    string
	TenantID  string
	Type      string
	Payload   map[string]any
	Status    CommandStatus
	Detail    string
	ExpiresAt *time.Time
	SentAt    *time.Time
	CreatedAt time.Time

	AckPayload json.RawMessage
	AckAt      *time.Time
}

// Expired reports whether the command's deadline has passed at now.
func (c Command) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// CommandAckUpdate records a device's acknowledgement of a command.
type CommandAckUpdate struct {
	DeviceID  string
	CommandID string
	Status    string
	Payload   json.RawMessage
	At        time.Time
}

// Device is a registered device row.
type Device struct {
	DeviceID     string
	TenantID     string
	FarmID       string
	DeviceType   string
	Capabilities json.RawMessage
	Status       string
	LastSeenAt   time.Time
}

// Reading is one stored metric sample.
type Reading struct {
	DeviceUUID string
	TenantID   string
	Key        string
	Value      float64
	Text       string
	Unit       string
	TS         time.Time
}

// LegacyFarmConfig describes the upstream broker of one legacy farm.
type LegacyFarmConfig struct {
	FarmID         string `json:"farm_id"`
	BrokerURL      string `json:"broker_url"`
	Port           int    `json:"port"`
	AuthMode       string `json:"auth_mode"`
	Username       string `json:"username,omitempty"`
	SecretEnc      string `json:"secret_enc,omitempty"`
	ClientIDPrefix string `json:"client_id_prefix"`
	WSPath         string `json:"ws_path,omitempty"`
	QoSDefault     byte   `json:"qos_default"`
	IsActive       bool   `json:"is_active"`
}

// CommandStore is the pending-command queue. MarkSent and MarkError only
// transition rows still in CommandPending and report whether they did.
type CommandStore interface {
	FetchPending(ctx context.Context, now time.Time, limit int) ([]Command, error)
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	MarkError(ctx context.Context, id, detail string, at time.Time) (bool, error)
	AckCommand(ctx context.Context, ack CommandAckUpdate) (bool, error)
}

// DeviceStore persists device registrations and liveness.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, d Device) error
	UpdateDeviceState(ctx context.Context, tenantID, deviceID string, online bool, at time.Time) error
}

// ReadingStore persists metric samples.
type ReadingStore interface {
	InsertReadings(ctx context.Context, readings []Reading) error
}

// LegacyConfigStore lists the legacy farms that should be bridged.
type LegacyConfigStore interface {
	ActiveLegacyConfigs(ctx context.Context) ([]LegacyFarmConfig, error)
}

// Store is the full persistence surface used by the bridge process.
type Store interface {
	CommandStore
	DeviceStore
	ReadingStore
	LegacyConfigStore
	Ping(ctx context.Context) error
	Close() error
}

// DeviceStatus maps a liveness flag to the stored status text.
func DeviceStatus(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// MultiReadingStore writes every batch to each sink in order. Errors from
// all sinks are joined.
type MultiReadingStore []ReadingStore

// InsertReadings implements ReadingStore.
func (m MultiReadingStore) InsertReadings(ctx context.Context, readings []Reading) error {
	var errs []error
	for _, s := range m {
		if err := s.InsertReadings(ctx, readings); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
