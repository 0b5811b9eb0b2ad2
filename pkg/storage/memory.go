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

package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
// It uses maps guarded by a RWMutex, making it safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	commands map[string]*Command
	devices  map[string]*Device
	readings []Reading
	legacy   map[string]LegacyFarmConfig
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		commands: make(map[string]*Command),
		devices:  make(map[string]*Device),
		legacy:   make(map[string]LegacyFarmConfig),
	}
}

func deviceKey(tenantID, deviceID string) string {
	return tenantID + "/" + deviceID
}

// AddCommand queues a command. FarmID and TenantID are taken from the command
// as given; the caller plays the role of the device join.
func (s *MemStore) AddCommand(c Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = CommandPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.commands[c.ID] = &c
}

// Command returns a copy of the command with the given row id.
func (s *MemStore) Command(id string) (Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return Command{}, ErrNotFound
	}
	return *c, nil
}

// FetchPending returns up to limit unexpired pending commands, oldest first.
func (s *MemStore) FetchPending(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Command, 0)
	for _, c := range s.commands {
		if c.Status != CommandPending || c.Expired(now) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) transition(id string, to CommandStatus, detail string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[id]
	if !ok || c.Status != CommandPending {
		return false
	}
	c.Status = to
	c.Detail = detail
	if to == CommandSent {
		t := at
		c.SentAt = &t
	}
	return true
}

// MarkSent implements CommandStore.
func (s *MemStore) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(id, CommandSent, "", at), nil
}

// MarkError implements CommandStore.
func (s *MemStore) MarkError(ctx context.Context, id, detail string, at time.Time) (bool, error) {
	return s.transition(id, CommandError, detail, at), nil
}

// AckCommand implements CommandStore.
func (s *MemStore) AckCommand(ctx context.Context, ack CommandAckUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if c.CommandID != ack.CommandID || c.DeviceID != ack.DeviceID {
			continue
		}
		c.Status = CommandStatus(ack.Status)
		c.AckPayload = append([]byte(nil), ack.Payload...)
		at := ack.At
		c.AckAt = &at
		return true, nil
	}
	return false, nil
}

// UpsertDevice implements DeviceStore.
func (s *MemStore) UpsertDevice(ctx context.Context, d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(d.TenantID, d.DeviceID)
	if existing, ok := s.devices[key]; ok && d.Status == "" {
		d.Status = existing.Status
	}
	s.devices[key] = &d
	return nil
}

// UpdateDeviceState implements DeviceStore.
func (s *MemStore) UpdateDeviceState(ctx context.Context, tenantID, deviceID string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey(tenantID, deviceID)]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeviceStatus(online)
	d.LastSeenAt = at
	return nil
}

// Device returns a copy of a device row.
func (s *MemStore) Device(tenantID, deviceID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceKey(tenantID, deviceID)]
	if !ok {
		return Device{}, ErrNotFound
	}
	return *d, nil
}

// InsertReadings implements ReadingStore.
func (s *MemStore) InsertReadings(ctx context.Context, readings []Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings...)
	return nil
}

// Readings returns every stored reading in insertion order.
func (s *MemStore) Readings() []Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Reading(nil), s.readings...)
}

// SetLegacyConfig adds or replaces a legacy farm configuration.
func (s *MemStore) SetLegacyConfig(cfg LegacyFarmConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy[cfg.FarmID] = cfg
}

// ActiveLegacyConfigs implements LegacyConfigStore.
func (s *MemStore) ActiveLegacyConfigs(ctx context.Context) ([]LegacyFarmConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LegacyFarmConfig, 0, len(s.legacy))
	for _, cfg := range s.legacy {
		if cfg.IsActive {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FarmID < out[j].FarmID })
	return out, nil
}

// Ping implements Store.
func (s *MemStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (s *MemStore) Close() error { return nil }
