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

// Package blacklist blocks client ids, devices, tenants and topics at the
// broker gate. Entries may match exactly or by regular expression and may
// expire.
package blacklist

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/farmbridge/pkg/auth"
	"github.com/turtacn/farmbridge/pkg/metrics"
	"github.com/turtacn/farmbridge/pkg/topic"
	"k8s.io/utils/clock"
)

// BlacklistType represents the type of blacklist entry
type BlacklistType string

const (
	ClientIDBlacklist BlacklistType = "clientid"
	DeviceBlacklist   BlacklistType = "device"
	TenantBlacklist   BlacklistType = "tenant"
	TopicBlacklist    BlacklistType = "topic"
)

// DefaultCleanupInterval is how often Start drops expired entries.
const DefaultCleanupInterval = time.Minute

// BlacklistEntry represents a single blacklist entry. Topic entries are
// MQTT filters.
type BlacklistEntry struct {
	ID        string        `json:"id"`
	Type      BlacklistType `json:"type"`
	Value     string        `json:"value,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`

	compiledPattern *regexp.Regexp
}

func (e *BlacklistEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e *BlacklistEntry) matches(value string) bool {
	if e.compiledPattern != nil {
		return e.compiledPattern.MatchString(value)
	}
	if e.Type == TopicBlacklist {
		return e.Value == value || topic.Match(e.Value, value)
	}
	return e.Value == value
}

// Common errors
var (
	ErrEntryNotFound      = errors.New("blacklist entry not found")
	ErrEntryAlreadyExists = errors.New("blacklist entry already exists")
	ErrInvalidPattern     = errors.New("invalid regex pattern")
	ErrInvalidType        = errors.New("invalid blacklist type")
	ErrEmptyEntry         = errors.New("blacklist entry needs a value or a pattern")
)

// BlacklistManager manages all blacklist entries
type BlacklistManager struct {
	clock clock.PassiveClock

	mu     sync.RWMutex
	byType map[BlacklistType]map[string]*BlacklistEntry
}

// NewBlacklistManager creates a new blacklist manager
func NewBlacklistManager(c clock.PassiveClock) *BlacklistManager {
	if c == nil {
		c = clock.RealClock{}
	}
	bm := &BlacklistManager{
		clock:  c,
		byType: make(map[BlacklistType]map[string]*BlacklistEntry),
	}
	for _, t := range []BlacklistType{ClientIDBlacklist, DeviceBlacklist, TenantBlacklist, TopicBlacklist} {
		bm.byType[t] = make(map[string]*BlacklistEntry)
	}
	return bm
}

// AddEntry validates and stores entry, assigning an id when it has none.
// It returns the stored copy.
func (bm *BlacklistManager) AddEntry(entry BlacklistEntry) (BlacklistEntry, error) {
	index, ok := bm.byType[entry.Type]
	if !ok {
		return BlacklistEntry{}, ErrInvalidType
	}
	if entry.Value == "" && entry.Pattern == "" {
		return BlacklistEntry{}, ErrEmptyEntry
	}
	if entry.Pattern != "" {
		compiled, err := regexp.Compile(entry.Pattern)
		if err != nil {
			return BlacklistEntry{}, ErrInvalidPattern
		}
		entry.compiledPattern = compiled
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.findLocked(entry.ID) != nil {
		return BlacklistEntry{}, ErrEntryAlreadyExists
	}
	entry.CreatedAt = bm.clock.Now()
	index[entry.ID] = &entry
	return entry, nil
}

func (bm *BlacklistManager) findLocked(id string) *BlacklistEntry {
	for _, index := range bm.byType {
		if e, ok := index[id]; ok {
			return e
		}
	}
	return nil
}

// RemoveEntry deletes an entry by id.
func (bm *BlacklistManager) RemoveEntry(id string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	e := bm.findLocked(id)
	if e == nil {
		return ErrEntryNotFound
	}
	delete(bm.byType[e.Type], id)
	return nil
}

// GetEntry retrieves an entry by id.
func (bm *BlacklistManager) GetEntry(id string) (BlacklistEntry, error) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	e := bm.findLocked(id)
	if e == nil {
		return BlacklistEntry{}, ErrEntryNotFound
	}
	return *e, nil
}

// ListEntries returns the entries of entryType, or all entries when it is
// empty, oldest first.
func (bm *BlacklistManager) ListEntries(entryType BlacklistType) []BlacklistEntry {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	out := make([]BlacklistEntry, 0)
	for t, index := range bm.byType {
		if entryType != "" && t != entryType {
			continue
		}
		for _, e := range index {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Check returns the first live entry of entryType matching value.
func (bm *BlacklistManager) Check(entryType BlacklistType, value string) (BlacklistEntry, bool) {
	if value == "" {
		return BlacklistEntry{}, false
	}
	now := bm.clock.Now()
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	for _, e := range bm.byType[entryType] {
		if !e.expired(now) && e.matches(value) {
			metrics.BlacklistBlocksTotal.WithLabelValues(string(entryType)).Inc()
			return *e, true
		}
	}
	return BlacklistEntry{}, false
}

// CheckClaims checks the device and tenant of an authenticated client.
func (bm *BlacklistManager) CheckClaims(c auth.DeviceClaims) (BlacklistEntry, bool) {
	if e, ok := bm.Check(DeviceBlacklist, c.DeviceID); ok {
		return e, true
	}
	return bm.Check(TenantBlacklist, c.TenantID)
}

// CleanupExpiredEntries drops expired entries and returns how many.
func (bm *BlacklistManager) CleanupExpiredEntries() int {
	now := bm.clock.Now()
	bm.mu.Lock()
	defer bm.mu.Unlock()
	removed := 0
	for _, index := range bm.byType {
		for id, e := range index {
			if e.expired(now) {
				delete(index, id)
				removed++
			}
		}
	}
	return removed
}

// Start drops expired entries every interval until ctx is done.
func (bm *BlacklistManager) Start(ctx context.Context, c clock.WithTicker, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := c.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			bm.CleanupExpiredEntries()
		}
	}
}
