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

// Package idempotency remembers the outcome of commands that carried an
// idempotency key so a retried delivery returns the first outcome instead of
// touching the device again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/turtacn/farmbridge/pkg/device"
	"k8s.io/utils/clock"
)

// DefaultTTL is how long an outcome is remembered.
const DefaultTTL = 24 * time.Hour

// Store caches command outcomes by idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (device.CommandAck, bool, error)
	Put(ctx context.Context, key string, ack device.CommandAck, ttl time.Duration) error
}

type entry struct {
	ack     device.CommandAck
	expires time.Time
}

// MemoryStore keeps outcomes in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	entries map[string]entry
}

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(c clock.PassiveClock) *MemoryStore {
	if c == nil {
		c = clock.RealClock{}
	}
	return &MemoryStore{clock: c, entries: make(map[string]entry)}
}

// Get implements Store. Expired entries are dropped on access.
func (m *MemoryStore) Get(ctx context.Context, key string) (device.CommandAck, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return device.CommandAck{}, false, nil
	}
	if !m.clock.Now().Before(e.expires) {
		delete(m.entries, key)
		return device.CommandAck{}, false, nil
	}
	return e.ack, true, nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, ack device.CommandAck, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{ack: ack, expires: m.clock.Now().Add(ttl)}
	return nil
}

// RedisStore keeps outcomes in Redis as JSON with a TTL.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" env:"ADDR"`
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"DB"`
	Prefix   string `yaml:"prefix" json:"prefix" env:"PREFIX"`
}

// NewRedisClient builds a go-redis client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisStore wraps a go-redis client. Keys are namespaced under prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "farmbridge:idem:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) (device.CommandAck, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return device.CommandAck{}, false, nil
	}
	if err != nil {
		return device.CommandAck{}, false, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	var ack device.CommandAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return device.CommandAck{}, false, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return ack, true, nil
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, key string, ack device.CommandAck, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("idempotency: encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set %s: %w", key, err)
	}
	return nil
}
