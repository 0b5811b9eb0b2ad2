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

// Package dispatch moves pending commands from the command store to the MQTT
// transport that serves each command's farm.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/turtacn/farmbridge/pkg/logger"
	"github.com/turtacn/farmbridge/pkg/metrics"
	"github.com/turtacn/farmbridge/pkg/storage"
	"github.com/turtacn/farmbridge/pkg/topic"
	"k8s.io/utils/clock"
)

const (
	// DefaultInterval is the pause between dispatch ticks.
	DefaultInterval = 10 * time.Second
	// DefaultBatchSize bounds the commands fetched per tick.
	DefaultBatchSize = 50

	// DetailNoConnection is recorded on commands whose farm has no live client.
	DetailNoConnection = "No active MQTT connection"

	commandQoS byte = 1
)

// Config controls the dispatch cadence.
type Config struct {
	Interval  time.Duration `yaml:"interval" json:"interval" env:"INTERVAL"`
	BatchSize int           `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Envelope is the JSON body delivered to a device's command topic.
type Envelope struct {
	CommandID string         `json:"command_id"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Result summarises one tick.
type Result struct {
	Fetched int
	Sent    int
	Failed  int
	Skipped int
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(l *slog.Logger) Option { return func(d *Loop) { d.logger = l } }

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.WithTicker) Option { return func(d *Loop) { d.clock = c } }

// Loop periodically publishes pending commands. Overlapping ticks are safe
// because the store only transitions rows that are still pending.
type Loop struct {
	store    storage.CommandStore
	resolver Resolver
	cfg      Config
	clock    clock.WithTicker
	logger   *slog.Logger
}

// New creates a dispatch loop.
func New(store storage.CommandStore, resolver Resolver, cfg Config, opts ...Option) *Loop {
	d := &Loop{
		store:    store,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		clock:    clock.RealClock{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start runs a tick immediately and then on every interval until ctx is done.
func (d *Loop) Start(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("Dispatch loop started", "interval", d.cfg.Interval, "batch", d.cfg.BatchSize)
	for {
		if _, err := d.Tick(ctx); err != nil {
			d.logger.Error("Failed to fetch pending commands", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// Tick fetches one batch and dispatches each command independently. Only a
// failure to fetch the batch is returned.
func (d *Loop) Tick(ctx context.Context) (Result, error) {
	start := time.Now()
	now := d.clock.Now()
	cmds, err := d.store.FetchPending(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("fetch pending commands: %w", err)
	}

	res := Result{Fetched: len(cmds)}
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			break
		}
		switch d.dispatch(ctx, cmd) {
		case storage.CommandSent:
			res.Sent++
		case storage.CommandError:
			res.Failed++
		default:
			res.Skipped++
		}
	}
	if res.Fetched > 0 {
		d.logger.Debug("Processed pending commands",
			"fetched", res.Fetched, "sent", res.Sent, "failed", res.Failed, logger.Since(start))
	}
	return res, nil
}

// dispatch returns the status the command was moved to, or "" when the store
// reported it was already transitioned elsewhere.
func (d *Loop) dispatch(ctx context.Context, cmd storage.Command) storage.CommandStatus {
	log := d.logger.With("farm_id", cmd.FarmID, "device_id", cmd.DeviceID, "command_id", cmd.CommandID)

	pub, ok := d.resolver.ClientForFarm(cmd.FarmID)
	if !ok || pub == nil || !pub.IsConnected() {
		log.Warn("No active MQTT connection for farm")
		return d.markError(ctx, log, cmd, DetailNoConnection)
	}

	body, err := json.Marshal(Envelope{
		CommandID: cmd.CommandID,
		Command:   cmd.Type,
		Payload:   cmd.Payload,
		Timestamp: d.clock.Now().UTC(),
	})
	if err != nil {
		return d.markError(ctx, log, cmd, err.Error())
	}

	t := topic.FarmCommand(cmd.FarmID, cmd.DeviceID)
	if err := pub.Publish(ctx, t, commandQoS, body); err != nil {
		log.Error("Failed to publish command", "topic", t, "error", err)
		return d.markError(ctx, log, cmd, err.Error())
	}

	moved, err := d.store.MarkSent(ctx, cmd.ID, d.clock.Now())
	if err != nil {
		log.Error("Failed to mark command sent", "error", err)
		return ""
	}
	if !moved {
		return ""
	}
	metrics.DispatchedCommandsTotal.WithLabelValues(string(storage.CommandSent)).Inc()
	log.Info("Command dispatched", "command", cmd.Type, "topic", t)
	return storage.CommandSent
}

func (d *Loop) markError(ctx context.Context, log *slog.Logger, cmd storage.Command, detail string) storage.CommandStatus {
	moved, err := d.store.MarkError(ctx, cmd.ID, detail, d.clock.Now())
	if err != nil {
		log.Error("Failed to mark command error", "error", err)
		return ""
	}
	if !moved {
		return ""
	}
	metrics.DispatchedCommandsTotal.WithLabelValues(string(storage.CommandError)).Inc()
	return storage.CommandError
}
