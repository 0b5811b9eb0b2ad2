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

package modbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	gomodbus "github.com/goburrow/modbus"
	"github.com/turtacn/farmbridge/pkg/device"
	"github.com/turtacn/farmbridge/pkg/idempotency"
	"github.com/turtacn/farmbridge/pkg/metrics"
)

// RegisterClient is the register-level client the actuator adapter drives.
// The goburrow modbus client satisfies it.
type RegisterClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// WithRegisterClient injects the register client instead of dialing one.
func WithRegisterClient(c RegisterClient) Option { return func(o *options) { o.client = c } }

// WithIdempotency enables duplicate suppression for keyed commands.
func WithIdempotency(s idempotency.Store) Option { return func(o *options) { o.idem = s } }

const sensorPrefix = "sensor_"

// defaultRegisters maps built-in command types to their register when the
// config names neither the type nor its control alias.
var defaultRegisters = map[string]struct {
	alias string
	addr  uint16
}{
	"relay_control": {"relay_control", 0x0001},
	"set_pwm":       {"pwm_control", 0x0002},
	"set_servo":     {"servo_control", 0x0003},
	"pump_control":  {"pump_control", 0x0004},
}

// SafeAdapter drives actuators through a register client. Writes are
// checked against safe limits, retried with linear backoff and rolled back
// to the previous register value when every attempt fails.
type SafeAdapter struct {
	cfg    ActuatorConfig
	opts   options
	logger *slog.Logger

	mu        sync.Mutex
	client    RegisterClient
	handler   *gomodbus.TCPClientHandler
	connected atomic.Bool

	// observe sees every retry transition; tests hook it.
	observe func(Transition)
}

// NewSafeAdapter creates an actuator adapter. Defaults are applied to cfg.
func NewSafeAdapter(cfg ActuatorConfig, opts ...Option) *SafeAdapter {
	cfg = cfg.WithDefaults()
	o := buildOptions(opts)
	return &SafeAdapter{
		cfg:    cfg,
		opts:   o,
		logger: o.logger.With("actuator", cfg.ID),
	}
}

// ID returns the actuator id.
func (s *SafeAdapter) ID() string { return s.cfg.ID }

// Config returns the effective configuration.
func (s *SafeAdapter) Config() ActuatorConfig { return s.cfg }

// Init opens the connection. An injected register client counts as
// connected.
func (s *SafeAdapter) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected.Load() {
		return nil
	}
	if s.opts.client != nil {
		s.client = s.opts.client
		s.connected.Store(true)
		return nil
	}
	h := gomodbus.NewTCPClientHandler(s.cfg.Address())
	h.Timeout = s.cfg.Timeout
	h.SlaveId = s.cfg.UnitID
	if err := h.Connect(); err != nil {
		return fmt.Errorf("modbus actuator %s: connect %s: %w", s.cfg.ID, s.cfg.Address(), err)
	}
	s.handler = h
	s.client = gomodbus.NewClient(h)
	s.connected.Store(true)
	s.logger.Info("Modbus actuator connected", "addr", s.cfg.Address())
	return nil
}

// Connected reports whether Init succeeded and Close has not been called.
func (s *SafeAdapter) Connected() bool { return s.connected.Load() }

// Status returns a connection snapshot.
func (s *SafeAdapter) Status() Status {
	st := StateDisconnected
	if s.Connected() {
		st = StateConnected
	}
	return Status{
		DeviceID:  s.cfg.DeviceID,
		Connected: st == StateConnected,
		State:     st.String(),
		Host:      s.cfg.Host,
		Port:      s.cfg.Port,
		UnitID:    s.cfg.UnitID,
	}
}

// Register returns the register a command type writes to.
func (s *SafeAdapter) Register(commandType string) uint16 {
	if addr, ok := s.cfg.Registers[commandType]; ok {
		return addr
	}
	if d, ok := defaultRegisters[commandType]; ok {
		if addr, ok := s.cfg.Registers[d.alias]; ok {
			return addr
		}
		return d.addr
	}
	return 0
}

func param(params map[string]any, key string) float64 {
	v, ok := device.Number(params[key])
	if !ok || math.IsNaN(v) {
		return 0
	}
	return v
}

// CommandValue converts a command into the number written to its register.
func CommandValue(cmd device.Command) float64 {
	switch cmd.Type {
	case "relay_control":
		if param(cmd.Params, "enabled") != 0 {
			return 1
		}
		return 0
	case "set_pwm":
		return math.Round(param(cmd.Params, "duty") * 100)
	case "set_servo":
		return math.Round(param(cmd.Params, "angle"))
	case "pump_control":
		return param(cmd.Params, "speed")
	}
	return param(cmd.Params, "value")
}

// limitValue is the parameter compared against a safe limit: the first
// non-zero of value, duty, angle and speed.
func limitValue(params map[string]any) float64 {
	for _, k := range []string{"value", "duty", "angle", "speed"} {
		if v := param(params, k); v != 0 {
			return v
		}
	}
	return 0
}

// SensorValue converts a raw sensor register into engineering units.
func SensorValue(sensor string, raw float64) float64 {
	switch sensor {
	case "sensor_temperature", "sensor_humidity":
		return raw / 10
	case "sensor_ph":
		return raw / 100
	}
	return raw
}

// SendCommand executes cmd. Commands outside their safe limit are refused
// before any I/O. A keyed command that already ran returns its first ack.
// An error is returned only when the adapter is not connected.
func (s *SafeAdapter) SendCommand(ctx context.Context, cmd device.Command) (device.CommandAck, error) {
	if !s.Connected() {
		return device.CommandAck{}, ErrNotConnected
	}
	if cmd.IdempotencyKey != "" && s.opts.idem != nil {
		ack, ok, err := s.opts.idem.Get(ctx, cmd.IdempotencyKey)
		if err != nil {
			s.logger.Warn("Idempotency lookup failed", "key", cmd.IdempotencyKey, "error", err)
		} else if ok {
			s.logger.Info("Duplicate command suppressed", "key", cmd.IdempotencyKey, "type", cmd.Type)
			return ack, nil
		}
	}

	ack := s.execute(ctx, cmd)
	if cmd.IdempotencyKey != "" && s.opts.idem != nil {
		if err := s.opts.idem.Put(ctx, cmd.IdempotencyKey, ack, idempotency.DefaultTTL); err != nil {
			s.logger.Warn("Idempotency store failed", "key", cmd.IdempotencyKey, "error", err)
		}
	}
	return ack, nil
}

func (s *SafeAdapter) execute(ctx context.Context, cmd device.Command) device.CommandAck {
	now := s.opts.clock.Now().UTC()
	commandID := cmd.IdempotencyKey
	if commandID == "" {
		commandID = now.Format("2006-01-02T15:04:05.000Z07:00")
	}
	nack := func(err error) device.CommandAck {
		ack := device.NewNack(cmd.DeviceID, s.opts.clock.Now().UTC(), err)
		ack.CommandID = commandID
		return ack
	}

	if limit, ok := s.cfg.SafeLimits[cmd.Type]; ok {
		if v := limitValue(cmd.Params); !limit.Contains(v) {
			s.logger.Warn("Command exceeds safe limits", "type", cmd.Type, "value", v, "min", limit.Min, "max", limit.Max)
			return nack(ErrSafetyLimit)
		}
	}

	addr := s.Register(cmd.Type)
	value := ClampRegister(CommandValue(cmd), s.cfg.DataTypes[cmd.Type])

	s.mu.Lock()
	defer s.mu.Unlock()

	var backup *uint16
	if s.cfg.RollbackEnabled() {
		if data, err := s.client.ReadHoldingRegisters(addr, 1); err != nil {
			s.logger.Warn("Failed to back up register before write", "register", addr, "error", err)
		} else if len(data) >= 2 {
			prev := uint16(data[0])<<8 | uint16(data[1])
			backup = &prev
		}
	}

	var rollback func() error
	if backup != nil {
		rollback = func() error {
			_, err := s.client.WriteSingleRegister(addr, *backup)
			if err != nil {
				metrics.ModbusRollbacksTotal.WithLabelValues(s.cfg.ID, "failed").Inc()
				s.logger.Error("Rollback failed", "register", addr, "value", *backup, "error", err)
				return err
			}
			metrics.ModbusRollbacksTotal.WithLabelValues(s.cfg.ID, "ok").Inc()
			s.logger.Info("Rolled back to previous value", "register", addr, "value", *backup)
			return nil
		}
	}

	m := newRetryMachine(RetryPolicy{Attempts: s.cfg.Retries, Backoff: s.cfg.Backoff}, s.opts.clock, s.observe)
	out := m.run(ctx, func(n int) error {
		if n > 1 {
			metrics.ModbusWriteRetriesTotal.WithLabelValues(s.cfg.ID).Inc()
		}
		if _, err := s.client.WriteSingleRegister(addr, value); err != nil {
			s.logger.Warn("Command attempt failed", "type", cmd.Type, "attempt", n, "error", err)
			return err
		}
		s.logger.Info("Command sent", "type", cmd.Type, "register", addr, "value", value, "attempt", n)
		return nil
	}, rollback)

	if out.State != RetrySucceeded {
		return nack(out.Err)
	}
	ack := device.NewAck(cmd.DeviceID, s.opts.clock.Now().UTC(), map[string]any{
		"register": addr,
		"value":    value,
		"attempts": out.Attempts,
	})
	ack.CommandID = commandID
	return ack
}

// ReadSensors reads every register mapped under a sensor_ name. A failed
// read degrades the batch and the remaining sensors are still read.
func (s *SafeAdapter) ReadSensors(ctx context.Context) (*device.Telemetry, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	names := make([]string, 0, len(s.cfg.Registers))
	for name := range s.cfg.Registers {
		if strings.HasPrefix(name, sensorPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	t := device.NewTelemetry(s.cfg.DeviceID, s.opts.clock.Now().UTC())
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dt := s.cfg.DataTypes[name]
		data, err := s.client.ReadHoldingRegisters(s.cfg.Registers[name], uint16(dt.Words()))
		if err != nil {
			s.logger.Error("Sensor read failed", "sensor", name, "error", err)
			t.Degrade(device.StatusErr)
			continue
		}
		raw, err := Decode(bytesToWords(data), dt)
		if err != nil {
			t.Degrade(device.StatusErr)
			continue
		}
		t.Metrics[name] = SensorValue(name, raw)
	}
	if len(t.Metrics) == 0 {
		return nil, nil
	}
	return t, nil
}

func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return words
}

// Ping reads register 0 to check the device answers.
func (s *SafeAdapter) Ping(ctx context.Context) bool {
	if !s.Connected() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.client.ReadHoldingRegisters(0, 1)
	return err == nil
}

// Run initialises the adapter and polls sensors until ctx is done.
func (s *SafeAdapter) Run(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	defer s.Close()
	ticker := s.opts.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			t, err := s.ReadSensors(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("Sensor polling error", "error", err)
				}
				continue
			}
			if t != nil && s.opts.onTelemetry != nil {
				s.opts.onTelemetry(*t)
			}
		}
	}
}

// Close drops the connection.
func (s *SafeAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected.Store(false)
	if s.handler == nil {
		return nil
	}
	err := s.handler.Close()
	s.handler = nil
	s.client = nil
	s.logger.Info("Modbus actuator disconnected")
	return err
}
