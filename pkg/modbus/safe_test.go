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
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
	"github.com/turtacn/farmbridge/pkg/device"
	"github.com/turtacn/farmbridge/pkg/idempotency"
	"github.com/turtacn/farmbridge/pkg/logger"
	testingclock "k8s.io/utils/clock/testing"
)

// fakeRegisters is an in-memory RegisterClient with scripted failures.
type fakeRegisters struct {
	mu        sync.Mutex
	regs      map[uint16]uint16
	readErrs  map[uint16]error
	writeErrs []error
	reads     int
	writes    []uint16
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{regs: make(map[uint16]uint16), readErrs: make(map[uint16]error)}
}

func (f *fakeRegisters) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.readErrs[address]; err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		v := f.regs[address+i]
		out = append(out, byte(v>>8), byte(v))
	}
	return out, nil
}

func (f *fakeRegisters) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, value)
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.regs[address] = value
	return []byte{byte(address >> 8), byte(address), byte(value >> 8), byte(value)}, nil
}

// recordingClock returns from After immediately and records the delay.
type recordingClock struct {
	*testingclock.FakeClock
	waits []time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{FakeClock: testingclock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))}
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	c.Step(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func newTestSafeAdapter(t *testing.T, cfg ActuatorConfig, regs *fakeRegisters, opts ...Option) (*SafeAdapter, *recordingClock) {
	t.Helper()
	clk := newRecordingClock()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	base := []Option{WithRegisterClient(regs), WithClock(clk), WithLogger(logger.Discard())}
	s := NewSafeAdapter(cfg, append(base, opts...)...)
	require.NoError(t, s.Init(context.Background()))
	return s, clk
}

var errBusy = errors.New("slave device busy")

func TestActuatorDefaults(t *testing.T) {
	cfg := ActuatorConfig{Host: "plc"}.WithDefaults()
	assert.Equal(t, 502, cfg.Port)
	assert.Equal(t, byte(1), cfg.UnitID)
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, time.Second, cfg.Backoff)
	assert.True(t, cfg.RollbackEnabled())
	assert.Equal(t, "modbus-tcp-device", cfg.DeviceID)
}

func TestSafeAdapterRegister(t *testing.T) {
	s := NewSafeAdapter(ActuatorConfig{Host: "plc"})
	assert.Equal(t, uint16(1), s.Register("relay_control"))
	assert.Equal(t, uint16(2), s.Register("set_pwm"))
	assert.Equal(t, uint16(3), s.Register("set_servo"))
	assert.Equal(t, uint16(4), s.Register("pump_control"))
	assert.Equal(t, uint16(0), s.Register("mystery"))

	s = NewSafeAdapter(ActuatorConfig{Host: "plc", Registers: map[string]uint16{
		"pwm_control": 9, "set_servo": 11, "valve": 12,
	}})
	assert.Equal(t, uint16(9), s.Register("set_pwm"))
	assert.Equal(t, uint16(11), s.Register("set_servo"))
	assert.Equal(t, uint16(12), s.Register("valve"))
}

func TestCommandValue(t *testing.T) {
	tests := []struct {
		typ    string
		params map[string]any
		want   float64
	}{
		{"relay_control", map[string]any{"enabled": true}, 1},
		{"relay_control", map[string]any{"enabled": false}, 0},
		{"relay_control", nil, 0},
		{"set_pwm", map[string]any{"duty": 0.456}, 46},
		{"set_servo", map[string]any{"angle": 89.6}, 90},
		{"pump_control", map[string]any{"speed": 40}, 40},
		{"pump_control", map[string]any{}, 0},
		{"valve", map[string]any{"value": 7}, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CommandValue(device.Command{Type: tt.typ, Params: tt.params}), tt.typ)
	}
}

func TestSafeAdapterWrite(t *testing.T) {
	regs := newFakeRegisters()
	s, clk := newTestSafeAdapter(t, ActuatorConfig{}, regs)

	ack, err := s.SendCommand(context.Background(), device.Command{
		DeviceID: "act-1", Type: "set_servo", Params: map[string]any{"angle": 45},
	})
	require.NoError(t, err)
	assert.Equal(t, device.Ack, ack.Status)
	assert.Equal(t, "act-1", ack.DeviceID)
	assert.Equal(t, uint16(45), regs.regs[3])
	assert.Equal(t, 1, regs.reads, "backup read before write")
	assert.Empty(t, clk.waits)
	result := ack.Result.(map[string]any)
	assert.Equal(t, 1, result["attempts"])
}

func TestSafeAdapterRetriesWithLinearBackoff(t *testing.T) {
	regs := newFakeRegisters()
	regs.writeErrs = []error{errBusy, errBusy, nil}
	s, clk := newTestSafeAdapter(t, ActuatorConfig{}, regs)
	var states []RetryState
	s.observe = func(tr Transition) { states = append(states, tr.State) }

	ack, err := s.SendCommand(context.Background(), device.Command{Type: "pump_control", Params: map[string]any{"speed": 60}})
	require.NoError(t, err)
	assert.Equal(t, device.Ack, ack.Status)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.waits)
	assert.Equal(t, []RetryState{
		RetryIdle,
		RetryAttempting, RetryBackoff,
		RetryAttempting, RetryBackoff,
		RetryAttempting, RetrySucceeded,
	}, states)
	assert.Equal(t, uint16(60), regs.regs[4])
}

func TestSafeAdapterRollsBackAfterExhaustion(t *testing.T) {
	regs := newFakeRegisters()
	regs.regs[1] = 1
	regs.writeErrs = []error{errBusy, errBusy, errBusy}
	s, clk := newTestSafeAdapter(t, ActuatorConfig{}, regs)
	var final Transition
	s.observe = func(tr Transition) { final = tr }

	ack, err := s.SendCommand(context.Background(), device.Command{Type: "relay_control", Params: map[string]any{"enabled": false}})
	require.NoError(t, err)
	assert.Equal(t, device.Nack, ack.Status)
	assert.Equal(t, "Command failed after 3 attempts: slave device busy", ack.Error)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.waits)
	assert.Equal(t, RetryRolledBack, final.State)
	assert.Equal(t, []uint16{0, 0, 0, 1}, regs.writes)
	assert.Equal(t, uint16(1), regs.regs[1])
}

func TestSafeAdapterRollbackFailure(t *testing.T) {
	regs := newFakeRegisters()
	regs.writeErrs = []error{errBusy, errBusy, errBusy, errors.New("link down")}
	s, _ := newTestSafeAdapter(t, ActuatorConfig{Retries: 3}, regs)
	var final Transition
	s.observe = func(tr Transition) { final = tr }

	ack, err := s.SendCommand(context.Background(), device.Command{Type: "set_pwm", Params: map[string]any{"duty": 0.5}})
	require.NoError(t, err)
	assert.Equal(t, device.Nack, ack.Status)
	assert.True(t, strings.HasPrefix(ack.Error, "rollback failed:"), ack.Error)
	assert.Contains(t, ack.Error, "link down")
	assert.Equal(t, RetryFailed, final.State)
	assert.ErrorIs(t, final.Err, ErrRollbackFailed)
}

func TestSafeAdapterWithoutRollback(t *testing.T) {
	off := false
	regs := newFakeRegisters()
	regs.writeErrs = []error{errBusy, errBusy}
	s, clk := newTestSafeAdapter(t, ActuatorConfig{Retries: 2, Backoff: 250 * time.Millisecond, Rollback: &off}, regs)

	ack, err := s.SendCommand(context.Background(), device.Command{Type: "valve", Params: map[string]any{"value": 3}})
	require.NoError(t, err)
	assert.Equal(t, device.Nack, ack.Status)
	assert.Equal(t, "Command failed after 2 attempts: slave device busy", ack.Error)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, clk.waits)
	assert.Equal(t, 0, regs.reads)
	assert.Len(t, regs.writes, 2)
}

func TestSafeAdapterSafeLimitBeforeIO(t *testing.T) {
	regs := newFakeRegisters()
	s, _ := newTestSafeAdapter(t, ActuatorConfig{
		SafeLimits: map[string]Limit{"set_servo": {Min: 0, Max: 180}},
	}, regs)

	ack, err := s.SendCommand(context.Background(), device.Command{Type: "set_servo", Params: map[string]any{"angle": 270}})
	require.NoError(t, err)
	assert.Equal(t, device.Nack, ack.Status)
	assert.Equal(t, "Command exceeds safe limits", ack.Error)
	assert.Equal(t, 0, regs.reads)
	assert.Empty(t, regs.writes)

	ack, err = s.SendCommand(context.Background(), device.Command{Type: "set_servo", Params: map[string]any{"angle": 120}})
	require.NoError(t, err)
	assert.Equal(t, device.Ack, ack.Status)
}

func TestSafeAdapterIdempotency(t *testing.T) {
	regs := newFakeRegisters()
	store := idempotency.NewMemoryStore(nil)
	s, _ := newTestSafeAdapter(t, ActuatorConfig{}, regs, WithIdempotency(store))
	cmd := device.Command{Type: "pump_control", Params: map[string]any{"speed": 10}, IdempotencyKey: "cmd-42"}

	first, err := s.SendCommand(context.Background(), cmd)
	require.NoError(t, err)
	second, err := s.SendCommand(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, "cmd-42", first.CommandID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.CommandID, second.CommandID)
	assert.Len(t, regs.writes, 1)
}

func TestSafeAdapterReadSensors(t *testing.T) {
	regs := newFakeRegisters()
	regs.regs[100] = 215
	regs.regs[101] = 650
	regs.regs[102] = 0xFFF6
	regs.readErrs[103] = errBusy
	s, _ := newTestSafeAdapter(t, ActuatorConfig{
		DeviceID: "greenhouse-plc",
		Registers: map[string]uint16{
			"sensor_temperature":   100,
			"sensor_ph":            101,
			"sensor_offset":        102,
			"sensor_soil_moisture": 103,
			"relay_control":        1,
		},
		DataTypes: map[string]DataType{"sensor_offset": S16},
	}, regs)

	tel, err := s.ReadSensors(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.Equal(t, "greenhouse-plc", tel.DeviceID)
	assert.Equal(t, device.StatusErr, tel.Status)
	assert.InDelta(t, 21.5, tel.Metrics["sensor_temperature"], 1e-9)
	assert.InDelta(t, 6.5, tel.Metrics["sensor_ph"], 1e-9)
	assert.Equal(t, float64(-10), tel.Metrics["sensor_offset"])
	assert.NotContains(t, tel.Metrics, "sensor_soil_moisture")
	assert.NotContains(t, tel.Metrics, "relay_control")
}

func TestSafeAdapterNotConnected(t *testing.T) {
	s := NewSafeAdapter(ActuatorConfig{Host: "plc"}, WithRegisterClient(newFakeRegisters()))
	_, err := s.SendCommand(context.Background(), device.Command{Type: "relay_control"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, s.Ping(context.Background()))

	require.NoError(t, s.Init(context.Background()))
	assert.True(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.False(t, s.Status().Connected)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestSafeAdapterAgainstModbusServer(t *testing.T) {
	port := freePort(t)
	serv := mbserver.NewServer()
	serv.HoldingRegisters[100] = 231
	require.NoError(t, serv.ListenTCP(net.JoinHostPort("127.0.0.1", strconv.Itoa(port))))
	defer serv.Close()

	s := NewSafeAdapter(ActuatorConfig{
		Host:      "127.0.0.1",
		Port:      port,
		Timeout:   2 * time.Second,
		Registers: map[string]uint16{"sensor_temperature": 100},
	}, WithLogger(logger.Discard()))
	require.NoError(t, s.Init(context.Background()))
	defer s.Close()

	assert.True(t, s.Ping(context.Background()))

	ack, err := s.SendCommand(context.Background(), device.Command{Type: "set_servo", Params: map[string]any{"angle": 90}})
	require.NoError(t, err)
	require.Equal(t, device.Ack, ack.Status, ack.Error)

	data, err := s.client.ReadHoldingRegisters(3, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 90}, data)

	tel, err := s.ReadSensors(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.InDelta(t, 23.1, tel.Metrics["sensor_temperature"], 1e-9)
}
