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
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/farmbridge/pkg/actor"
	"github.com/turtacn/farmbridge/pkg/device"
	"github.com/turtacn/farmbridge/pkg/logger"
	"github.com/turtacn/farmbridge/pkg/supervisor"
)

// fakeDevice is a minimal Modbus TCP server backed by a register map.
type fakeDevice struct {
	ln         net.Listener
	mu         sync.Mutex
	registers  map[uint16]uint16
	exceptions map[uint16]byte
	silent     map[uint16]bool
	headerOnly map[uint16]bool
	answerFC   map[uint16]byte
	tids       []uint16
	conns      []net.Conn
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDevice{
		ln:         ln,
		registers:  make(map[uint16]uint16),
		exceptions: make(map[uint16]byte),
		silent:     make(map[uint16]bool),
		headerOnly: make(map[uint16]bool),
		answerFC:   make(map[uint16]byte),
	}
	go d.serve()
	t.Cleanup(func() {
		ln.Close()
		d.dropClients()
	})
	return d
}

func (d *fakeDevice) port() int { return d.ln.Addr().(*net.TCPAddr).Port }

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		go d.handle(conn)
	}
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if resp := d.respond(frame); resp != nil {
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}
}

func (d *fakeDevice) respond(req []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	tid := binary.BigEndian.Uint16(req[0:])
	unit, fc := req[6], req[7]
	addr := binary.BigEndian.Uint16(req[8:])
	d.tids = append(d.tids, tid)

	if d.silent[addr] {
		return nil
	}
	if d.headerOnly[addr] {
		out := make([]byte, requestFrameLen)
		putHeader(out, tid, 1, unit, fc)
		return out[:mbapHeaderLen]
	}
	if code, ok := d.exceptions[addr]; ok {
		out := make([]byte, 9)
		putHeader(out, tid, 3, unit, fc|exceptionBit)
		out[8] = code
		return out
	}
	switch fc {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		qty := binary.BigEndian.Uint16(req[10:])
		respFC := fc
		if alt, ok := d.answerFC[addr]; ok {
			respFC = alt
		}
		out := make([]byte, 9+2*int(qty))
		putHeader(out, tid, 3+2*int(qty), unit, respFC)
		out[8] = byte(2 * qty)
		for i := uint16(0); i < qty; i++ {
			binary.BigEndian.PutUint16(out[9+2*i:], d.registers[addr+i])
		}
		return out
	case FuncWriteSingleRegister:
		d.registers[addr] = binary.BigEndian.Uint16(req[10:])
		return append([]byte{}, req...)
	case FuncWriteMultipleRegisters:
		qty := binary.BigEndian.Uint16(req[10:])
		for i := uint16(0); i < qty; i++ {
			d.registers[addr+i] = binary.BigEndian.Uint16(req[13+2*i:])
		}
		out := append([]byte{}, req[:12]...)
		binary.BigEndian.PutUint16(out[4:], 6)
		return out
	}
	return nil
}

func (d *fakeDevice) set(addr, v uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers[addr] = v
}

func (d *fakeDevice) fail(addr uint16, code byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exceptions[addr] = code
}

func (d *fakeDevice) mute(addr uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent[addr] = true
}

// truncate makes reads of addr answer with a bare MBAP header.
func (d *fakeDevice) truncate(addr uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headerOnly[addr] = true
}

func (d *fakeDevice) answerAs(addr uint16, fc byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answerFC[addr] = fc
}

func (d *fakeDevice) get(addr uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers[addr]
}

func (d *fakeDevice) seenTIDs() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16{}, d.tids...)
}

func (d *fakeDevice) dropClients() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
}

func newTestAdapter(t *testing.T, d *fakeDevice, cfg DeviceConfig, opts ...Option) *Adapter {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = d.port()
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	a := NewAdapter(cfg, append([]Option{WithLogger(logger.Discard())}, opts...)...)
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestAdapterDefaults(t *testing.T) {
	a := NewAdapter(DeviceConfig{Host: "10.0.0.5", UnitID: 1})
	st := a.Status()
	assert.Equal(t, "modbus_10.0.0.5_1", st.DeviceID)
	assert.Equal(t, 502, st.Port)
	assert.False(t, st.Connected)
	assert.Equal(t, "disconnected", st.State)
	assert.Equal(t, DefaultPollInterval, a.cfg.PollInterval)
	assert.Equal(t, DefaultTimeout, a.cfg.Timeout)
}

func TestAdapterPoll(t *testing.T) {
	d := newFakeDevice(t)
	d.set(0, uint16(0xFFC9)) // -55
	d.set(10, 0x0001)
	d.set(11, 0x0002)
	d.fail(20, 0x02)

	var got []device.Telemetry
	a := newTestAdapter(t, d, DeviceConfig{
		UnitID: 1,
		Reads: []ReadSpec{
			{Name: "temperature", Address: 0, Type: S16, Scale: 0.1},
			{Name: "broken", Address: 20, Type: U16},
			{Name: "energy", FunctionCode: FuncReadInputRegisters, Address: 10, Type: U32},
		},
	}, WithTelemetryHandler(func(tel device.Telemetry) { got = append(got, tel) }))
	require.NoError(t, a.Connect(context.Background()))

	tel, ok := a.Poll(context.Background())
	require.True(t, ok)
	assert.Equal(t, device.StatusErr, tel.Status)
	assert.InDelta(t, -5.5, tel.Metrics["temperature"], 1e-9)
	assert.Equal(t, float64(65538), tel.Metrics["energy"])
	assert.NotContains(t, tel.Metrics, "broken")
	require.Len(t, got, 1)
	assert.Equal(t, a.ID(), got[0].DeviceID)
}

func TestAdapterPollWithoutMetrics(t *testing.T) {
	d := newFakeDevice(t)
	d.fail(1, 0x04)
	a := newTestAdapter(t, d, DeviceConfig{Reads: []ReadSpec{{Name: "x", Address: 1}}})
	require.NoError(t, a.Connect(context.Background()))

	_, ok := a.Poll(context.Background())
	assert.False(t, ok)
}

func TestAdapterTransactionIDsIncrease(t *testing.T) {
	d := newFakeDevice(t)
	a := newTestAdapter(t, d, DeviceConfig{})
	require.NoError(t, a.Connect(context.Background()))

	for i := 0; i < 20; i++ {
		_, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, uint16(i), 1)
		require.NoError(t, err)
		assert.Equal(t, 0, a.pending.size())
	}
	tids := d.seenTIDs()
	require.Len(t, tids, 20)
	for i := 1; i < len(tids); i++ {
		assert.Greater(t, tids[i], tids[i-1])
	}
}

func TestAdapterTimeoutKeepsSocket(t *testing.T) {
	d := newFakeDevice(t)
	d.mute(5)
	d.set(6, 42)
	a := newTestAdapter(t, d, DeviceConfig{Timeout: 100 * time.Millisecond})
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, 5, 1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, a.pending.size())
	assert.Equal(t, StateConnected, a.State())

	words, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, 6, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, words)
}

func TestAdapterShortFrameKeepsSocket(t *testing.T) {
	d := newFakeDevice(t)
	d.truncate(4)
	d.set(6, 42)
	a := newTestAdapter(t, d, DeviceConfig{})
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, 4, 1)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, a.pending.size())
	assert.Equal(t, StateConnected, a.State())

	words, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, 6, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, words)
}

func TestAdapterRejectsMismatchedFunctionCode(t *testing.T) {
	d := newFakeDevice(t)
	d.answerAs(2, FuncReadInputRegisters)
	d.set(3, 9)
	a := newTestAdapter(t, d, DeviceConfig{})
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, 2, 1)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "function code 0x04 in response to 0x03")
	assert.Equal(t, StateConnected, a.State())

	words, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{9}, words)
}

func TestAdapterExceptionResponse(t *testing.T) {
	d := newFakeDevice(t)
	d.fail(3, 0x0B)
	a := newTestAdapter(t, d, DeviceConfig{})
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, 3, 1)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, byte(0x0B), exc.Code)
	assert.Equal(t, StateConnected, a.State())
}

func TestAdapterWrites(t *testing.T) {
	d := newFakeDevice(t)
	a := newTestAdapter(t, d, DeviceConfig{
		UnitID: 1,
		Writes: []WriteSpec{
			{Type: "relay", Address: 1},
			{Type: "mode", Address: 7, TypeMapping: map[string]int{"auto": 2, "manual": 1}},
			{Type: "counter", FunctionCode: FuncWriteMultipleRegisters, Address: 30, DataType: U32},
		},
	})
	require.NoError(t, a.Connect(context.Background()))
	ctx := context.Background()

	ack := a.WriteCommand(ctx, device.Command{DeviceID: a.ID(), Type: "relay", Params: map[string]any{"on": true}})
	assert.Equal(t, device.Ack, ack.Status)
	assert.Equal(t, uint16(1), d.get(1))

	require.NoError(t, a.Write(ctx, device.Command{Type: "mode", Params: map[string]any{"auto": true}}))
	assert.Equal(t, uint16(2), d.get(7))

	require.NoError(t, a.Write(ctx, device.Command{Type: "mode", Params: map[string]any{"eco": true}}))
	assert.Equal(t, uint16(0), d.get(7))

	require.NoError(t, a.Write(ctx, device.Command{Type: "counter", Params: map[string]any{"value": 70000}}))
	assert.Equal(t, uint16(1), d.get(30))
	assert.Equal(t, uint16(4464), d.get(31))

	ack = a.WriteCommand(ctx, device.Command{Type: "unknown"})
	assert.Equal(t, device.Nack, ack.Status)
	assert.Contains(t, ack.Error, "unknown command type")
}

func TestResolveValue(t *testing.T) {
	plain := WriteSpec{Type: "x"}
	assert.Equal(t, float64(1), ResolveValue(plain, map[string]any{"on": true}))
	assert.Equal(t, float64(0), ResolveValue(plain, map[string]any{"on": false}))
	assert.Equal(t, 12.5, ResolveValue(plain, map[string]any{"v": 12.5}))
	assert.Equal(t, float64(0), ResolveValue(plain, map[string]any{"v": "abc"}))
	assert.Equal(t, float64(0), ResolveValue(plain, nil))

	mapped := WriteSpec{Type: "x", TypeMapping: map[string]int{"open": 3}}
	assert.Equal(t, float64(3), ResolveValue(mapped, map[string]any{"open": 1}))
	assert.Equal(t, float64(0), ResolveValue(mapped, map[string]any{"close": 1}))
}

// countingConn records how many times Write is called.
type countingConn struct {
	net.Conn
	writes atomic.Int32
}

func (c *countingConn) Write(b []byte) (int, error) {
	c.writes.Add(1)
	return c.Conn.Write(b)
}

type pipeDialer struct{ conn net.Conn }

func (p pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return p.conn, nil
}

func TestAdapterSafeLimitNeverReachesSocket(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := &countingConn{Conn: client}

	a := NewAdapter(DeviceConfig{
		Host:   "pipe",
		Writes: []WriteSpec{{Type: "set_pwm", Address: 2, SafeLimit: &Limit{Min: 0, Max: 100}}},
	}, WithDialer(pipeDialer{conn: conn}), WithLogger(logger.Discard()))
	defer a.Stop()
	require.NoError(t, a.Connect(context.Background()))

	ack := a.WriteCommand(context.Background(), device.Command{Type: "set_pwm", Params: map[string]any{"value": 150}})
	assert.Equal(t, device.Nack, ack.Status)
	assert.Equal(t, "Command exceeds safe limits", ack.Error)
	assert.Equal(t, int32(0), conn.writes.Load())
}

func TestAdapterStopFailsInFlight(t *testing.T) {
	d := newFakeDevice(t)
	d.mute(9)
	a := newTestAdapter(t, d, DeviceConfig{Timeout: 5 * time.Second})
	require.NoError(t, a.Connect(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := a.ReadRegisters(context.Background(), FuncReadHoldingRegisters, 9, 1)
		errc <- err
	}()
	require.Eventually(t, func() bool { return a.pending.size() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("in-flight request not released by Stop")
	}
	assert.Equal(t, 0, a.pending.size())
	assert.ErrorIs(t, a.Connect(context.Background()), ErrStopped)
	assert.NoError(t, a.Stop())
}

func TestAdapterReconnectsOnTick(t *testing.T) {
	d := newFakeDevice(t)
	d.set(0, 1)
	a := newTestAdapter(t, d, DeviceConfig{Reads: []ReadSpec{{Name: "v", Address: 0}}})
	ctx := context.Background()

	a.tick(ctx)
	require.Equal(t, StateConnected, a.State())

	d.dropClients()
	require.Eventually(t, func() bool { return a.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	_, err := a.ReadRegisters(ctx, FuncReadHoldingRegisters, 0, 1)
	assert.ErrorIs(t, err, ErrNotConnected)

	a.tick(ctx)
	require.Equal(t, StateConnected, a.State())
	tel, ok := a.Poll(ctx)
	require.True(t, ok)
	assert.Equal(t, float64(1), tel.Metrics["v"])
}

func TestAdapterRunStopsOnCancel(t *testing.T) {
	d := newFakeDevice(t)
	d.set(0, 3)
	polled := make(chan device.Telemetry, 4)
	a := newTestAdapter(t, d, DeviceConfig{
		PollInterval: 20 * time.Millisecond,
		Reads:        []ReadSpec{{Name: "v", Address: 0}},
	}, WithTelemetryHandler(func(tel device.Telemetry) {
		select {
		case polled <- tel:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case tel := <-polled:
		assert.Equal(t, float64(3), tel.Metrics["v"])
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry polled")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, a.State())
}

func TestAdapterRunResumesAfterSupervisedRestart(t *testing.T) {
	d := newFakeDevice(t)
	d.set(0, 7)
	var calls atomic.Int32
	resumed := make(chan device.Telemetry, 4)
	a := newTestAdapter(t, d, DeviceConfig{
		PollInterval: 20 * time.Millisecond,
		Reads:        []ReadSpec{{Name: "v", Address: 0}},
	}, WithTelemetryHandler(func(tel device.Telemetry) {
		if calls.Add(1) == 1 {
			panic("telemetry sink failed")
		}
		select {
		case resumed <- tel:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.NewOneForOneSupervisor(logger.Discard())
	require.NoError(t, sup.Start(ctx, []supervisor.Spec{{
		ID:           "modbus-" + a.ID(),
		Restart:      supervisor.RestartPermanent,
		RestartDelay: 10 * time.Millisecond,
		Actor:        actor.Func(a.Run),
	}}))

	select {
	case tel := <-resumed:
		assert.Equal(t, float64(7), tel.Metrics["v"])
	case <-time.After(3 * time.Second):
		t.Fatal("polling did not resume after restart")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	cancel()
	sup.Wait()
	assert.Equal(t, StateDisconnected, a.State())
	assert.NoError(t, a.Connect(context.Background()))
}
