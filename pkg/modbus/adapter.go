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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/turtacn/farmbridge/pkg/device"
	"github.com/turtacn/farmbridge/pkg/idempotency"
	"github.com/turtacn/farmbridge/pkg/metrics"
	"k8s.io/utils/clock"
)

// State is the connection state of a raw adapter.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// Dialer opens the TCP connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TelemetryHandler receives every telemetry batch an adapter produces.
type TelemetryHandler func(device.Telemetry)

type options struct {
	logger      *slog.Logger
	dialer      Dialer
	clock       clock.WithTicker
	onTelemetry TelemetryHandler
	client      RegisterClient
	idem        idempotency.Store
}

// Option configures an adapter.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithDialer replaces the TCP dialer of the raw adapter.
func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

// WithClock replaces the wall clock.
func WithClock(c clock.WithTicker) Option { return func(o *options) { o.clock = c } }

// WithTelemetryHandler registers the telemetry sink.
func WithTelemetryHandler(h TelemetryHandler) Option {
	return func(o *options) { o.onTelemetry = h }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		dialer: &net.Dialer{},
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Status is a snapshot of an adapter's connection.
type Status struct {
	DeviceID  string `json:"device_id"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	UnitID    byte   `json:"unitId"`
}

// Adapter is the raw-socket Modbus TCP client. It keeps at most one
// transaction in flight and reconnects from its poll loop.
type Adapter struct {
	cfg    DeviceConfig
	opts   options
	logger *slog.Logger

	state   atomic.Int32
	connMu  sync.Mutex
	conn    net.Conn
	reqMu   sync.Mutex
	pending *pendingArena
	readers sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewAdapter creates a disconnected adapter. Defaults are applied to cfg.
func NewAdapter(cfg DeviceConfig, opts ...Option) *Adapter {
	cfg = cfg.WithDefaults()
	o := buildOptions(opts)
	return &Adapter{
		cfg:     cfg,
		opts:    o,
		logger:  o.logger.With("device", cfg.DeviceID),
		pending: newPendingArena(),
		stopped: make(chan struct{}),
	}
}

// ID returns the device id used in telemetry.
func (a *Adapter) ID() string { return a.cfg.DeviceID }

// State returns the current connection state.
func (a *Adapter) State() State { return State(a.state.Load()) }

// Status returns a connection snapshot.
func (a *Adapter) Status() Status {
	s := a.State()
	return Status{
		DeviceID:  a.cfg.DeviceID,
		Connected: s == StateConnected,
		State:     s.String(),
		Host:      a.cfg.Host,
		Port:      a.cfg.Port,
		UnitID:    a.cfg.UnitID,
	}
}

// Connect dials the device. It is a no-op unless the adapter is
// disconnected, so overlapping callers never open two sockets.
func (a *Adapter) Connect(ctx context.Context) error {
	select {
	case <-a.stopped:
		return ErrStopped
	default:
	}
	if !a.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	conn, err := a.opts.dialer.DialContext(dctx, "tcp", a.cfg.Address())
	if err != nil {
		a.state.Store(int32(StateDisconnected))
		return fmt.Errorf("modbus: dial %s: %w", a.cfg.Address(), err)
	}

	a.connMu.Lock()
	select {
	case <-a.stopped:
		a.connMu.Unlock()
		conn.Close()
		a.state.Store(int32(StateDisconnected))
		return ErrStopped
	default:
	}
	a.conn = conn
	a.readers.Add(1)
	a.state.Store(int32(StateConnected))
	a.connMu.Unlock()

	go a.readLoop(conn)
	a.logger.Info("Modbus TCP connected", "addr", a.cfg.Address())
	return nil
}

func (a *Adapter) readLoop(conn net.Conn) {
	defer a.readers.Done()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrProtocol) && len(frame) >= mbapHeaderLen {
				a.failFrame(frame, err)
				continue
			}
			a.dropConnection(conn, err)
			return
		}
		a.handleFrame(frame)
	}
}

// failFrame fails the transaction named by a header whose body was
// discarded. The socket stays open.
func (a *Adapter) failFrame(header []byte, cause error) {
	tid := binary.BigEndian.Uint16(header)
	a.logger.Warn("Malformed Modbus response", "transaction", tid, "error", cause)
	if !a.pending.resolve(tid, result{err: cause}) {
		a.logger.Warn("Modbus response for unknown transaction", "transaction", tid)
	}
}

func (a *Adapter) handleFrame(frame []byte) {
	resp, err := ParseResponse(frame)
	if err == nil && resp.UnitID != a.cfg.UnitID {
		err = fmt.Errorf("%w: unit id %d, want %d", ErrProtocol, resp.UnitID, a.cfg.UnitID)
	}
	if errors.Is(err, ErrProtocol) {
		a.logger.Warn("Malformed Modbus response", "transaction", resp.TransactionID, "error", err)
	}
	if !a.pending.resolve(resp.TransactionID, result{fc: resp.FunctionCode, words: resp.Words, err: err}) {
		a.logger.Warn("Modbus response for unknown transaction", "transaction", resp.TransactionID)
	}
}

// dropConnection tears down conn if it is still current and fails every
// request waiting on it.
func (a *Adapter) dropConnection(conn net.Conn, cause error) {
	a.connMu.Lock()
	if a.conn != conn {
		a.connMu.Unlock()
		return
	}
	a.conn = nil
	a.state.Store(int32(StateDisconnected))
	a.connMu.Unlock()

	conn.Close()
	a.pending.rejectAll(fmt.Errorf("%w: %v", ErrNotConnected, cause))
	select {
	case <-a.stopped:
	default:
		a.logger.Warn("Modbus TCP connection closed", "error", cause)
	}
}

// roundTrip sends one request and waits for its response, a timeout, ctx
// or Stop. Requests are serialised.
func (a *Adapter) roundTrip(ctx context.Context, fc byte, build func(tid uint16) ([]byte, error)) ([]uint16, error) {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()

	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil || a.State() != StateConnected {
		return nil, ErrNotConnected
	}

	timeout := a.cfg.Timeout
	pr := a.pending.open(a.opts.clock.Now().Add(timeout))
	frame, err := build(pr.ID)
	if err != nil {
		a.pending.resolve(pr.ID, result{err: err})
		<-pr.done
		return nil, err
	}
	if err := conn.SetWriteDeadline(a.opts.clock.Now().Add(timeout)); err == nil {
		_, err = conn.Write(frame)
	}
	if err != nil {
		a.pending.resolve(pr.ID, result{err: err})
		<-pr.done
		a.dropConnection(conn, err)
		a.observe(fc, err)
		return nil, fmt.Errorf("modbus: write request: %w", err)
	}

	timer := a.opts.clock.NewTimer(timeout)
	defer timer.Stop()
	var cause error
	select {
	case r := <-pr.done:
		return a.finish(fc, r)
	case <-timer.C():
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	case <-a.stopped:
		cause = ErrStopped
	}
	// A response may still win the race; resolve is a no-op then.
	a.pending.resolve(pr.ID, result{err: cause})
	return a.finish(fc, <-pr.done)
}

// finish checks that a response echoes the request's function code and
// records the outcome.
func (a *Adapter) finish(fc byte, r result) ([]uint16, error) {
	if r.err == nil && r.fc != fc {
		r = result{err: fmt.Errorf("%w: function code 0x%02X in response to 0x%02X", ErrProtocol, r.fc, fc)}
	}
	a.observe(fc, r.err)
	return r.words, r.err
}

func (a *Adapter) observe(fc byte, err error) {
	outcome := "ok"
	var exc *ExceptionError
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.As(err, &exc):
		outcome = "exception"
	case errors.Is(err, ErrProtocol):
		outcome = "protocol_error"
	default:
		outcome = "error"
	}
	metrics.ModbusRequestsTotal.WithLabelValues(a.cfg.DeviceID, fmt.Sprintf("0x%02X", fc), outcome).Inc()
}

// ReadRegisters reads quantity registers with a 0x03 or 0x04 request.
func (a *Adapter) ReadRegisters(ctx context.Context, fc byte, addr, quantity uint16) ([]uint16, error) {
	return a.roundTrip(ctx, fc, func(tid uint16) ([]byte, error) {
		return BuildReadRequest(tid, a.cfg.UnitID, fc, addr, quantity), nil
	})
}

// Read performs one configured read and decodes it.
func (a *Adapter) Read(ctx context.Context, spec ReadSpec) (float64, error) {
	words, err := a.ReadRegisters(ctx, spec.FunctionCode, spec.Address, spec.Length)
	if err != nil {
		return 0, err
	}
	return DecodeScaled(words, spec.Type, spec.Scale)
}

// Poll reads every configured value once. Each read is independent: a
// failure marks the batch err and moves on. The batch is returned and
// handed to the telemetry handler only when at least one metric was read.
func (a *Adapter) Poll(ctx context.Context) (*device.Telemetry, bool) {
	t := device.NewTelemetry(a.cfg.DeviceID, a.opts.clock.Now().UTC())
	for _, spec := range a.cfg.Reads {
		v, err := a.Read(ctx, spec)
		if err != nil {
			a.logger.Error("Modbus register read failed", "read", spec.Name, "error", err)
			t.Degrade(device.StatusErr)
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Degrade(device.StatusWarn)
			continue
		}
		t.Metrics[spec.Name] = v
	}
	if len(t.Metrics) == 0 {
		return nil, false
	}
	if a.opts.onTelemetry != nil {
		a.opts.onTelemetry(*t)
	}
	return t, true
}

// Run connects and then polls every PollInterval until ctx is done. A tick
// that finds the adapter disconnected makes a single reconnect attempt
// instead of polling. Returning closes the socket but leaves the adapter
// usable, so Run may be called again; only Stop ends it.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.disconnect(ErrNotConnected)
	if err := a.Connect(ctx); err != nil {
		a.logger.Error("Modbus TCP connect failed", "error", err)
	}
	ticker := a.opts.clock.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stopped:
			return nil
		case <-ticker.C():
			a.tick(ctx)
		}
	}
}

func (a *Adapter) tick(ctx context.Context) {
	switch a.State() {
	case StateConnected:
		a.Poll(ctx)
	case StateDisconnected:
		a.logger.Info("Modbus TCP reconnecting")
		if err := a.Connect(ctx); err != nil {
			a.logger.Error("Modbus TCP reconnect failed", "error", err)
		}
	}
}

// ResolveValue turns command params into a register value. With a type
// mapping the supplied parameter key is looked up (0 on miss); otherwise
// the parameter value is coerced, booleans to 1 or 0 and non-numbers to 0.
func ResolveValue(spec WriteSpec, params map[string]any) float64 {
	if len(params) == 0 {
		return 0
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(spec.TypeMapping) > 0 {
		return float64(spec.TypeMapping[keys[0]])
	}
	v, ok := device.Number(params[keys[0]])
	if !ok || math.IsNaN(v) {
		return 0
	}
	return v
}

// Write executes a command against its configured register.
func (a *Adapter) Write(ctx context.Context, cmd device.Command) error {
	spec, ok := a.cfg.Write(cmd.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}
	value := ResolveValue(spec, cmd.Params)
	if spec.SafeLimit != nil && !spec.SafeLimit.Contains(value) {
		a.logger.Warn("Modbus command exceeds safe limits", "type", cmd.Type, "value", value,
			"min", spec.SafeLimit.Min, "max", spec.SafeLimit.Max)
		return ErrSafetyLimit
	}
	if spec.FunctionCode == FuncWriteMultipleRegisters {
		words := Encode(value, spec.DataType)
		if spec.Length > 0 && int(spec.Length) < len(words) {
			words = words[:spec.Length]
		}
		_, err := a.roundTrip(ctx, spec.FunctionCode, func(tid uint16) ([]byte, error) {
			return BuildWriteMultiple(tid, a.cfg.UnitID, spec.Address, words)
		})
		return err
	}
	reg := ClampRegister(value, spec.DataType)
	_, err := a.roundTrip(ctx, spec.FunctionCode, func(tid uint16) ([]byte, error) {
		return BuildWriteSingle(tid, a.cfg.UnitID, spec.Address, reg), nil
	})
	return err
}

// WriteCommand runs Write and reports the outcome as an ack.
func (a *Adapter) WriteCommand(ctx context.Context, cmd device.Command) device.CommandAck {
	now := a.opts.clock.Now().UTC()
	if err := a.Write(ctx, cmd); err != nil {
		a.logger.Error("Modbus command failed", "type", cmd.Type, "error", err)
		ack := device.NewNack(a.cfg.DeviceID, now, err)
		ack.CommandID = cmd.IdempotencyKey
		return ack
	}
	a.logger.Info("Modbus command executed", "type", cmd.Type)
	ack := device.NewAck(a.cfg.DeviceID, now, map[string]any{"type": cmd.Type})
	ack.CommandID = cmd.IdempotencyKey
	return ack
}

// disconnect closes the current socket, fails in-flight requests with
// cause and waits for the reader to exit.
func (a *Adapter) disconnect(cause error) error {
	a.connMu.Lock()
	conn := a.conn
	a.conn = nil
	a.state.Store(int32(StateDisconnected))
	a.connMu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	a.pending.rejectAll(cause)
	a.readers.Wait()
	return err
}

// Stop closes the socket and fails any in-flight request. The adapter
// cannot be connected again. It is safe to call more than once.
func (a *Adapter) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopped)
		err = a.disconnect(ErrStopped)
		a.logger.Info("Modbus TCP adapter stopped")
	})
	return err
}
