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
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Defaults for the raw adapter.
const (
	DefaultPort         = 502
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 5 * time.Second
)

// ReadSpec describes one polled value.
type ReadSpec struct {
	Name         string   `yaml:"name" json:"name"`
	FunctionCode byte     `yaml:"fc" json:"fc"`
	Address      uint16   `yaml:"addr" json:"addr"`
	Length       uint16   `yaml:"len" json:"len"`
	Type         DataType `yaml:"type" json:"type"`
	Scale        float64  `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Limit is an inclusive safe range for a command value.
type Limit struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies inside the limit.
func (l Limit) Contains(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// WriteSpec maps a command type onto a register write.
type WriteSpec struct {
	Type         string         `yaml:"type" json:"type"`
	FunctionCode byte           `yaml:"fc" json:"fc"`
	Address      uint16         `yaml:"addr" json:"addr"`
	Length       uint16         `yaml:"len,omitempty" json:"len,omitempty"`
	DataType     DataType       `yaml:"data_type,omitempty" json:"data_type,omitempty"`
	TypeMapping  map[string]int `yaml:"type_mapping,omitempty" json:"type_mapping,omitempty"`
	SafeLimit    *Limit         `yaml:"safe_limit,omitempty" json:"safe_limit,omitempty"`
}

// DeviceConfig configures one raw adapter.
type DeviceConfig struct {
	DeviceID     string        `yaml:"device_id" json:"device_id"`
	TenantID     string        `yaml:"tenant_id" json:"tenant_id"`
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	UnitID       byte          `yaml:"unit_id" json:"unit_id"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	Reads        []ReadSpec    `yaml:"reads" json:"reads"`
	Writes       []WriteSpec   `yaml:"writes" json:"writes"`
}

// WithDefaults fills unset fields.
func (c DeviceConfig) WithDefaults() DeviceConfig {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DeviceID == "" {
		c.DeviceID = fmt.Sprintf("modbus_%s_%d", c.Host, c.UnitID)
	}
	for i := range c.Reads {
		if c.Reads[i].FunctionCode == 0 {
			c.Reads[i].FunctionCode = FuncReadHoldingRegisters
		}
		if c.Reads[i].Length == 0 {
			c.Reads[i].Length = uint16(c.Reads[i].Type.Words())
		}
	}
	for i := range c.Writes {
		if c.Writes[i].FunctionCode == 0 {
			c.Writes[i].FunctionCode = FuncWriteSingleRegister
		}
	}
	return c
}

// Address is the dial address.
func (c DeviceConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Write returns the write spec for a command type.
func (c DeviceConfig) Write(commandType string) (WriteSpec, bool) {
	for _, w := range c.Writes {
		if w.Type == commandType {
			return w, true
		}
	}
	return WriteSpec{}, false
}

// Validate checks a config after defaults have been applied.
func (c DeviceConfig) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	for _, r := range c.Reads {
		if r.Name == "" {
			errs = append(errs, errors.New("read without name"))
		}
		if r.FunctionCode != FuncReadHoldingRegisters && r.FunctionCode != FuncReadInputRegisters {
			errs = append(errs, fmt.Errorf("read %q: unsupported function code 0x%02X", r.Name, r.FunctionCode))
		}
		if !r.Type.Valid() {
			errs = append(errs, fmt.Errorf("read %q: unknown data type %q", r.Name, r.Type))
		}
		if r.Length == 0 || r.Length > 125 {
			errs = append(errs, fmt.Errorf("read %q: invalid length %d", r.Name, r.Length))
		}
	}
	seen := make(map[string]bool)
	for _, w := range c.Writes {
		if w.Type == "" {
			errs = append(errs, errors.New("write without type"))
		}
		if seen[w.Type] {
			errs = append(errs, fmt.Errorf("duplicate write type %q", w.Type))
		}
		seen[w.Type] = true
		if w.FunctionCode != FuncWriteSingleRegister && w.FunctionCode != FuncWriteMultipleRegisters {
			errs = append(errs, fmt.Errorf("write %q: unsupported function code 0x%02X", w.Type, w.FunctionCode))
		}
		if w.SafeLimit != nil && w.SafeLimit.Min > w.SafeLimit.Max {
			errs = append(errs, fmt.Errorf("write %q: safe limit min above max", w.Type))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("modbus device %s: %w", c.DeviceID, err)
	}
	return nil
}

// Defaults for the actuator adapter.
const (
	DefaultActuatorTimeout = time.Second
	DefaultRetries         = 3
	DefaultBackoff         = time.Second
)

// ActuatorConfig configures one safe adapter.
type ActuatorConfig struct {
	ID           string              `yaml:"id" json:"id"`
	Host         string              `yaml:"host" json:"host"`
	Port         int                 `yaml:"port" json:"port"`
	UnitID       byte                `yaml:"unit_id" json:"unit_id"`
	Timeout      time.Duration       `yaml:"timeout" json:"timeout"`
	TenantID     string              `yaml:"tenant_id" json:"tenant_id"`
	FarmID       string              `yaml:"farm_id" json:"farm_id"`
	DeviceID     string              `yaml:"device_id" json:"device_id"`
	PollInterval time.Duration       `yaml:"poll_interval" json:"poll_interval"`
	Registers    map[string]uint16   `yaml:"registers" json:"registers"`
	DataTypes    map[string]DataType `yaml:"data_types" json:"data_types"`
	Retries      int                 `yaml:"retries" json:"retries"`
	Backoff      time.Duration       `yaml:"backoff" json:"backoff"`
	SafeLimits   map[string]Limit    `yaml:"safe_limits" json:"safe_limits"`
	Rollback     *bool               `yaml:"rollback" json:"rollback"`
}

// WithDefaults fills unset fields.
func (c ActuatorConfig) WithDefaults() ActuatorConfig {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.UnitID == 0 {
		c.UnitID = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultActuatorTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.DeviceID == "" {
		c.DeviceID = "modbus-tcp-device"
	}
	if c.ID == "" {
		c.ID = c.DeviceID
	}
	if c.Rollback == nil {
		on := true
		c.Rollback = &on
	}
	return c
}

// RollbackEnabled reports whether failed writes restore the backed-up value.
func (c ActuatorConfig) RollbackEnabled() bool {
	return c.Rollback == nil || *c.Rollback
}

// Address is the dial address.
func (c ActuatorConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks a config after defaults have been applied.
func (c ActuatorConfig) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	for name, dt := range c.DataTypes {
		if !dt.Valid() {
			errs = append(errs, fmt.Errorf("data type for %q: unknown %q", name, dt))
		}
	}
	for name, l := range c.SafeLimits {
		if l.Min > l.Max {
			errs = append(errs, fmt.Errorf("safe limit for %q: min above max", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("modbus actuator %s: %w", c.ID, err)
	}
	return nil
}
