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
)

var (
	// ErrTimeout is returned when a transaction gets no response in time.
	ErrTimeout = errors.New("modbus: transaction timeout")
	// ErrNotConnected is returned when no socket is available.
	ErrNotConnected = errors.New("modbus: not connected")
	// ErrStopped is returned once the adapter has been stopped.
	ErrStopped = errors.New("modbus: adapter stopped")
	// ErrProtocol marks malformed or unexpected frames.
	ErrProtocol = errors.New("modbus: protocol error")
	// ErrSafetyLimit marks a write refused before any I/O.
	ErrSafetyLimit = errors.New("Command exceeds safe limits")
	// ErrRollbackFailed marks a failed write whose restore write also failed.
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrUnknownCommand is returned for command types with no register mapping.
	ErrUnknownCommand = errors.New("modbus: unknown command type")
)

var exceptionText = map[byte]string{
	0x01: "Illegal Function",
	0x02: "Illegal Data Address",
	0x03: "Illegal Data Value",
	0x04: "Slave Device Failure",
	0x05: "Acknowledge",
	0x06: "Slave Device Busy",
	0x08: "Memory Parity Error",
	0x0A: "Gateway Path Unavailable",
	0x0B: "Gateway Target Device Failed to Respond",
}

// ExceptionText renders a Modbus exception code.
func ExceptionText(code byte) string {
	if s, ok := exceptionText[code]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Error (%d)", code)
}

// ExceptionError is an exception response from the device.
type ExceptionError struct {
	FunctionCode byte
	Code         byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception on function 0x%02X: %s", e.FunctionCode, ExceptionText(e.Code))
}
