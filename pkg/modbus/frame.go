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

// Package modbus talks Modbus TCP to field devices. It carries two adapters:
// a raw-socket adapter that frames requests itself and a register-client
// adapter that adds safety limits, retries and rollback for actuators.
package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Function codes supported by the bridge.
const (
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleRegisters byte = 0x10

	exceptionBit byte = 0x80
)

const (
	mbapHeaderLen = 7
	// requestFrameLen is the size of every read and single-write request.
	requestFrameLen = 12
	// maxPDULen bounds the MBAP length field (unit id + PDU).
	maxPDULen = 254
	// maxWriteWords is the most registers one 0x10 request may carry.
	maxWriteWords = 123
)

// Response is a decoded response ADU.
type Response struct {
	TransactionID uint16
	UnitID        byte
	FunctionCode  byte
	Words         []uint16
}

func putHeader(buf []byte, tid uint16, length int, unit, fc byte) {
	binary.BigEndian.PutUint16(buf[0:], tid)
	binary.BigEndian.PutUint16(buf[2:], 0)
	binary.BigEndian.PutUint16(buf[4:], uint16(length))
	buf[6] = unit
	buf[7] = fc
}

// BuildReadRequest frames a 0x03 or 0x04 request for quantity registers.
func BuildReadRequest(tid uint16, unit, fc byte, addr, quantity uint16) []byte {
	buf := make([]byte, requestFrameLen)
	putHeader(buf, tid, 6, unit, fc)
	binary.BigEndian.PutUint16(buf[8:], addr)
	binary.BigEndian.PutUint16(buf[10:], quantity)
	return buf
}

// BuildWriteSingle frames a 0x06 request. The value sits where a read
// request carries its quantity.
func BuildWriteSingle(tid uint16, unit byte, addr, value uint16) []byte {
	buf := make([]byte, requestFrameLen)
	putHeader(buf, tid, 6, unit, FuncWriteSingleRegister)
	binary.BigEndian.PutUint16(buf[8:], addr)
	binary.BigEndian.PutUint16(buf[10:], value)
	return buf
}

// BuildWriteMultiple frames a 0x10 request writing values from addr onwards.
func BuildWriteMultiple(tid uint16, unit byte, addr uint16, values []uint16) ([]byte, error) {
	if len(values) == 0 || len(values) > maxWriteWords {
		return nil, fmt.Errorf("%w: cannot write %d registers in one request", ErrProtocol, len(values))
	}
	byteCount := 2 * len(values)
	buf := make([]byte, mbapHeaderLen+6+byteCount)
	putHeader(buf, tid, 7+byteCount, unit, FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(buf[8:], addr)
	binary.BigEndian.PutUint16(buf[10:], uint16(len(values)))
	buf[12] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[13+2*i:], v)
	}
	return buf, nil
}

// ReadFrame reads one ADU from r using the MBAP length field. The length
// counts the unit id, which the header already holds, so a length below 2
// declares a frame with no function code and nothing more to read: the
// header is returned with an ErrProtocol error and r stays at the next
// frame. A length beyond any valid ADU means the stream is out of sync and
// returns no header.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length > maxPDULen {
		return nil, fmt.Errorf("%w: invalid MBAP length %d", ErrProtocol, length)
	}
	if length < 2 {
		return header, fmt.Errorf("%w: invalid MBAP length %d", ErrProtocol, length)
	}
	frame := make([]byte, mbapHeaderLen+length-1)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[mbapHeaderLen:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// ParseResponse decodes a response ADU. The transaction id is filled in
// whenever the frame is long enough to carry one, even when an error is
// returned, so the caller can fail the matching request. Exception
// responses return an *ExceptionError.
func ParseResponse(adu []byte) (Response, error) {
	var resp Response
	if len(adu) >= 2 {
		resp.TransactionID = binary.BigEndian.Uint16(adu[0:])
	}
	if len(adu) < mbapHeaderLen+1 {
		return resp, fmt.Errorf("%w: short frame (%d bytes)", ErrProtocol, len(adu))
	}
	if proto := binary.BigEndian.Uint16(adu[2:]); proto != 0 {
		return resp, fmt.Errorf("%w: protocol id %d", ErrProtocol, proto)
	}
	resp.UnitID = adu[6]
	resp.FunctionCode = adu[7]

	if resp.FunctionCode&exceptionBit != 0 {
		if len(adu) < 9 {
			return resp, fmt.Errorf("%w: exception without code", ErrProtocol)
		}
		return resp, &ExceptionError{FunctionCode: resp.FunctionCode &^ exceptionBit, Code: adu[8]}
	}

	switch resp.FunctionCode {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(adu) < 9 {
			return resp, fmt.Errorf("%w: missing byte count", ErrProtocol)
		}
		count := int(adu[8])
		if count%2 != 0 || len(adu) < 9+count {
			return resp, fmt.Errorf("%w: byte count %d with %d data bytes", ErrProtocol, count, len(adu)-9)
		}
		resp.Words = make([]uint16, count/2)
		for i := range resp.Words {
			resp.Words[i] = binary.BigEndian.Uint16(adu[9+2*i:])
		}
	case FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		if len(adu) < requestFrameLen {
			return resp, fmt.Errorf("%w: short write echo", ErrProtocol)
		}
		resp.Words = []uint16{
			binary.BigEndian.Uint16(adu[8:]),
			binary.BigEndian.Uint16(adu[10:]),
		}
	default:
		return resp, fmt.Errorf("%w: unsupported function code 0x%02X", ErrProtocol, resp.FunctionCode)
	}
	return resp, nil
}
