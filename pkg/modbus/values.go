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
	"fmt"
	"math"
	"strings"
)

// DataType names how raw register words are turned into a number.
type DataType string

const (
	U16       DataType = "U16"
	S16       DataType = "S16"
	U32       DataType = "U32"
	S32       DataType = "S32"
	FloatABCD DataType = "FLOAT_ABCD"
	FloatBADC DataType = "FLOAT_BADC"
	// Float is accepted in actuator configs and behaves like FloatABCD.
	Float DataType = "float"
)

// Normalize maps the empty type to U16 and folds case.
func (t DataType) Normalize() DataType {
	switch strings.ToUpper(string(t)) {
	case "":
		return U16
	case "FLOAT":
		return FloatABCD
	default:
		return DataType(strings.ToUpper(string(t)))
	}
}

// Valid reports whether t is a known type.
func (t DataType) Valid() bool {
	switch t.Normalize() {
	case U16, S16, U32, S32, FloatABCD, FloatBADC:
		return true
	}
	return false
}

// Words is the number of registers the type spans.
func (t DataType) Words() int {
	switch t.Normalize() {
	case U32, S32, FloatABCD, FloatBADC:
		return 2
	}
	return 1
}

// Decode converts raw register words to a number.
func Decode(words []uint16, t DataType) (float64, error) {
	t = t.Normalize()
	if len(words) < t.Words() {
		return 0, fmt.Errorf("%w: %s needs %d registers, got %d", ErrProtocol, t, t.Words(), len(words))
	}
	switch t {
	case U16:
		return float64(words[0]), nil
	case S16:
		return float64(int16(words[0])), nil
	case U32:
		return float64(uint32(words[0])<<16 | uint32(words[1])), nil
	case S32:
		return float64(int32(uint32(words[0])<<16 | uint32(words[1]))), nil
	case FloatABCD:
		return float64(math.Float32frombits(uint32(words[0])<<16 | uint32(words[1]))), nil
	case FloatBADC:
		return float64(math.Float32frombits(uint32(words[1])<<16 | uint32(words[0]))), nil
	}
	return 0, fmt.Errorf("modbus: unknown data type %q", t)
}

// DecodeScaled decodes words and applies scale last. A zero scale means none.
func DecodeScaled(words []uint16, t DataType, scale float64) (float64, error) {
	v, err := Decode(words, t)
	if err != nil {
		return 0, err
	}
	if scale != 0 {
		v *= scale
	}
	return v, nil
}

// Encode splits v into register words for t, clamping to the type's range.
func Encode(v float64, t DataType) []uint16 {
	switch t = t.Normalize(); t {
	case S16:
		return []uint16{uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16)))}
	case U32:
		u := uint32(clampRound(v, 0, math.MaxUint32))
		return []uint16{uint16(u >> 16), uint16(u)}
	case S32:
		u := uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32)))
		return []uint16{uint16(u >> 16), uint16(u)}
	case FloatABCD:
		b := math.Float32bits(float32(v))
		return []uint16{uint16(b >> 16), uint16(b)}
	case FloatBADC:
		b := math.Float32bits(float32(v))
		return []uint16{uint16(b), uint16(b >> 16)}
	}
	return []uint16{uint16(clampRound(v, 0, math.MaxUint16))}
}

// ClampRegister rounds v into a single register for t. Wide types are
// clamped to one unsigned register.
func ClampRegister(v float64, t DataType) uint16 {
	if t.Normalize() == S16 {
		return uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16)))
	}
	return uint16(clampRound(v, 0, math.MaxUint16))
}

func clampRound(v, lo, hi float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	return int64(math.Max(lo, math.Min(hi, math.Round(v))))
}
