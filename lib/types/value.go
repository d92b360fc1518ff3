/*
Copyright 2024 Edgewise, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package types defines the tagged value variant used uniformly for
// telemetry samples, attribute values and action parameters, plus the
// location sample type.
package types

import (
	"fmt"
	"math"

	"github.com/gravitational/trace"
)

// Kind tags the payload carried by a Value.
type Kind int

const (
	// KindNull is the zero Value; it carries no payload.
	KindNull Kind = iota
	// KindBool carries a boolean.
	KindBool
	// KindInt8 carries a signed 8 bit integer.
	KindInt8
	// KindInt16 carries a signed 16 bit integer.
	KindInt16
	// KindInt32 carries a signed 32 bit integer.
	KindInt32
	// KindInt64 carries a signed 64 bit integer.
	KindInt64
	// KindUint8 carries an unsigned 8 bit integer.
	KindUint8
	// KindUint16 carries an unsigned 16 bit integer.
	KindUint16
	// KindUint32 carries an unsigned 32 bit integer.
	KindUint32
	// KindUint64 carries an unsigned 64 bit integer.
	KindUint64
	// KindFloat32 carries a 32 bit float.
	KindFloat32
	// KindFloat64 carries a 64 bit float.
	KindFloat64
	// KindString carries a UTF-8 string.
	KindString
	// KindRaw carries opaque bytes, base64 encoded on the wire.
	KindRaw
	// KindLocation carries a location sample.
	KindLocation
)

var kindStrings = map[Kind]string{
	KindNull:     "null",
	KindBool:     "bool",
	KindInt8:     "int8",
	KindInt16:    "int16",
	KindInt32:    "int32",
	KindInt64:    "int64",
	KindUint8:    "uint8",
	KindUint16:   "uint16",
	KindUint32:   "uint32",
	KindUint64:   "uint64",
	KindFloat32:  "float32",
	KindFloat64:  "float64",
	KindString:   "string",
	KindRaw:      "raw",
	KindLocation: "location",
}

// String returns the kind name used in logs and error messages.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsNumeric reports whether values of this kind participate in
// numeric widening during parameter validation.
func (k Kind) IsNumeric() bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64,
		KindUint8, KindUint16, KindUint32, KindUint64,
		KindFloat32, KindFloat64:
		return true
	}
	return false
}

// Value is a tagged variant. The tag must match before the payload is
// read; accessors return a bad parameter error on tag mismatch.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	raw  []byte
	loc  *Location
}

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// NewBool wraps a boolean.
func NewBool(b bool) Value { return Value{kind: KindBool, b: b} }

// NewInt8 wraps a signed 8 bit integer.
func NewInt8(i int8) Value { return Value{kind: KindInt8, i: int64(i)} }

// NewInt16 wraps a signed 16 bit integer.
func NewInt16(i int16) Value { return Value{kind: KindInt16, i: int64(i)} }

// NewInt32 wraps a signed 32 bit integer.
func NewInt32(i int32) Value { return Value{kind: KindInt32, i: int64(i)} }

// NewInt64 wraps a signed 64 bit integer.
func NewInt64(i int64) Value { return Value{kind: KindInt64, i: i} }

// NewUint8 wraps an unsigned 8 bit integer.
func NewUint8(u uint8) Value { return Value{kind: KindUint8, u: uint64(u)} }

// NewUint16 wraps an unsigned 16 bit integer.
func NewUint16(u uint16) Value { return Value{kind: KindUint16, u: uint64(u)} }

// NewUint32 wraps an unsigned 32 bit integer.
func NewUint32(u uint32) Value { return Value{kind: KindUint32, u: uint64(u)} }

// NewUint64 wraps an unsigned 64 bit integer.
func NewUint64(u uint64) Value { return Value{kind: KindUint64, u: u} }

// NewFloat32 wraps a 32 bit float.
func NewFloat32(f float32) Value { return Value{kind: KindFloat32, f: float64(f)} }

// NewFloat64 wraps a 64 bit float.
func NewFloat64(f float64) Value { return Value{kind: KindFloat64, f: f} }

// NewString wraps a UTF-8 string.
func NewString(s string) Value { return Value{kind: KindString, s: s} }

// NewRaw wraps opaque bytes. The slice is not copied.
func NewRaw(b []byte) Value { return Value{kind: KindRaw, raw: b} }

// NewLocation wraps a location sample.
func NewLocation(l Location) Value { return Value{kind: KindLocation, loc: &l} }

// Bool returns the boolean payload.
func (v Value) Bool() (bool, error) {
	if v.kind != KindBool {
		return false, trace.BadParameter("value is %v, not bool", v.kind)
	}
	return v.b, nil
}

// Int returns the signed integer payload widened to 64 bits.
func (v Value) Int() (int64, error) {
	switch v.kind {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.i, nil
	}
	return 0, trace.BadParameter("value is %v, not a signed integer", v.kind)
}

// Uint returns the unsigned integer payload widened to 64 bits.
func (v Value) Uint() (uint64, error) {
	switch v.kind {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u, nil
	}
	return 0, trace.BadParameter("value is %v, not an unsigned integer", v.kind)
}

// Float returns the float payload widened to 64 bits.
func (v Value) Float() (float64, error) {
	switch v.kind {
	case KindFloat32, KindFloat64:
		return v.f, nil
	}
	return 0, trace.BadParameter("value is %v, not a float", v.kind)
}

// Str returns the string payload.
func (v Value) Str() (string, error) {
	if v.kind != KindString {
		return "", trace.BadParameter("value is %v, not string", v.kind)
	}
	return v.s, nil
}

// Raw returns the opaque byte payload.
func (v Value) Raw() ([]byte, error) {
	if v.kind != KindRaw {
		return nil, trace.BadParameter("value is %v, not raw", v.kind)
	}
	return v.raw, nil
}

// Loc returns the location payload.
func (v Value) Loc() (Location, error) {
	if v.kind != KindLocation {
		return Location{}, trace.BadParameter("value is %v, not location", v.kind)
	}
	return *v.loc, nil
}

// Equal reports payload equality; the tags must match first.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.i == o.i
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u == o.u
	case KindFloat32, KindFloat64:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindRaw:
		return string(v.raw) == string(o.raw)
	case KindLocation:
		return *v.loc == *o.loc
	}
	return false
}

// signed range limits indexed by kind.
var intRange = map[Kind][2]int64{
	KindInt8:  {math.MinInt8, math.MaxInt8},
	KindInt16: {math.MinInt16, math.MaxInt16},
	KindInt32: {math.MinInt32, math.MaxInt32},
	KindInt64: {math.MinInt64, math.MaxInt64},
}

var uintMax = map[Kind]uint64{
	KindUint8:  math.MaxUint8,
	KindUint16: math.MaxUint16,
	KindUint32: math.MaxUint32,
	KindUint64: math.MaxUint64,
}

// Convert re-tags the value as the requested kind. Widening always
// succeeds; narrowing succeeds only when the payload fits the target
// range, otherwise a bad parameter error is returned. Non-numeric
// kinds convert only to themselves.
func (v Value) Convert(to Kind) (Value, error) {
	if v.kind == to {
		return v, nil
	}
	if !v.kind.IsNumeric() || !to.IsNumeric() {
		return Value{}, trace.BadParameter("cannot convert %v to %v", v.kind, to)
	}

	switch {
	case isSigned(to):
		i, err := v.toInt64()
		if err != nil {
			return Value{}, trace.Wrap(err)
		}
		r := intRange[to]
		if i < r[0] || i > r[1] {
			return Value{}, trace.BadParameter("value %d out of range for %v", i, to)
		}
		return Value{kind: to, i: i}, nil
	case isUnsigned(to):
		u, err := v.toUint64()
		if err != nil {
			return Value{}, trace.Wrap(err)
		}
		if u > uintMax[to] {
			return Value{}, trace.BadParameter("value %d out of range for %v", u, to)
		}
		return Value{kind: to, u: u}, nil
	default: // float target
		f, err := v.toFloat64()
		if err != nil {
			return Value{}, trace.Wrap(err)
		}
		if to == KindFloat32 && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return Value{}, trace.BadParameter("value %g out of range for %v", f, to)
		}
		return Value{kind: to, f: f}, nil
	}
}

func isSigned(k Kind) bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return true
	}
	return false
}

func isUnsigned(k Kind) bool {
	switch k {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return true
	}
	return false
}

func (v Value) toInt64() (int64, error) {
	switch {
	case isSigned(v.kind):
		return v.i, nil
	case isUnsigned(v.kind):
		if v.u > math.MaxInt64 {
			return 0, trace.BadParameter("value %d out of range for signed integer", v.u)
		}
		return int64(v.u), nil
	default:
		if v.f != math.Trunc(v.f) || math.Abs(v.f) >= math.MaxInt64 {
			return 0, trace.BadParameter("value %g is not a representable integer", v.f)
		}
		return int64(v.f), nil
	}
}

func (v Value) toUint64() (uint64, error) {
	switch {
	case isUnsigned(v.kind):
		return v.u, nil
	case isSigned(v.kind):
		if v.i < 0 {
			return 0, trace.BadParameter("value %d out of range for unsigned integer", v.i)
		}
		return uint64(v.i), nil
	default:
		if v.f < 0 || v.f != math.Trunc(v.f) || v.f >= math.MaxUint64 {
			return 0, trace.BadParameter("value %g is not a representable unsigned integer", v.f)
		}
		return uint64(v.f), nil
	}
}

func (v Value) toFloat64() (float64, error) {
	switch {
	case isSigned(v.kind):
		return float64(v.i), nil
	case isUnsigned(v.kind):
		return float64(v.u), nil
	default:
		return v.f, nil
	}
}

// String renders the payload for logs.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.b)
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return fmt.Sprintf("%d", v.u)
	case KindFloat32, KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindRaw:
		return fmt.Sprintf("raw(%d bytes)", len(v.raw))
	case KindLocation:
		return v.loc.String()
	}
	return v.kind.String()
}
