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

package types

import (
	"math"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestValueAccessors(t *testing.T) {
	t.Parallel()

	v := NewInt8(math.MinInt8)
	i, err := v.Int()
	require.NoError(t, err)
	require.Equal(t, int64(math.MinInt8), i)

	// tag mismatch is rejected before the payload is read
	_, err = v.Uint()
	require.True(t, trace.IsBadParameter(err))
	_, err = v.Str()
	require.True(t, trace.IsBadParameter(err))

	u, err := NewUint64(math.MaxUint64).Uint()
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), u)

	s, err := NewString("hello").Str()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	raw, err := NewRaw([]byte{0x00, 0xff}).Raw()
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff}, raw)
}

func TestValueBoundaries(t *testing.T) {
	t.Parallel()

	// f64 subnormal survives the round trip bitwise
	subnormal := math.Float64frombits(1)
	f, err := NewFloat64(subnormal).Float()
	require.NoError(t, err)
	require.Equal(t, math.Float64bits(subnormal), math.Float64bits(f))

	for _, v := range []Value{
		NewInt8(math.MinInt8),
		NewInt8(math.MaxInt8),
		NewUint64(math.MaxUint64),
		NewFloat64(subnormal),
	} {
		require.True(t, v.Equal(v), "value %v must equal itself", v)
	}
}

func TestValueEqual(t *testing.T) {
	t.Parallel()

	require.True(t, NewBool(true).Equal(NewBool(true)))
	require.False(t, NewBool(true).Equal(NewBool(false)))
	// tags must match before payloads are compared
	require.False(t, NewInt8(1).Equal(NewUint8(1)))
	require.True(t, NewFloat64(math.NaN()).Equal(NewFloat64(math.NaN())))
	require.True(t, NewRaw([]byte("ab")).Equal(NewRaw([]byte("ab"))))
	require.True(t, Value{}.Equal(Value{}))
}

func TestConvertWidening(t *testing.T) {
	t.Parallel()

	v, err := NewInt8(-5).Convert(KindInt64)
	require.NoError(t, err)
	i, err := v.Int()
	require.NoError(t, err)
	require.Equal(t, int64(-5), i)

	v, err = NewUint16(500).Convert(KindFloat64)
	require.NoError(t, err)
	f, err := v.Float()
	require.NoError(t, err)
	require.Equal(t, float64(500), f)

	v, err = NewInt32(7).Convert(KindUint8)
	require.NoError(t, err)
	u, err := v.Uint()
	require.NoError(t, err)
	require.Equal(t, uint64(7), u)
}

func TestConvertNarrowing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		v    Value
		to   Kind
		ok   bool
	}{
		{name: "int16 into int8 in range", v: NewInt16(127), to: KindInt8, ok: true},
		{name: "int16 into int8 overflow", v: NewInt16(128), to: KindInt8},
		{name: "negative into unsigned", v: NewInt8(-1), to: KindUint8},
		{name: "uint64 max into int64", v: NewUint64(math.MaxUint64), to: KindInt64},
		{name: "fractional float into int", v: NewFloat64(1.5), to: KindInt32},
		{name: "whole float into int", v: NewFloat64(42), to: KindInt32, ok: true},
		{name: "huge float into float32", v: NewFloat64(math.MaxFloat64), to: KindFloat32},
		{name: "string into int", v: NewString("1"), to: KindInt32},
		{name: "bool into int", v: NewBool(true), to: KindInt32},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out, err := tc.v.Convert(tc.to)
			if !tc.ok {
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.to, out.Kind())
		})
	}
}

func TestLocationCheck(t *testing.T) {
	t.Parallel()

	loc := Location{Latitude: 47.6, Longitude: -122.3}
	require.NoError(t, loc.Check())

	loc.Latitude = 91
	require.True(t, trace.IsBadParameter(loc.Check()))

	loc = Location{Latitude: 0, Longitude: 181}
	require.True(t, trace.IsBadParameter(loc.Check()))

	loc = Location{Latitude: 0, Longitude: 0}
	loc.SetHeading(361)
	require.True(t, trace.IsBadParameter(loc.Check()))
}

func TestLocationFlags(t *testing.T) {
	t.Parallel()

	loc := Location{Latitude: 1, Longitude: 2}
	require.False(t, loc.Has(FlagHeading))
	loc.SetHeading(180)
	require.True(t, loc.Has(FlagHeading))
	require.Equal(t, float64(180), loc.Heading)

	loc.SetSource(SourceGPS)
	require.True(t, loc.Has(FlagSource))
	require.Equal(t, "gps", loc.Source.WireName())
	require.Equal(t, "manual", SourceFixed.WireName())
}
