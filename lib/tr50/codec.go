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

// Package tr50 implements the cloud protocol codec: it serializes
// outbound commands into numbered JSON envelopes published on the api
// topic and decodes inbound mailbox traffic into typed messages.
package tr50

import (
	"encoding/base64"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/status"
	"github.com/edgewise/iot-agent/lib/types"
)

// Command names understood by the cloud.
const (
	// CmdPropertyPublish publishes a numeric or boolean sample.
	CmdPropertyPublish = "property.publish"
	// CmdAttributePublish publishes a string or raw attribute.
	CmdAttributePublish = "attribute.publish"
	// CmdLocationPublish publishes a location sample.
	CmdLocationPublish = "location.publish"
	// CmdAlarmPublish publishes an alarm state.
	CmdAlarmPublish = "alarm.publish"
	// CmdMailboxCheck polls the cloud for pending invocations.
	CmdMailboxCheck = "mailbox.check"
	// CmdMailboxAck returns an action result.
	CmdMailboxAck = "mailbox.ack"
)

// SourceTR50 tags action requests decoded by this codec.
const SourceTR50 = "tr50"

// ComposeThingKey derives the cloud identifier of this device
// instance from the device and session ids, truncated to the protocol
// maximum.
func ComposeThingKey(deviceID, sessionID string) string {
	key := deviceID + "-" + sessionID
	if len(key) > defaults.ThingKeyMaxLen {
		key = key[:defaults.ThingKeyMaxLen]
	}
	return key
}

// Config configures a codec.
type Config struct {
	// ThingKey is the composed thing key; may be reset later via
	// SetThingKey on reconnect.
	ThingKey string
	// Backend selects the JSON implementation, stdlib by default.
	Backend JSONBackend
}

// Codec encodes outbound commands and decodes inbound mailbox
// traffic. Safe for concurrent use.
type Codec struct {
	json     jsonAPI
	msgID    atomic.Uint64
	thingKey atomic.Value // string
}

// NewCodec builds a codec with the configured JSON backend.
func NewCodec(cfg Config) (*Codec, error) {
	api, err := newJSONAPI(cfg.Backend)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Codec{json: api}
	c.thingKey.Store(cfg.ThingKey)
	return c, nil
}

// SetThingKey replaces the composed thing key. The scheduler calls
// this on every reconnect since the session id may change.
func (c *Codec) SetThingKey(key string) {
	c.thingKey.Store(key)
}

// ThingKey returns the current composed thing key.
func (c *Codec) ThingKey() string {
	key, _ := c.thingKey.Load().(string)
	return key
}

// envelope wraps a command in the numbered outer object:
// {"17":{"command":...,"params":...}}. It returns the assigned
// message id along with the wire bytes.
func (c *Codec) envelope(command string, params map[string]any) ([]byte, uint64, error) {
	id := c.msgID.Add(1)
	body := map[string]any{
		strconv.FormatUint(id, 10): map[string]any{
			"command": command,
			"params":  params,
		},
	}
	data, err := c.json.Marshal(body)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	return data, id, nil
}

// EncodePublish routes a typed sample to the command selected by its
// kind: location to location.publish, string and raw to
// attribute.publish, everything else to property.publish. A zero ts
// omits the timestamp and lets the cloud stamp arrival time.
func (c *Codec) EncodePublish(key string, v types.Value, ts time.Time) ([]byte, uint64, error) {
	switch v.Kind() {
	case types.KindLocation:
		loc, err := v.Loc()
		if err != nil {
			return nil, 0, trace.Wrap(err)
		}
		return c.EncodeLocationPublish(loc, ts)
	case types.KindString:
		s, _ := v.Str()
		return c.EncodeAttributePublish(key, s, ts)
	case types.KindRaw:
		raw, _ := v.Raw()
		return c.EncodeAttributePublish(key, base64.StdEncoding.EncodeToString(raw), ts)
	default:
		n, err := propertyValue(v)
		if err != nil {
			return nil, 0, trace.Wrap(err)
		}
		return c.EncodePropertyPublish(key, n, ts)
	}
}

// propertyValue flattens a numeric or boolean sample to the float the
// property.publish command carries. Booleans become 0 and 1.
func propertyValue(v types.Value) (float64, error) {
	switch v.Kind() {
	case types.KindBool:
		b, _ := v.Bool()
		if b {
			return 1, nil
		}
		return 0, nil
	case types.KindFloat32, types.KindFloat64:
		f, _ := v.Float()
		return f, nil
	case types.KindInt8, types.KindInt16, types.KindInt32, types.KindInt64:
		i, _ := v.Int()
		return float64(i), nil
	case types.KindUint8, types.KindUint16, types.KindUint32, types.KindUint64:
		u, _ := v.Uint()
		return float64(u), nil
	}
	return 0, trace.BadParameter("%v sample cannot be published as a property", v.Kind())
}

// EncodePropertyPublish encodes a property.publish command.
func (c *Codec) EncodePropertyPublish(key string, value float64, ts time.Time) ([]byte, uint64, error) {
	params := map[string]any{
		"thingKey": c.ThingKey(),
		"key":      key,
		"value":    value,
	}
	if !ts.IsZero() {
		params["ts"] = FormatTimestamp(ts)
	}
	return c.envelope(CmdPropertyPublish, params)
}

// EncodeAttributePublish encodes an attribute.publish command. Raw
// payloads must already be base64 encoded by the caller.
func (c *Codec) EncodeAttributePublish(key, value string, ts time.Time) ([]byte, uint64, error) {
	params := map[string]any{
		"thingKey": c.ThingKey(),
		"key":      key,
		"value":    value,
	}
	if !ts.IsZero() {
		params["ts"] = FormatTimestamp(ts)
	}
	return c.envelope(CmdAttributePublish, params)
}

// EncodeLocationPublish encodes a location.publish command. Optional
// fields whose bit is unset in the location bitmask are omitted.
func (c *Codec) EncodeLocationPublish(loc types.Location, ts time.Time) ([]byte, uint64, error) {
	if err := loc.Check(); err != nil {
		return nil, 0, trace.Wrap(err)
	}
	params := locationParams(loc)
	params["thingKey"] = c.ThingKey()
	if !ts.IsZero() {
		params["ts"] = FormatTimestamp(ts)
	}
	return c.envelope(CmdLocationPublish, params)
}

func locationParams(loc types.Location) map[string]any {
	params := map[string]any{
		"lat": loc.Latitude,
		"lng": loc.Longitude,
	}
	if loc.Has(types.FlagHeading) {
		params["heading"] = loc.Heading
	}
	if loc.Has(types.FlagAltitude) {
		params["altitude"] = loc.Altitude
	}
	if loc.Has(types.FlagSpeed) {
		params["speed"] = loc.Speed
	}
	if loc.Has(types.FlagAccuracy) {
		params["fixAcc"] = loc.Accuracy
	}
	if loc.Has(types.FlagSource) {
		if name := loc.Source.WireName(); name != "" {
			params["fixType"] = name
		}
	}
	if loc.Has(types.FlagTag) {
		params["street"] = loc.Tag
	}
	return params
}

// EncodeAlarmPublish encodes an alarm.publish command.
func (c *Codec) EncodeAlarmPublish(key string, state int, ts time.Time) ([]byte, uint64, error) {
	params := map[string]any{
		"thingKey": c.ThingKey(),
		"key":      key,
		"state":    state,
	}
	if !ts.IsZero() {
		params["ts"] = FormatTimestamp(ts)
	}
	return c.envelope(CmdAlarmPublish, params)
}

// EncodeMailboxCheck encodes the poll for pending invocations.
// autoComplete is always false: the device acks every request
// explicitly.
func (c *Codec) EncodeMailboxCheck() ([]byte, uint64, error) {
	return c.envelope(CmdMailboxCheck, map[string]any{
		"autoComplete": false,
	})
}

// EncodeMailboxAck encodes the result of an action request. outParams
// values are converted to their wire form; raw values are base64
// encoded.
func (c *Codec) EncodeMailboxAck(requestID string, code status.Code, message string, outParams map[string]types.Value) ([]byte, uint64, error) {
	if requestID == "" {
		return nil, 0, trace.BadParameter("missing request id")
	}
	params := map[string]any{
		"id":        requestID,
		"errorCode": int(code),
	}
	if message != "" {
		params["errorMessage"] = message
	}
	if len(outParams) != 0 {
		out := make(map[string]any, len(outParams))
		for k, v := range outParams {
			wire, err := wireValue(v)
			if err != nil {
				return nil, 0, trace.Wrap(err)
			}
			out[k] = wire
		}
		params["params"] = out
	}
	return c.envelope(CmdMailboxAck, params)
}

// wireValue converts a typed value to the JSON shape the cloud
// expects inside parameter objects.
func wireValue(v types.Value) (any, error) {
	switch v.Kind() {
	case types.KindBool:
		b, _ := v.Bool()
		return b, nil
	case types.KindInt8, types.KindInt16, types.KindInt32, types.KindInt64:
		i, _ := v.Int()
		return i, nil
	case types.KindUint8, types.KindUint16, types.KindUint32, types.KindUint64:
		u, _ := v.Uint()
		return u, nil
	case types.KindFloat32, types.KindFloat64:
		f, _ := v.Float()
		return f, nil
	case types.KindString:
		s, _ := v.Str()
		return s, nil
	case types.KindRaw:
		raw, _ := v.Raw()
		return base64.StdEncoding.EncodeToString(raw), nil
	case types.KindLocation:
		loc, _ := v.Loc()
		return locationParams(loc), nil
	}
	return nil, trace.BadParameter("%v value has no wire form", v.Kind())
}
