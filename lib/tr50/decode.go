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

package tr50

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/edgewise/iot-agent/lib/types"
)

// MailboxMessage is one cloud-originated action invocation decoded
// from the reply topic.
type MailboxMessage struct {
	// ID is the cloud-assigned request id echoed back in the ack.
	ID string
	// Method is the target action name.
	Method string
	// Source tags the protocol the request arrived on.
	Source string
	// Params carries the decoded input parameters.
	Params map[string]types.Value
}

// DecodeMailboxActivity extracts the thing key from a
// notify/mailbox_activity payload. The caller compares it against its
// own composed key before triggering a mailbox check.
func (c *Codec) DecodeMailboxActivity(payload []byte) (string, error) {
	var msg struct {
		ThingKey string `json:"thingKey"`
	}
	if err := c.json.Unmarshal(payload, &msg); err != nil {
		return "", trace.BadParameter("malformed mailbox activity payload: %v", err)
	}
	return msg.ThingKey, nil
}

// DecodeReply decodes a payload from the reply topic into mailbox
// messages. Replies that carry no messages array (acks of our own
// commands) decode to an empty slice.
func (c *Codec) DecodeReply(payload []byte) ([]MailboxMessage, error) {
	var outer map[string]replyBody
	if err := c.json.UnmarshalNumber(payload, &outer); err != nil {
		return nil, trace.BadParameter("malformed reply payload: %v", err)
	}

	var out []MailboxMessage
	for _, body := range outer {
		for _, raw := range body.Params.Messages {
			msg, err := c.decodeMessage(raw)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

type replyBody struct {
	Params struct {
		Messages []json.RawMessage `json:"messages"`
	} `json:"params"`
}

func (c *Codec) decodeMessage(raw json.RawMessage) (MailboxMessage, error) {
	var elem struct {
		ID     string `json:"id"`
		Params struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		} `json:"params"`
	}
	if err := c.json.UnmarshalNumber(raw, &elem); err != nil {
		return MailboxMessage{}, trace.BadParameter("malformed mailbox message: %v", err)
	}
	if elem.ID == "" {
		return MailboxMessage{}, trace.BadParameter("mailbox message missing id")
	}
	if elem.Params.Method == "" {
		return MailboxMessage{}, trace.BadParameter("mailbox message %q missing method", elem.ID)
	}

	msg := MailboxMessage{
		ID:     elem.ID,
		Method: elem.Params.Method,
		Source: SourceTR50,
		Params: make(map[string]types.Value, len(elem.Params.Params)),
	}
	for k, v := range elem.Params.Params {
		val, ok := decodeParam(v)
		if !ok {
			// arrays, objects and nulls have no typed value form
			// and are dropped, matching the original decoder.
			continue
		}
		msg.Params[k] = val
	}
	return msg, nil
}

// decodeParam maps a decoded JSON scalar to a typed value: booleans
// to bool, integers to int64, reals to float64, strings to string.
func decodeParam(v any) (types.Value, bool) {
	switch t := v.(type) {
	case bool:
		return types.NewBool(t), true
	case string:
		return types.NewString(t), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return types.NewInt64(i), true
		}
		if f, err := t.Float64(); err == nil {
			return types.NewFloat64(f), true
		}
	}
	return types.Value{}, false
}
