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
	"bytes"
	"encoding/json"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
)

// JSONBackend names a JSON implementation. The original agent selected
// its JSON library at build time; here the backend is chosen when the
// codec is constructed.
type JSONBackend string

const (
	// JSONStdlib selects encoding/json.
	JSONStdlib JSONBackend = "stdlib"
	// JSONIter selects json-iterator in its stdlib-compatible
	// configuration.
	JSONIter JSONBackend = "jsoniter"
)

// jsonAPI is the syntactic surface the codec needs from a JSON
// library. UnmarshalNumber keeps numbers as json.Number so inbound
// parameter decoding can distinguish integers from reals.
type jsonAPI interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	UnmarshalNumber(data []byte, v any) error
}

func newJSONAPI(backend JSONBackend) (jsonAPI, error) {
	switch backend {
	case JSONStdlib, "":
		return stdlibJSON{}, nil
	case JSONIter:
		return iterJSON{api: jsoniter.ConfigCompatibleWithStandardLibrary}, nil
	}
	return nil, trace.BadParameter("unsupported json backend %q", backend)
}

type stdlibJSON struct{}

func (stdlibJSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (stdlibJSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (stdlibJSON) UnmarshalNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

type iterJSON struct {
	api jsoniter.API
}

func (j iterJSON) Marshal(v any) ([]byte, error) {
	return j.api.Marshal(v)
}

func (j iterJSON) Unmarshal(data []byte, v any) error {
	return j.api.Unmarshal(data, v)
}

func (j iterJSON) UnmarshalNumber(data []byte, v any) error {
	dec := j.api.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
