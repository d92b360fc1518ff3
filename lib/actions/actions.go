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

// Package actions implements the action registry and dispatcher:
// cloud-invoked RPCs are matched by name, validated against the
// declared parameter schema, executed against an in-process callback
// or a subprocess, and acknowledged exactly once.
package actions

import (
	"context"
	"sync"
	"unicode/utf8"

	"github.com/gravitational/trace"

	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/status"
	"github.com/edgewise/iot-agent/lib/types"
)

// ParamDirection tells whether a declared parameter flows into the
// handler, is required to, or flows back out in the ack.
type ParamDirection int

const (
	// In is an optional input parameter.
	In ParamDirection = iota
	// InRequired is an input parameter the request must carry.
	InRequired
	// Out is collected from the handler into the ack.
	Out
)

// Param declares one parameter of an action.
type Param struct {
	// Name of the parameter.
	Name string
	// Direction of the parameter.
	Direction ParamDirection
	// Kind is the declared value type. Requests carrying a narrower
	// numeric kind are widened; lossy narrowing is rejected.
	Kind types.Kind
}

// Flag alters dispatch behavior.
type Flag uint32

const (
	// FlagNoReturn acknowledges a subprocess action as soon as the
	// process is spawned, without waiting for exit.
	FlagNoReturn Flag = 1 << iota
	// FlagExclusiveDevice serializes the action against every other
	// exclusive-device action on the agent.
	FlagExclusiveDevice
	// FlagExclusiveApp serializes concurrent invocations of the same
	// action.
	FlagExclusiveApp
)

// HandlerFunc is an in-process action target. Output parameters are
// attached to the request; a returned error maps to the ack status.
type HandlerFunc func(ctx context.Context, req *Request) error

// Action is a registered action record. Allocate with NewAction or
// NewCommandAction, then add to a Registry.
type Action struct {
	name    string
	params  []Param
	flags   Flag
	handler HandlerFunc
	command []string

	// appMu serializes exclusive-app invocations of this action.
	appMu sync.Mutex

	// registered tracks whether the cloud-side registration step has
	// completed; it can be retried independently of allocation.
	registered bool
}

func newAction(name string, params []Param, flags Flag) (*Action, error) {
	if name == "" {
		return nil, trace.BadParameter("missing action name")
	}
	if len(name) > defaults.ActionNameMaxLen {
		return nil, trace.BadParameter("action name exceeds %d bytes", defaults.ActionNameMaxLen)
	}
	if !utf8.ValidString(name) {
		return nil, trace.BadParameter("action name is not valid UTF-8")
	}
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if p.Name == "" {
			return nil, trace.BadParameter("action %q declares an unnamed parameter", name)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, trace.BadParameter("action %q declares parameter %q twice", name, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return &Action{name: name, params: params, flags: flags}, nil
}

// NewAction allocates an action backed by an in-process callback.
func NewAction(name string, params []Param, flags Flag, handler HandlerFunc) (*Action, error) {
	if handler == nil {
		return nil, trace.BadParameter("missing action handler")
	}
	a, err := newAction(name, params, flags)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.handler = handler
	return a, nil
}

// NewCommandAction allocates an action backed by a subprocess. The
// command slice is the argv prefix; declared input parameters are
// appended as tokens in declaration order.
func NewCommandAction(name string, params []Param, flags Flag, command []string) (*Action, error) {
	if len(command) == 0 {
		return nil, trace.BadParameter("missing action command")
	}
	a, err := newAction(name, params, flags)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.command = append([]string(nil), command...)
	return a, nil
}

// Name returns the action name.
func (a *Action) Name() string { return a.name }

// Flags returns the flag set.
func (a *Action) Flags() Flag { return a.flags }

// Params returns the declared parameter schema.
func (a *Action) Params() []Param { return a.params }

// Request is one cloud-originated invocation in flight.
type Request struct {
	// ActionName is the target action.
	ActionName string
	// ID is the cloud-assigned request id, echoed in the ack.
	ID string
	// Source tags the originating protocol, e.g. "tr50".
	Source string
	// In holds the validated, type-converted input parameters.
	In map[string]types.Value

	mu      sync.Mutex
	out     map[string]types.Value
	code    status.Code
	message string
	acked   bool
}

// SetOut attaches an output parameter. Only parameters declared Out
// make it into the ack.
func (r *Request) SetOut(name string, v types.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		r.out = make(map[string]types.Value)
	}
	r.out[name] = v
}

// SetResult overrides the status code and message attached to the
// ack. Handlers that just return an error can ignore this.
func (r *Request) SetResult(code status.Code, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
	r.message = message
}

func (r *Request) result() (status.Code, string, map[string]types.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.message, r.out
}

// Registry maps action names to records. Names are unique; iteration
// follows insertion order so registration retries are stable.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Action
	order   []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Action)}
}

// Register adds an action. Duplicate names are rejected.
func (r *Registry) Register(a *Action) error {
	if a == nil {
		return trace.BadParameter("missing action")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.name]; exists {
		return trace.AlreadyExists("action %q is already registered", a.name)
	}
	r.actions[a.name] = a
	r.order = append(r.order, a.name)
	return nil
}

// Deregister removes an action by name.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; !exists {
		return trace.NotFound("action %q is not registered", name)
	}
	delete(r.actions, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get looks an action up by name.
func (r *Registry) Get(name string) (*Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, trace.NotFound("action %q is not registered", name)
	}
	return a, nil
}

// List returns the registered actions in insertion order.
func (r *Registry) List() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Action, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.actions[name])
	}
	return out
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// validate checks the raw inbound parameters against the declaration,
// widening numerics where lossless. The returned map contains only
// declared input parameters in their declared kinds.
func validate(a *Action, raw map[string]types.Value) (map[string]types.Value, error) {
	in := make(map[string]types.Value)
	for _, p := range a.params {
		if p.Direction == Out {
			continue
		}
		v, present := raw[p.Name]
		if !present {
			if p.Direction == InRequired {
				return nil, trace.BadParameter("missing required parameter %q", p.Name)
			}
			continue
		}
		converted, err := v.Convert(p.Kind)
		if err != nil {
			return nil, trace.BadParameter("parameter %q: %v", p.Name, err)
		}
		in[p.Name] = converted
	}
	return in, nil
}
