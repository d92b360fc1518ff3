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

// Package telemetry implements the typed sample publisher: samples,
// attributes, locations and alarms are validated against their
// registration and serialized through the cloud codec. The publisher
// never retries; failures surface to the caller.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	iotagent "github.com/edgewise/iot-agent"
	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/tr50"
	"github.com/edgewise/iot-agent/lib/types"
)

var plog = log.WithField(iotagent.Component, iotagent.ComponentTelemetry)

// RegState is the lifecycle state of a registration. Publishing is
// only permitted in StateRegistered.
type RegState int

const (
	// StateDeregistered is the initial and final state.
	StateDeregistered RegState = iota
	// StateDeregisterPending awaits cloud-side removal.
	StateDeregisterPending
	// StateRegistered accepts publishes.
	StateRegistered
	// StateRegisterPending awaits cloud-side registration; the step
	// can be retried.
	StateRegisterPending
)

// Registration is one named telemetry, attribute or alarm handle.
type Registration struct {
	mu          sync.Mutex
	name        string
	kind        types.Kind
	state       RegState
	lastPublish time.Time
}

// Name returns the registered name.
func (r *Registration) Name() string { return r.name }

// Kind returns the declared value kind.
func (r *Registration) Kind() types.Kind { return r.kind }

// State returns the current lifecycle state.
func (r *Registration) State() RegState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastPublish returns the time of the last successful publish.
func (r *Registration) LastPublish() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPublish
}

// Sender hands an encoded envelope to the transport. Implemented by
// the agent outbound path.
type Sender interface {
	SendEnvelope(ctx context.Context, payload []byte, qos byte) error
}

// Config configures a publisher.
type Config struct {
	// Codec serializes the outbound commands.
	Codec *tr50.Codec
	// Sender publishes the encoded envelopes.
	Sender Sender
	// ForceQoS1 overrides the caller-supplied QoS with 1, preserving
	// the behavior of the original publish path. On by default via
	// the agent configuration.
	ForceQoS1 bool
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Codec == nil {
		return trace.BadParameter("missing parameter Codec")
	}
	if c.Sender == nil {
		return trace.BadParameter("missing parameter Sender")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Options tunes one publish call.
type Options struct {
	// QoS for the publish; defaults to 1.
	QoS byte
	// Timestamp stamps the sample; zero means now.
	Timestamp time.Time
}

// Publisher owns the registrations and routes publishes through the
// codec.
type Publisher struct {
	cfg  Config
	mu   sync.Mutex
	regs map[string]*Registration
}

// NewPublisher builds a publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Publisher{
		cfg:  cfg,
		regs: make(map[string]*Registration),
	}, nil
}

// Register allocates a registration in register-pending state.
func (p *Publisher) Register(name string, kind types.Kind) (*Registration, error) {
	if name == "" {
		return nil, trace.BadParameter("missing registration name")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.regs[name]; exists {
		return nil, trace.AlreadyExists("%q is already registered", name)
	}
	reg := &Registration{name: name, kind: kind, state: StateRegisterPending}
	p.regs[name] = reg
	plog.Debugf("Registered %q (kind %v), pending cloud confirmation.", name, kind)
	return reg, nil
}

// MarkRegistered completes the cloud-side registration step.
func (p *Publisher) MarkRegistered(name string) error {
	reg, err := p.get(name)
	if err != nil {
		return trace.Wrap(err)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.state = StateRegistered
	return nil
}

// Deregister removes a registration.
func (p *Publisher) Deregister(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, exists := p.regs[name]
	if !exists {
		return trace.NotFound("%q is not registered", name)
	}
	reg.mu.Lock()
	reg.state = StateDeregistered
	reg.mu.Unlock()
	delete(p.regs, name)
	plog.Debugf("Deregistered %q.", name)
	return nil
}

func (p *Publisher) get(name string) (*Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, exists := p.regs[name]
	if !exists {
		return nil, trace.NotFound("%q is not registered", name)
	}
	return reg, nil
}

// Publish validates the sample against its registration, stamps the
// timestamp if the caller did not, and enqueues the envelope. The
// outbound command is selected purely by value kind: location, then
// string/raw attributes, then numeric properties.
func (p *Publisher) Publish(ctx context.Context, name string, v types.Value, opts Options) error {
	reg, err := p.get(name)
	if err != nil {
		return trace.Wrap(err)
	}

	reg.mu.Lock()
	state := reg.state
	kind := reg.kind
	reg.mu.Unlock()
	if state != StateRegistered {
		return trace.BadParameter("%q is not in registered state", name)
	}

	checked, err := v.Convert(kind)
	if err != nil {
		return trace.Wrap(err)
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = p.cfg.Clock.Now()
	}

	payload, _, err := p.cfg.Codec.EncodePublish(name, checked, ts)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := p.cfg.Sender.SendEnvelope(ctx, payload, p.qos(opts)); err != nil {
		return trace.Wrap(err)
	}

	reg.mu.Lock()
	reg.lastPublish = ts
	reg.mu.Unlock()
	return nil
}

// PublishAlarm publishes an alarm state change for a registered alarm.
func (p *Publisher) PublishAlarm(ctx context.Context, name string, state int, opts Options) error {
	reg, err := p.get(name)
	if err != nil {
		return trace.Wrap(err)
	}
	if reg.State() != StateRegistered {
		return trace.BadParameter("%q is not in registered state", name)
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = p.cfg.Clock.Now()
	}
	payload, _, err := p.cfg.Codec.EncodeAlarmPublish(name, state, ts)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := p.cfg.Sender.SendEnvelope(ctx, payload, p.qos(opts)); err != nil {
		return trace.Wrap(err)
	}

	reg.mu.Lock()
	reg.lastPublish = ts
	reg.mu.Unlock()
	return nil
}

func (p *Publisher) qos(opts Options) byte {
	if p.cfg.ForceQoS1 {
		return defaults.QoS
	}
	if opts.QoS == 0 {
		return defaults.QoS
	}
	return opts.QoS
}
