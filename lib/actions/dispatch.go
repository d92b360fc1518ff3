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

package actions

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	iotagent "github.com/edgewise/iot-agent"
	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/status"
	"github.com/edgewise/iot-agent/lib/types"
)

var plog = log.WithField(iotagent.Component, iotagent.ComponentActions)

type testEvent string

const (
	dispatchOk      testEvent = "dispatch-ok"
	dispatchMiss    testEvent = "dispatch-miss"
	dispatchBadParm testEvent = "dispatch-bad-param"
	ackSent         testEvent = "ack-sent"
)

// Acker publishes the mailbox acknowledgement of a completed request.
// Implemented by the agent over the codec and transport.
type Acker interface {
	AckAction(ctx context.Context, requestID string, code status.Code, message string, out map[string]types.Value) error
}

// DispatcherConfig configures a dispatcher.
type DispatcherConfig struct {
	// Registry resolves action names.
	Registry *Registry
	// Acker publishes acknowledgements.
	Acker Acker
	// QueueLen bounds the inbound request queue. Defaults to 64.
	QueueLen int
	// LogDir receives subprocess stdout/stderr captures. Defaults to
	// the OS temp dir.
	LogDir string

	testEvents chan testEvent
}

// CheckAndSetDefaults checks and sets defaults
func (c *DispatcherConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Acker == nil {
		return trace.BadParameter("missing parameter Acker")
	}
	if c.QueueLen == 0 {
		c.QueueLen = 64
	}
	return nil
}

// Dispatcher drains the inbound action queue on its own worker
// goroutine and invokes handlers there, never on the transport
// receive path. Requests for exclusive actions queue in arrival
// order; none are dropped.
type Dispatcher struct {
	cfg   DispatcherConfig
	queue chan *Request

	// deviceMu serializes every exclusive-device action on the agent.
	deviceMu sync.Mutex
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{
		cfg:   cfg,
		queue: make(chan *Request, cfg.QueueLen),
	}, nil
}

// Submit enqueues a decoded request. It blocks if the queue is full
// rather than dropping; callers on the receive path must copy into
// their own bounded queue first.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) error {
	if req.ID == "" || len(req.ID) > defaults.RequestIDMaxLen {
		return trace.BadParameter("malformed request id")
	}
	select {
	case d.queue <- req:
		return nil
	case <-ctx.Done():
		return trace.LimitExceeded("dispatcher queue full")
	}
}

// Run drains the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case req := <-d.queue:
			d.dispatch(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch performs lookup, validation, execution and the single
// acknowledgement for one request.
func (d *Dispatcher) dispatch(ctx context.Context, req *Request) {
	action, err := d.cfg.Registry.Get(req.ActionName)
	if err != nil {
		d.testEvent(dispatchMiss)
		plog.Debugf("Action %q not found for request %q.", req.ActionName, req.ID)
		d.ack(ctx, req, status.NotFound, "unknown action "+req.ActionName)
		return
	}

	in, err := validate(action, req.In)
	if err != nil {
		d.testEvent(dispatchBadParm)
		d.ack(ctx, req, status.BadParameter, trace.UserMessage(err))
		return
	}
	req.In = in

	if action.flags&FlagExclusiveDevice != 0 {
		d.deviceMu.Lock()
		defer d.deviceMu.Unlock()
	}
	if action.flags&FlagExclusiveApp != 0 {
		action.appMu.Lock()
		defer action.appMu.Unlock()
	}

	code, message := d.invoke(ctx, action, req)
	d.testEvent(dispatchOk)
	d.ack(ctx, req, code, message)
}

// invoke runs the handler or subprocess and maps its outcome to a
// status code.
func (d *Dispatcher) invoke(ctx context.Context, action *Action, req *Request) (status.Code, string) {
	if action.handler != nil {
		if err := action.handler(ctx, req); err != nil {
			code, message, _ := req.result()
			if code != status.Success {
				return code, message
			}
			return status.FromError(err), trace.UserMessage(err)
		}
		code, message, _ := req.result()
		return code, message
	}
	return d.execCommand(ctx, action, req)
}

// ack publishes the acknowledgement exactly once, carrying the
// original request id.
func (d *Dispatcher) ack(ctx context.Context, req *Request, code status.Code, message string) {
	req.mu.Lock()
	if req.acked {
		req.mu.Unlock()
		return
	}
	req.acked = true
	out := req.out
	req.mu.Unlock()

	if code == status.Success {
		message = ""
	}
	if err := d.cfg.Acker.AckAction(ctx, req.ID, code, message, out); err != nil {
		plog.Warnf("Failed to ack request %q: %v.", req.ID, err)
		return
	}
	d.testEvent(ackSent)
}

func (d *Dispatcher) testEvent(event testEvent) {
	if d.cfg.testEvents == nil {
		return
	}
	d.cfg.testEvents <- event
}
