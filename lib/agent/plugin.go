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

package agent

import (
	"context"
)

// Op is a scheduler operation observable by plugins.
type Op int

const (
	// OpIteration fires on every scheduler tick.
	OpIteration Op = iota
	// OpClientConnect fires when the session comes up.
	OpClientConnect
	// OpClientDisconnect fires when the session goes down.
	OpClientDisconnect
	// OpTelemetryPublish fires around an outbound publish.
	OpTelemetryPublish
	// OpActionComplete fires after an action acknowledgement.
	OpActionComplete
)

// String returns the op name for logs.
func (o Op) String() string {
	switch o {
	case OpIteration:
		return "iteration"
	case OpClientConnect:
		return "client-connect"
	case OpClientDisconnect:
		return "client-disconnect"
	case OpTelemetryPublish:
		return "telemetry-publish"
	case OpActionComplete:
		return "action-complete"
	}
	return "unknown"
}

// Step tells a plugin where in the operation it is being called.
type Step int

const (
	// StepBefore precedes the operation.
	StepBefore Step = iota
	// StepDuring runs alongside it.
	StepDuring
	// StepAfter follows it.
	StepAfter
)

// Plugin observes scheduler operations. Plugins are registered before
// Run and called in registration order from the scheduler goroutine;
// Execute must respect the context deadline.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string
	// Execute is called for each (op, step) pair. item names the
	// subject of the operation (topic, action name) when one exists.
	Execute(ctx context.Context, op Op, step Step, item string, value any) error
}

// runPlugins fans one operation out to every plugin, in order, for the
// before/during/after steps. Plugin failures are logged, never fatal.
func (a *Agent) runPlugins(ctx context.Context, op Op, item string, value any) {
	for _, step := range []Step{StepBefore, StepDuring, StepAfter} {
		for _, p := range a.plugins {
			if err := p.Execute(ctx, op, step, item, value); err != nil {
				plog.Warnf("Plugin %q failed on %v: %v.", p.Name(), op, err)
			}
		}
	}
}
