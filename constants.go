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

package iotagent

import (
	"time"
)

// Version is the agent semantic version, stamped into the thing
// attributes on connect and reported by the CLI.
const Version = "1.2.0"

const (
	// Component indicates a component of the agent, used for logging
	Component = "component"

	// ComponentAgent is the main scheduler loop
	ComponentAgent = "agent"

	// ComponentTransport is the MQTT transport adapter
	ComponentTransport = "mqtt"

	// ComponentActions is the action registry and dispatcher
	ComponentActions = "actions"

	// ComponentTelemetry is the telemetry and attribute publisher
	ComponentTelemetry = "telemetry"

	// ComponentTransfer is the file transfer engine
	ComponentTransfer = "transfer"

	// ComponentOTA is the software update orchestrator
	ComponentOTA = "ota"

	// DefaultTimeout bounds blocking public entry points when the
	// caller passes a zero deadline
	DefaultTimeout time.Duration = 24 * time.Hour

	// DebugOutputEnvVar tells tests to use verbose debug output
	DebugOutputEnvVar = "IOT_AGENT_DEBUG_TESTS"
)
