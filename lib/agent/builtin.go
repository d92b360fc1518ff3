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

	"github.com/gravitational/trace"

	"github.com/edgewise/iot-agent/lib/actions"
	"github.com/edgewise/iot-agent/lib/ota"
	"github.com/edgewise/iot-agent/lib/status"
	"github.com/edgewise/iot-agent/lib/tr50"
	"github.com/edgewise/iot-agent/lib/types"
)

// Builtin action names.
const (
	// ActionPing answers a cloud liveness probe.
	ActionPing = "ping"
	// ActionSoftwareUpdate runs one OTA cycle.
	ActionSoftwareUpdate = "software_update"
	// ActionReboot restarts the device. Gated by actions_enabled.
	ActionReboot = "reboot"
	// ActionShutdown powers the device off. Gated by actions_enabled.
	ActionShutdown = "shutdown"
	// ActionAgentReset restarts the agent service. Gated by
	// actions_enabled.
	ActionAgentReset = "agent_reset"
)

// registerBuiltins installs the always-on builtin actions plus the
// optional system-control actions the configuration switches on.
func (a *Agent) registerBuiltins() error {
	ping, err := actions.NewAction(ActionPing, nil, 0, a.handlePing)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := a.registry.Register(ping); err != nil {
		return trace.Wrap(err)
	}

	update, err := actions.NewAction(ActionSoftwareUpdate, []actions.Param{
		{Name: "package", Direction: actions.InRequired, Kind: types.KindString},
		{Name: "url", Direction: actions.InRequired, Kind: types.KindString},
		{Name: "version", Direction: actions.In, Kind: types.KindString},
		{Name: "sha256", Direction: actions.In, Kind: types.KindString},
		{Name: "md5", Direction: actions.In, Kind: types.KindString},
		{Name: "token", Direction: actions.In, Kind: types.KindString},
		{Name: "response_url", Direction: actions.In, Kind: types.KindString},
	}, actions.FlagExclusiveDevice, a.handleSoftwareUpdate)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := a.registry.Register(update); err != nil {
		return trace.Wrap(err)
	}

	systemActions := map[string]string{
		ActionReboot:     "reboot",
		ActionShutdown:   "poweroff",
		ActionAgentReset: "restart",
	}
	for name, verb := range systemActions {
		if !a.cfg.ActionsEnabled[name] {
			continue
		}
		command := append(append([]string(nil), a.cfg.SystemControl...), verb)
		action, err := actions.NewCommandAction(name, nil,
			actions.FlagNoReturn|actions.FlagExclusiveDevice, command)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := a.registry.Register(action); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// handlePing acknowledges the probe with the receive timestamp.
func (a *Agent) handlePing(ctx context.Context, req *actions.Request) error {
	req.SetOut("response", types.NewString("acknowledged"))
	req.SetOut("time_stamp", types.NewString(tr50.FormatTimestamp(a.cfg.Clock.Now())))
	return nil
}

// handleSoftwareUpdate runs one OTA cycle on the dispatcher worker. A
// cycle already in flight is rejected as a bad request.
func (a *Agent) handleSoftwareUpdate(ctx context.Context, req *actions.Request) error {
	manifest := ota.Manifest{
		Package:     stringParam(req, "package"),
		DownloadURL: stringParam(req, "url"),
		Version:     stringParam(req, "version"),
		SHA256:      stringParam(req, "sha256"),
		MD5:         stringParam(req, "md5"),
		Token:       stringParam(req, "token"),
		ResponseURL: stringParam(req, "response_url"),
	}
	if err := a.updates.Run(ctx, manifest); err != nil {
		if trace.IsAlreadyExists(err) {
			req.SetResult(status.BadRequest, "a software update is already in progress")
			return trace.Wrap(err)
		}
		req.SetResult(status.Failure, trace.UserMessage(err))
		return trace.Wrap(err)
	}
	return nil
}

// stringParam reads an optional string input parameter.
func stringParam(req *actions.Request, name string) string {
	v, ok := req.In[name]
	if !ok {
		return ""
	}
	s, err := v.Str()
	if err != nil {
		return ""
	}
	return s
}
