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

// Package config loads the on-disk device manager and proxy
// configuration files.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/mqtt"
)

// DeviceManager is the parsed iot-device-manager.cfg.
type DeviceManager struct {
	// ActionsEnabled gates the optional builtin actions (reboot,
	// shutdown, agent_reset) by identifier.
	ActionsEnabled map[string]bool `json:"actions_enabled"`
	// RuntimeDir is where the agent keeps mutable state: the update
	// working directory and the transfer journal.
	RuntimeDir string `json:"runtime_dir"`
	// LogLevel is a logrus level name.
	LogLevel string `json:"log_level"`

	// Host is the broker host.
	Host string `json:"host,omitempty"`
	// Port is the broker TCP port; zero selects the protocol default.
	Port int `json:"port,omitempty"`
	// DeviceID identifies this device to the cloud.
	DeviceID string `json:"device_id,omitempty"`
	// AppToken authenticates the MQTT session.
	AppToken string `json:"app_token,omitempty"`
	// UseTLS enables TLS on the broker connection.
	UseTLS bool `json:"use_tls,omitempty"`
	// ForceQoS1 overrides publish QoS to 1. Defaults to true.
	ForceQoS1 *bool `json:"force_qos1,omitempty"`
	// PersistActions keeps actions registered across agent shutdown.
	PersistActions bool `json:"persist_actions,omitempty"`
}

// ActionEnabled reports whether the identified optional action is
// switched on. Absent identifiers are off.
func (d *DeviceManager) ActionEnabled(id string) bool {
	return d.ActionsEnabled[id]
}

// ForcedQoS1 resolves the tri-state force_qos1 knob; unset means on.
func (d *DeviceManager) ForcedQoS1() bool {
	if d.ForceQoS1 == nil {
		return true
	}
	return *d.ForceQoS1
}

// CheckAndSetDefaults checks and sets defaults
func (d *DeviceManager) CheckAndSetDefaults() error {
	if d.RuntimeDir == "" {
		return trace.BadParameter("missing parameter runtime_dir")
	}
	if d.ActionsEnabled == nil {
		d.ActionsEnabled = make(map[string]bool)
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
	return nil
}

// Proxy is the parsed iot-proxy.cfg.
type Proxy struct {
	Proxy *mqtt.ProxyConfig `json:"proxy"`
}

// LoadDeviceManager reads and validates the device manager config.
func LoadDeviceManager(path string) (*DeviceManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var cfg DeviceManager
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, trace.BadParameter("malformed config %v: %v", path, err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// LoadProxy reads the proxy config. A missing file means no proxy and
// is not an error.
func LoadProxy(path string) (*mqtt.ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var cfg Proxy
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, trace.BadParameter("malformed proxy config %v: %v", path, err)
	}
	if cfg.Proxy == nil {
		return nil, nil
	}
	switch cfg.Proxy.Type {
	case mqtt.ProxyHTTP, mqtt.ProxySOCKS5:
	default:
		return nil, trace.BadParameter("unsupported proxy type %q", cfg.Proxy.Type)
	}
	if cfg.Proxy.Host == "" {
		return nil, trace.BadParameter("missing proxy host")
	}
	return cfg.Proxy, nil
}

// DefaultPaths resolves the config file paths under configDir.
func DefaultPaths(configDir string) (deviceManager, proxy string) {
	return filepath.Join(configDir, defaults.ConfigFileName),
		filepath.Join(configDir, defaults.ProxyFileName)
}
