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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/edgewise/iot-agent/lib/mqtt"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDeviceManager(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "iot-device-manager.cfg", `{
		"runtime_dir": "/var/run/iot",
		"host": "broker.example.com",
		"port": 8883,
		"device_id": "device1",
		"app_token": "tok",
		"use_tls": true,
		"actions_enabled": {"reboot": true, "shutdown": false}
	}`)

	cfg, err := LoadDeviceManager(path)
	require.NoError(t, err)
	require.Equal(t, "/var/run/iot", cfg.RuntimeDir)
	require.Equal(t, "broker.example.com", cfg.Host)
	require.Equal(t, 8883, cfg.Port)
	require.True(t, cfg.UseTLS)

	// defaults fill in behind absent keys
	require.Equal(t, "info", cfg.LogLevel)
	require.True(t, cfg.ForcedQoS1())
	require.False(t, cfg.PersistActions)

	require.True(t, cfg.ActionEnabled("reboot"))
	require.False(t, cfg.ActionEnabled("shutdown"))
	require.False(t, cfg.ActionEnabled("agent_reset"))
}

func TestLoadDeviceManagerErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadDeviceManager(filepath.Join(t.TempDir(), "nope.cfg"))
	require.True(t, trace.IsNotFound(err))

	path := writeConfig(t, "bad.cfg", `{"runtime_dir": `)
	_, err = LoadDeviceManager(path)
	require.True(t, trace.IsBadParameter(err))

	path = writeConfig(t, "no-runtime.cfg", `{"host": "broker"}`)
	_, err = LoadDeviceManager(path)
	require.True(t, trace.IsBadParameter(err))
}

func TestForceQoS1TriState(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "a.cfg", `{"runtime_dir": "/r", "force_qos1": false}`)
	cfg, err := LoadDeviceManager(path)
	require.NoError(t, err)
	require.False(t, cfg.ForcedQoS1())

	path = writeConfig(t, "b.cfg", `{"runtime_dir": "/r", "force_qos1": true}`)
	cfg, err = LoadDeviceManager(path)
	require.NoError(t, err)
	require.True(t, cfg.ForcedQoS1())

	path = writeConfig(t, "c.cfg", `{"runtime_dir": "/r"}`)
	cfg, err = LoadDeviceManager(path)
	require.NoError(t, err)
	require.True(t, cfg.ForcedQoS1())
}

func TestLoadProxy(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "iot-proxy.cfg", `{
		"proxy": {
			"type": "SOCKS5",
			"host": "127.0.0.1",
			"port": 1080,
			"username": "u",
			"password": "p"
		}
	}`)
	proxy, err := LoadProxy(path)
	require.NoError(t, err)
	require.NotNil(t, proxy)
	require.Equal(t, mqtt.ProxySOCKS5, proxy.Type)
	require.Equal(t, "127.0.0.1:1080", proxy.Addr())
	require.Equal(t, "u", proxy.Username)
}

func TestLoadProxyAbsent(t *testing.T) {
	t.Parallel()

	// no proxy file means no proxy, not an error
	proxy, err := LoadProxy(filepath.Join(t.TempDir(), "iot-proxy.cfg"))
	require.NoError(t, err)
	require.Nil(t, proxy)

	// an empty config object also means no proxy
	path := writeConfig(t, "empty.cfg", `{}`)
	proxy, err = LoadProxy(path)
	require.NoError(t, err)
	require.Nil(t, proxy)
}

func TestLoadProxyErrors(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "bad-type.cfg", `{"proxy": {"type": "FTP", "host": "h"}}`)
	_, err := LoadProxy(path)
	require.True(t, trace.IsBadParameter(err))

	path = writeConfig(t, "no-host.cfg", `{"proxy": {"type": "HTTP"}}`)
	_, err = LoadProxy(path)
	require.True(t, trace.IsBadParameter(err))
}

func TestDefaultPaths(t *testing.T) {
	t.Parallel()

	deviceManager, proxy := DefaultPaths("/etc/iot")
	require.Equal(t, "/etc/iot/iot-device-manager.cfg", deviceManager)
	require.Equal(t, "/etc/iot/iot-proxy.cfg", proxy)
}
