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

// Package defaults holds the tunables of the agent in one place.
// Components take their zero-configuration values from here so that a
// deployment only overrides what it must.
package defaults

import "time"

const (
	// MQTTPort is the plaintext broker port used when the
	// configuration leaves the port at zero.
	MQTTPort = 1883

	// MQTTSecurePort is the TLS broker port used when the
	// configuration leaves the port at zero and TLS is configured.
	MQTTSecurePort = 8883

	// KeepAlive is the MQTT keep-alive interval. It also bounds the
	// transfer retry backoff.
	KeepAlive = 60 * time.Second

	// QoS is the quality of service used for all agent-internal
	// topics (api, reply/#, notify/mailbox_activity).
	QoS = 1

	// TopicAPI is the topic outbound TR50 envelopes are published to.
	TopicAPI = "api"

	// TopicReply is the subscription that carries command replies and
	// mailbox deliveries.
	TopicReply = "reply/#"

	// TopicMailboxActivity carries cloud notifications that the
	// mailbox for this thing has pending entries.
	TopicMailboxActivity = "notify/mailbox_activity"

	// ThingKeyMaxLen is the protocol maximum for a composed thing key
	// (the wire field is a 73 byte buffer including the terminator).
	ThingKeyMaxLen = 72

	// ActionNameMaxLen is the maximum length of a registered action
	// name in bytes.
	ActionNameMaxLen = 128

	// RequestIDMaxLen is the maximum length of a cloud-assigned
	// mailbox request identifier.
	RequestIDMaxLen = 36

	// PathMaxLen is the longest accepted file path or package name in
	// bytes, matching the Linux PATH_MAX limit.
	PathMaxLen = 4096

	// TransferWorkers is the number of parallel transfer slots.
	TransferWorkers = 5

	// TransferLowSpeedLimit aborts a transfer attempt when the
	// average rate stays below this many bytes per second for
	// TransferLowSpeedTime.
	TransferLowSpeedLimit = 50

	// TransferLowSpeedTime is the window over which the low speed
	// limit is evaluated.
	TransferLowSpeedTime = 30 * time.Second

	// TransferProgressInterval throttles per-transfer progress
	// callbacks.
	TransferProgressInterval = time.Second

	// TickInterval is the scheduler main loop period.
	TickInterval = time.Second

	// ReconnectDeadline bounds a single reconnect attempt made from
	// the scheduler tick.
	ReconnectDeadline = time.Second

	// ReconnectBackoffMax caps the delay between reconnect attempts
	// while the broker stays unreachable.
	ReconnectBackoffMax = 10 * time.Second

	// ConnectionLossLogInterval throttles the connection loss log
	// line.
	ConnectionLossLogInterval = 20 * time.Second

	// OTAPollInterval is the rate at which the orchestrator polls for
	// the downloaded package to materialize.
	OTAPollInterval = time.Second

	// OTADownloadTimeout bounds the wait for an update package.
	OTADownloadTimeout = 30 * time.Minute

	// UpdateDirName is the OTA working directory under the runtime
	// directory, recreated on every cycle.
	UpdateDirName = "update"

	// UpdateLogName is the installer log uploaded after every OTA
	// cycle.
	UpdateLogName = "iot-update.log"

	// ConfigFileName is the device manager configuration file under
	// the config directory.
	ConfigFileName = "iot-device-manager.cfg"

	// ProxyFileName is the proxy configuration file under the config
	// directory.
	ProxyFileName = "iot-proxy.cfg"

	// TransferJournalName is the pending transfer journal under the
	// runtime directory.
	TransferJournalName = "transfers.json"
)
