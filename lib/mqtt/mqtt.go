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

// Package mqtt is the transport adapter: it hides the concrete MQTT
// library behind a small client interface and tracks connection state
// with timestamps. Two backends are provided, selected at
// construction.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/edgewise/iot-agent/lib/defaults"
)

// Backend names an MQTT implementation.
type Backend string

const (
	// BackendPaho selects the eclipse paho 3.1/3.1.1 client. This is
	// the default.
	BackendPaho Backend = "paho"
	// BackendPahoV5 selects the eclipse paho.golang v5 client over a
	// self-dialed connection.
	BackendPahoV5 Backend = "paho5"
)

// Version selects the protocol revision requested from the broker.
// It only applies to the 3.1x backend; the v5 backend ignores it.
type Version int

const (
	// VersionDefault lets the backend negotiate.
	VersionDefault Version = iota
	// Version31 forces MQTT 3.1.
	Version31
	// Version311 forces MQTT 3.1.1.
	Version311
)

// SSLConfig carries the TLS material for a broker connection.
type SSLConfig struct {
	// CAFile is the trust store bundle path.
	CAFile string
	// CertFile is the client certificate path.
	CertFile string
	// KeyFile is the client key path.
	KeyFile string
	// Insecure disables server certificate verification.
	Insecure bool
}

// ProxyType names a proxy protocol.
type ProxyType string

const (
	// ProxyHTTP is an HTTP CONNECT proxy. Not supported for the MQTT
	// path; it is logged and ignored there but honored by the
	// transfer engine.
	ProxyHTTP ProxyType = "HTTP"
	// ProxySOCKS5 is a SOCKS5 proxy.
	ProxySOCKS5 ProxyType = "SOCKS5"
)

// ProxyConfig carries outbound proxy settings.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the host:port form of the proxy address.
func (p *ProxyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Config carries the recognized connect options.
type Config struct {
	// ClientID is the MQTT client identifier. Required.
	ClientID string
	// Host is the broker host. Required.
	Host string
	// Port is the broker TCP port. Zero selects 1883, or 8883 when
	// SSL is configured.
	Port int
	// Username and Password are the broker credentials. They are only
	// sent when the protocol revision is at least 3.1.1.
	Username string
	Password string
	// SSL enables TLS when non-nil.
	SSL *SSLConfig
	// Proxy routes the connection through a proxy when non-nil.
	Proxy *ProxyConfig
	// Version is the requested protocol revision.
	Version Version
	// Backend selects the client implementation.
	Backend Backend
	// KeepAlive overrides the 60s default keep-alive.
	KeepAlive time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.ClientID == "" {
		return trace.BadParameter("missing parameter ClientID")
	}
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Port == 0 {
		if c.SSL != nil {
			c.Port = defaults.MQTTSecurePort
		} else {
			c.Port = defaults.MQTTPort
		}
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = defaults.KeepAlive
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	switch c.Backend {
	case "", BackendPaho, BackendPahoV5:
	default:
		return trace.BadParameter("unsupported mqtt backend %q", c.Backend)
	}
	return nil
}

// BrokerURL materializes the broker URL for the current attempt:
// tcp://host:port, or ssl://host:port when TLS is configured.
func (c *Config) BrokerURL() string {
	scheme := "tcp"
	if c.SSL != nil {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// MessageHandler receives inbound messages. It runs on the transport
// receive goroutine and must not block or call back into the client.
type MessageHandler func(topic string, payload []byte)

// DeliveryHandler is notified when a published message is
// acknowledged by the broker.
type DeliveryHandler func(messageID uint16)

// DisconnectHandler is notified when the session drops. unexpected is
// true iff the previous state was connected and the disconnect was
// not requested.
type DisconnectHandler func(unexpected bool)

// Status is the connection state triple.
type Status struct {
	// Connected reports whether the session is up.
	Connected bool
	// Changed reports whether the state flipped since the previous
	// Status call.
	Changed bool
	// ChangedAt is when the state last flipped.
	ChangedAt time.Time
}

// Client is the transport surface the rest of the agent uses. The
// client never retries on its own; reconnection is driven by the
// scheduler.
type Client interface {
	// Connect establishes the session with a clean start.
	Connect(ctx context.Context) error
	// Reconnect re-establishes the session reusing server-side state
	// (clean session off) and the same credentials.
	Reconnect(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect() error
	// Publish sends payload on topic and returns the adapter-assigned
	// message id.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (uint16, error)
	// Subscribe adds a subscription.
	Subscribe(ctx context.Context, topic string, qos byte) error
	// Unsubscribe removes a subscription.
	Unsubscribe(ctx context.Context, topic string) error
	// Status returns the connection state triple and clears the
	// changed flag.
	Status() Status
	// OnMessage sets the inbound message callback. Must be called
	// before Connect.
	OnMessage(MessageHandler)
	// OnDelivery sets the delivery callback. Must be called before
	// Connect.
	OnDelivery(DeliveryHandler)
	// OnDisconnect sets the disconnect callback. Must be called
	// before Connect.
	OnDisconnect(DisconnectHandler)
}

// NewClient constructs the configured backend.
func NewClient(cfg Config) (Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	switch cfg.Backend {
	case BackendPahoV5:
		return newPahoV5Client(cfg)
	default:
		return newPahoClient(cfg)
	}
}

// connState tracks the (connected, changed, changedAt) triple plus
// the reconnect counter behind its own mutex.
type connState struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	connected bool
	changed   bool
	changedAt time.Time
	retries   int
}

func newConnState(clock clockwork.Clock) *connState {
	return &connState{clock: clock}
}

// setConnected flips the state to connected and resets the reconnect
// counter.
func (s *connState) setConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.changed = true
	s.changedAt = s.clock.Now()
	s.retries = 0
}

// setDisconnected flips the state down and reports whether the drop
// was unexpected (previous state was connected).
func (s *connState) setDisconnected() (unexpected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unexpected = s.connected
	s.connected = false
	s.changed = true
	s.changedAt = s.clock.Now()
	return unexpected
}

func (s *connState) incRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return s.retries
}

// status snapshots the triple and clears the changed flag.
func (s *connState) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected: s.connected,
		Changed:   s.changed,
		ChangedAt: s.changedAt,
	}
	s.changed = false
	return st
}
