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

package mqtt

import (
	"context"
	"net"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	iotagent "github.com/edgewise/iot-agent"
)

var plog = log.WithField(iotagent.Component, iotagent.ComponentTransport)

// pahoClient is the MQTT 3.1/3.1.1 backend built on
// eclipse/paho.mqtt.golang. Auto-reconnect is disabled: the scheduler
// owns the reconnect policy.
type pahoClient struct {
	cfg   Config
	state *connState

	onMessage    MessageHandler
	onDelivery   DeliveryHandler
	onDisconnect DisconnectHandler

	client pahomqtt.Client
}

func newPahoClient(cfg Config) (*pahoClient, error) {
	return &pahoClient{
		cfg:   cfg,
		state: newConnState(cfg.Clock),
	}, nil
}

func (c *pahoClient) OnMessage(h MessageHandler)       { c.onMessage = h }
func (c *pahoClient) OnDelivery(h DeliveryHandler)     { c.onDelivery = h }
func (c *pahoClient) OnDisconnect(h DisconnectHandler) { c.onDisconnect = h }

// protocolVersion maps each requested revision distinctly: 3 is MQTT
// 3.1 and 4 is MQTT 3.1.1 in the paho wire enum.
func protocolVersion(v Version) uint {
	switch v {
	case Version31:
		return 3
	default:
		return 4
	}
}

func (c *pahoClient) buildOptions(cleanSession bool) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()
	// the URL is re-materialized on each attempt so host or TLS
	// changes picked up from configuration take effect on reconnect.
	opts.AddBroker(c.cfg.BrokerURL())
	opts.SetClientID(c.cfg.ClientID)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetCleanSession(cleanSession)
	opts.SetProtocolVersion(protocolVersion(c.cfg.Version))
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// the broker rejects credential fields on the 3.1 revision, so
	// they are only attached from 3.1.1 up.
	if c.cfg.Version != Version31 && c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	tlsCfg, err := c.cfg.TLSConfig()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	if c.cfg.Proxy != nil {
		opts.SetCustomOpenConnectionFn(func(uri *url.URL, _ pahomqtt.ClientOptions) (net.Conn, error) {
			return c.cfg.dial(c.cfg.KeepAlive)
		})
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.state.setConnected()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		unexpected := c.state.setDisconnected()
		plog.Debugf("Connection lost: %v.", err)
		if c.onDisconnect != nil {
			c.onDisconnect(unexpected)
		}
	})
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if c.onMessage != nil {
			c.onMessage(msg.Topic(), msg.Payload())
		}
	})
	return opts, nil
}

func (c *pahoClient) connect(ctx context.Context, cleanSession bool) error {
	opts, err := c.buildOptions(cleanSession)
	if err != nil {
		return trace.Wrap(err)
	}
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if err := c.waitToken(ctx, token); err != nil {
		c.state.incRetries()
		return trace.Wrap(err)
	}
	c.client = client
	return nil
}

// Connect establishes the session with a clean start.
func (c *pahoClient) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// Reconnect re-establishes the session without discarding server-side
// subscription state.
func (c *pahoClient) Reconnect(ctx context.Context) error {
	return c.connect(ctx, false)
}

// Disconnect tears the session down. The disconnect callback fires
// with unexpected=false since the drop was requested.
func (c *pahoClient) Disconnect() error {
	if c.client == nil {
		return trace.BadParameter("not connected")
	}
	c.client.Disconnect(250)
	c.state.setDisconnected()
	if c.onDisconnect != nil {
		c.onDisconnect(false)
	}
	return nil
}

// Publish sends payload on topic and returns the library-assigned
// message id. The delivery callback fires once the broker
// acknowledges the message.
func (c *pahoClient) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	if c.client == nil {
		return 0, trace.BadParameter("not connected")
	}
	token := c.client.Publish(topic, qos, retain, payload)
	pubToken, ok := token.(*pahomqtt.PublishToken)
	if !ok {
		return 0, trace.Errorf("unexpected token type %T", token)
	}
	id := pubToken.MessageID()
	if c.onDelivery != nil {
		go func() {
			token.Wait()
			if token.Error() == nil {
				c.onDelivery(id)
			}
		}()
	}
	return id, nil
}

// Subscribe adds a subscription.
func (c *pahoClient) Subscribe(ctx context.Context, topic string, qos byte) error {
	if c.client == nil {
		return trace.BadParameter("not connected")
	}
	return trace.Wrap(c.waitToken(ctx, c.client.Subscribe(topic, qos, nil)))
}

// Unsubscribe removes a subscription.
func (c *pahoClient) Unsubscribe(ctx context.Context, topic string) error {
	if c.client == nil {
		return trace.BadParameter("not connected")
	}
	return trace.Wrap(c.waitToken(ctx, c.client.Unsubscribe(topic)))
}

// Status returns the connection state triple.
func (c *pahoClient) Status() Status {
	return c.state.status()
}

// waitToken blocks on a paho token honoring the context deadline.
// A missing deadline falls back to the library default.
func (c *pahoClient) waitToken(ctx context.Context, token pahomqtt.Token) error {
	timeout := iotagent.DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return trace.LimitExceeded("mqtt operation timed out")
	}
	if err := token.Error(); err != nil {
		return trace.ConnectionProblem(err, "mqtt operation failed")
	}
	return nil
}
