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
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
	"github.com/gravitational/trace"
)

// pahoV5Client is the MQTT v5 backend built on eclipse/paho.golang.
// The connection is dialed by the adapter itself so the proxy and TLS
// logic is shared with the 3.1x backend. The protocol Version option
// does not apply to this backend.
type pahoV5Client struct {
	cfg   Config
	state *connState

	onMessage    MessageHandler
	onDelivery   DeliveryHandler
	onDisconnect DisconnectHandler

	mu     sync.Mutex
	client *paho.Client
	nextID atomic.Uint32
}

func newPahoV5Client(cfg Config) (*pahoV5Client, error) {
	return &pahoV5Client{
		cfg:   cfg,
		state: newConnState(cfg.Clock),
	}, nil
}

func (c *pahoV5Client) OnMessage(h MessageHandler)       { c.onMessage = h }
func (c *pahoV5Client) OnDelivery(h DeliveryHandler)     { c.onDelivery = h }
func (c *pahoV5Client) OnDisconnect(h DisconnectHandler) { c.onDisconnect = h }

func (c *pahoV5Client) connect(ctx context.Context, cleanStart bool) error {
	conn, err := c.cfg.dial(c.cfg.KeepAlive)
	if err != nil {
		c.state.incRetries()
		return trace.Wrap(err)
	}

	router := paho.NewStandardRouter()
	router.RegisterHandler("#", func(p *paho.Publish) {
		if c.onMessage != nil {
			c.onMessage(p.Topic, p.Payload)
		}
	})

	client := paho.NewClient(paho.ClientConfig{
		Conn:   conn,
		Router: router,
		OnServerDisconnect: func(*paho.Disconnect) {
			c.connectionLost()
		},
		OnClientError: func(error) {
			c.connectionLost()
		},
	})

	connect := &paho.Connect{
		ClientID:   c.cfg.ClientID,
		KeepAlive:  uint16(c.cfg.KeepAlive.Seconds()),
		CleanStart: cleanStart,
	}
	if c.cfg.Username != "" {
		connect.Username = c.cfg.Username
		connect.UsernameFlag = true
		connect.Password = []byte(c.cfg.Password)
		connect.PasswordFlag = true
	}

	ca, err := client.Connect(ctx, connect)
	if err != nil {
		conn.Close()
		c.state.incRetries()
		return trace.ConnectionProblem(err, "mqtt connect failed")
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		c.state.incRetries()
		return trace.ConnectionProblem(nil, "broker refused connection (reason %d)", ca.ReasonCode)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.state.setConnected()
	return nil
}

// connectionLost flips the state down once per drop; paho.golang may
// report both a server disconnect and a client error for the same
// connection.
func (c *pahoV5Client) connectionLost() {
	c.mu.Lock()
	if c.client == nil {
		c.mu.Unlock()
		return
	}
	c.client = nil
	c.mu.Unlock()

	unexpected := c.state.setDisconnected()
	if c.onDisconnect != nil {
		c.onDisconnect(unexpected)
	}
}

// Connect establishes the session with a clean start.
func (c *pahoV5Client) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// Reconnect re-establishes the session reusing server-side state.
func (c *pahoV5Client) Reconnect(ctx context.Context) error {
	return c.connect(ctx, false)
}

// Disconnect tears the session down.
func (c *pahoV5Client) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return trace.BadParameter("not connected")
	}
	err := client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	c.state.setDisconnected()
	if c.onDisconnect != nil {
		c.onDisconnect(false)
	}
	return trace.Wrap(err)
}

func (c *pahoV5Client) current() (*paho.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, trace.BadParameter("not connected")
	}
	return c.client, nil
}

// Publish sends payload on topic. paho.golang does not expose the
// wire packet id, so the adapter assigns its own; for QoS 1 the call
// returns after the broker acknowledges, at which point the delivery
// callback fires.
func (c *pahoV5Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	client, err := c.current()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	id := uint16(c.nextID.Add(1))
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	}); err != nil {
		return 0, trace.ConnectionProblem(err, "mqtt publish failed")
	}
	if c.onDelivery != nil {
		c.onDelivery(id)
	}
	return id, nil
}

// Subscribe adds a subscription.
func (c *pahoV5Client) Subscribe(ctx context.Context, topic string, qos byte) error {
	client, err := c.current()
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	}); err != nil {
		return trace.ConnectionProblem(err, "mqtt subscribe failed")
	}
	return nil
}

// Unsubscribe removes a subscription.
func (c *pahoV5Client) Unsubscribe(ctx context.Context, topic string) error {
	client, err := c.current()
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := client.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{topic},
	}); err != nil {
		return trace.ConnectionProblem(err, "mqtt unsubscribe failed")
	}
	return nil
}

// Status returns the connection state triple.
func (c *pahoV5Client) Status() Status {
	return c.state.status()
}
