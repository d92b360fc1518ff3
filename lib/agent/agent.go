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

// Package agent implements the scheduler: the single event loop that
// owns the MQTT session, drains outbound envelopes, routes inbound
// mailbox traffic into the action dispatcher and drives the transfer
// engine and update orchestrator on every tick.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	iotagent "github.com/edgewise/iot-agent"
	"github.com/edgewise/iot-agent/lib/actions"
	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/mqtt"
	"github.com/edgewise/iot-agent/lib/ota"
	"github.com/edgewise/iot-agent/lib/status"
	"github.com/edgewise/iot-agent/lib/telemetry"
	"github.com/edgewise/iot-agent/lib/tr50"
	"github.com/edgewise/iot-agent/lib/transfer"
	"github.com/edgewise/iot-agent/lib/types"
	"github.com/edgewise/iot-agent/lib/utils"
)

var plog = log.WithField(iotagent.Component, iotagent.ComponentAgent)

type testEvent string

const (
	connectOk    testEvent = "connect-ok"
	reconnectOk  testEvent = "reconnect-ok"
	mailboxCheck testEvent = "mailbox-check"
	lossLogged   testEvent = "loss-logged"
	envelopeSent testEvent = "envelope-sent"
)

// Config carries everything the agent needs to run.
type Config struct {
	// DeviceID identifies this device to the cloud. Required.
	DeviceID string
	// MQTT is the transport configuration. ClientID defaults to the
	// device id.
	MQTT mqtt.Config
	// CodecBackend selects the JSON implementation for the codec.
	CodecBackend tr50.JSONBackend
	// RuntimeDir is where mutable state lives: the update working
	// directory and the transfer journal. Required.
	RuntimeDir string
	// ActionsEnabled gates the optional builtin actions by identifier.
	ActionsEnabled map[string]bool
	// ForceQoS1 overrides publish QoS with 1.
	ForceQoS1 bool
	// PersistActions keeps actions registered through shutdown.
	PersistActions bool
	// UpdaterPath is the external updater binary for software updates.
	UpdaterPath string
	// SystemControl is the argv prefix of the system-control helper the
	// reboot and shutdown actions shell out to. Defaults to systemctl.
	SystemControl []string
	// TickInterval overrides the 1s scheduler tick.
	TickInterval time.Duration
	// TransferWorkers overrides the transfer worker count.
	TransferWorkers int
	// Jitter randomizes retry backoff.
	Jitter utils.Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock

	// newClient overrides transport construction in tests.
	newClient func(mqtt.Config) (mqtt.Client, error)
	// testEvents receives scheduler events in tests.
	testEvents chan testEvent
}

// CheckAndSetDefaults checks and sets defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.DeviceID == "" {
		return trace.BadParameter("missing parameter DeviceID")
	}
	if c.RuntimeDir == "" {
		return trace.BadParameter("missing parameter RuntimeDir")
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.DeviceID
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaults.TickInterval
	}
	if len(c.SystemControl) == 0 {
		c.SystemControl = []string{"systemctl"}
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewHalfJitter()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.newClient == nil {
		c.newClient = mqtt.NewClient
	}
	return nil
}

// envelope is one outbound wire payload with its QoS.
type envelope struct {
	payload []byte
	qos     byte
}

// inboundMsg is one message copied off the transport receive
// goroutine.
type inboundMsg struct {
	topic   string
	payload []byte
}

// Agent is the process-wide runtime value. Construct with New, run
// with Run; at most one per process is intended though nothing
// enforces it.
type Agent struct {
	cfg       Config
	sessionID string

	client     mqtt.Client
	codec      *tr50.Codec
	registry   *actions.Registry
	dispatcher *actions.Dispatcher
	publisher  *telemetry.Publisher
	engine     *transfer.Engine
	updates    *ota.Orchestrator
	plugins    []Plugin

	outbound chan envelope
	inbound  chan inboundMsg

	// reconnectRetry and nextReconnect pace reconnect attempts; both
	// are only touched from the scheduler goroutine.
	reconnectRetry utils.Retry
	nextReconnect  time.Time

	mu          sync.Mutex
	reconnects  int
	lastLossLog time.Time
	running     bool
}

// New assembles the agent from its components. The transport is
// constructed but not connected; Run drives the session.
func New(cfg Config) (*Agent, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	a := &Agent{
		cfg:       cfg,
		sessionID: newSessionID(),
		registry:  actions.NewRegistry(),
		outbound:  make(chan envelope, 128),
		inbound:   make(chan inboundMsg, 128),
	}

	codec, err := tr50.NewCodec(tr50.Config{
		ThingKey: tr50.ComposeThingKey(cfg.DeviceID, a.sessionID),
		Backend:  cfg.CodecBackend,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.codec = codec

	cfg.MQTT.Clock = cfg.Clock
	client, err := cfg.newClient(cfg.MQTT)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.client = client
	client.OnMessage(a.onMessage)
	client.OnDisconnect(a.onDisconnect)

	engineCfg := transfer.Config{
		Workers:     cfg.TransferWorkers,
		JournalPath: filepath.Join(cfg.RuntimeDir, defaults.TransferJournalName),
		Jitter:      cfg.Jitter,
		Clock:       cfg.Clock,
	}
	if cfg.MQTT.Proxy != nil {
		transport, err := cfg.MQTT.Proxy.HTTPTransport()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		engineCfg.Client = &http.Client{Transport: transport}
	}
	a.engine, err = transfer.NewEngine(engineCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	a.updates, err = ota.NewOrchestrator(ota.Config{
		RuntimeDir:  cfg.RuntimeDir,
		Engine:      a.engine,
		UpdaterPath: cfg.UpdaterPath,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	a.dispatcher, err = actions.NewDispatcher(actions.DispatcherConfig{
		Registry: a.registry,
		Acker:    a,
		LogDir:   cfg.RuntimeDir,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	a.publisher, err = telemetry.NewPublisher(telemetry.Config{
		Codec:     codec,
		Sender:    telemetrySender{agent: a},
		ForceQoS1: cfg.ForceQoS1,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	a.reconnectRetry, err = utils.NewLinear(utils.LinearConfig{
		Step:   time.Second,
		Max:    defaults.ReconnectBackoffMax,
		Jitter: utils.NewSeventhJitter(),
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := a.registerBuiltins(); err != nil {
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// newSessionID returns a short random session identifier composed into
// the thing key.
func newSessionID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// SessionID returns the library-assigned session identifier.
func (a *Agent) SessionID() string { return a.sessionID }

// ThingKey returns the current composed thing key.
func (a *Agent) ThingKey() string { return a.codec.ThingKey() }

// Registry exposes the action registry so callers can register their
// own actions before Run.
func (a *Agent) Registry() *actions.Registry { return a.registry }

// Telemetry exposes the sample publisher.
func (a *Agent) Telemetry() *telemetry.Publisher { return a.publisher }

// Transfers exposes the file transfer engine.
func (a *Agent) Transfers() *transfer.Engine { return a.engine }

// AddPlugin appends a plugin. Must be called before Run.
func (a *Agent) AddPlugin(p Plugin) {
	a.plugins = append(a.plugins, p)
}

// Reconnects returns the reconnect counter; it resets on a successful
// connect.
func (a *Agent) Reconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnects
}

// onMessage copies one inbound message into the bounded queue. It runs
// on the transport receive goroutine and must not block; a full queue
// drops the message and the mailbox check on the next activity
// notification recovers it.
func (a *Agent) onMessage(topic string, payload []byte) {
	msg := inboundMsg{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case a.inbound <- msg:
	default:
		plog.Warnf("Inbound queue full, dropping message on %q.", topic)
	}
}

// onDisconnect runs on the transport receive goroutine; the scheduler
// observes the state change on its next tick.
func (a *Agent) onDisconnect(unexpected bool) {
	if unexpected {
		plog.Warn("Connection lost unexpectedly.")
	}
}

// Run connects and drives the scheduler loop until the context is
// cancelled, then tears the session down.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return trace.AlreadyExists("agent is already running")
	}
	a.running = true
	a.mu.Unlock()

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	var group errgroup.Group
	group.Go(func() error {
		a.dispatcher.Run(dispatchCtx)
		return nil
	})

	if err := a.connect(ctx, false); err != nil {
		plog.Warnf("Initial connect failed, will keep retrying: %v.", err)
	}

	ticker := a.cfg.Clock.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := a.shutdown()
			// the dispatcher must be fully stopped before Run returns
			// so no acknowledgement races the closed session
			cancelDispatch()
			group.Wait()
			return trace.Wrap(err)
		case msg := <-a.inbound:
			// inbound handling can publish; the tick deadline keeps the
			// scheduler from blocking on transport I/O
			inboundCtx, cancel := context.WithTimeout(ctx, a.cfg.TickInterval)
			a.handleInbound(inboundCtx, msg)
			cancel()
		case <-ticker.Chan():
			a.tick(ctx)
		}
	}
}

// tick performs one scheduler iteration: session health, outbound
// drain, plugin fan-out, transfer promotion.
func (a *Agent) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, a.cfg.TickInterval)
	defer cancel()

	st := a.client.Status()
	if !st.Connected {
		a.logConnectionLoss(st)
		a.maybeReconnect(tickCtx)
	} else {
		a.drainOutbound(tickCtx)
	}

	a.runPlugins(tickCtx, OpIteration, "", nil)
	a.engine.Tick(a.cfg.Clock.Now())
}

// logConnectionLoss emits the connection-loss log line at most once
// per the throttle interval.
func (a *Agent) logConnectionLoss(st mqtt.Status) {
	now := a.cfg.Clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Sub(st.ChangedAt) < defaults.ConnectionLossLogInterval {
		return
	}
	if now.Sub(a.lastLossLog) < defaults.ConnectionLossLogInterval {
		return
	}
	a.lastLossLog = now
	plog.Warnf("Connection to %v has been down since %v.", a.cfg.MQTT.Host, st.ChangedAt.Format(time.RFC3339))
	a.testEvent(lossLogged)
}

// maybeReconnect paces reconnect attempts with the linear retry so a
// broker that stays down is not hammered on every tick. Both fields it
// touches are owned by the scheduler goroutine.
func (a *Agent) maybeReconnect(ctx context.Context) {
	if a.cfg.Clock.Now().Before(a.nextReconnect) {
		return
	}
	if err := a.connect(ctx, true); err != nil {
		a.reconnectRetry.Inc()
		a.nextReconnect = a.cfg.Clock.Now().Add(a.reconnectRetry.Duration())
		plog.Debugf("Reconnect attempt failed: %v.", err)
		return
	}
	a.reconnectRetry.Reset()
	a.nextReconnect = time.Time{}
}

// connect establishes or re-establishes the session within the
// reconnect deadline, then recomposes the thing key, restores the
// subscriptions and pulls the mailbox.
func (a *Agent) connect(ctx context.Context, reconnect bool) error {
	connectCtx, cancel := context.WithTimeout(ctx, defaults.ReconnectDeadline)
	defer cancel()

	var err error
	if reconnect {
		a.mu.Lock()
		a.reconnects++
		a.mu.Unlock()
		err = a.client.Reconnect(connectCtx)
	} else {
		err = a.client.Connect(connectCtx)
	}
	if err != nil {
		return trace.Wrap(err)
	}

	a.mu.Lock()
	a.reconnects = 0
	a.mu.Unlock()

	// the session id survives reconnects; the composed key is written
	// back so a future session-id scheme stays correct
	a.codec.SetThingKey(tr50.ComposeThingKey(a.cfg.DeviceID, a.sessionID))

	for _, topic := range []string{defaults.TopicReply, defaults.TopicMailboxActivity} {
		if err := a.client.Subscribe(connectCtx, topic, defaults.QoS); err != nil {
			return trace.Wrap(err)
		}
	}
	if reconnect {
		a.testEvent(reconnectOk)
	} else {
		a.testEvent(connectOk)
	}
	if err := a.sendMailboxCheck(connectCtx); err != nil {
		return trace.Wrap(err)
	}

	a.runPlugins(ctx, OpClientConnect, a.cfg.MQTT.Host, nil)
	plog.Infof("Connected to %v as %q.", a.cfg.MQTT.Host, a.codec.ThingKey())
	return nil
}

// sendMailboxCheck publishes the poll for pending invocations.
func (a *Agent) sendMailboxCheck(ctx context.Context) error {
	payload, _, err := a.codec.EncodeMailboxCheck()
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := a.client.Publish(ctx, defaults.TopicAPI, payload, defaults.QoS, false); err != nil {
		return trace.Wrap(err)
	}
	a.testEvent(mailboxCheck)
	return nil
}

// drainOutbound publishes queued envelopes until the queue is empty or
// the tick deadline hits.
func (a *Agent) drainOutbound(ctx context.Context) {
	for {
		select {
		case env := <-a.outbound:
			if _, err := a.client.Publish(ctx, defaults.TopicAPI, env.payload, env.qos, false); err != nil {
				plog.Warnf("Failed to publish envelope: %v.", err)
				return
			}
			a.testEvent(envelopeSent)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

// handleInbound routes one message off the inbound queue: mailbox
// activity triggers a mailbox check when the notification is for us;
// reply traffic decodes into action requests.
func (a *Agent) handleInbound(ctx context.Context, msg inboundMsg) {
	switch {
	case msg.topic == defaults.TopicMailboxActivity:
		thingKey, err := a.codec.DecodeMailboxActivity(msg.payload)
		if err != nil {
			plog.Warnf("Malformed mailbox activity: %v.", err)
			return
		}
		if thingKey != a.codec.ThingKey() {
			return
		}
		if err := a.sendMailboxCheck(ctx); err != nil {
			plog.Warnf("Failed to check mailbox: %v.", err)
		}
	case strings.HasPrefix(msg.topic, "reply"):
		msgs, err := a.codec.DecodeReply(msg.payload)
		if err != nil {
			plog.Warnf("Malformed reply payload: %v.", err)
			return
		}
		for _, m := range msgs {
			req := &actions.Request{
				ActionName: m.Method,
				ID:         m.ID,
				Source:     m.Source,
				In:         m.Params,
			}
			if err := a.dispatcher.Submit(ctx, req); err != nil {
				plog.Warnf("Failed to dispatch request %q: %v.", m.ID, err)
			}
		}
	default:
		plog.Debugf("Ignoring message on unexpected topic %q.", msg.topic)
	}
}

// telemetrySender routes publisher envelopes through the outbound
// queue and fans the telemetry-publish operation out to plugins.
type telemetrySender struct {
	agent *Agent
}

// SendEnvelope implements telemetry.Sender.
func (s telemetrySender) SendEnvelope(ctx context.Context, payload []byte, qos byte) error {
	if err := s.agent.SendEnvelope(ctx, payload, qos); err != nil {
		return trace.Wrap(err)
	}
	s.agent.runPlugins(ctx, OpTelemetryPublish, defaults.TopicAPI, nil)
	return nil
}

// SendEnvelope queues one encoded envelope for the scheduler to
// publish.
func (a *Agent) SendEnvelope(ctx context.Context, payload []byte, qos byte) error {
	select {
	case a.outbound <- envelope{payload: payload, qos: qos}:
		return nil
	case <-ctx.Done():
		return trace.LimitExceeded("outbound queue full")
	}
}

// AckAction encodes and queues the mailbox acknowledgement of a
// completed request. Implements actions.Acker.
func (a *Agent) AckAction(ctx context.Context, requestID string, code status.Code, message string, out map[string]types.Value) error {
	payload, _, err := a.codec.EncodeMailboxAck(requestID, code, message, out)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := a.SendEnvelope(ctx, payload, defaults.QoS); err != nil {
		return trace.Wrap(err)
	}
	a.runPlugins(ctx, OpActionComplete, requestID, code)
	return nil
}

// shutdown tears the agent down: pending transfers are cancelled,
// actions deregistered unless persistence is configured, and the
// session closed.
func (a *Agent) shutdown() error {
	plog.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.drainOutbound(shutdownCtx)
	a.runPlugins(shutdownCtx, OpClientDisconnect, a.cfg.MQTT.Host, nil)

	if !a.cfg.PersistActions {
		for _, action := range a.registry.List() {
			if err := a.registry.Deregister(action.Name()); err != nil {
				plog.Debugf("Failed to deregister action %q: %v.", action.Name(), err)
			}
		}
	}

	var errs []error
	if err := a.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.client.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	return trace.NewAggregate(errs...)
}

func (a *Agent) testEvent(event testEvent) {
	if a.cfg.testEvents == nil {
		return
	}
	select {
	case a.cfg.testEvents <- event:
	default:
	}
}
