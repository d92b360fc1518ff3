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
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/mqtt"
	"github.com/edgewise/iot-agent/lib/tr50"
	"github.com/edgewise/iot-agent/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type published struct {
	topic   string
	payload []byte
	qos     byte
	// deadline records whether the publish context was bounded.
	deadline bool
}

// fakeClient is an in-memory transport standing in for the broker
// connection.
type fakeClient struct {
	mu            sync.Mutex
	connected     bool
	changed       bool
	changedAt     time.Time
	connects      int
	reconnects    int
	connectErr    error
	subscriptions []string
	published     []published
	nextID        uint16

	onMessage mqtt.MessageHandler
}

func (f *fakeClient) Connect(ctx context.Context) error {
	return f.establish(&f.connects)
}

func (f *fakeClient) Reconnect(ctx context.Context) error {
	return f.establish(&f.reconnects)
}

func (f *fakeClient) establish(counter *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	*counter++
	f.connected = true
	f.changed = true
	f.changedAt = time.Now()
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// dropConnection simulates a broker-side disconnect.
func (f *fakeClient) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.changed = true
	f.changedAt = time.Now()
}

func (f *fakeClient) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeClient) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return 0, trace.ConnectionProblem(nil, "not connected")
	}
	_, hasDeadline := ctx.Deadline()
	f.nextID++
	f.published = append(f.published, published{
		topic:    topic,
		payload:  append([]byte(nil), payload...),
		qos:      qos,
		deadline: hasDeadline,
	})
	return f.nextID, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, topic)
	return nil
}

func (f *fakeClient) Unsubscribe(ctx context.Context, topic string) error { return nil }

func (f *fakeClient) Status() mqtt.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := mqtt.Status{Connected: f.connected, Changed: f.changed, ChangedAt: f.changedAt}
	f.changed = false
	return st
}

func (f *fakeClient) OnMessage(h mqtt.MessageHandler)       { f.onMessage = h }
func (f *fakeClient) OnDelivery(h mqtt.DeliveryHandler)     {}
func (f *fakeClient) OnDisconnect(h mqtt.DisconnectHandler) {}

// deliver injects an inbound message the way the receive goroutine
// would.
func (f *fakeClient) deliver(topic string, payload []byte) {
	f.onMessage(topic, payload)
}

func (f *fakeClient) publishedTo(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeClient) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscriptions...)
}

func (f *fakeClient) counters() (connects, reconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.reconnects
}

func newTestAgent(t *testing.T, mutate func(*Config)) (*Agent, *fakeClient, chan testEvent) {
	t.Helper()
	client := &fakeClient{}
	events := make(chan testEvent, 128)
	cfg := Config{
		DeviceID:     "device1",
		MQTT:         mqtt.Config{ClientID: "device1", Host: "broker"},
		RuntimeDir:   t.TempDir(),
		TickInterval: 10 * time.Millisecond,
		newClient: func(mqtt.Config) (mqtt.Client, error) {
			return client, nil
		},
		testEvents: events,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	agent, err := New(cfg)
	require.NoError(t, err)
	return agent, client, events
}

// runAgent starts the scheduler and returns a stop function that
// blocks until it exits.
func runAgent(t *testing.T, agent *Agent) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- agent.Run(ctx)
	}()
	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for the scheduler to stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func awaitEvent(t *testing.T, events chan testEvent, want testEvent) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event := <-events:
			if event == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

// ackBody is the decoded mailbox.ack a test inspects.
type ackBody struct {
	id        string
	errorCode int
	message   string
	out       map[string]any
}

// decodeAcks collects the mailbox.ack envelopes published on the api
// topic.
func decodeAcks(t *testing.T, client *fakeClient) []ackBody {
	t.Helper()
	var acks []ackBody
	for _, p := range client.publishedTo(defaults.TopicAPI) {
		var outer map[string]struct {
			Command string         `json:"command"`
			Params  map[string]any `json:"params"`
		}
		require.NoError(t, json.Unmarshal(p.payload, &outer))
		for _, body := range outer {
			if body.Command != tr50.CmdMailboxAck {
				continue
			}
			ack := ackBody{}
			ack.id, _ = body.Params["id"].(string)
			if code, ok := body.Params["errorCode"].(float64); ok {
				ack.errorCode = int(code)
			}
			ack.message, _ = body.Params["errorMessage"].(string)
			ack.out, _ = body.Params["params"].(map[string]any)
			acks = append(acks, ack)
		}
	}
	return acks
}

func TestRunConnectsAndChecksMailbox(t *testing.T) {
	t.Parallel()

	agent, client, events := newTestAgent(t, nil)
	runAgent(t, agent)

	awaitEvent(t, events, connectOk)
	awaitEvent(t, events, mailboxCheck)

	require.Contains(t, client.subscribed(), defaults.TopicReply)
	require.Contains(t, client.subscribed(), defaults.TopicMailboxActivity)

	// the mailbox poll goes out on the api topic
	api := client.publishedTo(defaults.TopicAPI)
	require.NotEmpty(t, api)
	var outer map[string]struct {
		Command string `json:"command"`
	}
	require.NoError(t, json.Unmarshal(api[0].payload, &outer))
	for _, body := range outer {
		require.Equal(t, tr50.CmdMailboxCheck, body.Command)
	}
}

func TestRunRejectsSecondRun(t *testing.T) {
	t.Parallel()

	agent, _, events := newTestAgent(t, nil)
	runAgent(t, agent)
	awaitEvent(t, events, connectOk)

	err := agent.Run(context.Background())
	require.True(t, trace.IsAlreadyExists(err))
}

func TestPingRoundTrip(t *testing.T) {
	t.Parallel()

	agent, client, events := newTestAgent(t, nil)
	runAgent(t, agent)
	awaitEvent(t, events, connectOk)

	client.deliver("reply", []byte(`{"1":{"success":true,"params":{"messages":[
		{"id":"r1","params":{"method":"ping","params":{}}}
	]}}}`))

	awaitEvent(t, events, envelopeSent)
	require.Eventually(t, func() bool {
		return len(decodeAcks(t, client)) == 1
	}, 10*time.Second, 10*time.Millisecond)

	acks := decodeAcks(t, client)
	require.Equal(t, "r1", acks[0].id)
	require.Equal(t, 0, acks[0].errorCode)
	require.Empty(t, acks[0].message)
	require.Equal(t, "acknowledged", acks[0].out["response"])
	require.Contains(t, acks[0].out, "time_stamp")
}

func TestUnknownActionAcksNotFound(t *testing.T) {
	t.Parallel()

	agent, client, events := newTestAgent(t, nil)
	runAgent(t, agent)
	awaitEvent(t, events, connectOk)

	client.deliver("reply", []byte(`{"1":{"params":{"messages":[
		{"id":"r9","params":{"method":"no_such_action","params":{}}}
	]}}}`))

	awaitEvent(t, events, envelopeSent)
	acks := decodeAcks(t, client)
	require.Len(t, acks, 1)
	require.Equal(t, "r9", acks[0].id)
	require.NotZero(t, acks[0].errorCode)
}

func TestMailboxActivityTriggersCheck(t *testing.T) {
	t.Parallel()

	agent, client, events := newTestAgent(t, nil)
	runAgent(t, agent)
	awaitEvent(t, events, connectOk)
	awaitEvent(t, events, mailboxCheck)

	// a notification for another device is ignored
	client.deliver(defaults.TopicMailboxActivity, []byte(`{"thingKey":"someone-else"}`))
	// ours triggers a fresh poll
	client.deliver(defaults.TopicMailboxActivity, []byte(`{"thingKey":"`+agent.ThingKey()+`"}`))
	awaitEvent(t, events, mailboxCheck)
}

func TestInboundHandlingIsDeadlineBounded(t *testing.T) {
	t.Parallel()

	agent, client, events := newTestAgent(t, nil)
	runAgent(t, agent)
	awaitEvent(t, events, connectOk)
	awaitEvent(t, events, mailboxCheck)

	client.deliver(defaults.TopicMailboxActivity, []byte(`{"thingKey":"`+agent.ThingKey()+`"}`))
	awaitEvent(t, events, mailboxCheck)

	// every publish issued from the scheduler carries a deadline so
	// transport I/O can never stall the loop
	api := client.publishedTo(defaults.TopicAPI)
	require.NotEmpty(t, api)
	for _, p := range api {
		require.True(t, p.deadline, "publish on %q went out without a deadline", p.topic)
	}
}

func TestReconnectAttemptsArePaced(t *testing.T) {
	t.Parallel()

	agent, client, _ := newTestAgent(t, nil)
	client.setConnectErr(trace.ConnectionProblem(nil, "broker is down"))
	runAgent(t, agent)

	// with the broker staying down the scheduler backs off instead of
	// dialing again on every tick
	time.Sleep(500 * time.Millisecond)
	require.LessOrEqual(t, agent.Reconnects(), 2)
}

func TestReconnectOnConnectionLoss(t *testing.T) {
	t.Parallel()

	agent, client, events := newTestAgent(t, nil)
	runAgent(t, agent)
	awaitEvent(t, events, connectOk)

	client.dropConnection()
	awaitEvent(t, events, reconnectOk)

	_, reconnects := client.counters()
	require.GreaterOrEqual(t, reconnects, 1)
	// the counter resets once the session is back up
	require.Zero(t, agent.Reconnects())
}

func TestInitialConnectFailureRecovers(t *testing.T) {
	t.Parallel()

	agent, client, events := newTestAgent(t, nil)
	client.setConnectErr(trace.ConnectionProblem(nil, "broker is down"))
	runAgent(t, agent)

	// let a few ticks fail, then bring the broker back
	time.Sleep(50 * time.Millisecond)
	client.setConnectErr(nil)
	awaitEvent(t, events, reconnectOk)
}

func TestBuiltinRegistrationGating(t *testing.T) {
	t.Parallel()

	agent, _, _ := newTestAgent(t, func(cfg *Config) {
		cfg.ActionsEnabled = map[string]bool{ActionReboot: true}
	})

	_, err := agent.Registry().Get(ActionPing)
	require.NoError(t, err)
	_, err = agent.Registry().Get(ActionSoftwareUpdate)
	require.NoError(t, err)
	_, err = agent.Registry().Get(ActionReboot)
	require.NoError(t, err)

	// not switched on in the configuration
	_, err = agent.Registry().Get(ActionShutdown)
	require.True(t, trace.IsNotFound(err))
	_, err = agent.Registry().Get(ActionAgentReset)
	require.True(t, trace.IsNotFound(err))
}

// recordingPlugin captures every (op, step) pair it observes.
type recordingPlugin struct {
	mu   sync.Mutex
	seen map[Op][]Step
}

func (p *recordingPlugin) Name() string { return "recording" }

func (p *recordingPlugin) Execute(ctx context.Context, op Op, step Step, item string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[Op][]Step)
	}
	p.seen[op] = append(p.seen[op], step)
	return nil
}

func (p *recordingPlugin) steps(op Op) []Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Step(nil), p.seen[op]...)
}

func TestPluginFanout(t *testing.T) {
	t.Parallel()

	agent, _, events := newTestAgent(t, nil)
	plugin := &recordingPlugin{}
	agent.AddPlugin(plugin)
	runAgent(t, agent)

	awaitEvent(t, events, connectOk)
	require.Eventually(t, func() bool {
		return len(plugin.steps(OpIteration)) >= 3
	}, 10*time.Second, 10*time.Millisecond)

	require.Equal(t, []Step{StepBefore, StepDuring, StepAfter}, plugin.steps(OpClientConnect))
	require.Equal(t, []Step{StepBefore, StepDuring, StepAfter}, plugin.steps(OpIteration)[:3])
}

func TestShutdownDeregistersActions(t *testing.T) {
	t.Parallel()

	agent, _, events := newTestAgent(t, nil)
	stop := runAgent(t, agent)
	awaitEvent(t, events, connectOk)

	require.NotZero(t, agent.Registry().Len())
	stop()
	require.Zero(t, agent.Registry().Len())
}

func TestShutdownKeepsPersistedActions(t *testing.T) {
	t.Parallel()

	agent, _, events := newTestAgent(t, func(cfg *Config) {
		cfg.PersistActions = true
	})
	stop := runAgent(t, agent)
	awaitEvent(t, events, connectOk)

	registered := agent.Registry().Len()
	stop()
	require.Equal(t, registered, agent.Registry().Len())
}
