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

package actions

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/edgewise/iot-agent/lib/status"
	"github.com/edgewise/iot-agent/lib/types"
	"github.com/edgewise/iot-agent/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestActionNameValidation(t *testing.T) {
	t.Parallel()

	handler := func(ctx context.Context, req *Request) error { return nil }

	_, err := NewAction("", nil, 0, handler)
	require.True(t, trace.IsBadParameter(err))

	_, err = NewAction(strings.Repeat("a", 129), nil, 0, handler)
	require.True(t, trace.IsBadParameter(err))

	a, err := NewAction(strings.Repeat("a", 128), nil, 0, handler)
	require.NoError(t, err)
	require.Len(t, a.Name(), 128)

	_, err = NewAction("bad\xff\xfe", nil, 0, handler)
	require.True(t, trace.IsBadParameter(err))

	_, err = NewAction("dup", []Param{
		{Name: "x", Direction: In, Kind: types.KindInt32},
		{Name: "x", Direction: Out, Kind: types.KindInt32},
	}, 0, handler)
	require.True(t, trace.IsBadParameter(err))

	_, err = NewAction("nohandler", nil, 0, nil)
	require.True(t, trace.IsBadParameter(err))

	_, err = NewCommandAction("nocmd", nil, 0, nil)
	require.True(t, trace.IsBadParameter(err))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	handler := func(ctx context.Context, req *Request) error { return nil }

	for _, name := range []string{"c", "a", "b"} {
		action, err := NewAction(name, nil, 0, handler)
		require.NoError(t, err)
		require.NoError(t, registry.Register(action))
	}
	require.Equal(t, 3, registry.Len())

	dup, err := NewAction("a", nil, 0, handler)
	require.NoError(t, err)
	require.True(t, trace.IsAlreadyExists(registry.Register(dup)))

	// iteration preserves insertion order
	var names []string
	for _, a := range registry.List() {
		names = append(names, a.Name())
	}
	require.Equal(t, []string{"c", "a", "b"}, names)

	require.NoError(t, registry.Deregister("a"))
	require.True(t, trace.IsNotFound(registry.Deregister("a")))
	_, err = registry.Get("a")
	require.True(t, trace.IsNotFound(err))
}

func TestValidateParameters(t *testing.T) {
	t.Parallel()

	action, err := NewAction("set_rate", []Param{
		{Name: "rate", Direction: InRequired, Kind: types.KindInt32},
		{Name: "scale", Direction: In, Kind: types.KindFloat64},
		{Name: "result", Direction: Out, Kind: types.KindString},
	}, 0, func(ctx context.Context, req *Request) error { return nil })
	require.NoError(t, err)

	// inbound integers arrive widened as int64 and narrow back
	in, err := validate(action, map[string]types.Value{
		"rate": types.NewInt64(5),
	})
	require.NoError(t, err)
	require.Equal(t, types.KindInt32, in["rate"].Kind())
	require.NotContains(t, in, "scale")

	_, err = validate(action, map[string]types.Value{})
	require.True(t, trace.IsBadParameter(err))

	_, err = validate(action, map[string]types.Value{
		"rate": types.NewInt64(1 << 40),
	})
	require.True(t, trace.IsBadParameter(err))

	_, err = validate(action, map[string]types.Value{
		"rate": types.NewString("5"),
	})
	require.True(t, trace.IsBadParameter(err))

	// undeclared parameters are dropped
	in, err = validate(action, map[string]types.Value{
		"rate":  types.NewInt64(1),
		"extra": types.NewBool(true),
	})
	require.NoError(t, err)
	require.NotContains(t, in, "extra")
}

type ackRecord struct {
	id      string
	code    status.Code
	message string
	out     map[string]types.Value
}

type fakeAcker struct {
	mu   sync.Mutex
	acks []ackRecord
}

func (f *fakeAcker) AckAction(ctx context.Context, requestID string, code status.Code, message string, out map[string]types.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ackRecord{id: requestID, code: code, message: message, out: out})
	return nil
}

func (f *fakeAcker) recorded() []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.acks...)
}

func newTestDispatcher(t *testing.T, registry *Registry, acker *fakeAcker) (*Dispatcher, chan testEvent) {
	t.Helper()
	events := make(chan testEvent, 128)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Registry:   registry,
		Acker:      acker,
		LogDir:     t.TempDir(),
		testEvents: events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx)
	return dispatcher, events
}

func awaitEvent(t *testing.T, events chan testEvent, expected testEvent) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event := <-events:
			if event == expected {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %q", expected)
		}
	}
}

func TestDispatchAcksExactlyOnce(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	action, err := NewAction("ping", []Param{
		{Name: "response", Direction: Out, Kind: types.KindString},
	}, 0, func(ctx context.Context, req *Request) error {
		req.SetOut("response", types.NewString("acknowledged"))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(action))

	acker := &fakeAcker{}
	dispatcher, events := newTestDispatcher(t, registry, acker)

	require.NoError(t, dispatcher.Submit(context.Background(), &Request{
		ActionName: "ping",
		ID:         "r1",
		Source:     "tr50",
	}))
	awaitEvent(t, events, ackSent)

	acks := acker.recorded()
	require.Len(t, acks, 1)
	require.Equal(t, "r1", acks[0].id)
	require.Equal(t, status.Success, acks[0].code)
	require.Empty(t, acks[0].message)
	require.True(t, acks[0].out["response"].Equal(types.NewString("acknowledged")))
}

func TestDispatchUnknownAction(t *testing.T) {
	t.Parallel()

	acker := &fakeAcker{}
	dispatcher, events := newTestDispatcher(t, NewRegistry(), acker)

	require.NoError(t, dispatcher.Submit(context.Background(), &Request{
		ActionName: "nope",
		ID:         "r2",
	}))
	awaitEvent(t, events, ackSent)

	acks := acker.recorded()
	require.Len(t, acks, 1)
	require.Equal(t, "r2", acks[0].id)
	require.Equal(t, status.NotFound, acks[0].code)
	require.NotEmpty(t, acks[0].message)
}

func TestDispatchBadParameters(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	action, err := NewAction("strict", []Param{
		{Name: "level", Direction: InRequired, Kind: types.KindUint8},
	}, 0, func(ctx context.Context, req *Request) error {
		t.Error("handler must not run on validation failure")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(action))

	acker := &fakeAcker{}
	dispatcher, events := newTestDispatcher(t, registry, acker)

	require.NoError(t, dispatcher.Submit(context.Background(), &Request{
		ActionName: "strict",
		ID:         "r3",
		In:         map[string]types.Value{"level": types.NewInt64(-1)},
	}))
	awaitEvent(t, events, ackSent)

	acks := acker.recorded()
	require.Len(t, acks, 1)
	require.Equal(t, status.BadParameter, acks[0].code)
}

func TestDispatchRejectsMalformedID(t *testing.T) {
	t.Parallel()

	acker := &fakeAcker{}
	dispatcher, _ := newTestDispatcher(t, NewRegistry(), acker)

	err := dispatcher.Submit(context.Background(), &Request{ActionName: "x"})
	require.True(t, trace.IsBadParameter(err))

	err = dispatcher.Submit(context.Background(), &Request{
		ActionName: "x",
		ID:         strings.Repeat("i", 37),
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestExclusiveDeviceSerializes(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	var mu sync.Mutex
	var inside int
	var overlapped bool

	body := func(ctx context.Context, req *Request) error {
		mu.Lock()
		inside++
		if inside > 1 {
			overlapped = true
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		inside--
		mu.Unlock()
		return nil
	}
	for _, name := range []string{"lock_a", "lock_b"} {
		action, err := NewAction(name, nil, FlagExclusiveDevice, body)
		require.NoError(t, err)
		require.NoError(t, registry.Register(action))
	}

	acker := &fakeAcker{}
	dispatcher, events := newTestDispatcher(t, registry, acker)

	require.NoError(t, dispatcher.Submit(context.Background(), &Request{ActionName: "lock_a", ID: "first"}))
	require.NoError(t, dispatcher.Submit(context.Background(), &Request{ActionName: "lock_b", ID: "second"}))

	awaitEvent(t, events, ackSent)
	awaitEvent(t, events, ackSent)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, overlapped, "exclusive-device handlers must not overlap")

	// acks preserve arrival order on the single dispatch worker
	acks := acker.recorded()
	require.Len(t, acks, 2)
	require.Equal(t, "first", acks[0].id)
	require.Equal(t, "second", acks[1].id)
}

func TestHandlerErrorMapsToStatus(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	failing, err := NewAction("fails", nil, 0, func(ctx context.Context, req *Request) error {
		return trace.LimitExceeded("deadline elapsed")
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(failing))

	custom, err := NewAction("custom", nil, 0, func(ctx context.Context, req *Request) error {
		req.SetResult(status.BadRequest, "not now")
		return trace.Errorf("busy")
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(custom))

	acker := &fakeAcker{}
	dispatcher, events := newTestDispatcher(t, registry, acker)

	require.NoError(t, dispatcher.Submit(context.Background(), &Request{ActionName: "fails", ID: "e1"}))
	awaitEvent(t, events, ackSent)
	require.NoError(t, dispatcher.Submit(context.Background(), &Request{ActionName: "custom", ID: "e2"}))
	awaitEvent(t, events, ackSent)

	acks := acker.recorded()
	require.Len(t, acks, 2)
	require.Equal(t, status.Timeout, acks[0].code)
	require.Equal(t, "deadline elapsed", acks[0].message)
	// an explicit SetResult wins over the error translation
	require.Equal(t, status.BadRequest, acks[1].code)
	require.Equal(t, "not now", acks[1].message)
}

func TestCommandAction(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	echo, err := NewCommandAction("echo", []Param{
		{Name: "what", Direction: In, Kind: types.KindString},
	}, 0, []string{"echo"})
	require.NoError(t, err)
	require.NoError(t, registry.Register(echo))

	failing, err := NewCommandAction("failing", nil, 0, []string{"false"})
	require.NoError(t, err)
	require.NoError(t, registry.Register(failing))

	missing, err := NewCommandAction("missing", nil, 0, []string{"/nonexistent/binary"})
	require.NoError(t, err)
	require.NoError(t, registry.Register(missing))

	detached, err := NewCommandAction("detached", nil, FlagNoReturn, []string{"sleep", "0.05"})
	require.NoError(t, err)
	require.NoError(t, registry.Register(detached))

	acker := &fakeAcker{}
	dispatcher, events := newTestDispatcher(t, registry, acker)

	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		name := map[string]string{
			"c1": "echo", "c2": "failing", "c3": "missing", "c4": "detached",
		}[id]
		req := &Request{ActionName: name, ID: id}
		if name == "echo" {
			req.In = map[string]types.Value{"what": types.NewString("hello")}
		}
		require.NoError(t, dispatcher.Submit(context.Background(), req))
		awaitEvent(t, events, ackSent)
	}

	acks := acker.recorded()
	require.Len(t, acks, 4)
	require.Equal(t, status.Success, acks[0].code)
	require.Equal(t, status.ExecutionError, acks[1].code)
	require.Equal(t, "exit status 1", acks[1].message)
	require.Equal(t, status.NotExecutable, acks[2].code)
	// no-return actions ack as soon as the process spawns
	require.Equal(t, status.Success, acks[3].code)
}
