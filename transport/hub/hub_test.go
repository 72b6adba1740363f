package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensortelemetry/relay/internal/runtime/events"
	"github.com/sensortelemetry/relay/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func startHub(t *testing.T, opts ...ServerOption) (*Server, string) {
	t.Helper()
	server := NewServer(opts...)
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		_ = server.Close()
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type frames struct {
	mu   sync.Mutex
	args []string
}

func (f *frames) handler(_ context.Context, args json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, string(args))
}

func (f *frames) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.args)
}

func TestBroadcastMethod(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"SendTemperatureChangedEvent", "OnTemperatureChangedEvent", true},
		{"SendDeviceCommandEvent", "OnDeviceCommandEvent", true},
		{"Ping", "OnPing", true},
		{"Send", "", false},
		{"OnTemperatureChangedEvent", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := broadcastMethod(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestServerBroadcastsToAllClientsIncludingSender(t *testing.T) {
	server, url := startHub(t)

	a, b := dial(t, url), dial(t, url)
	var gotA, gotB frames
	a.On("OnDeviceCommandEvent", gotA.handler)
	b.On("OnDeviceCommandEvent", gotB.handler)
	require.Eventually(t, func() bool { return server.ClientCount() == 2 }, waitFor, tick)

	require.NoError(t, a.Invoke(context.Background(), "SendDeviceCommandEvent", map[string]string{"command": "RunLedTest"}))

	require.Eventually(t, func() bool { return gotA.count() == 1 && gotB.count() == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"command":"RunLedTest"}`, gotA.args[0])
}

func TestServerAnswersPing(t *testing.T) {
	server, url := startHub(t)
	c := dial(t, url)
	var pongs frames
	c.On(MethodOnPing, pongs.handler)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, waitFor, tick)

	require.NoError(t, c.Ping(context.Background()))
	require.Eventually(t, func() bool { return pongs.count() == 1 }, waitFor, tick)
}

func TestServerIgnoresUnknownMethods(t *testing.T) {
	server, url := startHub(t)
	c := dial(t, url)
	var got frames
	c.On("OnDeviceCommandEvent", got.handler)
	c.On("Other", got.handler)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, waitFor, tick)

	require.NoError(t, c.Invoke(context.Background(), "Other", "x"))
	require.NoError(t, c.Invoke(context.Background(), "SendDeviceCommandEvent", "y"))

	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
	assert.Equal(t, `"y"`, got.args[0])
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	server, url := startHub(t, WithMetrics(reg), WithLogger(watermill.NopLogger{}))
	c := dial(t, url)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, waitFor, tick)

	require.NoError(t, c.Ping(context.Background()))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(server.framesTotal.WithLabelValues(MethodOnPing)) == 1
	}, waitFor, tick)
	assert.Equal(t, float64(1), testutil.ToFloat64(server.clientsGauge))
}

func TestBroadcastSurvivesConcurrentRemoval(t *testing.T) {
	s := NewServer()
	args := json.RawMessage(`{"n":1}`)
	for range 5000 {
		p := &peer{send: make(chan []byte, 1)}
		require.True(t, s.add(p))
		done := make(chan struct{})
		go func() {
			s.remove(p)
			close(done)
		}()
		require.NotPanics(t, func() { s.broadcast("OnX", args) })
		<-done
	}
	assert.Zero(t, s.ClientCount())
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := NewServer()
	p := &peer{send: make(chan []byte, 1)}
	require.True(t, s.add(p))
	s.remove(p)
	assert.NotPanics(t, func() { s.remove(p) })
	_, ok := <-p.send
	assert.False(t, ok)
}

func TestClientOnReplacesHandler(t *testing.T) {
	server, url := startHub(t)
	c := dial(t, url)
	var first, second frames
	c.On(MethodOnPing, first.handler)
	c.On(MethodOnPing, second.handler)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, waitFor, tick)

	require.NoError(t, c.Ping(context.Background()))
	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, tick)
	assert.Equal(t, 0, first.count())
}

func TestClientHandlerPanicKeepsConnection(t *testing.T) {
	server, url := startHub(t)
	c := dial(t, url)
	var got frames
	calls := 0
	c.On(MethodOnPing, func(ctx context.Context, args json.RawMessage) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		got.handler(ctx, args)
	})
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, waitFor, tick)

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Ping(context.Background()))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
}

func TestInvokeAfterCloseFails(t *testing.T) {
	_, url := startHub(t)
	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Invoke(context.Background(), "SendX", nil), ErrClientClosed)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/hub", nil)
	require.Error(t, err)
}

type commands struct {
	mu    sync.Mutex
	items []*events.DeviceCommandEvent
}

func (c *commands) callback(_ context.Context, e *events.DeviceCommandEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, e)
	return true
}

func (c *commands) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

var fastReconnect = transport.ReceiverOptions{ReconnectInitial: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}

func TestSenderReceiverRoundTrip(t *testing.T) {
	server, url := startHub(t)

	receiver := NewReceiver[*events.DeviceCommandEvent](url, fastReconnect, nil)
	var got commands
	receiver.SetCallback(events.InboundChannel(events.KindDeviceCommand), got.callback)
	require.NoError(t, receiver.Initialize(context.Background()))
	t.Cleanup(func() { _ = receiver.Close() })

	sender := NewSender[*events.DeviceCommandEvent](url, nil)
	require.NoError(t, sender.Initialize(context.Background()))
	t.Cleanup(func() { _ = sender.Close() })
	require.Eventually(t, func() bool { return server.ClientCount() == 2 }, waitFor, tick)

	ev := events.NewDeviceCommandEvent(events.CommandResetAlert)
	ev.Stamp("abc")
	assert.True(t, sender.Send(context.Background(), events.OutboundChannel(events.KindDeviceCommand), ev))

	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
	got.mu.Lock()
	delivered := got.items[0]
	got.mu.Unlock()
	assert.Equal(t, events.CommandResetAlert, delivered.Command)
	assert.Equal(t, "abc", delivered.SenderKey)
}

func TestSenderBeforeInitialize(t *testing.T) {
	sender := NewSender[*events.DeviceCommandEvent]("ws://unused", nil)
	assert.False(t, sender.Send(context.Background(), "SendDeviceCommandEvent", events.NewDeviceCommandEvent(events.CommandRunLedTest)))
	assert.NoError(t, sender.Close())
}

func TestSenderRejectsNilEvent(t *testing.T) {
	_, url := startHub(t)
	sender := NewSender[*events.DeviceCommandEvent](url, nil)
	require.NoError(t, sender.Initialize(context.Background()))
	t.Cleanup(func() { _ = sender.Close() })
	assert.False(t, sender.Send(context.Background(), "SendDeviceCommandEvent", nil))
}

func TestInitializeReportsConnectError(t *testing.T) {
	sender := NewSender[*events.DeviceCommandEvent]("ws://127.0.0.1:1/hub", nil)
	var connErr *transport.ConnectError
	require.ErrorAs(t, sender.Initialize(context.Background()), &connErr)
	assert.Equal(t, TransportName, connErr.Transport)

	receiver := NewReceiver[*events.DeviceCommandEvent]("ws://127.0.0.1:1/hub", fastReconnect, nil)
	require.ErrorAs(t, receiver.Initialize(context.Background()), &connErr)
	assert.NoError(t, receiver.Close())
}

func TestReceiverReconnectsAfterDrop(t *testing.T) {
	server, url := startHub(t)

	receiver := NewReceiver[*events.DeviceCommandEvent](url, fastReconnect, nil)
	var got commands
	receiver.SetCallback("OnDeviceCommandEvent", got.callback)
	require.NoError(t, receiver.Initialize(context.Background()))
	t.Cleanup(func() { _ = receiver.Close() })
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, waitFor, tick)

	receiver.mu.Lock()
	first := receiver.client
	receiver.mu.Unlock()

	server.DisconnectAll()
	require.Eventually(t, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		return receiver.client != first && server.ClientCount() == 1
	}, waitFor, tick)

	c := dial(t, url)
	require.Eventually(t, func() bool { return server.ClientCount() == 2 }, waitFor, tick)
	require.NoError(t, c.Invoke(context.Background(), "SendDeviceCommandEvent", events.NewDeviceCommandEvent(events.CommandRunLedTest)))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
}

func TestReceiverCloseStopsDelivery(t *testing.T) {
	server, url := startHub(t)
	receiver := NewReceiver[*events.DeviceCommandEvent](url, fastReconnect, nil)
	var got commands
	receiver.SetCallback("OnDeviceCommandEvent", got.callback)
	require.NoError(t, receiver.Initialize(context.Background()))
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, waitFor, tick)

	require.NoError(t, receiver.Close())
	require.NoError(t, receiver.Close())
	require.Eventually(t, func() bool { return server.ClientCount() == 0 }, waitFor, tick)
}
