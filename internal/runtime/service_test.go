package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensortelemetry/relay/internal/runtime/bus"
	configpkg "github.com/sensortelemetry/relay/internal/runtime/config"
	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/events"
	"github.com/sensortelemetry/relay/internal/runtime/identity"
	loggingpkg "github.com/sensortelemetry/relay/internal/runtime/logging"
	"github.com/sensortelemetry/relay/internal/runtime/relay"
	"github.com/sensortelemetry/relay/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
	quiet   = 150 * time.Millisecond
)

var fastLoop = configpkg.Config{
	PollInterval:     configpkg.Duration{Duration: 20 * time.Millisecond},
	IdleDelay:        configpkg.Duration{Duration: time.Millisecond},
	ReconnectInitial: configpkg.Duration{Duration: 5 * time.Millisecond},
	ReconnectMax:     configpkg.Duration{Duration: 20 * time.Millisecond},
}

func testConfig(t *testing.T, pubsub string) *configpkg.Config {
	t.Helper()
	cfg := fastLoop
	cfg.PubSubSystem = pubsub
	cfg.TopicPrefix = t.Name()
	return &cfg
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := TryNewService(cfg, loggingpkg.NewDiscardLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

type closeLog struct {
	mu    sync.Mutex
	names []string
}

func (l *closeLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *closeLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

type stubSender[T any] struct {
	name    string
	log     *closeLog
	initErr error
	mu      sync.Mutex
	sent    []T
}

func (s *stubSender[T]) Initialize(context.Context) error { return s.initErr }

func (s *stubSender[T]) Send(_ context.Context, _ string, event T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, event)
	return true
}

func (s *stubSender[T]) Close() error {
	if s.log != nil {
		s.log.add(s.name)
	}
	return nil
}

func (s *stubSender[T]) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubReceiver[T any] struct {
	name    string
	log     *closeLog
	initErr error
}

func (r *stubReceiver[T]) Initialize(context.Context) error { return r.initErr }

func (r *stubReceiver[T]) SetCallback(string, transport.Callback[T]) {}

func (r *stubReceiver[T]) Close() error {
	if r.log != nil {
		r.log.add(r.name)
	}
	return nil
}

func connectErr(name string) error {
	return &transport.ConnectError{Transport: name, Err: errors.New("refused")}
}

func TestTryNewServiceValidation(t *testing.T) {
	_, err := TryNewService(nil, loggingpkg.NewDiscardLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, errs.ErrConfigRequired)

	_, err = TryNewService(&configpkg.Config{}, nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errs.ErrLoggerRequired)

	_, err = TryNewService(&configpkg.Config{PubSubSystem: "kafka"}, loggingpkg.NewDiscardLogger(), ServiceDependencies{})
	var validationErr errs.ConfigValidationError
	assert.ErrorAs(t, err, &validationErr)

	_, err = TryNewService(&configpkg.Config{InstanceKey: "bad"}, loggingpkg.NewDiscardLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, errs.ErrInvalidIdentityKey)

	assert.Panics(t, func() { NewService(nil, loggingpkg.NewDiscardLogger(), ServiceDependencies{}) })
}

func TestNewServiceAppliesDefaultsAndIdentity(t *testing.T) {
	pinned := identity.New()
	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{Identity: pinned})

	assert.Equal(t, pinned, svc.Identity())
	assert.Equal(t, configpkg.DefaultPubSubSystem, svc.Conf.PubSubSystem)
	assert.Equal(t, pinned.Short(), svc.Conf.SubscriberID)
	assert.NotNil(t, svc.Bus())
	assert.NotNil(t, svc.Metrics())

	key := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	fromConfig := newTestService(t, &configpkg.Config{InstanceKey: key, SubscriberID: "fixed"}, ServiceDependencies{})
	assert.Equal(t, key, fromConfig.Identity().Key())
	assert.Equal(t, "fixed", fromConfig.Conf.SubscriberID)
}

func TestRegisterRelayRules(t *testing.T) {
	assert.ErrorIs(t, RegisterRelay(nil, RelayRegistration[*events.DeviceCommandEvent]{}), errs.ErrServiceRequired)

	svc := newTestService(t, testConfig(t, "none"), ServiceDependencies{})
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{}))
	assert.Error(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{}))
	assert.Error(t, RegisterRelay(svc, RelayRegistration[*events.TemperatureChangedEvent]{Mode: RelayMode(9)}))

	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, RegisterRelay(svc, RelayRegistration[*events.TemperatureChangedEvent]{}), errs.ErrServiceStarted)
	assert.ErrorIs(t, svc.Start(context.Background()), errs.ErrServiceStarted)
}

func TestRelayModeString(t *testing.T) {
	assert.Equal(t, "send_receive", SendReceive.String())
	assert.Equal(t, "send_only", SendOnly.String())
	assert.Equal(t, "receive_only", ReceiveOnly.String())
	assert.Equal(t, "mode(7)", RelayMode(7).String())
}

func TestStartFailsOnSenderConnectErrorAndReleasesTransports(t *testing.T) {
	svc := newTestService(t, testConfig(t, "none"), ServiceDependencies{})
	log := &closeLog{}

	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.TemperatureChangedEvent]{
		Sender:   &stubSender[*events.TemperatureChangedEvent]{name: "temp-sender", log: log},
		Receiver: &stubReceiver[*events.TemperatureChangedEvent]{name: "temp-receiver", log: log},
	}))
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{
		Sender:   &stubSender[*events.DeviceCommandEvent]{name: "cmd-sender", log: log, initErr: connectErr("nats")},
		Receiver: &stubReceiver[*events.DeviceCommandEvent]{name: "cmd-receiver", log: log},
	}))

	err := svc.Start(context.Background())
	var connErr *transport.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "nats", connErr.Transport)
	assert.Equal(t, []string{"temp-sender"}, log.list(), "only initialized transports are released; receivers never started")
}

func TestStartFailsOnReceiverConnectError(t *testing.T) {
	svc := newTestService(t, testConfig(t, "none"), ServiceDependencies{})
	log := &closeLog{}

	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.TemperatureChangedEvent]{
		Sender:   &stubSender[*events.TemperatureChangedEvent]{name: "temp-sender", log: log},
		Receiver: &stubReceiver[*events.TemperatureChangedEvent]{name: "temp-receiver", log: log},
	}))
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{
		Sender:   &stubSender[*events.DeviceCommandEvent]{name: "cmd-sender", log: log},
		Receiver: &stubReceiver[*events.DeviceCommandEvent]{name: "cmd-receiver", log: log, initErr: connectErr("hub")},
	}))

	var connErr *transport.ConnectError
	require.ErrorAs(t, svc.Start(context.Background()), &connErr)
	assert.ElementsMatch(t, []string{"cmd-sender", "temp-sender", "temp-receiver"}, log.list())
}

func TestRetriedStartReleasesTransportsAfterRollback(t *testing.T) {
	svc := newTestService(t, testConfig(t, "none"), ServiceDependencies{})
	log := &closeLog{}

	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.TemperatureChangedEvent]{
		Sender:   &stubSender[*events.TemperatureChangedEvent]{name: "temp-sender", log: log},
		Receiver: &stubReceiver[*events.TemperatureChangedEvent]{name: "temp-receiver", log: log},
	}))
	cmdReceiver := &stubReceiver[*events.DeviceCommandEvent]{name: "cmd-receiver", log: log}
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{
		Sender:   &stubSender[*events.DeviceCommandEvent]{name: "cmd-sender", log: log},
		Receiver: cmdReceiver,
		Dispatch: bus.DispatchConfined,
	}))

	// The temperature map opens, then the command map fails without a dispatcher.
	require.ErrorIs(t, svc.Start(context.Background()), errs.ErrNoDispatcher)
	assert.ElementsMatch(t, []string{"temp-sender", "temp-receiver", "cmd-sender", "cmd-receiver"}, log.list())

	log.names = nil
	cmdReceiver.initErr = connectErr("hub")
	var connErr *transport.ConnectError
	require.ErrorAs(t, svc.Start(context.Background()), &connErr)
	assert.ElementsMatch(t, []string{"temp-sender", "temp-receiver", "cmd-sender"}, log.list())
}

func TestStartFailsOnUnknownTransport(t *testing.T) {
	svc := newTestService(t, testConfig(t, "carrier-pigeon"), ServiceDependencies{})
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{}))
	assert.ErrorIs(t, svc.Start(context.Background()), errs.ErrTransportNotConfigured)
}

func TestStopClosesRelaysInReverseOrder(t *testing.T) {
	svc := newTestService(t, testConfig(t, "none"), ServiceDependencies{})
	log := &closeLog{}

	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.TemperatureChangedEvent]{
		Sender:   &stubSender[*events.TemperatureChangedEvent]{name: "temp-sender", log: log},
		Receiver: &stubReceiver[*events.TemperatureChangedEvent]{name: "temp-receiver", log: log},
	}))
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{
		Sender:   &stubSender[*events.DeviceCommandEvent]{name: "cmd-sender", log: log},
		Receiver: &stubReceiver[*events.DeviceCommandEvent]{name: "cmd-receiver", log: log},
	}))
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
	assert.Equal(t, []string{"cmd-sender", "cmd-receiver", "temp-sender", "temp-receiver"}, log.list())
	assert.ErrorIs(t, svc.Start(context.Background()), errs.ErrServiceStarted)
}

func TestModesSelectNullHalves(t *testing.T) {
	svc := newTestService(t, testConfig(t, "channel"), ServiceDependencies{})
	sender := &stubSender[*events.DeviceCommandEvent]{name: "cmd"}

	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{Mode: ReceiveOnly, Sender: sender}))
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.TemperatureChangedEvent]{Mode: SendOnly}))
	require.NoError(t, svc.Start(context.Background()))

	cmd := svc.entries[0].(*entry[*events.DeviceCommandEvent])
	assert.True(t, transport.IsNull[*events.DeviceCommandEvent](cmd.sender))
	assert.False(t, transport.IsNull[*events.DeviceCommandEvent](cmd.receiver))

	temp := svc.entries[1].(*entry[*events.TemperatureChangedEvent])
	assert.True(t, transport.IsNull[*events.TemperatureChangedEvent](temp.receiver))
	assert.False(t, transport.IsNull[*events.TemperatureChangedEvent](temp.sender))

	require.NoError(t, bus.ChannelFor[*events.DeviceCommandEvent](svc.Bus()).Publish(context.Background(), events.NewDeviceCommandEvent(events.CommandRunLedTest)))
	assert.Never(t, func() bool { return sender.count() > 0 }, quiet, tick)
}

func TestNoneTransportUsesNullVariants(t *testing.T) {
	svc := newTestService(t, testConfig(t, "none"), ServiceDependencies{})
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{}))
	require.NoError(t, svc.Start(context.Background()))

	e := svc.entries[0].(*entry[*events.DeviceCommandEvent])
	assert.True(t, transport.IsNull[*events.DeviceCommandEvent](e.sender))
	assert.True(t, transport.IsNull[*events.DeviceCommandEvent](e.receiver))
}

type capture[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *capture[T]) handle(_ context.Context, event T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, event)
}

func (c *capture[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

func startRelayInstance(t *testing.T, cfg *configpkg.Config) (*Service, *capture[*events.TemperatureChangedEvent], *capture[*events.DeviceCommandEvent]) {
	t.Helper()
	svc := newTestService(t, cfg, ServiceDependencies{})
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.TemperatureChangedEvent]{Policies: TemperaturePolicies()}))
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{Policies: DeviceCommandPolicies()}))
	require.NoError(t, svc.Start(context.Background()))

	temps := &capture[*events.TemperatureChangedEvent]{}
	cmds := &capture[*events.DeviceCommandEvent]{}
	_, err := bus.ChannelFor[*events.TemperatureChangedEvent](svc.Bus()).Subscribe(temps.handle, bus.DispatchAny)
	require.NoError(t, err)
	_, err = bus.ChannelFor[*events.DeviceCommandEvent](svc.Bus()).Subscribe(cmds.handle, bus.DispatchAny)
	require.NoError(t, err)
	return svc, temps, cmds
}

func TestServicesRelayAcrossInstances(t *testing.T) {
	device, deviceTemps, deviceCmds := startRelayInstance(t, testConfig(t, "channel"))
	cloud, cloudTemps, _ := startRelayInstance(t, testConfig(t, "channel"))

	reading := events.NewSensorReading(29.5, events.SourceDevice, time.Now(), events.DefaultThresholds())
	require.NoError(t, bus.ChannelFor[*events.TemperatureChangedEvent](device.Bus()).Publish(context.Background(), events.NewTemperatureChangedEvent(reading)))

	require.Eventually(t, func() bool { return len(cloudTemps.snapshot()) == 1 }, waitFor, tick)
	got := cloudTemps.snapshot()[0]
	assert.Equal(t, events.SourceCloud, got.SensorReading.Source)
	assert.True(t, got.SensorReading.IsAboveUpperThreshold)
	assert.Equal(t, device.Identity().Key(), got.SenderKey)

	require.NoError(t, bus.ChannelFor[*events.DeviceCommandEvent](cloud.Bus()).Publish(context.Background(), events.NewDeviceCommandEvent(events.CommandResetAlert)))
	require.Eventually(t, func() bool { return len(deviceCmds.snapshot()) == 1 }, waitFor, tick)
	assert.Equal(t, events.CommandResetAlert, deviceCmds.snapshot()[0].Command)

	assert.Never(t, func() bool { return len(deviceTemps.snapshot()) != 1 }, quiet, tick)

	require.Eventually(t, func() bool {
		counters := device.Metrics().Counters(string(events.KindTemperatureChanged))
		return counters[relay.DirectionOutbound].Outcomes[relay.OutcomeRelayed] == 1 &&
			counters[relay.DirectionInbound].Outcomes[relay.OutcomeSelfEcho] == 1
	}, waitFor, tick)
}

func TestCloudReadingsStayLocal(t *testing.T) {
	cloud, _, _ := startRelayInstance(t, testConfig(t, "channel"))
	_, deviceTemps, _ := startRelayInstance(t, testConfig(t, "channel"))

	reading := events.NewSensorReading(22, events.SourceCloud, time.Now(), events.DefaultThresholds())
	require.NoError(t, bus.ChannelFor[*events.TemperatureChangedEvent](cloud.Bus()).Publish(context.Background(), events.NewTemperatureChangedEvent(reading)))

	assert.Never(t, func() bool { return len(deviceTemps.snapshot()) > 0 }, quiet, tick)
	require.Eventually(t, func() bool {
		return cloud.Metrics().Counters(string(events.KindTemperatureChanged))[relay.DirectionOutbound].Outcomes[relay.OutcomeFiltered] == 1
	}, waitFor, tick)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	svc := newTestService(t, testConfig(t, "none"), ServiceDependencies{})
	require.NoError(t, RegisterRelay(svc, RelayRegistration[*events.DeviceCommandEvent]{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		svc.mu.RLock()
		defer svc.mu.RUnlock()
		return svc.started
	}, waitFor, tick)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, svc.entries[0].(*entry[*events.DeviceCommandEvent]).relay.Closed())
}

func TestStartServesConfiguredEndpoints(t *testing.T) {
	orig := listenAndServe
	t.Cleanup(func() { listenAndServe = orig })
	var mu sync.Mutex
	var addrs []string
	listenAndServe = func(srv *http.Server) error {
		mu.Lock()
		addrs = append(addrs, srv.Addr)
		mu.Unlock()
		return http.ErrServerClosed
	}

	cfg := testConfig(t, "none")
	cfg.MetricsEnabled = true
	cfg.MetricsPort = 9191
	cfg.StatusEnabled = true
	cfg.StatusPort = 9192
	svc := newTestService(t, cfg, ServiceDependencies{})
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(addrs) == 2
	}, waitFor, tick)
	assert.ElementsMatch(t, []string{":9191", ":9192"}, addrs)
}

func TestTemperaturePolicies(t *testing.T) {
	p := TemperaturePolicies()
	device := events.NewTemperatureChangedEvent(events.NewSensorReading(25, events.SourceDevice, time.Now(), events.DefaultThresholds()))
	cloud := events.NewTemperatureChangedEvent(events.NewSensorReading(25, events.SourceCloud, time.Now(), events.DefaultThresholds()))

	assert.True(t, p.ShouldRouteOutbound(device))
	assert.False(t, p.ShouldRouteOutbound(cloud))
	assert.True(t, p.ShouldRouteInbound(device))
	assert.False(t, p.ShouldRouteInbound(cloud))
	assert.Nil(t, p.OutboundTransform)
	assert.Equal(t, events.SourceCloud, p.InboundTransform(device).SensorReading.Source)

	cmd := DeviceCommandPolicies()
	assert.Nil(t, cmd.ShouldRouteOutbound)
	assert.Nil(t, cmd.InboundTransform)
}
