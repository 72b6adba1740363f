package relay

import (
	"context"

	runtimepkg "github.com/sensortelemetry/relay/internal/runtime"
	"github.com/sensortelemetry/relay/internal/runtime/bus"
	configpkg "github.com/sensortelemetry/relay/internal/runtime/config"
	errspkg "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/events"
	identitypkg "github.com/sensortelemetry/relay/internal/runtime/identity"
	idspkg "github.com/sensortelemetry/relay/internal/runtime/ids"
	jsoncodec "github.com/sensortelemetry/relay/internal/runtime/jsoncodec"
	loggingpkg "github.com/sensortelemetry/relay/internal/runtime/logging"
	relaypkg "github.com/sensortelemetry/relay/internal/runtime/relay"
	transportpkg "github.com/sensortelemetry/relay/transport"
)

type (
	Config                = configpkg.Config
	Duration              = configpkg.Duration
	ConfigValidationError = errspkg.ConfigValidationError

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	RelayMode           = runtimepkg.RelayMode
	TransportFactory    = runtimepkg.TransportFactory
	Route               = runtimepkg.Route

	RelayRegistration[T events.Event] = runtimepkg.RelayRegistration[T]
	Policies[T any]                   = relaypkg.Policies[T]

	// Relay lifecycle hooks
	Hooks        = relaypkg.Hooks
	HookContext  = relaypkg.Context
	Outcome      = relaypkg.Outcome
	Direction    = relaypkg.Direction
	RelayMetrics = runtimepkg.RelayMetrics

	// Status reporting
	RelayStatus    = runtimepkg.RelayStatus
	RelayCounters  = runtimepkg.RelayCounters
	StatusSnapshot = runtimepkg.StatusSnapshot
	ResourceUsage  = runtimepkg.ResourceUsage

	// Relayable events
	Event                   = events.Event
	EventKind               = events.Kind
	EventHeader             = events.Header
	TemperatureChangedEvent = events.TemperatureChangedEvent
	DeviceCommandEvent      = events.DeviceCommandEvent
	SensorReading           = events.SensorReading
	ReadingSource           = events.ReadingSource
	Thresholds              = events.Thresholds
	DeviceCommand           = events.DeviceCommand

	Identity = identitypkg.Identity

	// Event bus
	Bus                = bus.Bus
	DispatchMode       = bus.DispatchMode
	Dispatcher         = bus.Dispatcher
	ConfinedDispatcher = bus.ConfinedDispatcher
	Subscription       = bus.Subscription

	// Transport contract
	Sender[T any]         = transportpkg.Sender[T]
	Receiver[T any]       = transportpkg.Receiver[T]
	Callback[T any]       = transportpkg.Callback[T]
	NullSender[T any]     = transportpkg.NullSender[T]
	NullReceiver[T any]   = transportpkg.NullReceiver[T]
	ConnectError          = transportpkg.ConnectError
	ReceiverOptions       = transportpkg.ReceiverOptions
	TransportCapabilities = transportpkg.Capabilities
	TransportRegistry     = transportpkg.Registry
	TransportBuilder      = transportpkg.Builder

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

var (
	NewService      = runtimepkg.NewService
	TryNewService   = runtimepkg.TryNewService
	LoadConfig      = configpkg.Load
	ParseConfig     = configpkg.Parse
	NewRelayMetrics = runtimepkg.NewRelayMetrics

	TemperaturePolicies   = runtimepkg.TemperaturePolicies
	DeviceCommandPolicies = runtimepkg.DeviceCommandPolicies
	LoggingHooks          = relaypkg.LoggingHooks
	Outcomes              = relaypkg.Outcomes

	NewIdentity           = identitypkg.New
	IdentityFromKey       = identitypkg.FromKey
	NewConfinedDispatcher = bus.NewConfinedDispatcher

	NewTemperatureChangedEvent = events.NewTemperatureChangedEvent
	NewDeviceCommandEvent      = events.NewDeviceCommandEvent
	NewSensorReading           = events.NewSensorReading
	DefaultThresholds          = events.DefaultThresholds
	ParseDeviceCommand         = events.ParseDeviceCommand
	DecodeEvent                = events.Decode
	DescribeEvent              = events.Describe
	InboundChannel             = events.InboundChannel
	OutboundChannel            = events.OutboundChannel

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.RegisterWithCapabilities
	GetCapabilities          = transportpkg.GetCapabilities
	DefaultReceiverOptions   = transportpkg.DefaultReceiverOptions

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrServiceRequired        = errspkg.ErrServiceRequired
	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrBusClosed              = errspkg.ErrBusClosed
	ErrHandlerRequired        = errspkg.ErrHandlerRequired
	ErrNoDispatcher           = errspkg.ErrNoDispatcher
	ErrIdentityRequired       = errspkg.ErrIdentityRequired
	ErrInvalidIdentityKey     = errspkg.ErrInvalidIdentityKey
	ErrServiceStarted         = errspkg.ErrServiceStarted
	ErrTransportNotConfigured = errspkg.ErrTransportNotConfigured
	ErrUnknownEventKind       = errspkg.ErrUnknownEventKind

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewTextLogger        = loggingpkg.NewTextLogger

	CreateULID = idspkg.NewMessageID
)

const (
	SendReceive = runtimepkg.SendReceive
	SendOnly    = runtimepkg.SendOnly
	ReceiveOnly = runtimepkg.ReceiveOnly

	DispatchAny      = bus.DispatchAny
	DispatchConfined = bus.DispatchConfined

	KindTemperatureChanged = events.KindTemperatureChanged
	KindDeviceCommand      = events.KindDeviceCommand

	SourceNone   = events.SourceNone
	SourceDevice = events.SourceDevice
	SourceCloud  = events.SourceCloud

	CommandUpdateTemperature = events.CommandUpdateTemperature
	CommandRunLedTest        = events.CommandRunLedTest
	CommandResetAlert        = events.CommandResetAlert

	TransportHub  = configpkg.TransportHub
	TransportNone = configpkg.TransportNone
)

func RegisterRelay[T events.Event](svc *Service, reg RelayRegistration[T]) error {
	return runtimepkg.RegisterRelay(svc, reg)
}

// Publish puts event on the service bus. Locally originated events reach
// every subscriber of T, including the relay for T.
func Publish[T events.Event](ctx context.Context, svc *Service, event T) error {
	if svc == nil {
		return ErrServiceRequired
	}
	return bus.ChannelFor[T](svc.Bus()).Publish(ctx, event)
}

// Subscribe registers handler for every T published on the service bus.
func Subscribe[T events.Event](svc *Service, handler func(ctx context.Context, event T), mode DispatchMode) (*Subscription, error) {
	if svc == nil {
		return nil, ErrServiceRequired
	}
	return bus.ChannelFor[T](svc.Bus()).Subscribe(handler, mode)
}

// Unsubscribe stops sub; handlers already running finish normally.
func Unsubscribe[T events.Event](svc *Service, sub *Subscription) {
	if svc == nil || sub == nil {
		return
	}
	bus.ChannelFor[T](svc.Bus()).Unsubscribe(sub)
}

func EventKindOf[T events.Event]() EventKind {
	return events.NameOf[T]()
}
