package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/sensortelemetry/relay/internal/runtime/config"
	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/events"
	"github.com/sensortelemetry/relay/transport"
	"github.com/sensortelemetry/relay/transport/hub"

	// Import all brokers to register them.
	_ "github.com/sensortelemetry/relay/transport/transports"
)

// Route describes how one event kind travels between instances. Dialers are
// invoked lazily when the relay's transports are initialized.
type Route struct {
	// Transport is "none", "hub" or a broker registry name.
	Transport  string
	Topic      string
	HubURL     string
	Publisher  transport.PublisherDialer
	Subscriber transport.SubscriberDialer
	Options    transport.ReceiverOptions
}

// TransportFactory resolves the route of an event kind.
type TransportFactory interface {
	Route(kind events.Kind, conf *configpkg.Config, logger watermill.LoggerAdapter) (Route, error)
}

// DefaultTransportFactory resolves brokers through the default registry.
func DefaultTransportFactory() TransportFactory {
	return RegistryTransportFactory{Registry: transport.DefaultRegistry}
}

// RegistryTransportFactory resolves brokers through Registry.
type RegistryTransportFactory struct {
	Registry *transport.Registry
}

func (f RegistryTransportFactory) Route(kind events.Kind, conf *configpkg.Config, logger watermill.LoggerAdapter) (Route, error) {
	if conf == nil {
		return Route{}, errs.ErrConfigRequired
	}
	name := conf.TransportFor(kind)
	route := Route{Transport: name, Options: conf.ReceiverOptions()}

	switch name {
	case configpkg.TransportNone:
		return route, nil
	case configpkg.TransportHub:
		route.HubURL = conf.HubURL
		return route, nil
	}

	registry := f.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	if !registry.Has(name) {
		return Route{}, fmt.Errorf("%w: %q for %s", errs.ErrTransportNotConfigured, name, kind)
	}
	if caps := registry.GetCapabilities(name); !caps.SuitableForRelay() {
		logger.Info("Transport may not deliver to every instance", watermill.LogFields{"transport": name, "event_kind": string(kind)})
	}

	route.Topic = conf.Topic(kind)
	route.Publisher = func(ctx context.Context) (message.Publisher, error) {
		return registry.BuildPublisher(ctx, name, conf, logger)
	}
	route.Subscriber = func(ctx context.Context) (message.Subscriber, error) {
		return registry.BuildSubscriber(ctx, name, conf, logger)
	}
	return route, nil
}

func senderFor[T events.Event](route Route, logger watermill.LoggerAdapter) transport.Sender[T] {
	switch route.Transport {
	case configpkg.TransportNone:
		return transport.NullSender[T]{}
	case configpkg.TransportHub:
		return hub.NewSender[T](route.HubURL, logger)
	default:
		return transport.NewPubSubSender[T](route.Transport, route.Topic, route.Publisher, logger)
	}
}

func receiverFor[T events.Event](route Route, logger watermill.LoggerAdapter) transport.Receiver[T] {
	switch route.Transport {
	case configpkg.TransportNone:
		return transport.NullReceiver[T]{}
	case configpkg.TransportHub:
		return hub.NewReceiver[T](route.HubURL, route.Options, logger)
	default:
		return transport.NewPubSubReceiver[T](route.Transport, route.Topic, route.Subscriber, route.Options, logger)
	}
}
