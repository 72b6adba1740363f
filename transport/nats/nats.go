// Package nats provides a core NATS broker. Every subscribing instance gets
// its own subscription on the subject, so each one sees every message.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/sensortelemetry/relay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const (
	reconnectWait  = 2 * time.Second
	closeTimeout   = 5 * time.Second
	ackWaitTimeout = 30 * time.Second
)

var errURLRequired = errors.New("nats url is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, transport.Builder{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.NATSCapabilities)
}

// BuildPublisher dials a core NATS publisher.
func BuildPublisher(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, errURLRequired
	}
	return PublisherFactory(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: connectOptions(cfg),
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream:   wmnats.JetStreamConfig{Disabled: true},
	}, logger)
}

// BuildSubscriber dials a core NATS subscriber.
func BuildSubscriber(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, errURLRequired
	}
	return SubscriberFactory(wmnats.SubscriberConfig{
		URL:              url,
		SubscribersCount: 1,
		CloseTimeout:     closeTimeout,
		AckWaitTimeout:   ackWaitTimeout,
		NatsOptions:      connectOptions(cfg),
		Unmarshaler:      &wmnats.NATSMarshaler{},
		JetStream:        wmnats.JetStreamConfig{Disabled: true},
	}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

func connectOptions(cfg transport.Config) []natsgo.Option {
	opts := []natsgo.Option{
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(reconnectWait),
	}
	if name := cfg.GetNATSClientName(); name != "" {
		opts = append(opts, natsgo.Name(name))
	}
	return opts
}
