// Package kafka provides a Kafka broker. Each instance consumes in its own
// consumer group so every instance sees every message.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sensortelemetry/relay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ConsumerGroupPrefix prefixes the per-instance consumer group.
const ConsumerGroupPrefix = "sensor-relay-"

var errBrokersRequired = errors.New("kafka brokers are required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, transport.Builder{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.KafkaCapabilities)
}

// BuildPublisher creates a Kafka publisher.
func BuildPublisher(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, errBrokersRequired
	}
	return PublisherFactory(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: kafka.DefaultMarshaler{},
	}, logger)
}

// BuildSubscriber creates a Kafka subscriber in this instance's consumer group.
func BuildSubscriber(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, errBrokersRequired
	}
	return SubscriberFactory(kafka.SubscriberConfig{
		Brokers:       brokers,
		Unmarshaler:   kafka.DefaultMarshaler{},
		ConsumerGroup: ConsumerGroup(cfg),
	}, logger)
}

// ConsumerGroup derives the consumer group for cfg's subscriber id.
func ConsumerGroup(cfg transport.Config) string {
	id := cfg.GetSubscriberID()
	if id == "" {
		return ""
	}
	return ConsumerGroupPrefix + id
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
