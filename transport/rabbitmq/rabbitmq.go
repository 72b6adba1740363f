// Package rabbitmq provides a RabbitMQ/AMQP broker. Topics map to fan-out
// exchanges and each instance binds its own durable queue.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sensortelemetry/relay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

var errURLRequired = errors.New("rabbitmq url is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return amqp.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return amqp.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, transport.Builder{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.RabbitMQCapabilities)
}

// BuildPublisher dials a RabbitMQ publisher.
func BuildPublisher(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	amqpConfig, err := Config(cfg)
	if err != nil {
		return nil, err
	}
	return PublisherFactory(amqpConfig, logger)
}

// BuildSubscriber dials a RabbitMQ subscriber bound to this instance's queue.
func BuildSubscriber(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	amqpConfig, err := Config(cfg)
	if err != nil {
		return nil, err
	}
	return SubscriberFactory(amqpConfig, logger)
}

// Config derives the AMQP configuration for cfg. Queue names are the topic
// suffixed with the subscriber id, so instances never compete for messages.
func Config(cfg transport.Config) (amqp.Config, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return amqp.Config{}, errURLRequired
	}
	generator := amqp.GenerateQueueNameTopicName
	if id := cfg.GetSubscriberID(); id != "" {
		generator = amqp.GenerateQueueNameTopicNameWithSuffix(id)
	}
	amqpConfig := amqp.NewDurablePubSubConfig(url, generator)
	amqpConfig.Connection.Reconnect = amqp.DefaultReconnectConfig()
	return amqpConfig, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
