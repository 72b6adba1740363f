// Package transport defines the contract relay maps use to move events
// between application instances, plus the registry of Watermill-backed
// brokers that can carry them. Each broker lives in its own sub-package and
// registers itself with the registry.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Callback receives one inbound message. Its result is informational only.
type Callback[T any] func(ctx context.Context, message T) bool

// Sender delivers outbound messages on a named channel.
type Sender[T any] interface {
	// Initialize connects the sender. Failures are reported as *ConnectError.
	Initialize(ctx context.Context) error
	// Send reports whether message was handed to the transport. It never
	// panics; every failure is reported as false.
	Send(ctx context.Context, channel string, message T) bool
	// Close releases the connection. It is idempotent and safe to call
	// without a prior Initialize.
	Close() error
}

// Receiver delivers inbound messages to a single registered callback.
type Receiver[T any] interface {
	// Initialize connects the receiver and starts its receive loop.
	Initialize(ctx context.Context) error
	// SetCallback registers the callback for channel, replacing any prior one.
	SetCallback(channel string, callback Callback[T])
	// Close stops the receive loop, waits for it to exit and releases the
	// connection.
	Close() error
}

// ConnectError reports a transport that could not be initialized.
type ConnectError struct {
	Transport string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("relay: connect %s transport: %v", e.Transport, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func connectError(name string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectError{Transport: name, Err: err}
}

// PublisherBuilder dials a broker publisher.
type PublisherBuilder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error)

// SubscriberBuilder dials a broker subscriber.
type SubscriberBuilder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Subscriber, error)

// Builder creates the two halves of a broker connection independently, so a
// send-only relay never opens a subscription and vice versa.
type Builder struct {
	Publisher  PublisherBuilder
	Subscriber SubscriberBuilder
}

// Config provides the values broker builders need without depending on the
// full configuration package.
type Config interface {
	// GetPubSubSystem returns the default broker name.
	GetPubSubSystem() string
	// GetSubscriberID identifies this instance's subscription so every
	// instance receives every message.
	GetSubscriberID() string

	GetKafkaBrokers() []string
	GetRabbitMQURL() string
	GetNATSURL() string
	GetNATSClientName() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
