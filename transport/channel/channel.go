// Package channel provides an in-process broker backed by a Watermill
// GoChannel. Every sender and receiver built from it in the same process
// shares one pub/sub, so it connects relay instances living side by side in
// tests and local development.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/sensortelemetry/relay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

var (
	sharedMu sync.Mutex
	shared   *gochannel.GoChannel
)

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, transport.Builder{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.ChannelCapabilities)
}

// BuildPublisher returns a publisher on the process-wide pub/sub.
func BuildPublisher(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sharedPublisher{pubsub: sharedPubSub(logger)}, nil
}

// BuildSubscriber returns a subscriber on the process-wide pub/sub.
func BuildSubscriber(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sharedSubscriber{pubsub: sharedPubSub(logger)}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Reset closes the process-wide pub/sub; the next build starts a fresh one.
func Reset() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}

func sharedPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		if logger == nil {
			logger = watermill.NopLogger{}
		}
		shared = Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	}
	return shared
}

// sharedPublisher leaves the pub/sub open on Close; it outlives any one relay.
type sharedPublisher struct {
	pubsub *gochannel.GoChannel
}

func (p sharedPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.pubsub.Publish(topic, messages...)
}

func (sharedPublisher) Close() error { return nil }

// sharedSubscriber ends its subscriptions through the Subscribe context.
type sharedSubscriber struct {
	pubsub *gochannel.GoChannel
}

func (s sharedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.pubsub.Subscribe(ctx, topic)
}

func (sharedSubscriber) Close() error { return nil }
