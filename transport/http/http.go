// Package http provides a webhook broker: publishers POST each message to
// <publisher url>/<topic>, subscribers serve one route per topic.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sensortelemetry/relay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

var (
	errPublisherURLRequired = errors.New("http publisher url is required")
	errServerAddrRequired   = errors.New("http server address is required")
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, transport.Builder{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.HTTPCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Path maps a topic onto its route.
func Path(topic string) string {
	return "/" + strings.TrimPrefix(topic, "/")
}

// BuildPublisher creates a publisher posting to the configured base URL.
func BuildPublisher(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	base := strings.TrimSuffix(cfg.GetHTTPPublisherURL(), "/")
	if base == "" {
		return nil, errPublisherURLRequired
	}
	return PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(base+Path(topic), msg)
		},
	}, logger)
}

// BuildSubscriber creates a subscriber; its server starts with the first
// subscription so routes exist before requests arrive.
func BuildSubscriber(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	addr := cfg.GetHTTPServerAddress()
	if addr == "" {
		return nil, errServerAddrRequired
	}
	sub, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &routeSubscriber{inner: sub, logger: logger}, nil
}

type routeSubscriber struct {
	inner  message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *routeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	msgs, err := s.inner.Subscribe(ctx, Path(topic))
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		server, ok := s.inner.(*http.Subscriber)
		if !ok {
			return
		}
		go func() {
			if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return msgs, nil
}

func (s *routeSubscriber) Close() error {
	return s.inner.Close()
}
