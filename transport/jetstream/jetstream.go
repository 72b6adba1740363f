// Package jetstream provides a NATS JetStream broker. Every instance reads
// the shared stream through its own durable consumer, so an instance that was
// offline receives the events it missed once it reconnects.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/sensortelemetry/relay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	DefaultStreamName = "SENSOR_TELEMETRY"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	DefaultMaxAge     = 24 * time.Hour

	// DefaultInactiveThreshold is how long the server keeps a consumer that
	// no instance reads from.
	DefaultInactiveThreshold = 7 * 24 * time.Hour

	fetchBatch   = 10
	fetchMaxWait = time.Second
)

var (
	errURLRequired = errors.New("nats url is required")
	errClosed      = errors.New("jetstream transport is closed")
)

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, transport.Builder{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.JetStreamCapabilities)
}

// BuildPublisher connects a JetStream publisher.
func BuildPublisher(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return New(configFrom(cfg), logger)
}

// BuildSubscriber connects a JetStream subscriber.
func BuildSubscriber(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return New(configFrom(cfg), logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream-specific settings.
type Config struct {
	URL        string
	ClientName string

	// Durable prefixes consumer names; it must be unique per instance.
	Durable string

	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
	Replicas   int

	InactiveThreshold time.Duration
}

func configFrom(cfg transport.Config) Config {
	return Config{
		URL:        cfg.GetNATSURL(),
		ClientName: cfg.GetNATSClientName(),
		Durable:    cfg.GetSubscriberID(),
	}
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = DefaultInactiveThreshold
	}
	if c.Durable == "" {
		c.Durable = watermill.NewShortUUID()
	}
	return c
}

func (c Config) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      c.StreamName,
		Subjects:  []string{c.StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    c.MaxAge,
		Replicas:  c.Replicas,
	}
}

// consumerConfig describes the durable pull consumer for topic. Consumers
// start with messages published after they were created and are removed by
// the server once unread for InactiveThreshold.
func (c Config) consumerConfig(name, subject string) *nats.ConsumerConfig {
	return &nats.ConsumerConfig{
		Durable:           name,
		FilterSubject:     subject,
		DeliverPolicy:     nats.DeliverNewPolicy,
		AckPolicy:         nats.AckExplicitPolicy,
		MaxDeliver:        c.MaxDeliver,
		AckWait:           c.AckWait,
		InactiveThreshold: c.InactiveThreshold,
	}
}

// Transport publishes to and consumes from one JetStream stream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errURLRequired
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	opts := []nats.Option{nats.MaxReconnects(-1)}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}
	nc, err := Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{nc: nc, js: js, config: cfg, logger: logger, done: make(chan struct{})}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.config.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("look up stream %s: %w", t.config.StreamName, err)
	}
	if _, err := t.js.AddStream(t.config.streamConfig()); err != nil {
		return fmt.Errorf("create stream %s: %w", t.config.StreamName, err)
	}
	return nil
}

func (t *Transport) ensureConsumer(name, subject string) error {
	_, err := t.js.ConsumerInfo(t.config.StreamName, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("look up consumer %s: %w", name, err)
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, t.config.consumerConfig(name, subject)); err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Publish stores messages on the stream. The message UUID doubles as the
// JetStream de-duplication id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}
	subject := t.subject(topic)
	for _, msg := range messages {
		natsMsg := nats.NewMsg(subject)
		natsMsg.Data = msg.Payload
		for k, v := range msg.Metadata {
			natsMsg.Header.Set(k, v)
		}
		if _, err := t.js.PublishMsg(natsMsg, nats.MsgId(msg.UUID)); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe binds this instance's durable consumer for topic, creating it
// on first use.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}
	name, subject := t.consumerName(topic), t.subject(topic)
	if err := t.ensureConsumer(name, subject); err != nil {
		return nil, err
	}
	sub, err := t.js.PullSubscribe(subject, name, nats.Bind(t.config.StreamName, name))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	output := make(chan *message.Message)
	go t.fetch(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if t.isClosed() || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			t.logger.Error("JetStream fetch failed", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, natsMsg, output) {
				return
			}
		}
	}
}

// deliver hands one message to the subscriber and settles it. It returns
// false when the subscription is over.
func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message) bool {
	msg := toWatermill(natsMsg)
	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}

	var err error
	select {
	case <-msg.Acked():
		err = natsMsg.Ack()
	case <-msg.Nacked():
		err = natsMsg.Nak()
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}
	if err != nil {
		t.logger.Error("JetStream settle failed", err, watermill.LogFields{"uuid": msg.UUID})
	}
	return true
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if len(v) > 0 && k != nats.MsgIdHdr {
			msg.Metadata.Set(k, v[0])
		}
	}
	return msg
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// consumerName is unique per instance and topic. Consumer names may not
// contain dots, spaces or wildcards.
func (t *Transport) consumerName(topic string) string {
	return sanitize(t.config.Durable + "_" + topic)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '/', '\\':
			return '_'
		}
		return r
	}, name)
}

// Close stops fetching and drops the connection. Durable consumers are
// kept on the server so the next run with the same Durable resumes where
// this one stopped; unread consumers expire after InactiveThreshold.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.nc.Close()
	return nil
}
