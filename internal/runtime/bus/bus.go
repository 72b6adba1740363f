// Package bus is the in-process publish/subscribe event bus relay maps attach
// to. Each event kind has its own typed channel; every subscriber decodes its
// own copy of each event.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/ids"
	loggingpkg "github.com/sensortelemetry/relay/internal/runtime/logging"
	metadatapkg "github.com/sensortelemetry/relay/internal/runtime/metadata"
)

// DispatchMode selects where a subscription's handler runs.
type DispatchMode int

const (
	// DispatchAny runs the handler on a dedicated worker goroutine per
	// subscription, preserving publish order.
	DispatchAny DispatchMode = iota
	// DispatchConfined runs the handler through the bus Dispatcher.
	DispatchConfined
)

func (m DispatchMode) String() string {
	switch m {
	case DispatchAny:
		return "any"
	case DispatchConfined:
		return "confined"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Option customises a Bus.
type Option func(*Bus)

// WithDispatcher sets the dispatcher used by DispatchConfined subscriptions.
func WithDispatcher(d Dispatcher) Option {
	return func(b *Bus) { b.dispatcher = d }
}

// Bus is a topic-per-kind event bus over a Watermill GoChannel.
type Bus struct {
	pubsub     *gochannel.GoChannel
	logger     loggingpkg.ServiceLogger
	dispatcher Dispatcher

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New constructs a Bus. Publish blocks until every current subscriber has
// accepted the event, which keeps per-publisher ordering.
func New(logger loggingpkg.ServiceLogger, opts ...Option) *Bus {
	if logger == nil {
		logger = loggingpkg.NewDiscardLogger()
	}
	b := &Bus{
		logger: logger.With(loggingpkg.LogFields{"component": "bus"}),
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pubsub = gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, loggingpkg.NewWatermillAdapter(b.logger))
	return b
}

// Dispatcher returns the configured dispatcher, or nil.
func (b *Bus) Dispatcher() Dispatcher { return b.dispatcher }

// Close unsubscribes everything and shuts the underlying pub/sub down.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return b.pubsub.Close()
}

func (b *Bus) publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errs.ErrBusClosed
	}

	msg := message.NewMessage(ids.NewMessageID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.Metadata{metadatapkg.KeyEventKind: topic})
	msg.SetContext(ctx)
	return b.pubsub.Publish(topic, msg)
}

func (b *Bus) subscribe(topic string, deliver func(ctx context.Context, payload []byte), mode DispatchMode) (*Subscription, error) {
	if deliver == nil {
		return nil, errs.ErrHandlerRequired
	}
	if mode == DispatchConfined && b.dispatcher == nil {
		return nil, errs.ErrNoDispatcher
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.ErrBusClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &Subscription{
		topic:  topic,
		mode:   mode,
		cancel: cancel,
		queue:  newQueue[[]byte](),
	}
	logger := b.logger.With(loggingpkg.LogFields{"topic": topic, "dispatch": mode.String()})
	invoke := func(payload []byte) {
		if sub.stopped.Load() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Bus handler panicked", fmt.Errorf("panic: %v", r), nil)
			}
		}()
		deliver(ctx, payload)
	}

	switch mode {
	case DispatchConfined:
		dispatcher := b.dispatcher
		sub.forward = func(payload []byte) {
			if err := dispatcher.Dispatch(func() { invoke(payload) }); err != nil {
				logger.Error("Failed to dispatch event", err, nil)
			}
		}
	default:
		sub.forward = func(payload []byte) { sub.queue.push(payload) }
		go sub.queue.drain(invoke)
	}

	go func() {
		for msg := range msgs {
			payload := append([]byte(nil), msg.Payload...)
			msg.Ack()
			sub.forward(payload)
		}
	}()

	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.stop()
}

// Subscription is a live bus registration.
type Subscription struct {
	topic   string
	mode    DispatchMode
	cancel  context.CancelFunc
	queue   *queue[[]byte]
	forward func([]byte)
	stopped atomic.Bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Mode returns the dispatch mode.
func (s *Subscription) Mode() DispatchMode { return s.mode }

// Active reports whether the subscription still delivers events.
func (s *Subscription) Active() bool { return !s.stopped.Load() }

// stop halts delivery. A handler already running finishes; no later handler
// invocation starts.
func (s *Subscription) stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.cancel()
	s.queue.stop()
}
