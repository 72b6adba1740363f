package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/events"
	"github.com/sensortelemetry/relay/internal/runtime/ids"
	"github.com/sensortelemetry/relay/internal/runtime/jsoncodec"
	metadatapkg "github.com/sensortelemetry/relay/internal/runtime/metadata"
)

// PublisherDialer opens a broker publisher.
type PublisherDialer func(ctx context.Context) (message.Publisher, error)

// SubscriberDialer opens a broker subscriber.
type SubscriberDialer func(ctx context.Context) (message.Subscriber, error)

// PubSubSender publishes events of type T as JSON to a fixed broker topic.
type PubSubSender[T events.Event] struct {
	name   string
	topic  string
	dial   PublisherDialer
	logger watermill.LoggerAdapter

	mu        sync.RWMutex
	publisher message.Publisher
}

// NewPubSubSender creates a sender for topic. name identifies the broker in
// errors and logs.
func NewPubSubSender[T events.Event](name, topic string, dial PublisherDialer, logger watermill.LoggerAdapter) *PubSubSender[T] {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSubSender[T]{
		name:   name,
		topic:  topic,
		dial:   dial,
		logger: logger.With(watermill.LogFields{"transport": name, "topic": topic}),
	}
}

func (s *PubSubSender[T]) Initialize(ctx context.Context) error {
	if s.topic == "" {
		return connectError(s.name, errs.ErrTopicRequired)
	}
	if s.dial == nil {
		return connectError(s.name, errs.ErrTransportNotConfigured)
	}
	publisher, err := s.dial(ctx)
	if err != nil {
		return connectError(s.name, err)
	}

	s.mu.Lock()
	previous := s.publisher
	s.publisher = publisher
	s.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	s.logger.Debug("Sender connected", nil)
	return nil
}

func (s *PubSubSender[T]) Send(ctx context.Context, channel string, event T) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Send panicked", fmt.Errorf("panic: %v", r), watermill.LogFields{"channel": channel})
			sent = false
		}
	}()

	s.mu.RLock()
	publisher := s.publisher
	s.mu.RUnlock()
	if publisher == nil {
		s.logger.Debug("Send before initialize", watermill.LogFields{"channel": channel})
		return false
	}
	if events.IsNil(event) {
		return false
	}

	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to encode event", err, watermill.LogFields{"channel": channel})
		return false
	}

	msg := message.NewMessage(ids.NewMessageID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.ForEnvelope(channel, string(event.Kind()), event.RelayHeader().SenderKey, time.Now()))
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := publisher.Publish(s.topic, msg); err != nil {
		s.logger.Error("Failed to publish event", err, watermill.LogFields{"channel": channel, "message_uuid": msg.UUID})
		return false
	}
	return true
}

func (s *PubSubSender[T]) Close() error {
	s.mu.Lock()
	publisher := s.publisher
	s.publisher = nil
	s.mu.Unlock()
	if publisher == nil {
		return nil
	}
	return publisher.Close()
}

// ReceiverOptions tunes a PubSubReceiver's receive loop.
type ReceiverOptions struct {
	// PollInterval bounds each wait for a message. A timeout is not an error.
	PollInterval time.Duration
	// IdleDelay is slept after a poll interval that delivered nothing. Zero
	// means the default; a negative value disables the delay.
	IdleDelay time.Duration
	// ReconnectInitial and ReconnectMax bound the resubscribe backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// DefaultReceiverOptions returns the receive loop defaults.
func DefaultReceiverOptions() ReceiverOptions {
	return ReceiverOptions{
		PollInterval:     time.Second,
		IdleDelay:        time.Second,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	def := DefaultReceiverOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	switch {
	case o.IdleDelay == 0:
		o.IdleDelay = def.IdleDelay
	case o.IdleDelay < 0:
		o.IdleDelay = 0
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = def.ReconnectInitial
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = def.ReconnectMax
	}
	return o
}

// PubSubReceiver subscribes to a broker topic and hands decoded events of
// type T to its callback from a single receive loop goroutine.
type PubSubReceiver[T events.Event] struct {
	name   string
	topic  string
	dial   SubscriberDialer
	opts   ReceiverOptions
	logger watermill.LoggerAdapter

	mu         sync.Mutex
	channel    string
	callback   Callback[T]
	subscriber message.Subscriber
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewPubSubReceiver creates a receiver for topic.
func NewPubSubReceiver[T events.Event](name, topic string, dial SubscriberDialer, opts ReceiverOptions, logger watermill.LoggerAdapter) *PubSubReceiver[T] {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSubReceiver[T]{
		name:   name,
		topic:  topic,
		dial:   dial,
		opts:   opts.withDefaults(),
		logger: logger.With(watermill.LogFields{"transport": name, "topic": topic}),
	}
}

func (r *PubSubReceiver[T]) SetCallback(channel string, callback Callback[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = channel
	r.callback = callback
}

func (r *PubSubReceiver[T]) Initialize(ctx context.Context) error {
	if r.topic == "" {
		return connectError(r.name, errs.ErrTopicRequired)
	}
	if r.dial == nil {
		return connectError(r.name, errs.ErrTransportNotConfigured)
	}

	r.mu.Lock()
	running := r.done != nil
	r.mu.Unlock()
	if running {
		return nil
	}

	subscriber, err := r.dial(ctx)
	if err != nil {
		return connectError(r.name, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := subscriber.Subscribe(loopCtx, r.topic)
	if err != nil {
		cancel()
		_ = subscriber.Close()
		return connectError(r.name, err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.subscriber = subscriber
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.run(loopCtx, subscriber, msgs, done)
	r.logger.Debug("Receiver started", nil)
	return nil
}

func (r *PubSubReceiver[T]) Close() error {
	r.mu.Lock()
	cancel, done, subscriber := r.cancel, r.done, r.subscriber
	r.cancel, r.done, r.subscriber = nil, nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return subscriber.Close()
}

func (r *PubSubReceiver[T]) run(ctx context.Context, subscriber message.Subscriber, msgs <-chan *message.Message, done chan struct{}) {
	defer close(done)

	poll := time.NewTimer(r.opts.PollInterval)
	defer poll.Stop()

	for {
		poll.Reset(r.opts.PollInterval)
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				next, err := r.resubscribe(ctx, subscriber)
				if err != nil {
					return
				}
				msgs = next
				continue
			}
			r.handle(ctx, msg)
		case <-poll.C:
			// Delivered messages are handled back to back; only an empty
			// poll backs off, so a busy channel is not throttled to one
			// message per IdleDelay.
			if !sleepContext(ctx, r.opts.IdleDelay) {
				return
			}
		}
	}
}

func (r *PubSubReceiver[T]) handle(ctx context.Context, msg *message.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Receive handler panicked", fmt.Errorf("panic: %v", rec), watermill.LogFields{"message_uuid": msg.UUID})
		}
	}()

	// The broker copy is settled before dispatch; a failing callback never
	// causes redelivery.
	msg.Ack()

	event, err := events.Unmarshal[T](msg.Payload)
	if err != nil {
		r.logger.Error("Discarding undecodable message", err, watermill.LogFields{"message_uuid": msg.UUID})
		return
	}

	r.mu.Lock()
	callback, channel := r.callback, r.channel
	r.mu.Unlock()
	if callback == nil {
		r.logger.Debug("No callback registered; message dropped", watermill.LogFields{"message_uuid": msg.UUID})
		return
	}
	callback(ctx, event)
	r.logger.Trace("Message delivered", watermill.LogFields{"channel": channel, "message_uuid": msg.UUID})
}

func (r *PubSubReceiver[T]) resubscribe(ctx context.Context, subscriber message.Subscriber) (<-chan *message.Message, error) {
	r.logger.Info("Subscription closed; resubscribing", nil)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.ReconnectInitial
	policy.MaxInterval = r.opts.ReconnectMax

	return backoff.Retry(ctx, func() (<-chan *message.Message, error) {
		return subscriber.Subscribe(ctx, r.topic)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Error("Resubscribe failed", err, watermill.LogFields{"retry_in": next.String()})
		}),
	)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
