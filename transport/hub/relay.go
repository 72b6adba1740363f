package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v5"

	"github.com/sensortelemetry/relay/internal/runtime/events"
	"github.com/sensortelemetry/relay/transport"
)

// Sender invokes the channel name on the hub with the event as argument.
type Sender[T events.Event] struct {
	url    string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	client *Client
}

// NewSender creates a hub sender for url.
func NewSender[T events.Event](url string, logger watermill.LoggerAdapter) *Sender[T] {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Sender[T]{url: url, logger: logger.With(watermill.LogFields{"transport": TransportName})}
}

func (s *Sender[T]) Initialize(ctx context.Context) error {
	client, err := DialFunc(ctx, s.url, s.logger)
	if err != nil {
		return &transport.ConnectError{Transport: TransportName, Err: err}
	}
	s.mu.Lock()
	previous := s.client
	s.client = client
	s.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// Send reports false when the connection is not established. A lost
// connection is redialled once on the next Send.
func (s *Sender[T]) Send(ctx context.Context, channel string, event T) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Send panicked", fmt.Errorf("panic: %v", r), watermill.LogFields{"channel": channel})
			sent = false
		}
	}()
	if events.IsNil(event) {
		return false
	}

	client := s.connected(ctx)
	if client == nil {
		return false
	}
	if err := client.Invoke(ctx, channel, event); err != nil {
		s.logger.Error("Hub send failed", err, watermill.LogFields{"channel": channel})
		return false
	}
	return true
}

func (s *Sender[T]) connected(ctx context.Context) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	select {
	case <-s.client.Done():
	default:
		return s.client
	}

	s.logger.Info("Hub connection lost; redialling", nil)
	client, err := DialFunc(ctx, s.url, s.logger)
	if err != nil {
		s.logger.Error("Hub redial failed", err, nil)
		return nil
	}
	s.client = client
	return client
}

func (s *Sender[T]) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// Receiver registers its callback under the channel name and keeps the hub
// connection alive until closed.
type Receiver[T events.Event] struct {
	url    string
	opts   transport.ReceiverOptions
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	channel  string
	callback transport.Callback[T]
	client   *Client
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewReceiver creates a hub receiver for url. Only the reconnect bounds of
// opts are used.
func NewReceiver[T events.Event](url string, opts transport.ReceiverOptions, logger watermill.LoggerAdapter) *Receiver[T] {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	def := transport.DefaultReceiverOptions()
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = def.ReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	return &Receiver[T]{url: url, opts: opts, logger: logger.With(watermill.LogFields{"transport": TransportName})}
}

func (r *Receiver[T]) SetCallback(channel string, callback transport.Callback[T]) {
	r.mu.Lock()
	previous := r.channel
	r.channel = channel
	r.callback = callback
	client := r.client
	r.mu.Unlock()

	if client != nil {
		if previous != "" && previous != channel {
			client.On(previous, nil)
		}
		client.On(channel, r.deliver)
	}
}

func (r *Receiver[T]) Initialize(ctx context.Context) error {
	r.mu.Lock()
	running := r.done != nil
	r.mu.Unlock()
	if running {
		return nil
	}

	client, err := DialFunc(ctx, r.url, r.logger)
	if err != nil {
		return &transport.ConnectError{Transport: TransportName, Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.mu.Lock()
	r.client = client
	r.cancel = cancel
	r.done = done
	channel := r.channel
	r.mu.Unlock()
	if channel != "" {
		client.On(channel, r.deliver)
	}

	go r.run(loopCtx, client, done)
	return nil
}

func (r *Receiver[T]) Close() error {
	r.mu.Lock()
	cancel, done, client := r.cancel, r.done, r.client
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if client != nil {
		_ = client.Close()
	}
	<-done

	r.mu.Lock()
	client = r.client
	r.client = nil
	r.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
	return nil
}

func (r *Receiver[T]) deliver(ctx context.Context, args json.RawMessage) {
	event, err := events.Unmarshal[T](args)
	if err != nil {
		r.logger.Error("Discarding undecodable hub message", err, nil)
		return
	}
	r.mu.Lock()
	callback := r.callback
	r.mu.Unlock()
	if callback == nil {
		return
	}
	callback(ctx, event)
}

// run waits for the connection to drop and redials with backoff until ctx
// is cancelled.
func (r *Receiver[T]) run(ctx context.Context, client *Client, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
		}
		if ctx.Err() != nil {
			return
		}

		r.logger.Info("Hub connection lost; reconnecting", nil)
		next, err := r.reconnect(ctx)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.client = next
		channel := r.channel
		r.mu.Unlock()
		if channel != "" {
			next.On(channel, r.deliver)
		}
		client = next
	}
}

func (r *Receiver[T]) reconnect(ctx context.Context) (*Client, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.ReconnectInitial
	policy.MaxInterval = r.opts.ReconnectMax

	return backoff.Retry(ctx, func() (*Client, error) {
		return DialFunc(ctx, r.url, r.logger)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Error("Hub reconnect failed", err, watermill.LogFields{"retry_in": next.String()})
		}),
	)
}

var (
	_ transport.Sender[*events.TemperatureChangedEvent]   = (*Sender[*events.TemperatureChangedEvent])(nil)
	_ transport.Receiver[*events.TemperatureChangedEvent] = (*Receiver[*events.TemperatureChangedEvent])(nil)
)
