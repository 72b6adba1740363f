package bus

import (
	"context"
	"fmt"

	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/events"
	"github.com/sensortelemetry/relay/internal/runtime/jsoncodec"
	loggingpkg "github.com/sensortelemetry/relay/internal/runtime/logging"
)

// Channel is the typed view of the bus topic for event type T.
type Channel[T events.Event] struct {
	bus  *Bus
	kind events.Kind
}

// ChannelFor returns the channel carrying T on b.
func ChannelFor[T events.Event](b *Bus) *Channel[T] {
	return &Channel[T]{bus: b, kind: events.NameOf[T]()}
}

// Kind returns the event kind carried by the channel.
func (c *Channel[T]) Kind() events.Kind { return c.kind }

// Publish delivers event to every current subscriber.
func (c *Channel[T]) Publish(ctx context.Context, event T) error {
	if c.bus == nil {
		return errs.ErrBusRequired
	}
	if events.IsNil(event) {
		return errs.ErrEventPayloadRequired
	}
	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.kind, err)
	}
	return c.bus.publish(ctx, string(c.kind), payload)
}

// Subscribe registers handler. Each invocation receives its own decoded copy
// of the event.
func (c *Channel[T]) Subscribe(handler func(ctx context.Context, event T), mode DispatchMode) (*Subscription, error) {
	if c.bus == nil {
		return nil, errs.ErrBusRequired
	}
	if handler == nil {
		return nil, errs.ErrHandlerRequired
	}
	logger := c.bus.logger.With(loggingpkg.LogFields{"event_kind": string(c.kind)})
	return c.bus.subscribe(string(c.kind), func(ctx context.Context, payload []byte) {
		event, err := events.Unmarshal[T](payload)
		if err != nil {
			logger.Error("Discarding undecodable bus event", err, nil)
			return
		}
		handler(ctx, event)
	}, mode)
}

// Unsubscribe stops sub. It is safe to call more than once.
func (c *Channel[T]) Unsubscribe(sub *Subscription) {
	if c.bus == nil {
		return
	}
	c.bus.unsubscribe(sub)
}
