// Package relay connects a local bus channel to a transport pair so events
// published on one application instance reach every other instance.
//
// A locally published event (no sender key, zero relay count) is stamped
// with this instance's key and sent. A received event is republished on the
// local bus only when it has made exactly one hop and was not sent by this
// instance. Republished events keep their stamp, so they are never sent
// again.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sensortelemetry/relay/internal/runtime/bus"
	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/events"
	"github.com/sensortelemetry/relay/internal/runtime/identity"
	loggingpkg "github.com/sensortelemetry/relay/internal/runtime/logging"
	"github.com/sensortelemetry/relay/transport"
)

const tracerName = "github.com/sensortelemetry/relay"

// Config holds everything a relay map needs.
type Config[T events.Event] struct {
	Identity identity.Identity
	Channel  *bus.Channel[T]

	// Sender and Receiver default to the null variants.
	Sender   transport.Sender[T]
	Receiver transport.Receiver[T]

	Policies Policies[T]
	Dispatch bus.DispatchMode
	Logger   loggingpkg.ServiceLogger
	Hooks    Hooks
}

type links[T events.Event] struct {
	sender   transport.Sender[T]
	receiver transport.Receiver[T]
	sub      *bus.Subscription
}

// Map relays events of type T between the local bus and a transport pair.
type Map[T events.Event] struct {
	kind     events.Kind
	inbound  string
	outbound string
	identity identity.Identity
	channel  *bus.Channel[T]
	policies Policies[T]
	hooks    Hooks
	logger   loggingpkg.ServiceLogger
	tracer   trace.Tracer

	links     atomic.Pointer[links[T]]
	closeOnce sync.Once
	closeErr  error
}

// New wires a relay map. The transports should already be initialized; the
// map registers its receiver callback and subscribes to the bus channel.
func New[T events.Event](cfg Config[T]) (*Map[T], error) {
	if cfg.Identity.IsZero() {
		return nil, errs.ErrIdentityRequired
	}
	if cfg.Channel == nil {
		return nil, errs.ErrChannelRequired
	}
	if cfg.Sender == nil {
		cfg.Sender = transport.NullSender[T]{}
	}
	if cfg.Receiver == nil {
		cfg.Receiver = transport.NullReceiver[T]{}
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewDiscardLogger()
	}

	kind := cfg.Channel.Kind()
	m := &Map[T]{
		kind:     kind,
		inbound:  events.InboundChannel(kind),
		outbound: events.OutboundChannel(kind),
		identity: cfg.Identity,
		channel:  cfg.Channel,
		policies: cfg.Policies.withDefaults(),
		hooks:    cfg.Hooks,
		logger:   cfg.Logger.With(loggingpkg.LogFields{"event_kind": string(kind), "instance": cfg.Identity.Short()}),
		tracer:   otel.Tracer(tracerName),
	}

	cfg.Receiver.SetCallback(m.inbound, m.handleInbound)

	sub, err := cfg.Channel.Subscribe(m.handleOutbound, cfg.Dispatch)
	if err != nil {
		cfg.Receiver.SetCallback(m.inbound, nil)
		return nil, fmt.Errorf("subscribe %s: %w", kind, err)
	}
	m.links.Store(&links[T]{sender: cfg.Sender, receiver: cfg.Receiver, sub: sub})
	m.logger.Debug("Relay map ready", loggingpkg.LogFields{"dispatch": cfg.Dispatch.String()})
	return m, nil
}

// Kind returns the event kind the map relays.
func (m *Map[T]) Kind() events.Kind { return m.kind }

// InboundChannel returns the transport channel events arrive on.
func (m *Map[T]) InboundChannel() string { return m.inbound }

// OutboundChannel returns the transport channel events are sent on.
func (m *Map[T]) OutboundChannel() string { return m.outbound }

// Identity returns the instance identity used for stamping.
func (m *Map[T]) Identity() identity.Identity { return m.identity }

// Closed reports whether Close has been called.
func (m *Map[T]) Closed() bool { return m.links.Load() == nil }

// Close unsubscribes from the bus and closes the sender and then the
// receiver. Subsequent calls return the first call's result.
func (m *Map[T]) Close() error {
	m.closeOnce.Do(func() {
		l := m.links.Swap(nil)
		if l == nil {
			return
		}
		m.channel.Unsubscribe(l.sub)
		var errList []error
		if err := l.sender.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close sender: %w", err))
		}
		if err := l.receiver.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close receiver: %w", err))
		}
		m.closeErr = errors.Join(errList...)
		m.logger.Debug("Relay map closed", nil)
	})
	return m.closeErr
}

func (m *Map[T]) describe(direction Direction, channel string, event T) Context {
	ctx := Context{Kind: m.kind, Direction: direction, Channel: channel, StartedAt: time.Now()}
	if !events.IsNil(event) {
		h := event.RelayHeader()
		ctx.SenderKey = h.SenderKey
		ctx.RelayCount = h.RelayCount
	}
	return ctx
}

func (m *Map[T]) startSpan(ctx context.Context, name string, rc Context) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("relay.kind", string(rc.Kind)),
		attribute.String("relay.channel", rc.Channel),
		attribute.Int("relay.count", rc.RelayCount),
	))
}

func (m *Map[T]) finish(span trace.Span, rc Context, outcome Outcome, err error) {
	rc.Duration = time.Since(rc.StartedAt)
	span.SetAttributes(attribute.String("relay.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.hooks.failed(rc, err)
	}
	if outcome == OutcomeRelayed {
		m.hooks.relayed(rc)
	} else {
		m.hooks.dropped(rc, outcome)
	}
}

func (m *Map[T]) handleOutbound(ctx context.Context, event T) {
	l := m.links.Load()
	if l == nil {
		return
	}
	rc := m.describe(DirectionOutbound, m.outbound, event)
	ctx, span := m.startSpan(ctx, "relay.outbound", rc)
	defer span.End()

	outcome, err := m.outboundDecision(ctx, l.sender, event)
	m.finish(span, rc, outcome, err)
}

func (m *Map[T]) outboundDecision(ctx context.Context, sender transport.Sender[T], event T) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomePanic, fmt.Errorf("outbound %s: panic: %v", m.kind, r)
		}
	}()

	if events.IsNil(event) || !event.RelayHeader().IsLocal() {
		return OutcomeNotLocal, nil
	}
	if !m.policies.ShouldRouteOutbound(event) {
		return OutcomeFiltered, nil
	}
	out := m.policies.OutboundTransform(event)
	if events.IsNil(out) {
		return OutcomeFiltered, nil
	}
	out.RelayHeader().Stamp(m.identity.Key())
	if !sender.Send(ctx, m.outbound, out) {
		return OutcomeSendFailed, nil
	}
	return OutcomeRelayed, nil
}

func (m *Map[T]) handleInbound(ctx context.Context, event T) bool {
	if m.links.Load() == nil {
		return true
	}
	rc := m.describe(DirectionInbound, m.inbound, event)
	ctx, span := m.startSpan(ctx, "relay.inbound", rc)
	defer span.End()

	outcome, err := m.inboundDecision(ctx, event)
	m.finish(span, rc, outcome, err)
	return true
}

func (m *Map[T]) inboundDecision(ctx context.Context, event T) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomePanic, fmt.Errorf("inbound %s: panic: %v", m.kind, r)
		}
	}()

	if events.IsNil(event) {
		return OutcomeFiltered, nil
	}
	h := event.RelayHeader()
	if h.RelayCount != 1 {
		return OutcomeHopLimit, nil
	}
	if h.SenderKey == m.identity.Key() {
		return OutcomeSelfEcho, nil
	}
	if !m.policies.ShouldRouteInbound(event) {
		return OutcomeFiltered, nil
	}
	in := m.policies.InboundTransform(event)
	if events.IsNil(in) {
		return OutcomeFiltered, nil
	}
	if err := m.channel.Publish(ctx, in); err != nil {
		return OutcomePublishFailed, fmt.Errorf("republish %s: %w", m.kind, err)
	}
	return OutcomeRelayed, nil
}
