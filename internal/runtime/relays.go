package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/sensortelemetry/relay/internal/runtime/bus"
	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/events"
	loggingpkg "github.com/sensortelemetry/relay/internal/runtime/logging"
	"github.com/sensortelemetry/relay/internal/runtime/relay"
	"github.com/sensortelemetry/relay/transport"
)

// RelayMode selects which halves of a relay are active.
type RelayMode int

const (
	SendReceive RelayMode = iota
	SendOnly
	ReceiveOnly
)

func (m RelayMode) String() string {
	switch m {
	case SendReceive:
		return "send_receive"
	case SendOnly:
		return "send_only"
	case ReceiveOnly:
		return "receive_only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// RelayRegistration describes one relay map. Sender and Receiver override
// the configured route; halves disabled by Mode use the null variants.
type RelayRegistration[T events.Event] struct {
	Mode     RelayMode
	Sender   transport.Sender[T]
	Receiver transport.Receiver[T]
	Policies relay.Policies[T]
	Dispatch bus.DispatchMode
}

// relayEntry is the type-erased view the Service keeps of a registration.
type relayEntry interface {
	kind() events.Kind
	resolve(s *Service) error
	initSender(ctx context.Context) error
	initReceiver(ctx context.Context) error
	closeTransports() error
	open(s *Service) error
	close() error
	status() RelayStatus
}

// RegisterRelay adds a relay for T. It must be called before Start.
func RegisterRelay[T events.Event](s *Service, reg RelayRegistration[T]) error {
	if s == nil {
		return errs.ErrServiceRequired
	}
	if reg.Mode < SendReceive || reg.Mode > ReceiveOnly {
		return fmt.Errorf("relay: unknown relay mode %d", int(reg.Mode))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errs.ErrServiceStarted
	}
	kind := events.NameOf[T]()
	for _, e := range s.entries {
		if e.kind() == kind {
			return fmt.Errorf("relay: %s is already registered", kind)
		}
	}
	s.entries = append(s.entries, &entry[T]{reg: reg, eventKind: kind})
	s.Logger.Debug("Relay registered", loggingpkg.LogFields{"event_kind": string(kind), "mode": reg.Mode.String()})
	return nil
}

type entry[T events.Event] struct {
	reg       RelayRegistration[T]
	eventKind events.Kind

	route    Route
	sender   transport.Sender[T]
	receiver transport.Receiver[T]

	senderReady   bool
	receiverReady bool

	relay *relay.Map[T]
}

func (e *entry[T]) kind() events.Kind { return e.eventKind }

func (e *entry[T]) resolve(s *Service) error {
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)
	needRoute := (e.reg.Sender == nil && e.reg.Mode != ReceiveOnly) ||
		(e.reg.Receiver == nil && e.reg.Mode != SendOnly)
	if needRoute {
		route, err := s.factory.Route(e.eventKind, s.Conf, wmLogger)
		if err != nil {
			return fmt.Errorf("route %s: %w", e.eventKind, err)
		}
		e.route = route
	}

	switch {
	case e.reg.Mode == ReceiveOnly:
		e.sender = transport.NullSender[T]{}
	case e.reg.Sender != nil:
		e.sender = e.reg.Sender
	default:
		e.sender = senderFor[T](e.route, wmLogger)
	}
	switch {
	case e.reg.Mode == SendOnly:
		e.receiver = transport.NullReceiver[T]{}
	case e.reg.Receiver != nil:
		e.receiver = e.reg.Receiver
	default:
		e.receiver = receiverFor[T](e.route, wmLogger)
	}
	return nil
}

func (e *entry[T]) initSender(ctx context.Context) error {
	if err := e.sender.Initialize(ctx); err != nil {
		return err
	}
	e.senderReady = true
	return nil
}

func (e *entry[T]) initReceiver(ctx context.Context) error {
	if err := e.receiver.Initialize(ctx); err != nil {
		return err
	}
	e.receiverReady = true
	return nil
}

// closeTransports releases transports initialized before a failed start.
func (e *entry[T]) closeTransports() error {
	var errList []error
	if e.senderReady {
		errList = append(errList, e.sender.Close())
		e.senderReady = false
	}
	if e.receiverReady {
		errList = append(errList, e.receiver.Close())
		e.receiverReady = false
	}
	return errors.Join(errList...)
}

func (e *entry[T]) open(s *Service) error {
	m, err := relay.New(relay.Config[T]{
		Identity: s.identity,
		Channel:  bus.ChannelFor[T](s.bus),
		Sender:   e.sender,
		Receiver: e.receiver,
		Policies: e.reg.Policies,
		Dispatch: e.reg.Dispatch,
		Logger:   s.Logger,
		Hooks:    s.hooks,
	})
	if err != nil {
		return err
	}
	e.relay = m
	return nil
}

// close releases the relay map, or the bare transports when no map was
// opened. The entry can be connected again afterwards.
func (e *entry[T]) close() error {
	if e.relay == nil {
		return e.closeTransports()
	}
	err := e.relay.Close()
	e.relay = nil
	e.senderReady, e.receiverReady = false, false
	return err
}

func (e *entry[T]) status() RelayStatus {
	st := RelayStatus{
		Kind:      string(e.eventKind),
		Mode:      e.reg.Mode.String(),
		Transport: e.route.Transport,
		Topic:     e.route.Topic,
		Inbound:   events.InboundChannel(e.eventKind),
		Outbound:  events.OutboundChannel(e.eventKind),
		Dispatch:  e.reg.Dispatch.String(),
		Active:    e.relay != nil && !e.relay.Closed(),
	}
	if e.reg.Sender != nil || e.reg.Receiver != nil {
		st.Transport = "custom"
	}
	return st
}
