// Package events defines the relayable application events exchanged between
// instances. Event is a closed set: every variant lives in this package.
package events

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/jsoncodec"
)

// Kind names an event variant. It doubles as the bus topic and the suffix
// of the relay channel names.
type Kind string

const (
	KindTemperatureChanged Kind = "TemperatureChangedEvent"
	KindDeviceCommand      Kind = "DeviceCommandEvent"
)

// Kinds lists every relayable event kind.
func Kinds() []Kind {
	return []Kind{KindTemperatureChanged, KindDeviceCommand}
}

func (k Kind) String() string { return string(k) }

// InboundChannel is the channel name inbound messages for kind arrive on.
func InboundChannel(kind Kind) string { return "On" + string(kind) }

// OutboundChannel is the channel name outbound messages for kind are sent on.
func OutboundChannel(kind Kind) string { return "Send" + string(kind) }

// Header is the relay stamp carried by every event. An empty SenderKey with a
// zero RelayCount marks an event that originated on this instance.
type Header struct {
	SenderKey  string    `json:"senderKey"`
	RelayCount int       `json:"relayCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newHeader() Header {
	return Header{CreatedAt: time.Now().UTC()}
}

// RelayHeader exposes the header for stamping and inspection.
func (h *Header) RelayHeader() *Header { return h }

// IsLocal reports whether the event has never crossed an instance boundary.
func (h *Header) IsLocal() bool {
	return strings.TrimSpace(h.SenderKey) == "" && h.RelayCount == 0
}

// Stamp records one hop sent by the instance identified by key.
func (h *Header) Stamp(key string) {
	h.SenderKey = key
	h.RelayCount++
}

// Event is implemented by every relayable event variant.
type Event interface {
	Kind() Kind
	RelayHeader() *Header
	sealed()
}

// Prototype returns a fresh zero value of the pointer event type T.
func Prototype[T Event]() (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return zero, errs.ErrEventTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errs.ErrEventPointerNeeded
	}
	inst, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("relay: unexpected event type %s", typ)
	}
	return inst, nil
}

// IsNil reports whether e holds no event, including a typed nil pointer.
func IsNil(e Event) bool {
	if e == nil {
		return true
	}
	v := reflect.ValueOf(e)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// NameOf returns the kind of the event type T.
func NameOf[T Event]() Kind {
	proto, err := Prototype[T]()
	if err != nil {
		panic(err)
	}
	return proto.Kind()
}

// Unmarshal decodes payload into a fresh T.
func Unmarshal[T Event](payload []byte) (T, error) {
	out, err := Prototype[T]()
	if err != nil {
		return out, err
	}
	if len(payload) == 0 {
		return out, errs.ErrEventPayloadRequired
	}
	if err := jsoncodec.Unmarshal(payload, out); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s: %w", out.Kind(), err)
	}
	return out, nil
}

// Decode decodes payload as the variant named by kind.
func Decode(kind Kind, payload []byte) (Event, error) {
	switch kind {
	case KindTemperatureChanged:
		return Unmarshal[*TemperatureChangedEvent](payload)
	case KindDeviceCommand:
		return Unmarshal[*DeviceCommandEvent](payload)
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownEventKind, kind)
	}
}

// Describe renders a one-line summary of e for logs.
func Describe(e Event) string {
	if IsNil(e) {
		return "<nil>"
	}
	switch ev := e.(type) {
	case *TemperatureChangedEvent:
		r := ev.SensorReading
		return fmt.Sprintf("temperature %.2f from %s at %s", r.Temperature, r.Source, r.TimestampUTC.Format(time.RFC3339))
	case *DeviceCommandEvent:
		if len(ev.Parameters) == 0 {
			return fmt.Sprintf("command %s", ev.Command)
		}
		return fmt.Sprintf("command %s %s", ev.Command, strings.Join(ev.Parameters, " "))
	default:
		return string(e.Kind())
	}
}
