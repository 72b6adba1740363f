package runtime

import (
	"github.com/sensortelemetry/relay/internal/runtime/events"
	"github.com/sensortelemetry/relay/internal/runtime/relay"
)

// TemperaturePolicies relays only readings taken on a device. Received
// readings are marked as coming from the cloud so they are never forwarded
// again by a policy check further down the line.
func TemperaturePolicies() relay.Policies[*events.TemperatureChangedEvent] {
	fromDevice := func(e *events.TemperatureChangedEvent) bool {
		return e.SensorReading.Source == events.SourceDevice
	}
	return relay.Policies[*events.TemperatureChangedEvent]{
		ShouldRouteOutbound: fromDevice,
		ShouldRouteInbound:  fromDevice,
		InboundTransform: func(e *events.TemperatureChangedEvent) *events.TemperatureChangedEvent {
			e.SensorReading.Source = events.SourceCloud
			return e
		},
	}
}

// DeviceCommandPolicies relays every command unchanged.
func DeviceCommandPolicies() relay.Policies[*events.DeviceCommandEvent] {
	return relay.Policies[*events.DeviceCommandEvent]{}
}
