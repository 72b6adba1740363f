/*
Package runtime hosts the relay service: the lifecycle that connects relay
maps to their transports, and the endpoints that report on them.

# Architecture Overview

Each application instance runs one Service. The Service owns an event bus
(package bus) and a relay map (package relay) per registered event kind. A
relay map joins one bus channel to one Sender and one Receiver:

	bus ──local event──▶ relay map ──Send<Kind>──▶ transport
	bus ◀──republish─── relay map ◀──On<Kind>──── transport

# Package Structure

## Core Service (service.go)

Service builds the bus, the instance identity and the relay metrics from
Config and ServiceDependencies. Start connects every registered relay, all
senders before any receiver, and rolls back on the first failure. Stop closes
relay maps in reverse registration order.

## Relay Registration (relays.go)

RegisterRelay adds a typed relay before Start. RelayMode decides which halves
are live; disabled halves use the null transports.

## Transport Selection (transport_factory.go)

TransportFactory resolves the route for an event kind: the WebSocket hub,
no transport at all, or a broker from the transport registry. The default
factory reads Config.TransportFor and Config.Topic.

## Policies (policies.go)

Standard filters and transforms for the built-in event kinds.

## Metrics and Status (metrics.go, status.go, resources.go)

RelayMetrics counts relay decisions in Prometheus and keeps per-kind
counters for the /relays status endpoint, which also reports process
resource usage.

# Sub-packages

  - bus: typed in-process event bus on a Watermill GoChannel
  - config: configuration, validation and TOML loading
  - errors: sentinel errors
  - events: relayable event types and their JSON form
  - identity: application instance identity
  - ids: ULID message identifiers
  - jsoncodec: JSON encoding via sonic
  - logging: ServiceLogger on top of slog and Watermill
  - metadata: envelope headers for pub/sub messages
  - relay: the relay map, its policies and hooks

# Usage

	cfg := &config.Config{PubSubSystem: "nats", NATSURL: "nats://localhost:4222"}
	svc, err := runtime.TryNewService(cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	err = runtime.RegisterRelay(svc, runtime.RelayRegistration[*events.TemperatureChangedEvent]{
		Policies: runtime.TemperaturePolicies(),
	})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
*/
package runtime
