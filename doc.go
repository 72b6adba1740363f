// Package relay carries application events between instances of a sensor
// telemetry system. A temperature device, a desktop client and a mobile
// client each run a Service; every Service owns an in-process event bus and
// one relay map per event kind. Relay maps forward locally originated events
// to an outbound transport and republish events arriving from other instances
// on the local bus, stamping each event with the sender's instance key so it
// never echoes back to where it came from.
//
// Fill Config (or load it from TOML with LoadConfig), create a Service,
// register one relay per event kind with RegisterRelay, and call Run. Publish
// and Subscribe work on the Service bus; relays see the same traffic.
//
// # Transports
//
// Each event kind picks its transport through Config.Transports:
//   - hub: WebSocket broadcast hub (see cmd/relay-hub)
//   - channel: in-process Go channels for tests and local setups
//   - nats, kafka, rabbitmq: message brokers through Watermill
//   - aws: SNS/SQS
//   - http: webhook publisher with an HTTP subscriber
//   - none: the null sender and receiver
//
// # Policies and hooks
//
// Policies filter and transform events on their way out and in.
// TemperaturePolicies keeps cloud readings local and marks received readings
// as cloud sourced. Hooks observe every relay decision; the Service always
// logs them and counts them in Prometheus when metrics are enabled.
package relay
