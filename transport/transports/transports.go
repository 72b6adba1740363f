// Package transports imports every built-in broker for registration with
// the default registry.
package transports

import (
	_ "github.com/sensortelemetry/relay/transport/aws"
	_ "github.com/sensortelemetry/relay/transport/channel"
	_ "github.com/sensortelemetry/relay/transport/http"
	_ "github.com/sensortelemetry/relay/transport/jetstream"
	_ "github.com/sensortelemetry/relay/transport/kafka"
	_ "github.com/sensortelemetry/relay/transport/nats"
	_ "github.com/sensortelemetry/relay/transport/rabbitmq"
)
