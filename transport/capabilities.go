package transport

// Capabilities describes how a broker delivers relayed events.
type Capabilities struct {
	Name string

	// SupportsFanOut is true when every subscribing instance receives every
	// message, which relaying between instances requires.
	SupportsFanOut bool

	// SupportsOrdering is true when messages on a topic arrive in publish order.
	SupportsOrdering bool

	// SupportsAck is true when the broker tracks explicit acknowledgment.
	SupportsAck bool

	// Durable is true when messages survive a broker restart.
	Durable bool

	// CrossProcess is false for brokers that only connect instances living
	// in the same process.
	CrossProcess bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SuitableForRelay reports whether the broker can connect separate instances
// with broadcast delivery.
func (c Capabilities) SuitableForRelay() bool {
	return c.SupportsFanOut && c.CrossProcess
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsFanOut:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsFanOut: true,
		CrossProcess:   true,
		MaxMessageSize: 1048576,
	}

	// JetStreamCapabilities describe per-instance durable consumers on one
	// stream: an instance that was offline catches up on what it missed.
	JetStreamCapabilities = Capabilities{
		Name:             "jetstream",
		SupportsFanOut:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		Durable:          true,
		CrossProcess:     true,
		MaxMessageSize:   1048576,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsFanOut:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		Durable:          true,
		CrossProcess:     true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsFanOut:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
		Durable:          true,
		CrossProcess:     true,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsFanOut: true,
		SupportsAck:    true,
		Durable:        true,
		CrossProcess:   true,
		MaxMessageSize: 262144,
	}

	// HTTPCapabilities describe a point-to-point webhook link; fan-out is
	// left to whatever sits behind the publisher URL.
	HTTPCapabilities = Capabilities{
		Name:         "http",
		CrossProcess: true,
	}
)
