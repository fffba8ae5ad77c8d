package transport

// Capabilities describes what a bus does with acknowledgements. The ingestion
// core relies on Nack for retries, so buses without it lose retried messages.
type Capabilities struct {
	Name string

	// SupportsAck means Ack removes the message for good.
	SupportsAck bool
	// SupportsNack means Nack triggers a redelivery.
	SupportsNack bool
	// SupportsNativeDLQ means the bus parks messages after MaxDeliveries.
	SupportsNativeDLQ bool
	// SupportsOrdering means delivery order follows publish order per topic
	// or partition.
	SupportsOrdering bool
	// CountsDeliveries means redelivered messages carry the delivery attempt
	// in their metadata.
	CountsDeliveries bool
	// Durable means messages survive a restart of the consumer.
	Durable bool

	// MaxMessageSize is in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery with explicit
// acknowledgement in both directions.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresDLQEmulation reports whether rejected messages must be published
// to a dead-letter topic by the application.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// Warnings lists the guarantees this bus cannot give to an idempotent
// consumer. An empty result means none are missing.
func (c Capabilities) Warnings() []string {
	var out []string
	if !c.SupportsNack {
		out = append(out, "nack does not trigger redelivery; retried messages are lost")
	}
	if !c.Durable {
		out = append(out, "messages do not survive a consumer restart")
	}
	return out
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		Durable:          true,
		MaxMessageSize:   1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		Durable:           true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	JetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: false,
		SupportsOrdering:  true,
		CountsDeliveries:  true,
		Durable:           true,
		MaxMessageSize:    1 << 20,
	}

	SQLiteCapabilities = Capabilities{
		Name:              "sqlite",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		CountsDeliveries:  true,
		Durable:           true,
	}
)
