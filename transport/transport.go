// Package transport defines what the ingestion core needs from a message bus
// and keeps a registry of the buses it can build. Each bus lives in its own
// sub-package and registers itself when imported.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is a publisher and subscriber pair for one bus. Publisher is
// used only for dead letters.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves. Transports whose publisher and subscriber are
// the same value are closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil {
		if same, ok := t.Publisher.(message.Subscriber); !ok || same != t.Subscriber {
			errs = append(errs, t.Publisher.Close())
		}
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the slice of service configuration the buses read.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	// GetSQLiteQueueFile is the database backing the sqlite queue.
	GetSQLiteQueueFile() string

	// GetMaxDeliveries bounds redeliveries on buses that park messages
	// themselves. Zero keeps the bus default.
	GetMaxDeliveries() int
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DLQManager is implemented by buses that keep their own dead-letter table.
type DLQManager interface {
	GetDLQCount(topic string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(topic string) (int64, error)
	PurgeDLQ(topic string) (int64, error)
}

// DLQLister pages through parked messages.
type DLQLister interface {
	ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage is a message the bus parked after too many deliveries.
type DLQMessage struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// QueueIntrospector reports how many messages wait on a topic.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}
