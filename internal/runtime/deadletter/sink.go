package deadletter

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/logging"
)

// PublisherSink publishes entries to a Watermill publisher.
type PublisherSink struct {
	publisher message.Publisher
	metrics   *Metrics
	logger    logging.ServiceLogger
}

// NewPublisherSink builds a sink. metrics may be nil.
func NewPublisherSink(publisher message.Publisher, metrics *Metrics, logger logging.ServiceLogger) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &PublisherSink{publisher: publisher, metrics: metrics, logger: logger}, nil
}

func (s *PublisherSink) Send(ctx context.Context, topic string, entry Entry) error {
	if topic == "" {
		return errspkg.ErrDeadLetterTopicRequired
	}

	msg := entry.Message()
	msg.SetContext(ctx)
	if err := s.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", topic, err)
	}

	s.metrics.RecordEntry(entry)
	s.logger.Info("Message dead-lettered", logging.LogFields{
		"dlq_topic":      topic,
		"dlq_id":         entry.ID,
		"original_topic": entry.OriginalTopic,
		"message_uuid":   entry.MessageUUID,
		"reason":         string(entry.Reason),
		"attempt":        entry.Attempt,
	})
	return nil
}
