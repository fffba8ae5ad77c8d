package deadletter

import (
	"errors"
	"strconv"

	"github.com/drblury/idemflow/internal/runtime/classify"
	"github.com/drblury/idemflow/internal/runtime/metadata"
	"github.com/drblury/idemflow/transport"
)

// ReasonRetriesExhausted marks entries the queue parked itself after too
// many redeliveries.
const ReasonRetriesExhausted classify.Reason = "retries_exhausted"

// Queue is a transport that keeps its own dead-letter table.
type Queue interface {
	transport.DLQManager
	transport.DLQLister
}

// Inspector lists, replays and purges a queue's dead letters and keeps
// Metrics in step.
type Inspector struct {
	queue   Queue
	metrics *Metrics
}

func NewInspector(queue Queue, metrics *Metrics) *Inspector {
	return &Inspector{queue: queue, metrics: metrics}
}

// Count reads the number of parked messages for topic.
func (i *Inspector) Count(topic string) (int64, error) {
	n, err := i.queue.GetDLQCount(topic)
	if err != nil {
		return 0, err
	}
	i.metrics.SetCurrent(topic, n)
	return n, nil
}

// List pages through the parked messages for topic, newest first.
func (i *Inspector) List(topic string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := i.queue.ListDLQMessages(topic, limit, offset)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		md := metadata.Metadata(m.Metadata).Clone()
		reason := classify.Reason(md[metadata.KeyDLQReason])
		if reason == "" {
			reason = ReasonRetriesExhausted
		}
		entries = append(entries, Entry{
			ID:            strconv.FormatInt(m.ID, 10),
			OriginalTopic: m.OriginalTopic,
			MessageUUID:   m.UUID,
			Payload:       m.Payload,
			Metadata:      md,
			Reason:        reason,
			Error:         m.ErrorMessage,
			FailedAt:      m.FailedAt,
			Attempt:       m.RetryCount + 1,
		})
	}
	return entries, nil
}

// Replay moves one parked message back to topic.
func (i *Inspector) Replay(topic string, id int64) error {
	if err := i.queue.ReplayDLQMessage(id); err != nil {
		return err
	}
	i.metrics.RecordReplayed(topic, 1)
	return nil
}

// ReplayAll moves every parked message of topic back.
func (i *Inspector) ReplayAll(topic string) (int64, error) {
	n, err := i.queue.ReplayAllDLQ(topic)
	if err != nil {
		return 0, err
	}
	i.metrics.RecordReplayed(topic, n)
	return n, nil
}

// Purge deletes every parked message of topic.
func (i *Inspector) Purge(topic string) (int64, error) {
	n, err := i.queue.PurgeDLQ(topic)
	if err != nil {
		return 0, err
	}
	i.metrics.RecordPurged(topic, n)
	return n, nil
}

// Pending counts messages on topic that are still waiting for a successful
// delivery. Queues that cannot count them return errors.ErrUnsupported.
func (i *Inspector) Pending(topic string) (int64, error) {
	q, ok := i.queue.(transport.QueueIntrospector)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	return q.GetPendingCount(topic)
}
