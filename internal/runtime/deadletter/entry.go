// Package deadletter parks messages that can never be processed so they stop
// blocking the subscription and stay available for inspection.
package deadletter

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/idemflow/internal/runtime/classify"
	"github.com/drblury/idemflow/internal/runtime/ids"
	"github.com/drblury/idemflow/internal/runtime/metadata"
)

// Entry is one rejected message together with why it was rejected.
type Entry struct {
	ID            string
	OriginalTopic string
	MessageUUID   string
	Payload       []byte
	Metadata      metadata.Metadata
	Reason        classify.Reason
	Error         string
	FailedAt      time.Time
	Attempt       int
}

// Sink receives rejected messages.
type Sink interface {
	Send(ctx context.Context, topic string, entry Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, topic string, entry Entry) error

func (f SinkFunc) Send(ctx context.Context, topic string, entry Entry) error {
	return f(ctx, topic, entry)
}

// NewEntry captures msg and the outcome that rejected it.
func NewEntry(originalTopic string, msg *message.Message, out classify.Outcome) Entry {
	failedAt := time.Now().UTC()
	md := metadata.FromWatermill(msg.Metadata)

	entry := Entry{
		ID:            ids.At(failedAt),
		OriginalTopic: originalTopic,
		MessageUUID:   msg.UUID,
		Payload:       append([]byte(nil), msg.Payload...),
		Metadata:      md,
		Reason:        out.Reason,
		FailedAt:      failedAt,
		Attempt:       md.Attempt(),
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	return entry
}

// Message renders the entry for the dead-letter topic. The original headers
// are kept and the dlq_* headers describe the failure.
func (e Entry) Message() *message.Message {
	msg := message.NewMessage(e.ID, append([]byte(nil), e.Payload...))
	md := e.Metadata.Clone()
	md[metadata.KeyDLQReason] = string(e.Reason)
	md[metadata.KeyDLQError] = e.Error
	md[metadata.KeyDLQOriginalTopic] = e.OriginalTopic
	md[metadata.KeyDLQFailedAt] = e.FailedAt.Format(time.RFC3339Nano)
	md[metadata.KeyDLQAttempt] = strconv.Itoa(e.Attempt)
	msg.Metadata = metadata.ToWatermill(md)
	return msg
}
