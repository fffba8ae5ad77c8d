// Package metadata wraps the string headers carried next to a payload.
package metadata

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Header keys understood by the ingestion core.
const (
	KeyEventType     = "event_type"
	KeyCorrelationID = "correlation_id"
	KeyAttempt       = "idemflow_attempt"
	KeyIdempotency   = "idempotency_key"

	KeyDLQReason        = "dlq_reason"
	KeyDLQError         = "dlq_error"
	KeyDLQOriginalTopic = "dlq_original_topic"
	KeyDLQFailedAt      = "dlq_failed_at"
	KeyDLQAttempt       = "dlq_attempt"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// EventType returns the event type header, if any.
func (m Metadata) EventType() string {
	return m[KeyEventType]
}

// CorrelationID returns the correlation id header, if any.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

// Attempt returns the delivery attempt carried by the transport. Transports
// that do not count deliveries report 1.
func (m Metadata) Attempt() int {
	n, err := strconv.Atoi(m[KeyAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// FromWatermill copies Watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill copies metadata into a Watermill map.
func ToWatermill(m Metadata) message.Metadata {
	return message.Metadata(m.Clone())
}
