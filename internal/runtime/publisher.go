package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
	idspkg "github.com/drblury/idemflow/internal/runtime/ids"
	"github.com/drblury/idemflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/idemflow/internal/runtime/metadata"
)

// Producer emits domain events onto the configured transport.
type Producer interface {
	PublishEvent(ctx context.Context, topic string, ev event.Event, md metadatapkg.Metadata) error
}

type envelope struct {
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id,omitempty"`
	Source        string          `json:"source_service,omitempty"`
	OccurredAt    string          `json:"occurred_at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventMessage renders ev as an envelope message. The event type and
// correlation id are also copied into the headers.
func NewEventMessage(ev event.Event, md metadatapkg.Metadata) (*message.Message, error) {
	if ev.Type == "" {
		return nil, errspkg.ErrEventTypeRequired
	}
	payload := ev.Payload()
	if len(payload) == 0 {
		return nil, errors.New("idemflow: event payload is required")
	}

	env := envelope{
		EventType:     ev.Type,
		EventID:       ev.ID,
		Source:        ev.Source,
		CorrelationID: ev.CorrelationID,
		Payload:       payload,
	}
	if !ev.OccurredAt.IsZero() {
		env.OccurredAt = ev.OccurredAt.UTC().Format(time.RFC3339Nano)
	}

	body, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	msg := message.NewMessage(idspkg.New(), body)
	msg.Metadata = metadatapkg.ToWatermill(md)
	msg.Metadata.Set(metadatapkg.KeyEventType, ev.Type)
	if ev.CorrelationID != "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, ev.CorrelationID)
	}
	return msg, nil
}

// PublishEvent renders ev and publishes it to topic.
func PublishEvent(ctx context.Context, publisher message.Publisher, topic string, ev event.Event, md metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewEventMessage(ev, md)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// PublishEvent emits ev using the Service publisher.
func (s *Service) PublishEvent(ctx context.Context, topic string, ev event.Event, md metadatapkg.Metadata) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishEvent(ctx, s.transport.Publisher, topic, ev, md)
}
