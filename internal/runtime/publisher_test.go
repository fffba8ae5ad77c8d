package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/internal/runtime/decode"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
	metadatapkg "github.com/drblury/idemflow/internal/runtime/metadata"
)

type capturePublisher struct {
	topic string
	msgs  []*message.Message
	err   error
}

func (c *capturePublisher) Publish(topic string, msgs ...*message.Message) error {
	if c.err != nil {
		return c.err
	}
	c.topic = topic
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

type publisherCtxKey struct{}

func TestNewEventMessageRoundTripsThroughDecoder(t *testing.T) {
	occurred := time.Date(2026, 1, 13, 10, 0, 0, 0, time.UTC)
	ev := event.New("cost.accrued", []byte(`{"entity_id":"X-1","period":"p","amount":5}`),
		event.WithID("evt-1"),
		event.WithSource("billing"),
		event.WithOccurredAt(occurred),
		event.WithCorrelationID("corr-1"),
	)

	msg, err := NewEventMessage(ev, metadatapkg.Metadata{"origin": "unit"})
	require.NoError(t, err)
	assert.Len(t, msg.UUID, 26)
	assert.Equal(t, "cost.accrued", msg.Metadata.Get(metadatapkg.KeyEventType))
	assert.Equal(t, "corr-1", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.Equal(t, "unit", msg.Metadata.Get("origin"))

	decoded, err := decode.New().Decode(event.FromBytes(msg.Payload), metadatapkg.FromWatermill(msg.Metadata))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", decoded.ID)
	assert.Equal(t, "billing", decoded.Source)
	assert.True(t, occurred.Equal(decoded.OccurredAt))
	assert.JSONEq(t, `{"entity_id":"X-1","period":"p","amount":5}`, string(decoded.Payload()))
}

func TestNewEventMessageValidation(t *testing.T) {
	_, err := NewEventMessage(event.New("", []byte(`{}`)), nil)
	assert.ErrorIs(t, err, errspkg.ErrEventTypeRequired)

	_, err = NewEventMessage(event.New("cost.accrued", nil), nil)
	assert.Error(t, err)
}

func TestPublishEvent(t *testing.T) {
	ev := event.New("member.linked", []byte(`{"group_id":"g","member_id":"m"}`))

	assert.ErrorIs(t, PublishEvent(context.Background(), nil, "t", ev, nil), errspkg.ErrPublisherRequired)
	assert.ErrorIs(t, PublishEvent(context.Background(), &capturePublisher{}, "", ev, nil), errspkg.ErrTopicRequired)

	pub := &capturePublisher{}
	ctx := context.WithValue(context.Background(), publisherCtxKey{}, "v")
	require.NoError(t, PublishEvent(ctx, pub, "members", ev, nil))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "members", pub.topic)
	assert.Equal(t, "v", pub.msgs[0].Context().Value(publisherCtxKey{}))

	boom := errors.New("broker down")
	assert.ErrorIs(t, PublishEvent(ctx, &capturePublisher{err: boom}, "members", ev, nil), boom)

	var svc *Service
	assert.ErrorIs(t, svc.PublishEvent(ctx, "members", ev, nil), errspkg.ErrServiceRequired)
}
