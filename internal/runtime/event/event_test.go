package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventPayloadIsCopied(t *testing.T) {
	src := []byte(`{"entity_id":"X-1"}`)
	ev := New("cost.accrued", src, WithID("evt-1"), WithSource("billing"))
	src[2] = 'Z'

	got := ev.Payload()
	assert.JSONEq(t, `{"entity_id":"X-1"}`, string(got))

	got[2] = 'Z'
	assert.JSONEq(t, `{"entity_id":"X-1"}`, string(ev.Payload()))
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "billing", ev.Source)
	assert.Equal(t, 1, ev.Attempt)
}

func TestEventOptions(t *testing.T) {
	at := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	ev := New("member.linked", nil, WithOccurredAt(at), WithCorrelationID("corr"), WithAttempt(4))

	assert.Equal(t, at, ev.OccurredAt)
	assert.Equal(t, "corr", ev.CorrelationID)
	assert.Equal(t, 4, ev.Attempt)
}

func TestRawKinds(t *testing.T) {
	assert.Equal(t, KindEmpty, Raw{}.Kind())
	assert.Equal(t, KindEmpty, FromMap(nil).Kind())
	assert.Equal(t, KindEmpty, FromBytes(nil).Kind())

	m, ok := FromMap(map[string]any{"a": 1}).Map()
	assert.True(t, ok)
	assert.Equal(t, 1, m["a"])

	s, ok := FromString("{}").Text()
	assert.True(t, ok)
	assert.Equal(t, "{}", s)

	_, ok = FromString("{}").Bytes()
	assert.False(t, ok)

	assert.Equal(t, "bytes", FromBytes([]byte("x")).Kind().String())
}
