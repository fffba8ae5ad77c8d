package idemflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/store/memory"
)

func TestBuiltinTransportsAreRegistered(t *testing.T) {
	for _, name := range []string{"channel", "kafka", "rabbitmq", "nats", "nats-jetstream", "sqlite"} {
		assert.True(t, DefaultTransportRegistry.Has(name), name)
	}
}

func TestServiceAppliesBuiltinRoutes(t *testing.T) {
	conf := &Config{
		PubSubSystem:           "channel",
		Topic:                  "costs",
		DeadLetterTopic:        "costs.dlq",
		HandoffTimeout:         time.Second,
		ConnectInitialInterval: time.Millisecond,
		ConnectMaxInterval:     10 * time.Millisecond,
	}
	svc, err := TryNewService(conf, NewDiscardLogger(), context.Background(), ServiceDependencies{})
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	st := memory.New()
	p := NewPipeline(nil, svc.Classifier(), nil)
	require.NoError(t, RegisterRoutes(p, RouteDependencies{Store: st}))
	_, err = svc.Subscribe(conf.Topic, conf.DeadLetterTopic, p.Handle)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	require.Eventually(t, svc.Ready, 2*time.Second, 5*time.Millisecond)

	ev := NewEvent(EventCostAccrued, []byte(`{"entity_id":"X-1","period":"2026-01-13","amount":5}`), WithEventID("evt-1"))
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.PublishEvent(ctx, conf.Topic, ev, nil))
	}

	require.Eventually(t, func() bool {
		total, err := st.Total(context.Background(), "X-1", "2026-01-13")
		return err == nil && total.Equal(decimal.NewFromInt(5))
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHandlerFunc(t *testing.T) {
	var seen Event
	h := HandlerFunc(func(_ context.Context, ev Event) error {
		seen = ev
		if ev.ID == "bad" {
			return PermanentEffectError("store", errors.New("constraint"))
		}
		return nil
	}, nil)

	out := h(context.Background(), message.NewMessage("1", []byte(`{"event_type":"t","event_id":"ok","payload":{"a":1}}`)))
	assert.Equal(t, Acknowledge, out.Disposition)
	assert.Equal(t, "t", seen.Type)

	out = h(context.Background(), message.NewMessage("2", []byte(`{"event_type":"t","event_id":"bad","payload":{"a":1}}`)))
	assert.Equal(t, Reject, out.Disposition)

	out = h(context.Background(), message.NewMessage("3", []byte(`not json`)))
	assert.Equal(t, Reject, out.Disposition)
}

func TestEncodingAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"there"}`), &payload))
	assert.Equal(t, "there", payload["hello"])
	assert.Len(t, NewID(), 26)
}
