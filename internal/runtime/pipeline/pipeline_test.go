package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/internal/runtime/classify"
	"github.com/drblury/idemflow/internal/runtime/decode"
	"github.com/drblury/idemflow/internal/runtime/effect"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
	"github.com/drblury/idemflow/internal/runtime/idempotency"
	"github.com/drblury/idemflow/internal/runtime/logging"
	"github.com/drblury/idemflow/internal/runtime/metadata"
	"github.com/drblury/idemflow/internal/runtime/validate"
	"github.com/drblury/idemflow/store/memory"
)

type costAccrued struct {
	EntityID string          `json:"entity_id" validate:"required"`
	Period   string          `json:"period" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

type recordedLine struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []recordedLine
}

func (r *recordingLogger) add(line recordedLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *recordingLogger) With(logging.LogFields) logging.ServiceLogger { return r }
func (r *recordingLogger) Debug(msg string, f logging.LogFields)       { r.add(recordedLine{"debug", msg, nil, f}) }
func (r *recordingLogger) Info(msg string, f logging.LogFields)        { r.add(recordedLine{"info", msg, nil, f}) }
func (r *recordingLogger) Trace(msg string, f logging.LogFields)       { r.add(recordedLine{"trace", msg, nil, f}) }
func (r *recordingLogger) Error(msg string, err error, f logging.LogFields) {
	r.add(recordedLine{"error", msg, err, f})
}

func newCostPipeline(t *testing.T) (*Pipeline, *memory.Store, *recordingLogger) {
	t.Helper()
	classifier, err := classify.NewClassifier(prometheus.NewRegistry())
	require.NoError(t, err)
	logger := &recordingLogger{}
	p := New(decode.New(decode.WithDefaultType("cost.accrued")), classifier, logger)
	st := memory.New()

	require.NoError(t, Register(p, Route[*costAccrued]{
		Type:      "cost.accrued",
		Validator: validate.Struct[*costAccrued](),
		Applier: effect.Accumulate[*costAccrued](st, func(p *costAccrued) (string, string, decimal.Decimal) {
			return p.EntityID, p.Period, p.Amount
		}),
	}))
	return p, st, logger
}

func TestHandleRedeliveryDoesNotDoubleCount(t *testing.T) {
	p, st, logger := newCostPipeline(t)
	ctx := context.Background()
	payload := []byte(`{"entity_id":"X-1","period":"2026-01-13","amount":5}`)

	for i := 0; i < 2; i++ {
		out := p.Handle(ctx, message.NewMessage("msg-1", payload))
		assert.Equal(t, classify.Acknowledge, out.Disposition)
		assert.Equal(t, classify.ReasonOK, out.Reason)
		assert.Contains(t, out.Key, "cost.accrued:sha256:")
	}

	total, err := st.Total(ctx, "X-1", "2026-01-13")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5)), "total %s", total)

	require.Len(t, logger.lines, 2)
	line := logger.lines[0]
	assert.Equal(t, "info", line.level)
	assert.Equal(t, "ack", line.fields["disposition"])
	assert.Equal(t, "ok", line.fields["reason"])
	assert.NotEmpty(t, line.fields["idempotency_key"])
	assert.Equal(t, "msg-1", line.fields["message_uuid"])
}

func TestHandleProducerIDWinsOverContent(t *testing.T) {
	p, st, _ := newCostPipeline(t)
	ctx := context.Background()

	first := []byte(`{"event_id":"evt-1","event_type":"cost.accrued","payload":{"entity_id":"X-1","period":"p","amount":5}}`)
	corrected := []byte(`{"event_id":"evt-1","event_type":"cost.accrued","payload":{"entity_id":"X-1","period":"p","amount":7}}`)

	out := p.Handle(ctx, message.NewMessage("a", first))
	assert.Equal(t, "cost.accrued:evt-1", out.Key)
	p.Handle(ctx, message.NewMessage("b", corrected))

	total, err := st.Total(ctx, "X-1", "p")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(7)), "same producer id overwrites, total %s", total)
}

func TestHandleRejectsMalformedPayloads(t *testing.T) {
	p, st, logger := newCostPipeline(t)
	ctx := context.Background()

	cases := map[string]struct {
		payload string
		md      metadata.Metadata
		reason  classify.Reason
	}{
		"empty object":     {`{}`, nil, classify.ReasonDecodeError},
		"not json":         {`nope`, nil, classify.ReasonDecodeError},
		"unknown type":     {`{"a":1}`, metadata.Metadata{metadata.KeyEventType: "unknown"}, classify.ReasonDecodeError},
		"wrong field type": {`{"entity_id":5,"period":"p"}`, nil, classify.ReasonDecodeError},
		"missing period":   {`{"entity_id":"X-1"}`, nil, classify.ReasonValidationError},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg := message.NewMessage("m", []byte(tc.payload))
			msg.Metadata = metadata.ToWatermill(tc.md)
			out := p.Handle(ctx, msg)
			assert.Equal(t, classify.Reject, out.Disposition)
			assert.Equal(t, tc.reason, out.Reason)
			assert.Error(t, out.Err)
		})
	}

	total, err := st.Total(ctx, "X-1", "p")
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	last := logger.lines[len(logger.lines)-1]
	assert.Equal(t, "error", last.level)
	assert.Equal(t, "reject", last.fields["disposition"])
}

func TestHandleStoreOutageRetriesThenSucceeds(t *testing.T) {
	p, st, _ := newCostPipeline(t)
	ctx := context.Background()
	raw := event.FromMap(map[string]any{"entity_id": "X-1", "period": "2026-01-13", "amount": 5})

	st.SetOffline(true)
	out := p.HandleRaw(ctx, raw, nil)
	assert.Equal(t, classify.Retry, out.Disposition)
	assert.Equal(t, classify.ReasonEffectTransient, out.Reason)

	st.SetOffline(false)
	out = p.HandleRaw(ctx, raw, nil)
	assert.Equal(t, classify.Acknowledge, out.Disposition)

	total, err := st.Total(ctx, "X-1", "2026-01-13")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5)))
}

func TestHandleDependencyFailureRetries(t *testing.T) {
	p := New(decode.New(), nil, nil)
	applied := false
	require.NoError(t, Register(p, Route[*costAccrued]{
		Type: "cost.accrued",
		Validator: validate.Reference[*costAccrued]("entity",
			func(context.Context, string) (bool, error) { return false, errors.New("lookup timeout") },
			func(c *costAccrued) string { return c.EntityID }),
		Applier: effect.Func[*costAccrued](func(context.Context, effect.Input[*costAccrued]) error {
			applied = true
			return nil
		}),
	}))

	out := p.HandleRaw(context.Background(), event.FromString(`{"entity_id":"X-1"}`), metadata.Metadata{metadata.KeyEventType: "cost.accrued"})
	assert.Equal(t, classify.Retry, out.Disposition)
	assert.Equal(t, classify.ReasonDependencyUnavailable, out.Reason)
	assert.False(t, applied, "apply must not run after a failed validation")
}

func TestKeyDerivationFailureRejects(t *testing.T) {
	p := New(decode.New(), nil, nil)
	require.NoError(t, Register(p, Route[*costAccrued]{
		Type: "cost.accrued",
		Key: func(event.Event, *costAccrued) (idempotency.Key, error) {
			return "", errors.New("no natural key")
		},
		Applier: effect.Func[*costAccrued](func(context.Context, effect.Input[*costAccrued]) error { return nil }),
	}))

	out := p.HandleRaw(context.Background(), event.FromString(`{"entity_id":"X-1"}`), metadata.Metadata{metadata.KeyEventType: "cost.accrued"})
	assert.Equal(t, classify.Reject, out.Disposition)
	assert.Equal(t, classify.ReasonValidationError, out.Reason)
}

func TestRegisterValidation(t *testing.T) {
	p := New(nil, nil, nil)
	noop := effect.Func[*costAccrued](func(context.Context, effect.Input[*costAccrued]) error { return nil })

	assert.ErrorIs(t, Register(p, Route[*costAccrued]{Applier: noop}), errspkg.ErrEventTypeRequired)
	assert.ErrorIs(t, Register(p, Route[*costAccrued]{Type: "x"}), errspkg.ErrApplierRequired)
	assert.ErrorIs(t, Register(p, Route[costAccrued]{Type: "x", Applier: effect.Func[costAccrued](func(context.Context, effect.Input[costAccrued]) error { return nil })}), errspkg.ErrPayloadPointerNeeded)

	require.NoError(t, Register(p, Route[*costAccrued]{Type: "x", Applier: noop}))
	assert.ErrorIs(t, Register(p, Route[*costAccrued]{Type: "x", Applier: noop}), errspkg.ErrRouteExists)
	assert.Equal(t, []string{"x"}, p.Types())
}
