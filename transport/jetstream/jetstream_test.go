package jetstream

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/drblury/idemflow/internal/runtime/metadata"
	"github.com/drblury/idemflow/transport"
)

func TestRegister(t *testing.T) {
	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.CountsDeliveries)
	assert.True(t, caps.SupportsReliableDelivery())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, DefaultMaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, DefaultDuplicateWindow, cfg.DuplicateWindow)
	assert.Equal(t, 1, cfg.Replicas)

	custom := Config{StreamName: "COSTS", MaxDeliver: 9, Replicas: 3}.withDefaults()
	assert.Equal(t, "COSTS", custom.StreamName)
	assert.Equal(t, 9, custom.MaxDeliver)
	assert.Equal(t, 3, custom.Replicas)
}

func TestMessageConversionKeepsIdentity(t *testing.T) {
	msg := message.NewMessage("01HX-evt", []byte(`{"amount":5}`))
	msg.Metadata.Set(metadata.KeyEventType, "cost.accrued")

	raw := fromWatermill("IDEMFLOW.costs", msg)
	assert.Equal(t, "IDEMFLOW.costs", raw.Subject)
	assert.Equal(t, "01HX-evt", raw.Header.Get(nats.MsgIdHdr))

	back := toWatermill(raw, 3)
	assert.Equal(t, "01HX-evt", back.UUID)
	assert.Equal(t, "cost.accrued", back.Metadata.Get(metadata.KeyEventType))
	assert.Equal(t, "3", back.Metadata.Get(metadata.KeyAttempt))
	assert.Empty(t, back.Metadata.Get(nats.MsgIdHdr))
	assert.Equal(t, 3, metadata.FromWatermill(back.Metadata).Attempt())
}

func TestNakDelay(t *testing.T) {
	assert.Equal(t, nakBaseDelay, NakDelay(0))
	assert.Equal(t, 3*nakBaseDelay, NakDelay(3))
	assert.Equal(t, 10*nakBaseDelay, NakDelay(50))
	assert.Equal(t, 5*time.Second, NakDelay(10))
}
