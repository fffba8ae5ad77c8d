package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	nc "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/transport"
	"github.com/drblury/idemflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.SupportsNack)
	assert.NotEmpty(t, caps.Warnings())
}

func TestBuild(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	defer func() { PublisherFactory, SubscriberFactory = origPub, origSub }()

	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	var subCfg nats.SubscriberConfig
	PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, nc.DefaultURL, cfg.URL)
		assert.True(t, cfg.JetStream.Disabled)
		return ps, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return ps, nil
	}

	tr, err := Build(context.Background(), transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.Equal(t, QueueGroup, subCfg.QueueGroupPrefix)
	assert.Len(t, subCfg.NatsOptions, len(ConnectOptions()))
}

func TestBuildSubscriberError(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	defer func() { PublisherFactory, SubscriberFactory = origPub, origSub }()

	PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}), nil
	}
	SubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("no servers available")
	}

	_, err := Build(context.Background(), transporttest.Config{NATSURL: "nats://x:4222"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "no servers available")
}
