// Package channel is an in-process bus built on Watermill's gochannel. It
// redelivers nacked messages and is meant for tests and local runs.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/idemflow/transport"
)

const TransportName = "channel"

// DefaultBuffer is the output channel size of each subscription.
const DefaultBuffer = 64

func init() {
	Register()
}

// Register adds the channel bus to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns one gochannel used as both publisher and subscriber.
// Messages published before the first subscription are kept.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(logger), nil
}

// New builds the bus directly.
func New(logger watermill.LoggerAdapter) transport.Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: DefaultBuffer,
		Persistent:          true,
	}, logger)
	return transport.Transport{Publisher: ps, Subscriber: ps}
}
