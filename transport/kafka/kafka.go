// Package kafka connects the ingestion core to a Kafka consumer group.
// Nacked messages are resent to the same handler after NackResendSleep, so
// a retried message holds up its partition until it is acknowledged.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/idemflow/transport"
)

const TransportName = "kafka"

const (
	DefaultConsumerGroup = "idemflow"
	ClientID             = "idemflow"
	NackResendSleep      = 500 * time.Millisecond
	ReconnectRetrySleep  = time.Second
)

// PublisherFactory and SubscriberFactory are swapped in tests.
var (
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
)

func init() {
	Register()
}

func Register() {
	transport.Register(TransportName, Build, transport.KafkaCapabilities)
}

// SubscriberSaramaConfig starts new consumer groups at the oldest offset so
// events published before the first deployment are not skipped.
func SubscriberSaramaConfig() *sarama.Config {
	cfg := kafka.DefaultSaramaSubscriberConfig()
	cfg.ClientID = ClientID
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}

// PublisherSaramaConfig waits for all in-sync replicas. Dead letters are the
// only thing published and losing one loses the message.
func PublisherSaramaConfig() *sarama.Config {
	cfg := kafka.DefaultSaramaSyncPublisherConfig()
	cfg.ClientID = ClientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return cfg
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("kafka: at least one broker is required")
	}
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: PublisherSaramaConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         group,
		OverwriteSaramaConfig: SubscriberSaramaConfig(),
		NackResendSleep:       NackResendSleep,
		ReconnectRetrySleep:   ReconnectRetrySleep,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka subscriber: %w", err)
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
