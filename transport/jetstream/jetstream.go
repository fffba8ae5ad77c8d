// Package jetstream is the NATS bus to use when retries matter. Messages are
// stored in a stream, consumed through durable pull consumers and
// redelivered after a Nak. The stream also drops publishes that repeat a
// message id inside the duplicate window.
package jetstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/idemflow/internal/runtime/metadata"
	"github.com/drblury/idemflow/transport"
)

const TransportName = "nats-jetstream"

const (
	DefaultStreamName      = "IDEMFLOW"
	DefaultMaxDeliver      = 5
	DefaultAckWait         = 30 * time.Second
	DefaultDuplicateWindow = 2 * time.Minute
	DefaultFetchBatch      = 10
	nakBaseDelay           = 500 * time.Millisecond
)

func init() {
	Register()
}

func Register() {
	transport.Register(TransportName, Build, transport.JetStreamCapabilities)
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), MaxDeliver: cfg.GetMaxDeliveries()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

type Config struct {
	URL             string
	StreamName      string
	MaxDeliver      int
	AckWait         time.Duration
	DuplicateWindow time.Duration
	Replicas        int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport publishes to and pulls from one stream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("idemflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := &Transport{nc: conn, js: js, config: cfg, logger: logger, done: make(chan struct{})}
	if err := t.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       t.config.StreamName,
		Subjects:   []string{t.config.StreamName + ".>"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Replicas:   t.config.Replicas,
		Duplicates: t.config.DuplicateWindow,
	}
}

func (t *Transport) ensureStream() error {
	cfg := t.streamConfig()
	if _, err := t.js.StreamInfo(cfg.Name); err == nil {
		if _, err := t.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("jetstream: update stream %s: %w", cfg.Name, err)
		}
		return nil
	}
	if _, err := t.js.AddStream(cfg); err != nil {
		return fmt.Errorf("jetstream: add stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

func (t *Transport) durable(topic string) string {
	return "idemflow_" + topic
}

// Publish stores each message with its UUID as the JetStream message id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("jetstream: transport is closed")
	}
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(fromWatermill(t.subject(topic), msg)); err != nil {
			return fmt.Errorf("jetstream: publish %s: %w", msg.UUID, err)
		}
	}
	return nil
}

// Subscribe pulls from a durable consumer shared by every worker on topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("jetstream: transport is closed")
	}

	consumer := &nats.ConsumerConfig{
		Durable:       t.durable(topic),
		FilterSubject: t.subject(topic),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
		MaxDeliver:    t.config.MaxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumer); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumer); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", consumer.Durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(consumer.FilterSubject, consumer.Durable, nats.Bind(t.config.StreamName, consumer.Durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: pull subscribe %s: %w", topic, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	out := make(chan *message.Message)
	t.wg.Add(1)
	go t.pull(ctx, sub, topic, out)
	return out, nil
}

func (t *Transport) pull(ctx context.Context, sub *nats.Subscription, topic string, out chan<- *message.Message) {
	defer t.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		batch, err := sub.Fetch(DefaultFetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			if err == nats.ErrBadSubscription || err == nats.ErrConnectionClosed {
				return
			}
			t.logger.Error("JetStream fetch failed", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, raw := range batch {
			delivered := uint64(1)
			if md, err := raw.Metadata(); err == nil {
				delivered = md.NumDelivered
			}
			msg := toWatermill(raw, delivered)

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}

			select {
			case <-msg.Acked():
				if err := raw.Ack(); err != nil {
					t.logger.Error("JetStream ack failed", err, watermill.LogFields{"uuid": msg.UUID})
				}
			case <-msg.Nacked():
				if err := raw.NakWithDelay(NakDelay(delivered)); err != nil {
					t.logger.Error("JetStream nak failed", err, watermill.LogFields{"uuid": msg.UUID})
				}
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
	}
}

// NakDelay grows linearly with the delivery count, capped at ten steps.
func NakDelay(delivered uint64) time.Duration {
	if delivered < 1 {
		delivered = 1
	}
	if delivered > 10 {
		delivered = 10
	}
	return time.Duration(delivered) * nakBaseDelay
}

func fromWatermill(subject string, msg *message.Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, msg.UUID)
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func toWatermill(raw *nats.Msg, delivered uint64) *message.Message {
	uuid := raw.Header.Get(nats.MsgIdHdr)
	if uuid == "" {
		uuid = watermill.NewULID()
	}
	msg := message.NewMessage(uuid, raw.Data)
	for k, v := range raw.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	msg.Metadata.Set(metadata.KeyAttempt, strconv.FormatUint(delivered, 10))
	return msg
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	t.wg.Wait()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}
