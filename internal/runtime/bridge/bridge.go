// Package bridge keeps a long-lived subscription open on its own goroutine
// and hands every message to the main runtime. The bridge never touches a
// store: it only turns the returned Outcome into Ack, Nack or a dead letter.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/idemflow/internal/runtime/classify"
	"github.com/drblury/idemflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/executor"
	"github.com/drblury/idemflow/internal/runtime/logging"
)

// Defaults applied to zero Options fields.
const (
	// DefaultHandoffTimeout bounds how long a message waits for the main
	// runtime before it is nacked for redelivery.
	DefaultHandoffTimeout = 10 * time.Second
	// DefaultInitialInterval is the first reconnect delay after the
	// subscription fails.
	DefaultInitialInterval = 500 * time.Millisecond
	// DefaultMaxInterval caps the exponential reconnect delay.
	DefaultMaxInterval = 30 * time.Second
)

// State is where the bridge is in its lifecycle.
type State int32

const (
	Stopped State = iota
	Connecting
	Listening
	Dispatching
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Dispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes one message. It runs on the main runtime.
type Handler func(ctx context.Context, msg *message.Message) classify.Outcome

// Submitter is the main runtime as seen from the bridge.
type Submitter interface {
	Submit(ctx context.Context, timeout time.Duration, job executor.Job) (classify.Outcome, error)
}

// Options configures a Bridge. Zero durations fall back to the Default
// constants.
type Options struct {
	// HandoffTimeout is how long one message may wait to be accepted by the
	// main runtime.
	HandoffTimeout time.Duration
	// InitialInterval and MaxInterval bound the reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Logger defaults to a discarding logger.
	Logger logging.ServiceLogger
	// Classifier counts outcomes produced by the bridge itself, such as
	// hand-off timeouts. May be nil.
	Classifier *classify.Classifier
}

func (o Options) withDefaults() Options {
	if o.HandoffTimeout <= 0 {
		o.HandoffTimeout = DefaultHandoffTimeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.MaxInterval < o.InitialInterval {
		o.MaxInterval = o.InitialInterval
	}
	if o.Logger == nil {
		o.Logger = logging.NewDiscardLogger()
	}
	return o
}

type binding struct {
	submitter Submitter
}

// Bridge owns one subscription.
type Bridge struct {
	subscriber message.Subscriber
	sink       deadletter.Sink
	opts       Options

	state   atomic.Int32
	bound   atomic.Pointer[binding]
	handler atomic.Pointer[Handler]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(subscriber message.Subscriber, sink deadletter.Sink, opts Options) (*Bridge, error) {
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if sink == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	return &Bridge{subscriber: subscriber, sink: sink, opts: opts.withDefaults()}, nil
}

// State reports the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Attach binds the main runtime. Until it is called every message is
// retried. handler replaces the one given to Start when non-nil.
func (b *Bridge) Attach(submitter Submitter, handler Handler) {
	if handler != nil {
		b.handler.Store(&handler)
	}
	if submitter == nil {
		b.bound.Store(nil)
		return
	}
	b.bound.Store(&binding{submitter: submitter})
}

// Ready reports whether messages would reach a handler.
func (b *Bridge) Ready() bool {
	return b.bound.Load() != nil && b.handler.Load() != nil
}

// Start subscribes to topic and blocks until Stop or ctx cancellation.
// Rejected messages go to deadLetterTopic. handler may be nil when it is
// attached later.
func (b *Bridge) Start(ctx context.Context, topic string, handler Handler, deadLetterTopic string) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if deadLetterTopic == "" {
		return errspkg.ErrDeadLetterTopicRequired
	}
	if !b.state.CompareAndSwap(int32(Stopped), int32(Connecting)) {
		return errspkg.ErrAlreadyStarted
	}
	if handler != nil {
		b.handler.Store(&handler)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	defer func() {
		cancel()
		b.state.Store(int32(Stopped))
		close(done)
	}()

	log := b.opts.Logger.With(logging.LogFields{"topic": topic, "dlq_topic": deadLetterTopic})
	retry := &backoff.ExponentialBackOff{
		InitialInterval:     b.opts.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         b.opts.MaxInterval,
	}
	retry.Reset()

	for attempt := 1; ; attempt++ {
		b.state.Store(int32(Connecting))
		msgs, err := b.subscribe(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			log.Error("Subscribe failed, backing off", err, logging.LogFields{"attempt": attempt, "wait": wait.String()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		retry.Reset()
		attempt = 0
		b.state.Store(int32(Listening))
		log.Info("Subscription listening", nil)

		b.consume(ctx, topic, deadLetterTopic, msgs, log)
		if ctx.Err() != nil {
			log.Info("Subscription stopped", nil)
			return nil
		}
		wait := retry.NextBackOff()
		log.Info("Subscription channel closed, reconnecting", logging.LogFields{"wait": wait.String()})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Stop cancels the subscription and waits for Start to return.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Bridge) subscribe(ctx context.Context, topic string) (msgs <-chan *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.UnclassifiedError{Value: r}
		}
	}()
	return b.subscriber.Subscribe(ctx, topic)
}

func (b *Bridge) consume(ctx context.Context, topic, dlqTopic string, msgs <-chan *message.Message, log logging.ServiceLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.state.Store(int32(Dispatching))
			b.dispatch(ctx, topic, dlqTopic, msg, log)
			b.state.Store(int32(Listening))
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, topic, dlqTopic string, msg *message.Message, log logging.ServiceLogger) {
	out := b.process(ctx, msg)

	switch out.Disposition {
	case classify.Acknowledge:
		msg.Ack()
	case classify.Reject:
		entry := deadletter.NewEntry(topic, msg, out)
		if err := b.sink.Send(ctx, dlqTopic, entry); err != nil {
			log.Error("Dead-lettering failed, message will be redelivered", err, logging.LogFields{
				"message_uuid": msg.UUID,
				"reason":       string(out.Reason),
			})
			msg.Nack()
			return
		}
		msg.Ack()
	default:
		msg.Nack()
	}
}

func (b *Bridge) process(ctx context.Context, msg *message.Message) classify.Outcome {
	bound := b.bound.Load()
	handler := b.handler.Load()
	if bound == nil || handler == nil {
		return b.failed(errspkg.ErrHandlerNotReady, msg)
	}

	h := *handler
	out, err := bound.submitter.Submit(ctx, b.opts.HandoffTimeout, func(jobCtx context.Context) classify.Outcome {
		return h(jobCtx, msg)
	})
	if err != nil {
		return b.failed(err, msg)
	}
	return out
}

func (b *Bridge) failed(err error, msg *message.Message) classify.Outcome {
	out := classify.FromError(err)
	b.opts.Classifier.Record(out)
	b.opts.Logger.Error("Message not handed off", err, logging.LogFields{
		"message_uuid": msg.UUID,
		"disposition":  out.Disposition.String(),
		"reason":       string(out.Reason),
	})
	return out
}
