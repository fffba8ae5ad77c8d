package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/internal/runtime/classify"
	"github.com/drblury/idemflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/executor"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	failures int
	calls    int
	channels []chan *message.Message
}

func (f *fakeSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	ch := make(chan *message.Message)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeSubscriber) Close() error { return nil }

func (f *fakeSubscriber) current() chan *message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}

func (f *fakeSubscriber) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu      sync.Mutex
	entries []deadletter.Entry
	err     error
}

func (s *recordingSink) Send(_ context.Context, topic string, e deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) sent() []deadletter.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadletter.Entry(nil), s.entries...)
}

type harness struct {
	reg        *prometheus.Registry
	bridge     *Bridge
	subscriber *fakeSubscriber
	sink       *recordingSink
	classifier *classify.Classifier
	loop       *executor.Loop
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	classifier, err := classify.NewClassifier(reg)
	require.NoError(t, err)
	loop, err := executor.New(executor.Options{Registerer: reg})
	require.NoError(t, err)

	opts.Classifier = classifier
	if opts.InitialInterval == 0 {
		opts.InitialInterval = time.Millisecond
	}
	h := &harness{reg: reg, subscriber: &fakeSubscriber{}, sink: &recordingSink{}, classifier: classifier, loop: loop}
	h.bridge, err = New(h.subscriber, h.sink, opts)
	require.NoError(t, err)
	return h
}

func (h *harness) runExecutor(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-h.loop.Ready()
}

func (h *harness) start(t *testing.T, handler Handler) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.bridge.Start(context.Background(), "costs", handler, "costs.dlq") }()
	t.Cleanup(func() {
		h.bridge.Stop()
		require.NoError(t, <-errc)
	})
	require.Eventually(t, func() bool { return h.bridge.State() == Listening }, 2*time.Second, time.Millisecond)
}

func (h *harness) deliver(t *testing.T, uuid string) *message.Message {
	t.Helper()
	msg := message.NewMessage(uuid, []byte(`{"entity_id":"X-1"}`))
	select {
	case h.subscriber.current() <- msg:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not receive the message")
	}
	return msg
}

// counted reads idemflow_ingest_messages_total for one label pair.
func (h *harness) counted(t *testing.T, disposition, reason string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "idemflow_ingest_messages_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["disposition"] == disposition && labels["reason"] == reason {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func settled(t *testing.T, msg *message.Message) string {
	t.Helper()
	select {
	case <-msg.Acked():
		return "ack"
	case <-msg.Nacked():
		return "nack"
	case <-time.After(2 * time.Second):
		t.Fatal("message was neither acked nor nacked")
		return ""
	}
}

func TestNotAttachedRetriesWithoutRunningHandler(t *testing.T) {
	h := newHarness(t, Options{})
	h.runExecutor(t)

	var calls atomic.Int32
	h.start(t, func(context.Context, *message.Message) classify.Outcome {
		calls.Add(1)
		return classify.Acked("")
	})
	assert.False(t, h.bridge.Ready())

	msg := h.deliver(t, "early")
	assert.Equal(t, "nack", settled(t, msg))
	assert.Zero(t, calls.Load(), "no work may happen before the runtime is attached")
	assert.Equal(t, 1.0, h.counted(t, "retry", "handler_not_ready"))

	h.bridge.Attach(h.loop, nil)
	assert.True(t, h.bridge.Ready())
	msg = h.deliver(t, "late")
	assert.Equal(t, "ack", settled(t, msg))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispositions(t *testing.T) {
	h := newHarness(t, Options{})
	h.runExecutor(t)

	outcomes := map[string]classify.Outcome{
		"ok":     classify.Acked("k-ok"),
		"retry":  classify.FromError(errspkg.Transient("accumulate", errors.New("store down"))),
		"reject": classify.FromError(errspkg.Decode("empty payload", nil)),
	}
	h.start(t, func(_ context.Context, msg *message.Message) classify.Outcome {
		return outcomes[msg.UUID]
	})
	h.bridge.Attach(h.loop, nil)

	assert.Equal(t, "ack", settled(t, h.deliver(t, "ok")))
	assert.Equal(t, "nack", settled(t, h.deliver(t, "retry")))
	assert.Equal(t, "ack", settled(t, h.deliver(t, "reject")))

	sent := h.sink.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "reject", sent[0].MessageUUID)
	assert.Equal(t, "costs", sent[0].OriginalTopic)
	assert.Equal(t, classify.ReasonDecodeError, sent[0].Reason)
}

func TestFailedDeadLetterIsRetried(t *testing.T) {
	h := newHarness(t, Options{})
	h.sink.err = errors.New("dlq unavailable")
	h.runExecutor(t)

	h.start(t, func(context.Context, *message.Message) classify.Outcome {
		return classify.FromError(errspkg.Invalid("period", "is required"))
	})
	h.bridge.Attach(h.loop, nil)

	assert.Equal(t, "nack", settled(t, h.deliver(t, "bad")))
}

func TestHandoffTimeoutRetries(t *testing.T) {
	h := newHarness(t, Options{HandoffTimeout: 20 * time.Millisecond})
	h.runExecutor(t)

	release := make(chan struct{})
	defer close(release)
	h.start(t, func(context.Context, *message.Message) classify.Outcome {
		<-release
		return classify.Acked("")
	})
	h.bridge.Attach(h.loop, nil)

	assert.Equal(t, "nack", settled(t, h.deliver(t, "slow")))
	assert.Equal(t, 1.0, h.counted(t, "retry", "handoff_timeout"))
}

func TestHandlerPanicRetries(t *testing.T) {
	h := newHarness(t, Options{})
	h.runExecutor(t)

	h.start(t, func(context.Context, *message.Message) classify.Outcome {
		panic("nil map")
	})
	h.bridge.Attach(h.loop, nil)

	assert.Equal(t, "nack", settled(t, h.deliver(t, "boom")))
	assert.Equal(t, 1.0, h.counted(t, "retry", "unclassified"))
	assert.Equal(t, Listening, h.bridge.State())
}

func TestExecutorNotRunningRetries(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t, func(context.Context, *message.Message) classify.Outcome { return classify.Acked("") })
	h.bridge.Attach(h.loop, nil)

	assert.Equal(t, "nack", settled(t, h.deliver(t, "m")))
	assert.Equal(t, 1.0, h.counted(t, "retry", "handler_not_ready"))
}

func TestReconnectsAfterSubscribeFailures(t *testing.T) {
	h := newHarness(t, Options{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
	h.subscriber.failures = 3
	h.runExecutor(t)

	h.start(t, func(context.Context, *message.Message) classify.Outcome { return classify.Acked("") })
	assert.Equal(t, 4, h.subscriber.subscribeCalls())

	h.bridge.Attach(h.loop, nil)
	assert.Equal(t, "ack", settled(t, h.deliver(t, "after-reconnect")))
}

func TestReconnectsWhenChannelCloses(t *testing.T) {
	h := newHarness(t, Options{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
	h.runExecutor(t)
	h.start(t, func(context.Context, *message.Message) classify.Outcome { return classify.Acked("") })
	h.bridge.Attach(h.loop, nil)

	close(h.subscriber.current())
	require.Eventually(t, func() bool {
		return h.subscriber.subscribeCalls() == 2 && h.bridge.State() == Listening
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, "ack", settled(t, h.deliver(t, "second-channel")))
}

func TestStateTransitions(t *testing.T) {
	h := newHarness(t, Options{})
	assert.Equal(t, Stopped, h.bridge.State())
	h.runExecutor(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.start(t, func(context.Context, *message.Message) classify.Outcome {
		close(entered)
		<-release
		return classify.Acked("")
	})
	h.bridge.Attach(h.loop, nil)

	msg := h.deliver(t, "m")
	<-entered
	assert.Equal(t, Dispatching, h.bridge.State())
	close(release)
	assert.Equal(t, "ack", settled(t, msg))
	require.Eventually(t, func() bool { return h.bridge.State() == Listening }, time.Second, time.Millisecond)

	h.bridge.Stop()
	assert.Equal(t, Stopped, h.bridge.State())
	assert.Equal(t, "dispatching", Dispatching.String())
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.bridge.Start(context.Background(), "costs", nil, ""), errspkg.ErrDeadLetterTopicRequired)
	assert.ErrorIs(t, h.bridge.Start(context.Background(), "", nil, "dlq"), errspkg.ErrTopicRequired)

	h.start(t, nil)
	assert.ErrorIs(t, h.bridge.Start(context.Background(), "costs", nil, "dlq"), errspkg.ErrAlreadyStarted)

	_, err := New(nil, h.sink, Options{})
	assert.ErrorIs(t, err, errspkg.ErrSubscriberRequired)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.bridge.Start(ctx, "costs", nil, "costs.dlq") }()
	require.Eventually(t, func() bool { return h.bridge.State() == Listening }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bridge ignored cancellation")
	}
	assert.Equal(t, Stopped, h.bridge.State())
}
