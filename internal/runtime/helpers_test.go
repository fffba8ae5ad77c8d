package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/internal/runtime/classify"
	configpkg "github.com/drblury/idemflow/internal/runtime/config"
	loggingpkg "github.com/drblury/idemflow/internal/runtime/logging"
	_ "github.com/drblury/idemflow/transport/channel"
)

type recordedLine struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
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

func (r *recordingLogger) snapshot() []recordedLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedLine(nil), r.lines...)
}

func (r *recordingLogger) find(msg string) (recordedLine, bool) {
	for _, line := range r.snapshot() {
		if line.msg == msg {
			return line, true
		}
	}
	return recordedLine{}, false
}

func (r *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }
func (r *recordingLogger) Debug(msg string, f loggingpkg.LogFields) {
	r.add(recordedLine{level: "debug", msg: msg, fields: f})
}
func (r *recordingLogger) Info(msg string, f loggingpkg.LogFields) {
	r.add(recordedLine{level: "info", msg: msg, fields: f})
}
func (r *recordingLogger) Trace(msg string, f loggingpkg.LogFields) {
	r.add(recordedLine{level: "trace", msg: msg, fields: f})
}
func (r *recordingLogger) Error(msg string, err error, f loggingpkg.LogFields) {
	r.add(recordedLine{level: "error", msg: msg, err: err, fields: f})
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:           "channel",
		Topic:                  "costs",
		DeadLetterTopic:        "costs.dlq",
		HandoffTimeout:         time.Second,
		ConnectInitialInterval: time.Millisecond,
		ConnectMaxInterval:     10 * time.Millisecond,
	}
}

func newTestService(t *testing.T, deps ServiceDependencies) (*Service, *recordingLogger) {
	t.Helper()
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	logger := &recordingLogger{}
	svc, err := TryNewService(testConfig(), logger, context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, logger
}

// runService starts svc and stops it when the test ends.
func runService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})
	require.Eventually(t, svc.Ready, 2*time.Second, 5*time.Millisecond)
}

func acking(context.Context, *message.Message) classify.Outcome {
	return classify.Acked("")
}
