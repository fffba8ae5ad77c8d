package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/idemflow/internal/runtime/bridge"
	"github.com/drblury/idemflow/internal/runtime/classify"
	loggingpkg "github.com/drblury/idemflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/idemflow/internal/runtime/metadata"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// Topic is the topic the message was received from.
	Topic       string
	MessageUUID string
	EventType   string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Attempt is the delivery attempt reported by the transport, starting at 1.
	Attempt int
	// Outcome is only set in OnJobDone and OnJobError.
	Outcome classify.Outcome
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the message was acknowledged.
	OnJobDone func(ctx JobContext)

	// OnJobError is called for retried and rejected messages.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after those from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

type topicKey struct{}

func withTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, topicKey{}, topic)
}

// TopicFromContext returns the subscription topic of the message being handled.
func TopicFromContext(ctx context.Context) string {
	topic, _ := ctx.Value(topicKey{}).(string)
	return topic
}

func jobHooksMiddleware(hooks JobHooks) Middleware {
	return func(h bridge.Handler) bridge.Handler {
		return func(ctx context.Context, msg *message.Message) classify.Outcome {
			jobCtx := JobContext{
				Topic:       TopicFromContext(ctx),
				MessageUUID: msg.UUID,
				EventType:   msg.Metadata.Get(metadatapkg.KeyEventType),
				Metadata:    msg.Metadata,
				Context:     ctx,
				StartedAt:   time.Now(),
				Attempt:     metadatapkg.FromWatermill(msg.Metadata).Attempt(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			out := h(ctx, msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)
			jobCtx.Outcome = out

			if out.Disposition == classify.Acknowledge {
				if hooks.OnJobDone != nil {
					hooks.OnJobDone(jobCtx)
				}
				return out
			}
			if hooks.OnJobError != nil {
				err := out.Err
				if err == nil {
					err = errors.New(string(out.Reason))
				}
				hooks.OnJobError(jobCtx, err)
			}
			return out
		}
	}
}

// LoggingHooks returns hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"event_type":   ctx.EventType,
				"attempt":      ctx.Attempt,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"topic":           ctx.Topic,
				"message_uuid":    ctx.MessageUUID,
				"idempotency_key": ctx.Outcome.Key,
				"duration_ms":     ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"disposition":  ctx.Outcome.Disposition.String(),
				"reason":       string(ctx.Outcome.Reason),
				"duration_ms":  ctx.Duration.Milliseconds(),
				"attempt":      ctx.Attempt,
			})
		},
	}
}

// AlertingHooks returns hooks that only fire on rejected messages, the ones
// that end up in a dead-letter topic.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: func(ctx JobContext, err error) {
			if ctx.Outcome.Disposition == classify.Reject {
				alert(ctx, err)
			}
		},
	}
}
