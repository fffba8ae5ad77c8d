package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/idemflow/internal/runtime/bridge"
	"github.com/drblury/idemflow/internal/runtime/classify"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	idspkg "github.com/drblury/idemflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/idemflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/idemflow/internal/runtime/metadata"
	metricspkg "github.com/drblury/idemflow/internal/runtime/metrics"
)

const tracerName = "github.com/drblury/idemflow"

// Middleware wraps a message handler. Middlewares run on the executor,
// inside the job submitted by the subscription bridge.
type Middleware func(bridge.Handler) bridge.Handler

// MiddlewareBuilder constructs a middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware is added to a Service.
// A Builder returning a nil Middleware skips the registration.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs payload and metadata of every message at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handling in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// MetricsMiddleware records handling latency per disposition.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (Middleware, error) {
			histogram, err := metricspkg.Register(s.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: metricspkg.Namespace,
				Subsystem: "handler",
				Name:      "duration_seconds",
				Help:      "Time spent handling one message on the executor",
				Buckets:   prometheus.DefBuckets,
			}, []string{"disposition"}))
			if err != nil {
				return nil, err
			}
			return durationMiddleware(histogram), nil
		},
	}
}

// JobHooksMiddleware invokes hooks around every handled message.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (Middleware, error) {
			return jobHooksMiddleware(hooks), nil
		},
	}
}

// RecovererMiddleware turns a handler panic into a retried outcome.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Builder: func(s *Service) (Middleware, error) {
			return recovererMiddleware(s.Logger), nil
		},
	}
}

// RegisterMiddleware appends the supplied middleware to the chain applied
// to every subscription handler. Later registrations run closer to the handler.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewaresMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewaresMu.Unlock()
	return nil
}

func (s *Service) wrap(h bridge.Handler) bridge.Handler {
	if h == nil {
		return nil
	}
	s.middlewaresMu.RLock()
	defer s.middlewaresMu.RUnlock()
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

func correlationIDMiddleware(h bridge.Handler) bridge.Handler {
	return func(ctx context.Context, msg *message.Message) classify.Outcome {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.New())
		}
		return h(ctx, msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(h bridge.Handler) bridge.Handler {
		return func(ctx context.Context, msg *message.Message) classify.Outcome {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(ctx, msg)
		}
	}
}

func tracerMiddleware(h bridge.Handler) bridge.Handler {
	return func(ctx context.Context, msg *message.Message) classify.Outcome {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "idemflow.HandleMessage")
		defer span.End()

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.event_type", msg.Metadata.Get(metadatapkg.KeyEventType)),
			attribute.String("message.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
		)

		out := h(ctx, msg)
		span.SetAttributes(
			attribute.String("idemflow.disposition", out.Disposition.String()),
			attribute.String("idemflow.reason", string(out.Reason)),
		)
		if out.Key != "" {
			span.SetAttributes(attribute.String("idemflow.idempotency_key", out.Key))
		}
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, string(out.Reason))
		}
		return out
	}
}

func durationMiddleware(histogram *prometheus.HistogramVec) Middleware {
	return func(h bridge.Handler) bridge.Handler {
		return func(ctx context.Context, msg *message.Message) classify.Outcome {
			start := time.Now()
			out := h(ctx, msg)
			histogram.WithLabelValues(out.Disposition.String()).Observe(time.Since(start).Seconds())
			return out
		}
	}
}

func recovererMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(h bridge.Handler) bridge.Handler {
		return func(ctx context.Context, msg *message.Message) (out classify.Outcome) {
			defer func() {
				if r := recover(); r != nil {
					err := &errspkg.UnclassifiedError{Value: r}
					if logger != nil {
						logger.Error("Handler panicked", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
					}
					out = classify.FromError(err)
				}
			}()
			return h(ctx, msg)
		}
	}
}
