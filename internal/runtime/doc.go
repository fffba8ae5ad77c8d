/*
Package runtime hosts the event ingestion service.

# Service (service.go)

Service wires together:
  - the transport chosen by Config.PubSubSystem
  - one bridge per subscribed topic
  - the executor that runs handlers off the subscription goroutines
  - the middleware chain
  - the dead letter sink and its metrics
  - an optional HTTP server for /metrics

Start launches the bridges first and attaches handlers once the executor is
ready. Until then a bridge nacks what it receives, so the broker keeps the
message for a later attempt.

# Middleware (middleware.go)

Middlewares wrap a bridge.Handler and see its classify.Outcome:
  - CorrelationID: ensures every message carries a correlation id
  - LogMessages: debug logging of payloads
  - Tracer: OpenTelemetry span per message
  - Metrics: handler duration by disposition
  - Recoverer: turns panics into a retryable unclassified outcome

JobHooksMiddleware adds start, done and error callbacks.

# Publishing (publisher.go)

PublishEvent renders an event.Event as the JSON envelope the decoder
understands.

# Sub-packages

  - bridge/: subscription loop, reconnect and disposition handling
  - classify/: outcome taxonomy and counters
  - config/: environment configuration
  - deadletter/: dead letter entries, sinks, metrics and inspection
  - decode/: raw payloads to events
  - effect/: idempotent appliers and best-effort auxiliary effects
  - errors/: sentinel errors and the failure taxonomy
  - event/: the event model
  - executor/: bounded worker loop
  - idempotency/: key derivation strategies
  - pipeline/: decode, validate, key and apply per event type
  - routes/: built-in event routes
  - validate/: payload validators
*/
package runtime
