// Package idemflow consumes domain events from a message bus and applies
// their side effects to persistent state at most once per idempotency key,
// even though the bus delivers at least once.
//
// A Service owns one long-lived subscription per topic. Each subscription
// runs on its own goroutine, reconnects with backoff when the broker drops
// it, and hands every message to a bounded executor. The handler's Outcome
// decides the message's fate:
//   - Acknowledge: the effect is applied, or the message was a replay.
//   - Retry: the failure is transient, so the message is nacked and redelivered.
//   - Reject: the message can never succeed and is sent to the dead letter topic.
//
// Subscriptions start before the handler is attached. Messages that arrive
// in that window are nacked rather than dropped, so startup never loses work.
//
// # Pipeline
//
// Pipeline decodes a message into an Event, looks up the route for its
// event type, validates the typed payload, derives an idempotency key and
// runs the route's Applier. RegisterRoutes adds the built-in cost,
// membership and collection routes.
//
// # Transports
//
// The transport is picked from Config.PubSubSystem: channel, kafka,
// rabbitmq, nats, nats-jetstream or sqlite. Transports that lose messages
// on restart are logged as a limitation at startup.
//
// # Stores
//
// Effects are written through the store package. The memory, redis,
// postgres and sqlite backends share one contract test suite.
package idemflow
