// Package event defines the domain event handed from the decoder to the rest
// of the ingestion pipeline.
package event

import (
	"bytes"
	"encoding/json"
	"time"
)

// Event is one decoded fact. The payload is private so an event stays
// unchanged for the whole processing attempt.
type Event struct {
	ID            string
	Type          string
	Source        string
	OccurredAt    time.Time
	CorrelationID string
	Attempt       int

	payload json.RawMessage
}

// Option customises an event built with New.
type Option func(*Event)

func WithID(id string) Option { return func(e *Event) { e.ID = id } }

func WithSource(source string) Option { return func(e *Event) { e.Source = source } }

func WithOccurredAt(t time.Time) Option { return func(e *Event) { e.OccurredAt = t } }

func WithCorrelationID(id string) Option { return func(e *Event) { e.CorrelationID = id } }

func WithAttempt(n int) Option { return func(e *Event) { e.Attempt = n } }

// New builds an event of the given type. The payload is copied.
func New(eventType string, payload []byte, opts ...Option) Event {
	e := Event{Type: eventType, Attempt: 1, payload: bytes.Clone(payload)}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Payload returns a copy of the type-specific payload.
func (e Event) Payload() json.RawMessage {
	return bytes.Clone(e.payload)
}
