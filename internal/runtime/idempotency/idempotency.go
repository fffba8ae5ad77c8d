// Package idempotency derives the key that identifies a logical event across
// redeliveries. Producers that assign stable ids can be trusted directly;
// everyone else gets a key derived from the payload.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/drblury/idemflow/internal/runtime/event"
	"github.com/drblury/idemflow/internal/runtime/jsoncodec"
)

// Key identifies a logical event regardless of delivery count.
type Key string

func (k Key) String() string { return string(k) }

// Strategy derives a key from a decoded event and its typed payload.
type Strategy[T any] func(ev event.Event, payload T) (Key, error)

var (
	ErrMissingProducerID = errors.New("idempotency: event has no producer id")
	ErrMissingField      = errors.New("idempotency: key field missing")
	ErrNoStrategy        = errors.New("idempotency: no strategy configured")
)

// ProducerID trusts the producer-assigned event id.
func ProducerID[T any]() Strategy[T] {
	return func(ev event.Event, _ T) (Key, error) {
		id := strings.TrimSpace(ev.ID)
		if id == "" {
			return "", ErrMissingProducerID
		}
		return Key(ev.Type + ":" + id), nil
	}
}

// Fields builds a composite key from natural identifiers in the payload.
func Fields[T any](names ...string) Strategy[T] {
	return func(ev event.Event, payload T) (Key, error) {
		if len(names) == 0 {
			return "", ErrNoStrategy
		}
		fields, err := asMap(payload)
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(names))
		for _, name := range names {
			v, ok := fields[name]
			if !ok || v == nil {
				return "", fmt.Errorf("%w: %s", ErrMissingField, name)
			}
			s := fmt.Sprint(v)
			if s == "" {
				return "", fmt.Errorf("%w: %s", ErrMissingField, name)
			}
			parts = append(parts, name+"="+s)
		}
		return Key(ev.Type + ":" + strings.Join(parts, "|")), nil
	}
}

// ContentHash hashes the canonical encoding of the payload. Two deliveries
// with identical content collapse into one key.
func ContentHash[T any]() Strategy[T] {
	return func(ev event.Event, payload T) (Key, error) {
		fields, err := asMap(payload)
		if err != nil {
			return "", err
		}
		canonical, err := jsoncodec.MarshalCanonical(fields)
		if err != nil {
			return "", fmt.Errorf("idempotency: canonical encoding: %w", err)
		}
		sum := sha256.Sum256(canonical)
		return Key(ev.Type + ":sha256:" + hex.EncodeToString(sum[:])), nil
	}
}

// FirstOf returns the key of the first strategy that succeeds.
func FirstOf[T any](strategies ...Strategy[T]) Strategy[T] {
	return func(ev event.Event, payload T) (Key, error) {
		errs := make([]error, 0, len(strategies))
		for _, s := range strategies {
			if s == nil {
				continue
			}
			key, err := s(ev, payload)
			if err == nil {
				return key, nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return "", ErrNoStrategy
		}
		return "", errors.Join(errs...)
	}
}

// Default prefers the producer id and falls back to a content hash.
func Default[T any]() Strategy[T] {
	return FirstOf(ProducerID[T](), ContentHash[T]())
}

func asMap(payload any) (map[string]any, error) {
	encoded, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode payload: %w", err)
	}
	var fields map[string]any
	if err := jsoncodec.UnmarshalNumbers(encoded, &fields); err != nil {
		return nil, fmt.Errorf("idempotency: payload is not an object: %w", err)
	}
	return fields, nil
}
