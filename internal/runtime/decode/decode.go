// Package decode turns raw transport payloads into events.
//
// Two shapes are accepted. An envelope carries header fields next to a
// "payload" object:
//
//	{"event_type":"cost.accrued","event_id":"e-1","payload":{"entity_id":"X-1"}}
//
// A flat object is the payload itself. Its type then comes from the
// event_type metadata header or the decoder's default type. Header fields
// present in a flat object are lifted out of the payload.
package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
	"github.com/drblury/idemflow/internal/runtime/jsoncodec"
	"github.com/drblury/idemflow/internal/runtime/metadata"
)

const (
	fieldType          = "event_type"
	fieldID            = "event_id"
	fieldSource        = "source_service"
	fieldOccurredAt    = "occurred_at"
	fieldCorrelationID = "correlation_id"
	fieldPayload       = "payload"
)

var headerFields = []string{fieldType, fieldID, fieldSource, fieldOccurredAt, fieldCorrelationID}

// unix timestamps above this are read as milliseconds.
const millisThreshold = 1_000_000_000_000

// Decoder converts raw payloads into events. The zero value is usable.
type Decoder struct {
	defaultType string
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithDefaultType sets the type used for flat payloads without an
// event_type header.
func WithDefaultType(eventType string) Option {
	return func(d *Decoder) { d.defaultType = strings.TrimSpace(eventType) }
}

func New(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode never panics. Every failure is a *errors.DecodeError.
func (d *Decoder) Decode(raw event.Raw, md metadata.Metadata) (ev event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = event.Event{}
			err = errspkg.Decode("decoder panicked", fmt.Errorf("%v", r))
		}
	}()

	obj, err := toObject(raw)
	if err != nil {
		return event.Event{}, err
	}

	header, body, err := split(obj)
	if err != nil {
		return event.Event{}, err
	}

	eventType := firstNonEmpty(header.eventType, md.EventType(), d.defaultType)
	if eventType == "" {
		return event.Event{}, errspkg.Decode("event type missing", nil)
	}

	payload, err := jsoncodec.MarshalCanonical(body)
	if err != nil {
		return event.Event{}, errspkg.Decode("payload not encodable", err)
	}

	return event.New(eventType, payload,
		event.WithID(header.id),
		event.WithSource(header.source),
		event.WithOccurredAt(header.occurredAt),
		event.WithCorrelationID(firstNonEmpty(header.correlationID, md.CorrelationID())),
		event.WithAttempt(md.Attempt()),
	), nil
}

func toObject(raw event.Raw) (map[string]any, error) {
	var data []byte
	switch raw.Kind() {
	case event.KindMap:
		m, _ := raw.Map()
		encoded, err := jsoncodec.Marshal(m)
		if err != nil {
			return nil, errspkg.Decode("map payload not encodable", err)
		}
		data = encoded
	case event.KindString:
		s, _ := raw.Text()
		data = []byte(s)
	case event.KindBytes:
		data, _ = raw.Bytes()
	default:
		return nil, errspkg.Decode("empty payload", nil)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errspkg.Decode("empty payload", nil)
	}
	if data[0] != '{' {
		return nil, errspkg.Decode("payload is not a JSON object", nil)
	}

	var obj map[string]any
	if err := jsoncodec.UnmarshalNumbers(data, &obj); err != nil {
		return nil, errspkg.Decode("invalid JSON", err)
	}
	if len(obj) == 0 {
		return nil, errspkg.Decode("empty payload", nil)
	}
	return obj, nil
}

type header struct {
	eventType     string
	id            string
	source        string
	occurredAt    time.Time
	correlationID string
}

func split(obj map[string]any) (header, map[string]any, error) {
	var h header
	var err error

	if h.eventType, err = stringField(obj, fieldType); err != nil {
		return h, nil, err
	}
	if h.id, err = stringField(obj, fieldID); err != nil {
		return h, nil, err
	}
	if h.source, err = stringField(obj, fieldSource); err != nil {
		return h, nil, err
	}
	if h.correlationID, err = stringField(obj, fieldCorrelationID); err != nil {
		return h, nil, err
	}
	if h.occurredAt, err = timeField(obj, fieldOccurredAt); err != nil {
		return h, nil, err
	}

	if rawPayload, ok := obj[fieldPayload]; ok {
		body, isObject := rawPayload.(map[string]any)
		if !isObject || len(body) == 0 {
			return h, nil, errspkg.Decode("envelope payload must be a non-empty object", nil)
		}
		return h, body, nil
	}

	body := make(map[string]any, len(obj))
	for k, v := range obj {
		body[k] = v
	}
	for _, k := range headerFields {
		delete(body, k)
	}
	if len(body) == 0 {
		return h, nil, errspkg.Decode("no payload fields", nil)
	}
	return h, body, nil
}

func stringField(obj map[string]any, name string) (string, error) {
	v, ok := obj[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errspkg.Decode(name+" must be a string", nil)
	}
	return strings.TrimSpace(s), nil
}

func timeField(obj map[string]any, name string) (time.Time, error) {
	v, ok := obj[name]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, errspkg.Decode(name+" is not RFC3339", err)
		}
		return parsed.UTC(), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil || n < 0 {
			return time.Time{}, errspkg.Decode(name+" must be a non-negative unix timestamp", err)
		}
		if n >= millisThreshold {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	default:
		return time.Time{}, errspkg.Decode(name+" has unsupported type", nil)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
