// Package pipeline runs one message through decode, validate, key derivation
// and apply, then classifies the result. Stages run strictly in order and
// the first failing stage ends the attempt.
package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/idemflow/internal/runtime/classify"
	"github.com/drblury/idemflow/internal/runtime/decode"
	"github.com/drblury/idemflow/internal/runtime/effect"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
	"github.com/drblury/idemflow/internal/runtime/idempotency"
	"github.com/drblury/idemflow/internal/runtime/jsoncodec"
	"github.com/drblury/idemflow/internal/runtime/logging"
	"github.com/drblury/idemflow/internal/runtime/metadata"
	"github.com/drblury/idemflow/internal/runtime/validate"
)

// Route binds one event type to its typed processing steps. T must be a
// pointer to the payload struct.
type Route[T any] struct {
	Type      string
	Validator validate.Validator[T]
	// Key defaults to idempotency.Default.
	Key     idempotency.Strategy[T]
	Applier effect.Applier[T]
}

type result struct {
	key         idempotency.Key
	decodeErr   error
	validateErr error
	applyErr    error
}

type routeFunc func(ctx context.Context, ev event.Event) result

// Pipeline dispatches decoded events to their routes.
type Pipeline struct {
	decoder    *decode.Decoder
	classifier *classify.Classifier
	logger     logging.ServiceLogger

	mu     sync.RWMutex
	routes map[string]routeFunc
}

// New builds an empty pipeline. A nil classifier only skips metrics.
func New(decoder *decode.Decoder, classifier *classify.Classifier, logger logging.ServiceLogger) *Pipeline {
	if decoder == nil {
		decoder = decode.New()
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Pipeline{
		decoder:    decoder,
		classifier: classifier,
		logger:     logger,
		routes:     make(map[string]routeFunc),
	}
}

// Register adds a typed route.
func Register[T any](p *Pipeline, r Route[T]) error {
	if r.Type == "" {
		return errspkg.ErrEventTypeRequired
	}
	if r.Applier == nil {
		return errspkg.ErrApplierRequired
	}
	newPayload, err := payloadFactory[T]()
	if err != nil {
		return err
	}
	keyOf := r.Key
	if keyOf == nil {
		keyOf = idempotency.Default[T]()
	}

	run := func(ctx context.Context, ev event.Event) result {
		payload := newPayload()
		if err := jsoncodec.Unmarshal(ev.Payload(), payload); err != nil {
			return result{decodeErr: errspkg.Decode(fmt.Sprintf("payload does not match %s", ev.Type), err)}
		}
		if r.Validator != nil {
			if err := r.Validator.Validate(ctx, ev, payload); err != nil {
				return result{validateErr: err}
			}
		}
		key, err := keyOf(ev, payload)
		if err != nil {
			return result{validateErr: &errspkg.ValidationError{Reason: "cannot derive idempotency key", Err: err}}
		}
		return result{key: key, applyErr: r.Applier.Apply(ctx, effect.Input[T]{Event: ev, Payload: payload, Key: key})}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.routes[r.Type]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrRouteExists, r.Type)
	}
	p.routes[r.Type] = run
	return nil
}

func payloadFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

// Types lists the registered event types.
func (p *Pipeline) Types() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	types := make([]string, 0, len(p.routes))
	for t := range p.routes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Handle processes a bus message.
func (p *Pipeline) Handle(ctx context.Context, msg *message.Message) classify.Outcome {
	md := metadata.FromWatermill(msg.Metadata)
	return p.process(ctx, event.FromBytes(msg.Payload), md, logging.LogFields{"message_uuid": msg.UUID})
}

// HandleRaw processes a payload that did not arrive as a Watermill message.
func (p *Pipeline) HandleRaw(ctx context.Context, raw event.Raw, md metadata.Metadata) classify.Outcome {
	return p.process(ctx, raw, md, logging.LogFields{})
}

func (p *Pipeline) process(ctx context.Context, raw event.Raw, md metadata.Metadata, fields logging.LogFields) classify.Outcome {
	var res result
	ev, err := p.decoder.Decode(raw, md)
	if err != nil {
		res.decodeErr = err
	} else {
		fields["event_type"] = ev.Type
		fields["event_id"] = ev.ID
		fields["correlation_id"] = ev.CorrelationID
		fields["attempt"] = ev.Attempt

		p.mu.RLock()
		run, ok := p.routes[ev.Type]
		p.mu.RUnlock()
		if ok {
			res = run(ctx, ev)
		} else {
			res.decodeErr = errspkg.Decode(fmt.Sprintf("unknown event type %q", ev.Type), nil)
		}
	}

	var out classify.Outcome
	if p.classifier != nil {
		out = p.classifier.Classify(res.decodeErr, res.validateErr, res.applyErr)
	} else {
		out = classify.Classify(res.decodeErr, res.validateErr, res.applyErr)
	}
	out.Key = res.key.String()
	p.log(out, fields)
	return out
}

func (p *Pipeline) log(out classify.Outcome, fields logging.LogFields) {
	fields["idempotency_key"] = out.Key
	fields["disposition"] = out.Disposition.String()
	fields["reason"] = string(out.Reason)

	switch out.Disposition {
	case classify.Acknowledge:
		p.logger.Info("Message processed", fields)
	case classify.Retry:
		p.logger.Error("Message will be redelivered", out.Err, fields)
	default:
		p.logger.Error("Message rejected", out.Err, fields)
	}
}
