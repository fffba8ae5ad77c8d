// Package effect applies validated events to persistent state. Every applier
// is safe to run more than once for the same idempotency key.
package effect

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
	"github.com/drblury/idemflow/internal/runtime/idempotency"
	"github.com/drblury/idemflow/store"
)

// Input is everything an applier needs for one event.
type Input[T any] struct {
	Event   event.Event
	Payload T
	Key     idempotency.Key
}

// Applier mutates state for one event. Failures are *errors.EffectError.
type Applier[T any] interface {
	Apply(ctx context.Context, in Input[T]) error
}

// Func adapts a plain function to Applier.
type Func[T any] func(ctx context.Context, in Input[T]) error

func (f Func[T]) Apply(ctx context.Context, in Input[T]) error { return f(ctx, in) }

// Amount extracts the bucket and amount an event contributes.
type Amount[T any] func(payload T) (entityID, period string, amount decimal.Decimal)

// LinkFields extracts the group and member an event links.
type LinkFields[T any] func(payload T) (groupID, memberID string)

// Accumulate upserts the event's contribution to its bucket, keyed by the
// idempotency key. Replays overwrite instead of adding.
func Accumulate[T any](st store.Accumulator, extract Amount[T]) Applier[T] {
	return Func[T](func(ctx context.Context, in Input[T]) error {
		entityID, period, amount := extract(in.Payload)
		err := st.UpsertContribution(ctx, store.Contribution{
			Key:        in.Key.String(),
			EntityID:   entityID,
			Period:     period,
			Amount:     amount,
			OccurredAt: in.Event.OccurredAt,
		})
		return wrap("accumulate", err)
	})
}

// IncrementOnce adds the amount to a running counter unless the key was
// already processed. The store writes the marker and the increment together.
func IncrementOnce[T any](st store.Counter, extract Amount[T]) Applier[T] {
	return Func[T](func(ctx context.Context, in Input[T]) error {
		entityID, period, amount := extract(in.Payload)
		_, err := st.IncrementOnce(ctx, in.Key.String(), entityID, period, amount)
		return wrap("increment once", err)
	})
}

// Link adds the member to the group's set. With checkFirst the membership is
// read before writing, which only saves a write.
func Link[T any](st store.Membership, extract LinkFields[T], checkFirst bool) Applier[T] {
	return Func[T](func(ctx context.Context, in Input[T]) error {
		groupID, memberID := extract(in.Payload)
		if checkFirst {
			ok, err := st.IsMember(ctx, groupID, memberID)
			if err != nil {
				return wrap("link", err)
			}
			if ok {
				return nil
			}
		}
		_, err := st.AddMember(ctx, groupID, memberID)
		return wrap("link", err)
	})
}

// Sequence runs appliers in order and stops at the first failure. Each step
// must be idempotent on its own since a retry replays the completed ones.
func Sequence[T any](appliers ...Applier[T]) Applier[T] {
	return Func[T](func(ctx context.Context, in Input[T]) error {
		for _, a := range appliers {
			if err := a.Apply(ctx, in); err != nil {
				return err
			}
		}
		return nil
	})
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var effectErr *errspkg.EffectError
	if errors.As(err, &effectErr) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrGroupNotFound), errors.Is(err, store.ErrInvalidArgument):
		return errspkg.Permanent(op, err)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errspkg.Transient(op, err)
	default:
		return errspkg.Transient(op, fmt.Errorf("unexpected store error: %w", err))
	}
}
