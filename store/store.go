// Package store declares the persistence contracts the effect appliers rely
// on. Every backend implements them with the store's own atomic primitives:
// keyed upserts, marker-guarded increments and add-to-set.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrGroupNotFound is returned when linking into a group that does not exist.
	ErrGroupNotFound = errors.New("store: group not found")
	// ErrUnavailable marks failures caused by an unreachable backend.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrInvalidArgument marks calls that can never succeed.
	ErrInvalidArgument = errors.New("store: invalid argument")
)

// Unavailable wraps a driver error so callers can tell it is transient.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Contribution is the share of a bucket total owned by one idempotency key.
type Contribution struct {
	Key        string
	EntityID   string
	Period     string
	Amount     decimal.Decimal
	OccurredAt time.Time
}

// Validate checks the fields every backend needs.
func (c Contribution) Validate() error {
	switch {
	case c.Key == "":
		return fmt.Errorf("%w: contribution key is empty", ErrInvalidArgument)
	case c.EntityID == "":
		return fmt.Errorf("%w: entity id is empty", ErrInvalidArgument)
	case c.Period == "":
		return fmt.Errorf("%w: period is empty", ErrInvalidArgument)
	}
	return nil
}

// Accumulator keeps per-(entity, period) totals as a sum of keyed
// contributions. Writing the same key twice replaces the earlier amount.
type Accumulator interface {
	UpsertContribution(ctx context.Context, c Contribution) error
	Total(ctx context.Context, entityID, period string) (decimal.Decimal, error)
}

// Counter keeps blind running totals guarded by a processed marker. The
// marker and the increment are written atomically.
type Counter interface {
	IncrementOnce(ctx context.Context, marker, entityID, period string, delta decimal.Decimal) (applied bool, err error)
	Counter(ctx context.Context, entityID, period string) (decimal.Decimal, error)
}

// Membership keeps member sets per group.
type Membership interface {
	CreateGroup(ctx context.Context, groupID string) error
	GroupExists(ctx context.Context, groupID string) (bool, error)
	AddMember(ctx context.Context, groupID, memberID string) (added bool, err error)
	IsMember(ctx context.Context, groupID, memberID string) (bool, error)
	Members(ctx context.Context, groupID string) ([]string, error)
}

// Store is the full contract implemented by every backend.
type Store interface {
	Accumulator
	Counter
	Membership
	Ping(ctx context.Context) error
	Close() error
}
