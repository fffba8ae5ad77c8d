// Package routes holds the event types a worker understands out of the box.
package routes

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/drblury/idemflow/internal/runtime/effect"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
	"github.com/drblury/idemflow/internal/runtime/logging"
	"github.com/drblury/idemflow/internal/runtime/pipeline"
	"github.com/drblury/idemflow/internal/runtime/validate"
	"github.com/drblury/idemflow/store"
)

const (
	CostAccrued        = "cost.accrued"
	MemberLinked       = "member.linked"
	CollectionRecorded = "collection.recorded"
)

// CostAccruedPayload adds an amount to an entity's total for a period.
type CostAccruedPayload struct {
	EntityID string          `json:"entity_id" validate:"required"`
	Period   string          `json:"period" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

// MemberLinkedPayload puts a member into an existing group.
type MemberLinkedPayload struct {
	GroupID  string `json:"group_id" validate:"required"`
	MemberID string `json:"member_id" validate:"required"`
}

// CollectionRecordedPayload is one delivery by a member at a collection
// point. The quantity counts towards the member's daily total, and the member
// is assigned to the collection point the first time they show up there.
type CollectionRecordedPayload struct {
	MemberID          string          `json:"member_id" validate:"required"`
	CollectionPointID string          `json:"collection_point_id" validate:"required"`
	Date              string          `json:"date" validate:"required"`
	Quantity          decimal.Decimal `json:"quantity"`
}

// Dependencies are the collaborators shared by the built-in routes.
type Dependencies struct {
	Store   store.Store
	Logger  logging.ServiceLogger
	Metrics *effect.AuxMetrics
}

// RegisterAll binds every built-in route to p.
func RegisterAll(p *pipeline.Pipeline, deps Dependencies) error {
	if deps.Store == nil {
		return errspkg.ErrStoreRequired
	}
	if err := pipeline.Register(p, CostAccruedRoute(deps.Store)); err != nil {
		return fmt.Errorf("registering %s: %w", CostAccrued, err)
	}
	if err := pipeline.Register(p, MemberLinkedRoute(deps.Store)); err != nil {
		return fmt.Errorf("registering %s: %w", MemberLinked, err)
	}
	if err := pipeline.Register(p, CollectionRecordedRoute(deps.Store, deps.Logger, deps.Metrics)); err != nil {
		return fmt.Errorf("registering %s: %w", CollectionRecorded, err)
	}
	return nil
}

func CostAccruedRoute(st store.Accumulator) pipeline.Route[*CostAccruedPayload] {
	return pipeline.Route[*CostAccruedPayload]{
		Type:      CostAccrued,
		Validator: validate.Struct[*CostAccruedPayload](),
		Applier: effect.Accumulate(st, func(p *CostAccruedPayload) (string, string, decimal.Decimal) {
			return p.EntityID, p.Period, p.Amount
		}),
	}
}

// MemberLinkedRoute rejects links into groups that do not exist.
func MemberLinkedRoute(st store.Membership) pipeline.Route[*MemberLinkedPayload] {
	return pipeline.Route[*MemberLinkedPayload]{
		Type: MemberLinked,
		Validator: validate.Chain(
			validate.Struct[*MemberLinkedPayload](),
			validate.Reference("group_id", st.GroupExists, func(p *MemberLinkedPayload) string { return p.GroupID }),
		),
		Applier: effect.Link(st, func(p *MemberLinkedPayload) (string, string) {
			return p.GroupID, p.MemberID
		}, false),
	}
}

// CollectionRecordedRoute accumulates the quantity and then assigns the
// member to the collection point. A failed assignment is only logged.
func CollectionRecordedRoute(st store.Store, logger logging.ServiceLogger, m *effect.AuxMetrics) pipeline.Route[*CollectionRecordedPayload] {
	primary := effect.Accumulate(st, func(p *CollectionRecordedPayload) (string, string, decimal.Decimal) {
		return p.MemberID, p.Date, p.Quantity
	})
	assign := effect.Auxiliary[*CollectionRecordedPayload]{
		Name: "auto_assign",
		Applier: effect.Sequence(
			effect.Func[*CollectionRecordedPayload](func(ctx context.Context, in effect.Input[*CollectionRecordedPayload]) error {
				return st.CreateGroup(ctx, in.Payload.CollectionPointID)
			}),
			effect.Link(st, func(p *CollectionRecordedPayload) (string, string) {
				return p.CollectionPointID, p.MemberID
			}, true),
		),
	}
	return pipeline.Route[*CollectionRecordedPayload]{
		Type: CollectionRecorded,
		Validator: validate.Chain(
			validate.Struct[*CollectionRecordedPayload](),
			validate.Func[*CollectionRecordedPayload](func(_ context.Context, _ event.Event, p *CollectionRecordedPayload) error {
				if p.Quantity.IsNegative() {
					return errspkg.Invalid("quantity", "must not be negative")
				}
				return nil
			}),
		),
		Applier: effect.WithAuxiliary(primary, logger, m, assign),
	}
}
