// Package validate holds the semantic checks run on decoded events before any
// effect is applied.
package validate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
)

// Validator checks one typed payload. Permanent problems are reported as
// *errors.ValidationError, failed lookups as *errors.DependencyUnavailableError.
type Validator[T any] interface {
	Validate(ctx context.Context, ev event.Event, payload T) error
}

// Func adapts a plain function to Validator.
type Func[T any] func(ctx context.Context, ev event.Event, payload T) error

func (f Func[T]) Validate(ctx context.Context, ev event.Event, payload T) error {
	return f(ctx, ev, payload)
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		if tag == "-" {
			return ""
		}
		return tag
	})
	return v
}

// Struct validates payloads with their `validate` struct tags.
func Struct[T any]() Validator[T] {
	return Func[T](func(_ context.Context, _ event.Event, payload T) error {
		err := structValidator.Struct(payload)
		if err == nil {
			return nil
		}

		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return &errspkg.ValidationError{Field: first.Field(), Reason: fieldMessage(first), Err: err}
		}
		return &errspkg.ValidationError{Reason: "payload cannot be validated", Err: err}
	})
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "datetime":
		return fmt.Sprintf("must match layout %s", fe.Param())
	case "nefield":
		return fmt.Sprintf("must differ from %s", fe.Param())
	}
	return "is invalid"
}

// Lookup reports whether a referenced entity exists.
type Lookup func(ctx context.Context, id string) (bool, error)

// Reference checks that the id extracted from the payload names an existing
// entity. A failing lookup is transient, a missing entity is permanent.
func Reference[T any](name string, lookup Lookup, extract func(T) string) Validator[T] {
	return Func[T](func(ctx context.Context, _ event.Event, payload T) error {
		id := extract(payload)
		if id == "" {
			return errspkg.Invalid(name, "is required")
		}
		found, err := lookup(ctx, id)
		if err != nil {
			return &errspkg.DependencyUnavailableError{Dependency: name, Err: err}
		}
		if !found {
			return errspkg.Invalid(name, fmt.Sprintf("references unknown %s %q", name, id))
		}
		return nil
	})
}

// Chain runs validators in order and stops at the first failure.
func Chain[T any](validators ...Validator[T]) Validator[T] {
	return Func[T](func(ctx context.Context, ev event.Event, payload T) error {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if err := v.Validate(ctx, ev, payload); err != nil {
				return err
			}
		}
		return nil
	})
}
