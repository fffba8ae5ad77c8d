package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired         = sterrors.New("idemflow: service is required")
	ErrHandlerRequired         = sterrors.New("idemflow: handler function is required")
	ErrTopicRequired           = sterrors.New("idemflow: topic is required")
	ErrDeadLetterTopicRequired = sterrors.New("idemflow: dead letter topic is required")
	ErrPublisherRequired       = sterrors.New("idemflow: publisher is required")
	ErrSubscriberRequired      = sterrors.New("idemflow: subscriber is required")
	ErrConfigRequired          = sterrors.New("idemflow: configuration is required")
	ErrLoggerRequired          = sterrors.New("idemflow: logger is required")
	ErrEventTypeRequired       = sterrors.New("idemflow: event type is required")
	ErrApplierRequired         = sterrors.New("idemflow: effect applier is required")
	ErrStoreRequired           = sterrors.New("idemflow: store is required")
	ErrRouteExists             = sterrors.New("idemflow: route already registered for event type")
	ErrPayloadPointerNeeded    = sterrors.New("idemflow: route payload type must be a pointer")

	// ErrHandlerNotReady is returned while the main runtime has not been attached yet.
	ErrHandlerNotReady = sterrors.New("idemflow: handler not ready")
	ErrHandoffTimeout  = sterrors.New("idemflow: hand-off to main runtime timed out")
	ErrNotRunning      = sterrors.New("idemflow: executor is not running")
	ErrAlreadyStarted  = sterrors.New("idemflow: already started")
	ErrServiceStopping = sterrors.New("idemflow: service is stopping")
)

// ConfigValidationError wraps configuration problems detected at startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("idemflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// DecodeError reports a payload that could not be turned into an event.
// Malformed payloads never heal on redelivery.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "idemflow: decode: " + e.Reason
	}
	return fmt.Sprintf("idemflow: decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError reports a well-formed event with semantically invalid content.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "idemflow: validation: "
	if e.Field != "" {
		msg += e.Field + ": "
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DependencyUnavailableError reports a lookup that failed while validating.
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("idemflow: dependency %q unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error { return e.Err }

// EffectError reports a failed state mutation. Transient errors come from the
// store being unreachable, permanent ones from a mutation that can never succeed.
type EffectError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *EffectError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("idemflow: effect %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *EffectError) Unwrap() error { return e.Err }

// UnclassifiedError carries a panic value or an error nobody expected.
type UnclassifiedError struct {
	Value any
}

func (e *UnclassifiedError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "idemflow: unclassified failure: " + err.Error()
	}
	return fmt.Sprintf("idemflow: unclassified failure: %v", e.Value)
}

func (e *UnclassifiedError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Transient builds a retryable EffectError.
func Transient(op string, err error) error {
	return &EffectError{Op: op, Transient: true, Err: err}
}

// Permanent builds a non-retryable EffectError.
func Permanent(op string, err error) error {
	return &EffectError{Op: op, Transient: false, Err: err}
}

// Decode builds a DecodeError.
func Decode(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
