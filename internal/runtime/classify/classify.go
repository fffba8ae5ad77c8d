// Package classify turns the result of decoding, validating and applying a
// message into exactly one Disposition.
package classify

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/metrics"
)

// Disposition is what the bus client is told to do with a message.
type Disposition int

const (
	Acknowledge Disposition = iota
	Retry
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Acknowledge:
		return "ack"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Reason is a short label attached to every outcome for logs and metrics.
type Reason string

const (
	ReasonOK                    Reason = "ok"
	ReasonDecodeError           Reason = "decode_error"
	ReasonValidationError       Reason = "validation_error"
	ReasonDependencyUnavailable Reason = "dependency_unavailable"
	ReasonEffectTransient       Reason = "effect_transient"
	ReasonEffectPermanent       Reason = "effect_permanent"
	ReasonHandlerNotReady       Reason = "handler_not_ready"
	ReasonHandoffTimeout        Reason = "handoff_timeout"
	ReasonUnclassified          Reason = "unclassified"
)

// Outcome is the result of one processing attempt.
type Outcome struct {
	Disposition Disposition
	Reason      Reason
	Key         string
	Err         error
}

// Acked reports a fully successful attempt.
func Acked(key string) Outcome {
	return Outcome{Disposition: Acknowledge, Reason: ReasonOK, Key: key}
}

// FromError builds the outcome for a single failure.
func FromError(err error) Outcome {
	d, r := Of(err)
	return Outcome{Disposition: d, Reason: r, Err: err}
}

// Of classifies one error. Errors outside the taxonomy are retried.
func Of(err error) (Disposition, Reason) {
	if err == nil {
		return Acknowledge, ReasonOK
	}

	var (
		decodeErr     *errspkg.DecodeError
		validationErr *errspkg.ValidationError
		dependencyErr *errspkg.DependencyUnavailableError
		effectErr     *errspkg.EffectError
	)

	switch {
	case errors.Is(err, errspkg.ErrHandlerNotReady), errors.Is(err, errspkg.ErrNotRunning):
		return Retry, ReasonHandlerNotReady
	case errors.Is(err, errspkg.ErrHandoffTimeout), errors.Is(err, context.DeadlineExceeded):
		return Retry, ReasonHandoffTimeout
	case errors.As(err, &decodeErr):
		return Reject, ReasonDecodeError
	case errors.As(err, &validationErr):
		return Reject, ReasonValidationError
	case errors.As(err, &dependencyErr):
		return Retry, ReasonDependencyUnavailable
	case errors.As(err, &effectErr):
		if effectErr.Transient {
			return Retry, ReasonEffectTransient
		}
		return Reject, ReasonEffectPermanent
	default:
		return Retry, ReasonUnclassified
	}
}

// Classify combines the stage results. A reject-class failure wins over a
// retry-class one, and only three nil results acknowledge.
func Classify(decodeErr, validateErr, applyErr error) Outcome {
	var retry *Outcome
	for _, err := range []error{decodeErr, validateErr, applyErr} {
		if err == nil {
			continue
		}
		out := FromError(err)
		if out.Disposition == Reject {
			return out
		}
		if retry == nil {
			retry = &out
		}
	}
	if retry != nil {
		return *retry
	}
	return Outcome{Disposition: Acknowledge, Reason: ReasonOK}
}

// Classifier wraps Classify and counts every outcome it records.
type Classifier struct {
	messages *prometheus.CounterVec
}

// NewClassifier registers idemflow_ingest_messages_total on reg.
func NewClassifier(reg prometheus.Registerer) (*Classifier, error) {
	counter, err := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "ingest",
		Name:      "messages_total",
		Help:      "Processed messages by disposition and reason",
	}, []string{"disposition", "reason"}))
	if err != nil {
		return nil, err
	}
	return &Classifier{messages: counter}, nil
}

// Classify classifies the stage results and records the outcome.
func (c *Classifier) Classify(decodeErr, validateErr, applyErr error) Outcome {
	out := Classify(decodeErr, validateErr, applyErr)
	c.Record(out)
	return out
}

// Record counts an outcome that was decided elsewhere.
func (c *Classifier) Record(out Outcome) {
	if c == nil || c.messages == nil {
		return
	}
	c.messages.WithLabelValues(out.Disposition.String(), string(out.Reason)).Inc()
}
