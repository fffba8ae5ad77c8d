package effect

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/logging"
	"github.com/drblury/idemflow/internal/runtime/metrics"
)

// Auxiliary is a best-effort effect run after a primary one.
type Auxiliary[T any] struct {
	Name    string
	Applier Applier[T]
}

// AuxMetrics counts failed auxiliary effects.
type AuxMetrics struct {
	failures *prometheus.CounterVec
}

// NewAuxMetrics registers idemflow_effect_auxiliary_failures_total on reg.
func NewAuxMetrics(reg prometheus.Registerer) (*AuxMetrics, error) {
	counter, err := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "effect",
		Name:      "auxiliary_failures_total",
		Help:      "Auxiliary effects that failed after their primary effect succeeded",
	}, []string{"effect", "kind"}))
	if err != nil {
		return nil, err
	}
	return &AuxMetrics{failures: counter}, nil
}

func (m *AuxMetrics) record(name string, err error) {
	if m == nil {
		return
	}
	kind := "unclassified"
	var effectErr *errspkg.EffectError
	if errors.As(err, &effectErr) {
		kind = "permanent"
		if effectErr.Transient {
			kind = "transient"
		}
	}
	m.failures.WithLabelValues(name, kind).Inc()
}

// WithAuxiliary runs the primary applier and, when it succeeds, every
// auxiliary one. Auxiliary failures and panics are logged and counted. They
// never change the result and never undo the primary effect.
func WithAuxiliary[T any](primary Applier[T], logger logging.ServiceLogger, m *AuxMetrics, aux ...Auxiliary[T]) Applier[T] {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return Func[T](func(ctx context.Context, in Input[T]) error {
		if err := primary.Apply(ctx, in); err != nil {
			return err
		}
		for _, a := range aux {
			if err := runAuxiliary(ctx, a, in); err != nil {
				m.record(a.Name, err)
				logger.Error("Auxiliary effect failed", err, logging.LogFields{
					"effect":          a.Name,
					"idempotency_key": in.Key.String(),
					"event_type":      in.Event.Type,
				})
			}
		}
		return nil
	})
}

func runAuxiliary[T any](ctx context.Context, a Auxiliary[T], in Input[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.UnclassifiedError{Value: fmt.Sprintf("auxiliary effect %s panicked: %v", a.Name, r)}
		}
	}()
	return a.Applier.Apply(ctx, in)
}
