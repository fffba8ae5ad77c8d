package idemflow

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	runtimepkg "github.com/drblury/idemflow/internal/runtime"
	"github.com/drblury/idemflow/internal/runtime/bridge"
	"github.com/drblury/idemflow/internal/runtime/classify"
	configpkg "github.com/drblury/idemflow/internal/runtime/config"
	"github.com/drblury/idemflow/internal/runtime/deadletter"
	"github.com/drblury/idemflow/internal/runtime/decode"
	"github.com/drblury/idemflow/internal/runtime/effect"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/event"
	"github.com/drblury/idemflow/internal/runtime/idempotency"
	idspkg "github.com/drblury/idemflow/internal/runtime/ids"
	"github.com/drblury/idemflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/idemflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/idemflow/internal/runtime/metadata"
	"github.com/drblury/idemflow/internal/runtime/pipeline"
	"github.com/drblury/idemflow/internal/runtime/routes"
	"github.com/drblury/idemflow/internal/runtime/validate"
	"github.com/drblury/idemflow/store"
	"github.com/drblury/idemflow/transport"
	_ "github.com/drblury/idemflow/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Subscription        = runtimepkg.Subscription
	Producer            = runtimepkg.Producer

	Handler                = bridge.Handler
	BridgeState            = bridge.State
	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	Outcome     = classify.Outcome
	Disposition = classify.Disposition
	Reason      = classify.Reason

	Event    = event.Event
	Metadata = metadatapkg.Metadata

	Pipeline           = pipeline.Pipeline
	Route[T any]       = pipeline.Route[T]
	Applier[T any]     = effect.Applier[T]
	EffectInput[T any] = effect.Input[T]
	Validator[T any]   = validate.Validator[T]
	KeyStrategy[T any] = idempotency.Strategy[T]

	Store            = store.Store
	AccumulatorStore = store.Accumulator

	DeadLetterEntry     = deadletter.Entry
	DeadLetterSink      = deadletter.Sink
	DeadLetterSinkFunc  = deadletter.SinkFunc
	DeadLetterMetrics   = deadletter.Metrics
	DeadLetterInspector = deadletter.Inspector

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError      = errspkg.ConfigValidationError
	DecodeError                = errspkg.DecodeError
	ValidationError            = errspkg.ValidationError
	DependencyUnavailableError = errspkg.DependencyUnavailableError
	EffectError                = errspkg.EffectError
	UnclassifiedError          = errspkg.UnclassifiedError

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	RouteDependencies = routes.Dependencies
)

const (
	Acknowledge = classify.Acknowledge
	Retry       = classify.Retry
	Reject      = classify.Reject

	EventCostAccrued        = routes.CostAccrued
	EventMemberLinked       = routes.MemberLinked
	EventCollectionRecorded = routes.CollectionRecorded
)

var (
	LoadConfig     = configpkg.Load
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	JobHooksMiddleware      = runtimepkg.JobHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	AlertingHooks           = runtimepkg.AlertingHooks
	TopicFromContext        = runtimepkg.TopicFromContext

	NewEvent          = event.New
	WithEventID       = event.WithID
	WithSource        = event.WithSource
	WithOccurredAt    = event.WithOccurredAt
	WithCorrelationID = event.WithCorrelationID
	NewEventMessage   = runtimepkg.NewEventMessage
	PublishEvent      = runtimepkg.PublishEvent

	NewDecoder      = decode.New
	WithDefaultType = decode.WithDefaultType
	NewPipeline     = pipeline.New
	NewClassifier   = classify.NewClassifier
	NewAuxMetrics   = effect.NewAuxMetrics
	RegisterRoutes  = routes.RegisterAll

	NewDeadLetterMetrics = deadletter.NewMetrics

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrServiceRequired   = errspkg.ErrServiceRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrEventTypeRequired = errspkg.ErrEventTypeRequired
	ErrRouteExists       = errspkg.ErrRouteExists
	ErrHandlerNotReady   = errspkg.ErrHandlerNotReady
	ErrHandoffTimeout    = errspkg.ErrHandoffTimeout
	ErrAlreadyStarted    = errspkg.ErrAlreadyStarted
	ErrServiceStopping   = errspkg.ErrServiceStopping
	ErrUnknownTransport  = transport.ErrUnknownTransport
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewDiscardLogger     = loggingpkg.NewDiscardLogger
	NewID                = idspkg.New
	ClassifyError        = classify.FromError
	TransientEffectError = errspkg.Transient
	PermanentEffectError = errspkg.Permanent
	InvalidPayloadError  = errspkg.Invalid
)

// RegisterRoute binds a typed route to p.
func RegisterRoute[T any](p *Pipeline, r Route[T]) error {
	return pipeline.Register(p, r)
}

// StructValidator validates payloads by their validate struct tags.
func StructValidator[T any]() Validator[T] {
	return validate.Struct[T]()
}

// DefaultKey prefers the producer's event id and falls back to a content
// hash.
func DefaultKey[T any]() KeyStrategy[T] {
	return idempotency.Default[T]()
}

// Accumulate is an applier that adds each event's amount to a bucket total
// exactly once per idempotency key.
func Accumulate[T any](st AccumulatorStore, extract effect.Amount[T]) Applier[T] {
	return effect.Accumulate(st, extract)
}

// HandlerFunc adapts a function returning an error to a Handler. The error
// is classified the same way pipeline failures are.
func HandlerFunc(fn func(ctx context.Context, ev Event) error, decoder *decode.Decoder) Handler {
	if decoder == nil {
		decoder = decode.New()
	}
	return func(ctx context.Context, msg *message.Message) Outcome {
		ev, err := decoder.Decode(event.FromBytes(msg.Payload), metadatapkg.FromWatermill(msg.Metadata))
		if err != nil {
			return classify.FromError(err)
		}
		if err := fn(ctx, ev); err != nil {
			return classify.FromError(err)
		}
		return classify.Acked(ev.ID)
	}
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
