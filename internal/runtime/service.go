package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/idemflow/internal/runtime/bridge"
	"github.com/drblury/idemflow/internal/runtime/classify"
	configpkg "github.com/drblury/idemflow/internal/runtime/config"
	"github.com/drblury/idemflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/executor"
	loggingpkg "github.com/drblury/idemflow/internal/runtime/logging"
	"github.com/drblury/idemflow/transport"
)

const shutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Middlewares are appended after the default middleware chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	JobHooks                  JobHooks

	// TransportFactory replaces the registry lookup by PubSubSystem.
	TransportFactory transport.Builder
	// Registerer receives every collector. Defaults to a registry owned by
	// the Service, which is also what the metrics endpoint serves.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// DeadLetterSink replaces publishing rejected messages on the transport.
	DeadLetterSink deadletter.Sink
}

// Service wires the transport, the executor that owns store access and one
// subscription bridge per subscribed topic.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transport.Transport
	capabilities transport.Capabilities
	executor     *executor.Loop
	classifier   *classify.Classifier
	dlqMetrics   *deadletter.Metrics
	sink         deadletter.Sink

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	middlewares   []Middleware
	middlewaresMu sync.RWMutex

	subscriptions   []*Subscription
	subscriptionsMu sync.Mutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	started atomic.Bool
	// runCtx and stopping are guarded by subscriptionsMu. Bridges are only
	// added to the wait group while stopping is false.
	runCtx   context.Context
	stopping bool
	bridges  sync.WaitGroup
}

// Subscription is one topic consumed by its own bridge.
type Subscription struct {
	Topic           string
	DeadLetterTopic string

	bridge  *bridge.Bridge
	handler bridge.Handler
}

// State reports the lifecycle state of the underlying bridge.
func (s *Subscription) State() bridge.State {
	return s.bridge.State()
}

// Ready reports whether messages on this subscription reach a handler.
func (s *Subscription) Ready() bool {
	return s.bridge.Ready()
}

// NewService constructs a Service and panics when it cannot be built. Use
// TryNewService to handle the error instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service for the supplied configuration.
// Subscribe topics on the returned Service before calling Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	log.Info("Creating ingestion service", loggingpkg.LogFields{
		"pubsub_system": conf.GetPubSubSystem(),
		"config":        conf.String(),
	})

	s := &Service{Conf: conf, Logger: log}
	s.registerer, s.gatherer = metricsRegistry(deps)

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	var (
		t   transport.Transport
		err error
	)
	if deps.TransportFactory != nil {
		t, err = deps.TransportFactory(ctx, conf, wmLogger)
	} else {
		t, err = transport.Build(ctx, conf, wmLogger)
	}
	if err != nil {
		return nil, fmt.Errorf("building transport %q: %w", conf.GetPubSubSystem(), err)
	}
	s.transport = t
	s.capabilities = transport.GetCapabilities(conf.GetPubSubSystem())
	if provider, ok := t.Subscriber.(transport.CapabilitiesProvider); ok {
		s.capabilities = provider.Capabilities()
	}
	for _, warning := range s.capabilities.Warnings() {
		log.Info("Transport limitation", loggingpkg.LogFields{"transport": s.capabilities.Name, "warning": warning})
	}

	if err := s.buildRuntime(deps); err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = t.Close()
		return nil, err
	}
	return s, nil
}

func metricsRegistry(deps ServiceDependencies) (prometheus.Registerer, prometheus.Gatherer) {
	if deps.Registerer == nil {
		reg := prometheus.NewRegistry()
		return reg, reg
	}
	if deps.Gatherer != nil {
		return deps.Registerer, deps.Gatherer
	}
	if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
		return deps.Registerer, g
	}
	return deps.Registerer, prometheus.DefaultGatherer
}

func (s *Service) buildRuntime(deps ServiceDependencies) error {
	var err error
	s.executor, err = executor.New(executor.Options{
		Workers:    s.Conf.ExecutorWorkers,
		QueueSize:  s.Conf.ExecutorQueueSize,
		Logger:     s.Logger.With(loggingpkg.LogFields{"component": "executor"}),
		Registerer: s.registerer,
	})
	if err != nil {
		return err
	}
	if s.classifier, err = classify.NewClassifier(s.registerer); err != nil {
		return err
	}
	if s.dlqMetrics, err = deadletter.NewMetrics(s.registerer); err != nil {
		return err
	}

	if deps.DeadLetterSink != nil {
		s.sink = deps.DeadLetterSink
		return nil
	}
	s.sink, err = deadletter.NewPublisherSink(s.transport.Publisher, s.dlqMetrics, s.Logger)
	return err
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	if !deps.JobHooks.empty() {
		registrations = append(registrations, JobHooksMiddleware(deps.JobHooks))
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Classifier returns the outcome classifier shared by the bridges and
// pipelines of this service.
func (s *Service) Classifier() *classify.Classifier {
	return s.classifier
}

// Registerer is where the service registers its collectors.
func (s *Service) Registerer() prometheus.Registerer {
	return s.registerer
}

// Publisher exposes the transport publisher, mainly for producers that
// share the service's bus.
func (s *Service) Publisher() message.Publisher {
	return s.transport.Publisher
}

// Capabilities describes the guarantees of the configured bus.
func (s *Service) Capabilities() transport.Capabilities {
	return s.capabilities
}

// DeadLetterMetrics returns the per-topic dead-letter statistics.
func (s *Service) DeadLetterMetrics() *deadletter.Metrics {
	return s.dlqMetrics
}

// DeadLetters returns an inspector when the bus keeps its own dead-letter
// table.
func (s *Service) DeadLetters() (*deadletter.Inspector, bool) {
	q, ok := s.transport.Subscriber.(deadletter.Queue)
	if !ok {
		return nil, false
	}
	return deadletter.NewInspector(q, s.dlqMetrics), true
}

// Subscribe creates a bridge for topic. handler may be nil and supplied
// later through Attach. Subscriptions added after Start begin immediately.
func (s *Service) Subscribe(topic, deadLetterTopic string, handler bridge.Handler) (*Subscription, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if deadLetterTopic == "" {
		return nil, errspkg.ErrDeadLetterTopicRequired
	}

	b, err := bridge.New(s.transport.Subscriber, s.sink, bridge.Options{
		HandoffTimeout:  s.Conf.HandoffTimeout,
		InitialInterval: s.Conf.ConnectInitialInterval,
		MaxInterval:     s.Conf.ConnectMaxInterval,
		Logger:          s.Logger.With(loggingpkg.LogFields{"component": "bridge"}),
		Classifier:      s.classifier,
	})
	if err != nil {
		return nil, err
	}

	sub := &Subscription{Topic: topic, DeadLetterTopic: deadLetterTopic, bridge: b, handler: handler}

	s.subscriptionsMu.Lock()
	if s.stopping {
		s.subscriptionsMu.Unlock()
		return nil, errspkg.ErrServiceStopping
	}
	for _, existing := range s.subscriptions {
		if existing.Topic == topic {
			s.subscriptionsMu.Unlock()
			return nil, fmt.Errorf("idemflow: topic %s is already subscribed", topic)
		}
	}
	s.subscriptions = append(s.subscriptions, sub)
	runCtx := s.runCtx
	if runCtx != nil {
		s.bridges.Add(1)
	}
	s.subscriptionsMu.Unlock()

	if runCtx != nil {
		go s.runBridge(runCtx, sub)
		if handler != nil {
			s.attach(sub, handler)
		}
	}
	return sub, nil
}

// Attach binds handler and the executor to every subscription. A nil
// handler keeps the one each subscription was created with. Messages that
// arrive before Attach are retried without side effects.
func (s *Service) Attach(handler bridge.Handler) {
	type pending struct {
		sub     *Subscription
		handler bridge.Handler
	}
	var todo []pending

	s.subscriptionsMu.Lock()
	for _, sub := range s.subscriptions {
		if handler != nil {
			sub.handler = handler
		}
		if sub.handler != nil {
			todo = append(todo, pending{sub: sub, handler: sub.handler})
		}
	}
	s.subscriptionsMu.Unlock()

	for _, p := range todo {
		s.attach(p.sub, p.handler)
	}
}

func (s *Service) attach(sub *Subscription, h bridge.Handler) {
	wrapped := s.wrap(h)
	topic := sub.Topic
	sub.bridge.Attach(s.executor, func(ctx context.Context, msg *message.Message) classify.Outcome {
		return wrapped(withTopic(ctx, topic), msg)
	})
}

// Ready reports whether every subscription can deliver to a handler and the
// executor accepts jobs.
func (s *Service) Ready() bool {
	if !s.executor.Running() {
		return false
	}
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()
	for _, sub := range s.subscriptions {
		if !sub.Ready() {
			return false
		}
	}
	return true
}

// Subscriptions returns the registered subscriptions.
func (s *Service) Subscriptions() []*Subscription {
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()
	return append([]*Subscription(nil), s.subscriptions...)
}

// Start runs the service until ctx is cancelled. Bridges start listening
// first, then the executor, and subscriptions that already have a handler
// are attached once the executor accepts work.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyStarted
	}

	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	servers := s.startHTTPServers()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.subscriptionsMu.Lock()
	s.runCtx = ctx
	subs := append([]*Subscription(nil), s.subscriptions...)
	s.subscriptionsMu.Unlock()

	for _, sub := range subs {
		s.startBridge(ctx, sub)
	}

	execErr := make(chan error, 1)
	go func() { execErr <- s.executor.Run(ctx) }()

	select {
	case <-s.executor.Ready():
		s.Attach(nil)
		s.Logger.Info("Service started", loggingpkg.LogFields{"subscriptions": len(subs)})
	case err := <-execErr:
		cancel()
		s.beginShutdown()
		s.bridges.Wait()
		return err
	}

	<-ctx.Done()
	s.beginShutdown()
	s.bridges.Wait()
	err := <-execErr
	s.shutdownHTTPServers(servers)
	s.Logger.Info("Service stopped", nil)
	return err
}

// beginShutdown stops Subscribe from adding bridges so the wait group can be
// waited on.
func (s *Service) beginShutdown() {
	s.subscriptionsMu.Lock()
	s.runCtx = nil
	s.stopping = true
	s.subscriptionsMu.Unlock()
}

func (s *Service) startBridge(ctx context.Context, sub *Subscription) {
	s.bridges.Add(1)
	go s.runBridge(ctx, sub)
}

// runBridge expects the caller to have added it to s.bridges.
func (s *Service) runBridge(ctx context.Context, sub *Subscription) {
	defer s.bridges.Done()
	if err := sub.bridge.Start(ctx, sub.Topic, nil, sub.DeadLetterTopic); err != nil {
		s.Logger.Error("Subscription bridge stopped", err, loggingpkg.LogFields{"topic": sub.Topic})
	}
}

// Close releases the transport. Call it after Start returned.
func (s *Service) Close() error {
	return s.transport.Close()
}

// RegisterHTTPHandler serves handler on port once the service starts.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	return servers
}

func (s *Service) shutdownHTTPServers(servers []*http.Server) {
	if len(servers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}
