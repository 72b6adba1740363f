package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensortelemetry/relay/internal/runtime/bus"
	configpkg "github.com/sensortelemetry/relay/internal/runtime/config"
	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
	"github.com/sensortelemetry/relay/internal/runtime/identity"
	loggingpkg "github.com/sensortelemetry/relay/internal/runtime/logging"
	"github.com/sensortelemetry/relay/internal/runtime/relay"
)

const shutdownTimeout = 5 * time.Second

var listenAndServe = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

// ServiceDependencies holds the collaborators the Service uses. Zero values
// select the defaults.
type ServiceDependencies struct {
	TransportFactory TransportFactory
	// Dispatcher runs handlers of relays registered with confined dispatch.
	Dispatcher bus.Dispatcher
	// Hooks are called after the built-in logging and metrics hooks.
	Hooks      relay.Hooks
	Registerer prometheus.Registerer
	// Gatherer serves /metrics. Defaults to Registerer when it is also a
	// Gatherer, otherwise the Prometheus default gatherer.
	Gatherer prometheus.Gatherer
	// Identity pins the instance identity, overriding the configured key.
	Identity identity.Identity
}

// Service owns the event bus, the instance identity and every relay map of
// one application instance.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	identity  identity.Identity
	bus       *bus.Bus
	metrics   *RelayMetrics
	hooks     relay.Hooks
	factory   TransportFactory
	gatherer  prometheus.Gatherer
	resources *resourceTracker

	mu        sync.RWMutex
	entries   []relayEntry
	started   bool
	stopped   bool
	startedAt time.Time

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex

	stopOnce sync.Once
	stopErr  error
}

// TryNewService builds a Service. Register relays on it before calling Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errs.ErrConfigRequired
	}
	if log == nil {
		return nil, errs.ErrLoggerRequired
	}

	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errs.NewConfigValidationError(err)
	}

	id := deps.Identity
	if id.IsZero() {
		var err error
		if id, err = c.Identity(); err != nil {
			return nil, errs.NewConfigValidationError(err)
		}
	}
	if c.SubscriberID == "" {
		c.SubscriberID = id.Short()
	}

	metrics := NewRelayMetrics(deps.Registerer)
	if c.MetricsEnabled {
		if err := metrics.Register(); err != nil {
			return nil, fmt.Errorf("register relay metrics: %w", err)
		}
	}

	var busOpts []bus.Option
	if deps.Dispatcher != nil {
		busOpts = append(busOpts, bus.WithDispatcher(deps.Dispatcher))
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = DefaultTransportFactory()
	}

	log = log.With(loggingpkg.LogFields{"instance": id.Short()})
	log.Info("Creating relay service", loggingpkg.LogFields{
		"pubsub_system": c.PubSubSystem,
		"config":        c,
	})

	return &Service{
		Conf:      &c,
		Logger:    log,
		identity:  id,
		bus:       bus.New(log, busOpts...),
		metrics:   metrics,
		hooks:     relay.LoggingHooks(log).Merge(metrics.Hooks()).Merge(deps.Hooks),
		factory:   factory,
		gatherer:  resolveGatherer(deps),
		resources: newResourceTracker(),
	}, nil
}

// NewService is TryNewService that panics on error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

func resolveGatherer(deps ServiceDependencies) prometheus.Gatherer {
	if deps.Gatherer != nil {
		return deps.Gatherer
	}
	if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// Bus returns the local event bus relays attach to.
func (s *Service) Bus() *bus.Bus { return s.bus }

// Identity returns the instance identity used to stamp outgoing events.
func (s *Service) Identity() identity.Identity { return s.identity }

// Metrics returns the relay decision counters.
func (s *Service) Metrics() *RelayMetrics { return s.metrics }

// Start connects every registered relay: all senders first, then all
// receivers. On the first failure everything initialized so far is closed
// and the error, typically a *transport.ConnectError, is returned. Start does
// not retry.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return errs.ErrServiceStarted
	}

	if err := s.connect(ctx); err != nil {
		s.rollback()
		return err
	}
	for _, e := range s.entries {
		if err := e.open(s); err != nil {
			s.rollback()
			return fmt.Errorf("open relay %s: %w", e.kind(), err)
		}
	}

	s.started = true
	s.startedAt = time.Now()
	s.registerEndpoints()
	s.startHTTPServers()
	s.Logger.Info("Relay service started", loggingpkg.LogFields{"relays": len(s.entries)})
	return nil
}

func (s *Service) connect(ctx context.Context) error {
	for _, e := range s.entries {
		if err := e.resolve(s); err != nil {
			return err
		}
	}
	for _, e := range s.entries {
		if err := e.initSender(ctx); err != nil {
			s.Logger.Error("Failed to initialize sender", err, loggingpkg.LogFields{"event_kind": string(e.kind())})
			return err
		}
	}
	for _, e := range s.entries {
		if err := e.initReceiver(ctx); err != nil {
			s.Logger.Error("Failed to initialize receiver", err, loggingpkg.LogFields{"event_kind": string(e.kind())})
			return err
		}
	}
	return nil
}

func (s *Service) rollback() {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if err := s.entries[i].close(); err != nil {
			s.Logger.Error("Failed to release relay after failed start", err, loggingpkg.LogFields{"event_kind": string(s.entries[i].kind())})
		}
	}
}

// Stop closes relay maps in reverse registration order, then the HTTP
// endpoints and the bus. It is idempotent.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		entries := append([]relayEntry(nil), s.entries...)
		s.mu.Unlock()

		var errList []error
		for i := len(entries) - 1; i >= 0; i-- {
			if err := entries[i].close(); err != nil {
				errList = append(errList, fmt.Errorf("close relay %s: %w", entries[i].kind(), err))
			}
		}
		errList = append(errList, s.stopHTTPServers())
		errList = append(errList, s.bus.Close())
		s.stopErr = errors.Join(errList...)
		s.Logger.Info("Relay service stopped", nil)
	})
	return s.stopErr
}

// Run starts the service, blocks until ctx is done and stops it.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Service) registerEndpoints() {
	if s.Conf.MetricsEnabled {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.Conf.StatusEnabled {
		s.RegisterHTTPHandler(s.Conf.StatusPort, "/relays", http.HandlerFunc(s.handleGetRelays))
	}
}

// RegisterHTTPHandler adds handler to the server listening on port. Servers
// start with the service.
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

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (s *Service) stopHTTPServers() error {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errList []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errList = append(errList, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errList...)
}
