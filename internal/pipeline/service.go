package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/dstilson/pipewright/internal/pipeline/config"
	errspkg "github.com/dstilson/pipewright/internal/pipeline/errors"
	idspkg "github.com/dstilson/pipewright/internal/pipeline/ids"
	loggingpkg "github.com/dstilson/pipewright/internal/pipeline/logging"
	transportpkg "github.com/dstilson/pipewright/transport"
)

// settleTimeout bounds the transport call that applies a disposition. It is
// deliberately independent of the processing timeout: a task running out of
// time must not also lose its chance to requeue.
const settleTimeout = 30 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can
// use. Leave fields nil to take the defaults.
type ServiceDependencies struct {
	// ScopeFactory creates the per-message dependency scope. Nil means every
	// message gets a NopScope.
	ScopeFactory ScopeFactory

	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration

	// DisableDefaultMiddlewares skips registering the default chain.
	DisableDefaultMiddlewares bool

	// Transport overrides the registry lookup with a pre-built transport.
	Transport transportpkg.Transport

	// Registry selects which transport registry to build from. Nil uses the
	// package default registry.
	Registry *transportpkg.Registry

	// TransportLogger is handed to the transport builder. Nil uses
	// slog.Default().
	TransportLogger *slog.Logger

	// MetricsRegisterer receives the Prometheus collectors. Nil uses the
	// default registerer.
	MetricsRegisterer prometheus.Registerer
}

// Service receives messages from a transport, dispatches them through the
// middleware and filter chains to registered tasks, and applies exactly one
// disposition per delivery.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	tasks        *taskRegistry
	scopeFactory ScopeFactory
	metrics      *PipelineMetrics

	middlewares []Middleware

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewService constructs a Service for the supplied configuration, panicking
// on invalid input. Register tasks on the returned Service before calling
// Start. Use TryNewService when errors should be handled instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service for the supplied configuration.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if log == nil {
		log = loggingpkg.NewSlogServiceLogger(slog.Default())
	}

	log.Info("creating pipeline service", loggingpkg.LogFields{
		"transport": conf.Transport,
		"config":    conf,
	})

	s := &Service{
		Conf:         conf,
		Logger:       log,
		tasks:        newTaskRegistry(),
		scopeFactory: deps.ScopeFactory,
		metrics:      NewPipelineMetrics(deps.MetricsRegisterer),
	}
	if s.scopeFactory == nil {
		s.scopeFactory = func(context.Context, *transportpkg.Message) (Scope, error) {
			return NopScope{}, nil
		}
	}

	tr := deps.Transport
	if tr == nil {
		tlog := deps.TransportLogger
		if tlog == nil {
			tlog = slog.Default()
		}
		var err error
		if deps.Registry != nil {
			tr, err = deps.Registry.Build(ctx, conf, tlog)
		} else {
			tr, err = transportpkg.Build(ctx, conf, tlog)
		}
		if err != nil {
			return nil, err
		}
	}
	s.transport = tr

	var regs []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		regs = DefaultMiddlewares()
	}
	regs = append(regs, deps.Middlewares...)
	for _, reg := range regs {
		if err := s.RegisterMiddleware(reg); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// RegisterMiddleware appends a middleware to the chain. Middlewares run in
// registration order, the first registered being the outermost.
func (s *Service) RegisterMiddleware(reg MiddlewareRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errspkg.ErrServiceStarted
	}

	var mw Middleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		mw, err = reg.Builder(s)
		if err != nil {
			return &ChainError{Name: reg.Name, Err: err}
		}
	default:
		return errspkg.ErrMiddlewareRequired
	}

	if mw == nil {
		return nil
	}

	s.middlewares = append(s.middlewares, mw)
	return nil
}

// RegisterTask declares a unit of work. Routing keys are matched
// case-insensitively; registering the same key twice fails.
func (s *Service) RegisterTask(reg TaskRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errspkg.ErrServiceStarted
	}

	_, err := s.tasks.register(reg)
	return err
}

// RegisterTaskFunc registers a plain function as the task for a routing key.
func (s *Service) RegisterTaskFunc(key string, fn TaskFunc, filters *FilterSet) error {
	if fn == nil {
		return errspkg.ErrTaskRequired
	}
	return s.RegisterTask(TaskRegistration{
		Key:     key,
		Factory: StaticTask(fn),
		Filters: filters,
	})
}

// TaskInfos returns the registered task descriptors in registration order.
func (s *Service) TaskInfos() []*TaskInfo {
	return s.tasks.infos()
}

// Metrics returns the service's Prometheus collectors.
func (s *Service) Metrics() *PipelineMetrics {
	return s.metrics
}

// RegisterHTTPHandler exposes an HTTP handler when Start is called. Handlers
// registered on the same port share a mux.
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
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}

// Start receives messages until ctx is cancelled or the transport closes,
// then drains in-flight messages and shuts the transport down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrServiceStarted
	}
	s.started = true
	handler := chainMiddlewares(s.terminalHandler(), s.middlewares)
	s.mu.Unlock()

	s.startIntrospectionServer()
	s.startHTTPServers()

	deliveries, err := s.transport.Receive(ctx)
	if err != nil {
		return err
	}

	maxConcurrent := s.Conf.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)

	s.Logger.Info("pipeline service started", loggingpkg.LogFields{
		"transport":      s.Conf.Transport,
		"queue":          s.Conf.Queue,
		"max_concurrent": maxConcurrent,
	})

	for delivery := range deliveries {
		sem <- struct{}{}
		s.wg.Add(1)
		go func(d transportpkg.Delivery) {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.processDelivery(handler, d)
		}(delivery)
	}

	return s.shutdown()
}

// shutdown waits for in-flight messages, bounded by the configured shutdown
// timeout, then closes the transport.
func (s *Service) shutdown() error {
	timeout := s.Conf.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.Logger.Error("shutdown timed out waiting for in-flight messages",
			context.DeadlineExceeded, loggingpkg.LogFields{"timeout": timeout.String()})
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	s.Logger.Info("pipeline service stopped", nil)
	return s.transport.Close(closeCtx)
}

// processDelivery runs one message through the chain and settles its
// delivery with exactly one disposition. Messages without a settled
// disposition fall back to Retry so they are never silently lost. The
// top-level recover is the receiver's own guard: a panic escaping the
// middleware chain (or a scope factory) must never kill the receive loop,
// and the delivery still settles with Retry.
func (s *Service) processDelivery(handler Handler, d transportpkg.Delivery) {
	msg := d.Message()

	defer func() {
		if r := recover(); r != nil {
			err := &PanicError{Value: r}
			s.Logger.Error("panic escaped message processing", err, loggingpkg.LogFields{
				"message_id":  msg.ID,
				"routing_key": msg.RoutingKey,
			})
			s.applyDisposition(d, msg, Retry())
		}
	}()

	base := context.Background()
	cancel := context.CancelFunc(func() {})
	if s.Conf.ProcessingTimeout > 0 {
		base, cancel = context.WithTimeout(base, s.Conf.ProcessingTimeout)
	}
	defer cancel()

	scope, err := s.scopeFactory(base, msg)
	if err != nil {
		s.Logger.Error("scope creation failed", err, loggingpkg.LogFields{
			"message_id":  msg.ID,
			"routing_key": msg.RoutingKey,
		})
		s.applyDisposition(d, msg, Retry())
		return
	}
	defer func() {
		if err := scope.Close(context.Background()); err != nil {
			s.Logger.Error("scope close failed", err, loggingpkg.LogFields{
				"message_id":  msg.ID,
				"routing_key": msg.RoutingKey,
			})
		}
	}()

	ec := NewExecutionContext(base, idspkg.New(), msg, scope)

	handlerErr := handler(ec)

	disposition := Retry()
	if settled := ec.Disposition(); settled != nil && !settled.IsZero() {
		disposition = *settled
	}

	if handlerErr != nil && !ec.ErrHandled() {
		s.Logger.Error("message settled with unhandled error", handlerErr, loggingpkg.LogFields{
			"message_id":  msg.ID,
			"routing_key": msg.RoutingKey,
			"disposition": disposition.Kind.String(),
		})
	}

	s.applyDisposition(d, msg, disposition)
}

// applyDisposition maps the disposition onto the transport's settle
// operation. Settle failures are logged; the broker's redelivery mechanics
// take over from there.
func (s *Service) applyDisposition(d transportpkg.Delivery, msg *transportpkg.Message, disp Disposition) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	var err error
	switch disp.Kind {
	case DispositionComplete:
		err = d.Ack(ctx)
	case DispositionRetry:
		err = d.Requeue(ctx, disp.Properties)
	case DispositionReject:
		err = d.DeadLetter(ctx, disp.Reason, disp.Description)
	case DispositionPostpone:
		err = d.Defer(ctx, disp.Properties)
	default:
		err = d.Requeue(ctx, nil)
	}

	if err != nil && !errors.Is(err, transportpkg.ErrAlreadySettled) {
		s.Logger.Error("failed to settle delivery", err, loggingpkg.LogFields{
			"message_id":  msg.ID,
			"routing_key": msg.RoutingKey,
			"disposition": disp.Kind.String(),
		})
	}
}

// terminalHandler resolves the task for the message and runs the filter
// chain. It sits at the innermost end of the middleware chain.
func (s *Service) terminalHandler() Handler {
	return func(ec *ExecutionContext) error {
		if ec.Disposition() != nil {
			return nil
		}

		entry, err := s.tasks.resolve(ec.Message.RoutingKey)
		if err != nil {
			s.Logger.Error("no task for routing key", err, loggingpkg.LogFields{
				"message_id":  ec.Message.ID,
				"routing_key": ec.Message.RoutingKey,
			})
			ec.SetDisposition(Reject("TaskNotFound", err.Error()))
			return nil
		}

		task, err := entry.factory(ec.Scope)
		if err != nil {
			return fmt.Errorf("pipewright: task factory for %q: %w", entry.key, err)
		}
		ec.setTask(task)

		start := time.Now()
		disposition, err := runFilterChain(ec, entry.filters, task)
		entry.info.Stats.record(disposition, err, time.Since(start))

		if !disposition.IsZero() {
			ec.SetDisposition(disposition)
		}
		return err
	}
}
