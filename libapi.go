package pipewright

import (
	pipelinepkg "github.com/dstilson/pipewright/internal/pipeline"
	configpkg "github.com/dstilson/pipewright/internal/pipeline/config"
	errspkg "github.com/dstilson/pipewright/internal/pipeline/errors"
	idspkg "github.com/dstilson/pipewright/internal/pipeline/ids"
	jsoncodec "github.com/dstilson/pipewright/internal/pipeline/jsoncodec"
	loggingpkg "github.com/dstilson/pipewright/internal/pipeline/logging"
	transportpkg "github.com/dstilson/pipewright/transport"
)

type (
	Config              = configpkg.Config
	Service             = pipelinepkg.Service
	ServiceDependencies = pipelinepkg.ServiceDependencies

	// Message processing
	Disposition      = pipelinepkg.Disposition
	DispositionKind  = pipelinepkg.DispositionKind
	Task             = pipelinepkg.Task
	TaskFunc         = pipelinepkg.TaskFunc
	TaskFactory      = pipelinepkg.TaskFactory
	TaskRegistration = pipelinepkg.TaskRegistration
	ExecutionContext = pipelinepkg.ExecutionContext
	Scope            = pipelinepkg.Scope
	ScopeFactory     = pipelinepkg.ScopeFactory
	NopScope         = pipelinepkg.NopScope

	// Filter chain
	AuthorizationFilter = pipelinepkg.AuthorizationFilter
	ResourceFilter      = pipelinepkg.ResourceFilter
	ActionFilter        = pipelinepkg.ActionFilter
	ResultFilter        = pipelinepkg.ResultFilter
	ExceptionFilter     = pipelinepkg.ExceptionFilter
	FilterSet           = pipelinepkg.FilterSet
	FilterSetBuilder    = pipelinepkg.FilterSetBuilder

	AuthorizationContext     = pipelinepkg.AuthorizationContext
	ResourceExecutingContext = pipelinepkg.ResourceExecutingContext
	ResourceExecutedContext  = pipelinepkg.ResourceExecutedContext
	ActionExecutingContext   = pipelinepkg.ActionExecutingContext
	ActionExecutedContext    = pipelinepkg.ActionExecutedContext
	ResultExecutingContext   = pipelinepkg.ResultExecutingContext
	ResultExecutedContext    = pipelinepkg.ResultExecutedContext
	ExceptionContext         = pipelinepkg.ExceptionContext

	// Built-in filters
	MaxDeliveriesFilter     = pipelinepkg.MaxDeliveriesFilter
	RequirePropertiesFilter = pipelinepkg.RequirePropertiesFilter
	SchemaFilter            = pipelinepkg.SchemaFilter
	TimingFilter            = pipelinepkg.TimingFilter

	// Middleware
	Handler                = pipelinepkg.Handler
	Middleware             = pipelinepkg.Middleware
	MiddlewareBuilder      = pipelinepkg.MiddlewareBuilder
	MiddlewareRegistration = pipelinepkg.MiddlewareRegistration
	RateLimiterConfig      = pipelinepkg.RateLimiterConfig
	CircuitBreakerConfig   = pipelinepkg.CircuitBreakerConfig
	ChainError             = pipelinepkg.ChainError
	PanicError             = pipelinepkg.PanicError

	// Task lifecycle hooks
	TaskContext = pipelinepkg.TaskContext
	TaskHooks   = pipelinepkg.TaskHooks

	// Introspection
	TaskInfo        = pipelinepkg.TaskInfo
	TaskStats       = pipelinepkg.TaskStats
	StatsSnapshot   = pipelinepkg.StatsSnapshot
	PipelineMetrics = pipelinepkg.PipelineMetrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	TaskNotFoundError     = pipelinepkg.TaskNotFoundError
	DuplicateTaskError    = pipelinepkg.DuplicateTaskError
	ConfigValidationError = errspkg.ConfigValidationError

	// Transport plumbing
	Message               = transportpkg.Message
	Delivery              = transportpkg.Delivery
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

// Disposition kinds.
const (
	DispositionComplete = pipelinepkg.DispositionComplete
	DispositionRetry    = pipelinepkg.DispositionRetry
	DispositionReject   = pipelinepkg.DispositionReject
	DispositionPostpone = pipelinepkg.DispositionPostpone
)

var (
	NewService     = pipelinepkg.NewService
	TryNewService  = pipelinepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	// Disposition constructors
	Complete     = pipelinepkg.Complete
	Retry        = pipelinepkg.Retry
	RetryWith    = pipelinepkg.RetryWith
	Reject       = pipelinepkg.Reject
	Postpone     = pipelinepkg.Postpone
	PostponeWith = pipelinepkg.PostponeWith

	// Tasks and filters
	StaticTask      = pipelinepkg.StaticTask
	NewFilterSet    = pipelinepkg.NewFilterSet
	NewSchemaFilter = pipelinepkg.NewSchemaFilter

	// Middleware
	DefaultMiddlewares       = pipelinepkg.DefaultMiddlewares
	CorrelationIDMiddleware  = pipelinepkg.CorrelationIDMiddleware
	LogMessagesMiddleware    = pipelinepkg.LogMessagesMiddleware
	ErrorLoggingMiddleware   = pipelinepkg.ErrorLoggingMiddleware
	TracerMiddleware         = pipelinepkg.TracerMiddleware
	MetricsMiddleware        = pipelinepkg.MetricsMiddleware
	RecovererMiddleware      = pipelinepkg.RecovererMiddleware
	RateLimitMiddleware      = pipelinepkg.RateLimitMiddleware
	CircuitBreakerMiddleware = pipelinepkg.CircuitBreakerMiddleware

	// Task lifecycle hooks
	TaskHooksMiddleware = pipelinepkg.TaskHooksMiddleware
	LoggingHooks        = pipelinepkg.LoggingHooks
	MetricsHooks        = pipelinepkg.MetricsHooks
	AlertingHooks       = pipelinepkg.AlertingHooks

	// Metrics
	NewPipelineMetrics = pipelinepkg.NewPipelineMetrics

	// Logging
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	// Execution context (for building middleware and tests)
	NewExecutionContext = pipelinepkg.NewExecutionContext

	// Correlation and request identifiers
	NewID = idspkg.New

	// Transport registry.
	// Import individual transports via: _ "github.com/dstilson/pipewright/transport/sqs"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrTaskRequired       = errspkg.ErrTaskRequired
	ErrRoutingKeyRequired = errspkg.ErrRoutingKeyRequired
	ErrFilterRequired     = errspkg.ErrFilterRequired
	ErrServiceStarted     = errspkg.ErrServiceStarted
	ErrMiddlewareRequired = errspkg.ErrMiddlewareRequired
	ErrAlreadySettled     = transportpkg.ErrAlreadySettled
)
