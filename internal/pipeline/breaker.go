package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig customises the circuit breaker middleware. One
// breaker is kept per routing key so a failing task type does not trip the
// others.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return cfg
}

type breakerPool struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerPool(cfg CircuitBreakerConfig) *breakerPool {
	return &breakerPool{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *breakerPool) get(key string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[key]
	if !ok {
		threshold := p.cfg.FailureThreshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    key,
			Timeout: p.cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		p.breakers[key] = cb
	}
	return cb
}

// CircuitBreakerMiddleware short-circuits routing keys whose handler keeps
// failing. While the breaker is open, messages come back with Retry so the
// transport redelivers them once the window passes.
func CircuitBreakerMiddleware(cfg CircuitBreakerConfig) MiddlewareRegistration {
	pool := newBreakerPool(cfg)
	return MiddlewareRegistration{
		Name: "circuit_breaker",
		Middleware: func(next Handler) Handler {
			return func(ec *ExecutionContext) error {
				cb := pool.get(ec.Message.RoutingKey)
				_, err := cb.Execute(func() (any, error) {
					return nil, next(ec)
				})
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					ec.SetDisposition(Retry())
					return nil
				}
				return err
			}
		},
	}
}
