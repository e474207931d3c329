package pipeline

import (
	"sync"
	"time"
)

// RateLimiterConfig customises the rate limit middleware.
type RateLimiterConfig struct {
	// Limit is the maximum number of messages per routing key per window.
	Limit int

	// Window is the length of the counting window.
	Window time.Duration
}

func (cfg RateLimiterConfig) withDefaults() RateLimiterConfig {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return cfg
}

// rateLimiter counts messages per routing key in fixed windows.
type rateLimiter struct {
	mu     sync.Mutex
	cfg    RateLimiterConfig
	counts map[string]int
	starts map[string]time.Time
	now    func() time.Time
}

func newRateLimiter(cfg RateLimiterConfig) *rateLimiter {
	return &rateLimiter{
		cfg:    cfg.withDefaults(),
		counts: make(map[string]int),
		starts: make(map[string]time.Time),
		now:    time.Now,
	}
}

// allow reports whether a message for the key fits in the current window.
func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if start, ok := r.starts[key]; !ok || now.Sub(start) >= r.cfg.Window {
		r.starts[key] = now
		r.counts[key] = 0
	}
	if r.counts[key] >= r.cfg.Limit {
		return false
	}
	r.counts[key]++
	return true
}

// RateLimitMiddleware postpones messages that exceed the per-routing-key
// rate, handing them back to the transport instead of queueing in memory.
func RateLimitMiddleware(cfg RateLimiterConfig) MiddlewareRegistration {
	limiter := newRateLimiter(cfg)
	return MiddlewareRegistration{
		Name: "rate_limit",
		Middleware: func(next Handler) Handler {
			return func(ec *ExecutionContext) error {
				if !limiter.allow(ec.Message.RoutingKey) {
					ec.SetDisposition(Postpone())
					return nil
				}
				return next(ec)
			}
		},
	}
}
