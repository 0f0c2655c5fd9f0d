// Package ratelimit implements token bucket rate limiting keyed by upstream
// (a catalog name or a host).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/release-pipeline/internal/metrics"
)

// Limiter manages per-key rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]rate.Limit
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. PerKeyRPS overrides DefaultRPS
// for specific keys; a non-positive rate means unlimited.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	PerKeyRPS    map[string]float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.PerKeyRPS))
	for key, rps := range cfg.PerKeyRPS {
		overrides[key] = toLimit(rps)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		r, ok := l.overrides[key]
		if !ok {
			r = l.defaultRate
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if key == "" {
		key = "unknown"
	}
	start := time.Now()
	if err := l.limiterFor(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were immediately available are not interesting.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// Allow reports whether a request for key may proceed right now without waiting.
func (l *Limiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}
