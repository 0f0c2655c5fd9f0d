package pipeline

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy decides how resolution failures are retried.
type BackoffPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      func(limit time.Duration) time.Duration
}

// NewBackoffPolicy builds a policy; zero values fall back to 3 attempts, 1s base and 60s cap.
func NewBackoffPolicy(maxAttempts int, base, maxDelay time.Duration) *BackoffPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	p := &BackoffPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   base,
		maxDelay:    maxDelay,
	}
	p.jitter = p.randomJitter
	return p
}

// MaxAttempts is the attempt budget of a task.
func (p *BackoffPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether a task that has now failed attempt times gets another try.
func (p *BackoffPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExhaustedRetries) {
		return false
	}
	return attempt < p.maxAttempts
}

// Backoff returns the wait before the attempt following the given one.
// The delay doubles per attempt, is capped, and half of it is jittered.
func (p *BackoffPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + p.jitter(time.Duration(delay)/2)
}

func (p *BackoffPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
