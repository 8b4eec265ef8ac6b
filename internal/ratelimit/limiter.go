// Package ratelimit provides client-side rate limiting for outbound API
// calls. The default implementation is an in-process token bucket; a
// Redis-backed sliding window is available for multi-instance deployments.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrExceedsBurst is returned when a single acquisition asks for more
// tokens than the bucket can ever hold.
var ErrExceedsBurst = errors.New("ratelimit: requested tokens exceed bucket capacity")

// Limiter gates outbound calls. All source clients share one instance.
type Limiter interface {
	// TryAcquire takes n tokens if available and reports whether it did.
	TryAcquire(n int) bool
	// Acquire blocks until n tokens are available or ctx is cancelled.
	Acquire(ctx context.Context, n int) error
	// WaitTime reports how long a caller would wait for n tokens right now.
	WaitTime(n int) time.Duration
}

// TokenBucketConfig configures a TokenBucket.
type TokenBucketConfig struct {
	// MaxTokens is the burst capacity.
	MaxTokens float64
	// RefillRate is tokens added per second.
	RefillRate float64
}

// DefaultTokenBucketConfig allows 10 requests per second with a burst of 10.
func DefaultTokenBucketConfig() TokenBucketConfig {
	return TokenBucketConfig{
		MaxTokens:  10,
		RefillRate: 10,
	}
}

// SemanticScholarConfig matches the public Semantic Scholar policy of
// one request every three seconds with no burst headroom.
func SemanticScholarConfig() TokenBucketConfig {
	return TokenBucketConfig{
		MaxTokens:  1,
		RefillRate: 1.0 / 3.0,
	}
}

// TokenBucket is a mutex-guarded token bucket. Tokens are fractional so
// sub-1/s refill rates accrue smoothly.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	logger     *zap.Logger
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(cfg TokenBucketConfig, logger *zap.Logger) *TokenBucket {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 1
	}
	return &TokenBucket{
		tokens:     cfg.MaxTokens,
		maxTokens:  cfg.MaxTokens,
		refillRate: cfg.RefillRate,
		lastRefill: time.Now(),
		logger:     logger,
	}
}

// refillLocked tops up the bucket from elapsed wall time. Callers hold mu.
func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

// TryAcquire takes n tokens if the bucket holds at least that many.
func (tb *TokenBucket) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(time.Now())
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Acquire blocks until n tokens are available. The sleep length is
// computed from the deficit so a waiter wakes just as its tokens arrive;
// contention with other waiters can force another round.
func (tb *TokenBucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if float64(n) > tb.maxTokens {
		return ErrExceedsBurst
	}

	for {
		tb.mu.Lock()
		tb.refillLocked(time.Now())
		if tb.tokens >= float64(n) {
			tb.tokens -= float64(n)
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((float64(n) - tb.tokens) / tb.refillRate * float64(time.Second))
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitTime reports the current wait for n tokens without taking them.
func (tb *TokenBucket) WaitTime(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(time.Now())
	if tb.tokens >= float64(n) {
		return 0
	}
	return time.Duration((float64(n) - tb.tokens) / tb.refillRate * float64(time.Second))
}

// Available returns the current token count. Diagnostic only.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	return tb.tokens
}
