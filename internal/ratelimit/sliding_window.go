package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SlidingWindowConfig configures the Redis-backed limiter.
type SlidingWindowConfig struct {
	// Limit is the number of requests allowed per Window.
	Limit int
	// Window is the length of the counting window.
	Window time.Duration
	// KeyPrefix namespaces the counters, one prefix per upstream source.
	KeyPrefix string
	// FailOpen allows requests through when Redis is unreachable.
	FailOpen bool
}

// DefaultSlidingWindowConfig allows 20 requests per minute, failing open.
func DefaultSlidingWindowConfig(prefix string) SlidingWindowConfig {
	return SlidingWindowConfig{
		Limit:     20,
		Window:    time.Minute,
		KeyPrefix: prefix,
		FailOpen:  true,
	}
}

// SlidingWindow rate-limits across process instances by counting requests
// in window-aligned Redis keys. It implements Limiter so source clients
// can swap it in for the token bucket via configuration.
type SlidingWindow struct {
	client *redis.Client
	cfg    SlidingWindowConfig
	logger *zap.Logger
}

// NewSlidingWindow creates a Redis-backed limiter.
func NewSlidingWindow(client *redis.Client, cfg SlidingWindowConfig, logger *zap.Logger) *SlidingWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultSlidingWindowConfig(cfg.KeyPrefix).Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &SlidingWindow{client: client, cfg: cfg, logger: logger}
}

// key aligns counters to window boundaries so all instances agree.
func (sw *SlidingWindow) key(now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", sw.cfg.KeyPrefix, now.Truncate(sw.cfg.Window).Unix())
}

// TryAcquire increments the current window counter and reports whether
// the request stays under the limit. Redis errors fail open or closed
// per configuration.
func (sw *SlidingWindow) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now()
	key := sw.key(now)

	pipe := sw.client.Pipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, sw.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		sw.logger.Warn("rate limit counter unavailable",
			zap.String("prefix", sw.cfg.KeyPrefix),
			zap.Error(err))
		return sw.cfg.FailOpen
	}

	if incr.Val() > int64(sw.cfg.Limit) {
		// Undo the reservation so a burst does not poison the window.
		sw.client.DecrBy(ctx, key, int64(n))
		return false
	}
	return true
}

// Acquire polls TryAcquire until it succeeds or ctx is cancelled. The
// poll interval is the time remaining in the current window, capped at
// one second so cancellation stays responsive.
func (sw *SlidingWindow) Acquire(ctx context.Context, n int) error {
	for {
		if sw.TryAcquire(n) {
			return nil
		}
		wait := sw.WaitTime(n)
		if wait > time.Second {
			wait = time.Second
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitTime reports the time until the current window rolls over.
func (sw *SlidingWindow) WaitTime(n int) time.Duration {
	now := time.Now()
	reset := now.Truncate(sw.cfg.Window).Add(sw.cfg.Window)
	return reset.Sub(now)
}
