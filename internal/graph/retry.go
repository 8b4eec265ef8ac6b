package graph

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryConfig tunes ExecuteWithRetry.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// IsRetryable overrides the default transient-error classifier.
	IsRetryable func(error) bool
	Logger      *zap.Logger
}

// DefaultRetryConfig matches the store's transient-failure profile.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Transient store codes worth another attempt.
var retryableCodeSuffixes = []string{
	"LockClientStopped",
	"DeadlockDetected",
	"Transaction.Outdated",
}

// IsTransientStoreError reports whether err carries a store code from
// the retryable set.
func IsTransientStoreError(err error) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	for _, suffix := range retryableCodeSuffixes {
		if strings.HasSuffix(se.Code, suffix) {
			return true
		}
	}
	return false
}

// ExecuteWithRetry runs op, retrying transient failures with
// exponential backoff. Non-retryable errors surface immediately. The
// total attempt count is MaxRetries+1.
func ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) (any, error), cfg RetryConfig) (any, error) {
	def := DefaultRetryConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsTransientStoreError
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !cfg.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == cfg.MaxRetries {
			break
		}

		logger.Warn("transient store error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return nil, lastErr
}
