package txexec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// RetryConfig bounds transport retries. It is independent of fee escalation.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetry is used when a Policy leaves SendRetry empty.
var DefaultRetry = RetryConfig{
	MaxAttempts:       5,
	InitialBackoff:    500 * time.Millisecond,
	MaxBackoff:        15 * time.Second,
	BackoffMultiplier: 2,
}

// retryableError reports whether err looks like a transient transport failure.
func retryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout", "deadline exceeded",
		"429", "too many requests", "rate limit",
		"502", "503", "504", "bad gateway", "service unavailable", "gateway timeout",
		"connection refused", "connection reset", "eof",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// calculateBackoff computes the wait before attempt (1-based) with ±25% jitter.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt <= 1 {
		return 0
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-2))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	jitterRange := backoff * 0.25
	backoff += (rand.Float64() * 2 * jitterRange) - jitterRange
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// retryWithBackoff runs fn until it succeeds, fails permanently or the
// attempts run out. Exhausted transient failures wrap ErrProviderUnavailable.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetry
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if wait := calculateBackoff(attempt, cfg); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryableError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %d attempts: %w", ErrProviderUnavailable, cfg.MaxAttempts, lastErr)
}
