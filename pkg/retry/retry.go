package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds retry configuration
type Config struct {
	Enabled            bool          // Enable/disable retry logic
	MaxAttempts        int           // Maximum number of retries after the first attempt
	InitialDelay       time.Duration // Initial delay before first retry
	MaxDelay           time.Duration // Maximum delay between retries
	Multiplier         float64       // Exponential backoff multiplier (typically 2.0)
	Jitter             bool          // Randomize delays by +/-25%
	RetryableErrors    []error       // Errors that should trigger retry (nil = all errors)
	NonRetryableErrors []error       // Errors that stop retrying immediately
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NewBackOff builds the backoff policy described by cfg, bound to ctx.
func NewBackOff(ctx context.Context, cfg Config) backoff.BackOffContext {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = cfg.InitialDelay
	ebo.MaxInterval = cfg.MaxDelay
	ebo.Multiplier = cfg.Multiplier
	if ebo.Multiplier < 1 {
		ebo.Multiplier = 1
	}
	ebo.RandomizationFactor = 0
	if cfg.Jitter {
		ebo.RandomizationFactor = 0.25
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	attempts := cfg.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(attempts)), ctx)
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, exhausts MaxAttempts retries, or ctx is done.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	if !cfg.Enabled {
		return fn()
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("retry cancelled: %w", err)
	}

	attempts := 0
	var lastErr error
	op := func() (T, error) {
		attempts++
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if isNonRetryable(err, cfg.NonRetryableErrors) {
			return zero, backoff.Permanent(fmt.Errorf("non-retryable error: %w", err))
		}
		if len(cfg.RetryableErrors) > 0 && !isRetryable(err, cfg.RetryableErrors) {
			return zero, backoff.Permanent(fmt.Errorf("error not in retryable list: %w", err))
		}
		return zero, err
	}

	result, err := backoff.RetryWithData(op, NewBackOff(ctx, cfg))
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if lastErr != nil {
			return zero, fmt.Errorf("retry cancelled after %d attempts: %w", attempts, errors.Join(ctxErr, lastErr))
		}
		return zero, fmt.Errorf("retry cancelled: %w", ctxErr)
	}
	if err == lastErr {
		return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, err)
	}
	return zero, err
}

func isRetryable(err error, retryableErrors []error) bool {
	for _, target := range retryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isNonRetryable(err error, nonRetryableErrors []error) bool {
	for _, target := range nonRetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
