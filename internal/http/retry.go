package http

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/constants"
)

// ErrorType represents different classes of errors for retry strategy
type ErrorType int

const (
	// ErrorTypeSuccess indicates operation succeeded
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeCredential indicates the credential was rejected
	ErrorTypeCredential
	// ErrorTypeRetryable indicates network or server errors that can be retried
	ErrorTypeRetryable
	// ErrorTypeFatal indicates errors that must not be retried (quota, conflict, bad request)
	ErrorTypeFatal
	// ErrorTypeCanceled indicates the caller canceled the operation
	ErrorTypeCanceled
)

// Config holds retry parameters for ExecuteWithRetry
type Config struct {
	// MaxRetries is the number of retries after the first attempt (default: 5)
	MaxRetries int
	// InitialDelay is the base delay for exponential backoff (default: 200ms)
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries (default: 15s)
	MaxDelay time.Duration
	// CredentialRefresh, when set, is called after a credential error and the
	// operation is retried once with the refreshed credential. Without it
	// credential errors are returned immediately.
	CredentialRefresh func(context.Context) error
	// OnRetry is an optional callback invoked before each retry attempt
	OnRetry func(attempt int, err error, errorType ErrorType)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:   constants.MaxRetries,
		InitialDelay: constants.RetryInitialDelay,
		MaxDelay:     constants.RetryMaxDelay,
	}
}

// ClassifyError determines the error type for retry strategy from the
// error's cloud.Kind.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}
	switch cloud.KindOf(err) {
	case cloud.KindTransient:
		return ErrorTypeRetryable
	case cloud.KindAuth:
		return ErrorTypeCredential
	case cloud.KindCanceled:
		return ErrorTypeCanceled
	default:
		return ErrorTypeFatal
	}
}

// CalculateBackoff returns exponential backoff duration with full jitter
// Full jitter prevents thundering herd problem when many clients retry simultaneously
//
// Formula: random(0, min(maxDelay, initialDelay * 2^attempt))
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 {
		return 0
	}

	// Cap the shift so large attempt counts cannot overflow
	shift := min(attempt, 30)
	base := time.Duration(1<<uint(shift)) * initialDelay
	if base > maxDelay || base <= 0 {
		base = maxDelay
	}
	if base <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(base)))
}

// ExecuteWithRetry runs an operation with retry logic
//
// Retry strategy:
//   - Retryable errors: Exponential backoff with full jitter
//   - Credential errors: one retry after CredentialRefresh, if configured
//   - Fatal errors: Return immediately without retry
//   - Context cancellation: Return immediately, also while sleeping
//
// The operation runs at most config.MaxRetries+1 times. When all attempts
// fail the last error is returned wrapped, so its cloud.Kind is preserved.
func ExecuteWithRetry(ctx context.Context, config Config, operation func() error) error {
	var lastErr error
	refreshed := false

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return cloud.NewError(cloud.KindCanceled, "", ctx.Err())
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		errType := ClassifyError(err)
		switch errType {
		case ErrorTypeSuccess:
			return nil

		case ErrorTypeFatal, ErrorTypeCanceled:
			return err

		case ErrorTypeCredential:
			if config.CredentialRefresh == nil || refreshed || attempt == config.MaxRetries {
				return err
			}
			refreshed = true
			if config.OnRetry != nil {
				config.OnRetry(attempt+1, err, errType)
			}
			if rerr := config.CredentialRefresh(ctx); rerr != nil {
				return cloud.NewError(cloud.KindAuth, "credential refresh", rerr)
			}

		case ErrorTypeRetryable:
			if attempt == config.MaxRetries {
				break
			}
			backoff := CalculateBackoff(attempt+1, config.InitialDelay, config.MaxDelay)
			// Give up early when the deadline cannot accommodate the backoff
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < backoff {
				return fmt.Errorf("deadline too close for retry %d: %w", attempt+1, err)
			}
			if config.OnRetry != nil {
				config.OnRetry(attempt+1, err, errType)
			}
			if err := sleep(ctx, backoff); err != nil {
				return lastErr
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrorTypeName returns a human-readable name for an ErrorType
func ErrorTypeName(errType ErrorType) string {
	switch errType {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeCredential:
		return "credential"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeFatal:
		return "fatal"
	case ErrorTypeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}
