package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RetryConfig bounds retry behavior for provider API calls.
type RetryConfig struct {
	MaxRetries int           // attempts after the first (0 = no retry)
	BaseDelay  time.Duration // first backoff delay, doubled per attempt
	MaxDelay   time.Duration // backoff ceiling
}

// DefaultRetryConfig returns the retry policy used by all providers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   15 * time.Second,
	}
}

// HTTPError carries an API error status for retryability decisions.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether an error is transient: rate limits,
// server-side failures, and network errors qualify.
func IsRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// RetryDo runs fn with exponential backoff per cfg. Non-retryable
// errors and context cancellation abort immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if attempt >= cfg.MaxRetries || !IsRetryable(err) {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, cfg.MaxDelay)
	}
}
