package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// HTTPStatusCarrier is implemented by delivery errors that carry an
// HTTP status code, so classification does not depend on the transport
// package.
type HTTPStatusCarrier interface {
	HTTPStatus() int
}

// RetryOptions controls WithRetry.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep overrides the backoff sleep for testing.
	Sleep func(time.Duration)
}

// WithRetry runs fn up to MaxAttempts times, backing off exponentially
// (delay for attempt k is BaseDelay * 2^(k-1)) between transient
// failures. Permanent failures return immediately with zero retries.
// Exhausting the attempts surfaces the last error.
func WithRetry(ctx context.Context, fn func(context.Context) error, opts RetryOptions) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		delay := base << (attempt - 1)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		sleep(delay)
	}
	return lastErr
}

// IsTransient classifies a delivery error. Network-level failures,
// timeouts, 429 and 5xx responses are transient; other 4xx responses
// are permanent. Unclassifiable errors default to transient so a flaky
// intermediary cannot permanently fail a challenge on its first hiccup.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var carrier HTTPStatusCarrier
	if errors.As(err, &carrier) {
		status := carrier.HTTPStatus()
		switch {
		case status == 429:
			return true
		case status >= 400 && status < 500:
			return false
		default:
			return true
		}
	}

	// Anything without an HTTP status is a transport-level failure:
	// transient, whether or not it maps to a net.Error.
	return true
}

// IsTimeout reports whether the error is the no-answer-within-window
// case, which the dispatcher records as skipped rather than failed.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}
