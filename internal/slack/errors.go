package slack

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a Slack "ok": false response, e.g. "channel_not_found"
// or "already_reacted". These are not retryable.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Code)
}

// TransientError wraps a network failure or 5xx response worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RateLimitError is Slack's HTTP 429 with its Retry-After interval.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// IsRetryable reports whether a dispatch error is worth another attempt.
func IsRetryable(err error) bool {
	var transient *TransientError
	var rateLimited *RateLimitError
	return errors.As(err, &transient) || errors.As(err, &rateLimited)
}

// RetryDelay returns how long to wait before retrying, honoring the
// service-indicated interval for rate limits.
func RetryDelay(err error, fallback time.Duration) time.Duration {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfter
	}
	return fallback
}

func isAPIError(err error, target **APIError) bool {
	return err != nil && errors.As(err, target)
}
