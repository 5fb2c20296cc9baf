package github

import (
	"fmt"
	"time"
)

// RateLimitError signals that the service refused the request because
// the rate limit is exhausted. Reset is when requests may resume.
type RateLimitError struct {
	Reset time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.Reset.Format(time.RFC3339))
}

// TransientError wraps a network failure or 5xx response that is worth
// retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RequestError is a non-retryable HTTP error response, typically a
// missing pull request or denied access.
type RequestError struct {
	StatusCode int
	URL        string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}
