package external

import (
	"context"
	"net/http"
	"time"
)

// RetryPolicy bounds retries against a flaky external service. The two
// upstream services are treated as unreliable rather than authoritative
// failures: transient errors are retried with exponential backoff, then
// reported; client-side rejections are never retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`

	// Retryable decides whether a response status warrants another
	// attempt. Transport errors (status 0) are always retryable.
	Retryable func(statusCode int) bool
}

// DefaultRetryPolicy matches the retry_count/backoff defaults used for
// both upstream services.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Retryable:   RetryOnServerError,
	}
}

// RetryOnServerError retries 5xx and 429 responses.
func RetryOnServerError(statusCode int) bool {
	return statusCode >= http.StatusInternalServerError || statusCode == http.StatusTooManyRequests
}

// retryableError pairs an attempt failure with the HTTP status that
// produced it; status 0 means the request never completed.
type retryableError struct {
	err        error
	statusCode int
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Do runs fn up to MaxAttempts times, sleeping between attempts with
// exponential backoff. fn reports the HTTP status alongside its error so
// the policy can distinguish retryable outages from terminal responses.
// The last error is returned once attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func() (statusCode int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		statusCode, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		retryable := statusCode == 0
		if !retryable && p.Retryable != nil {
			retryable = p.Retryable(statusCode)
		}
		if !retryable || attempt == attempts {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}
