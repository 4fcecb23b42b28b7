package llm

import (
	"context"
	"strings"
	"time"
)

// RetryingProvider retries retryable failures with a linear backoff.
type RetryingProvider struct {
	inner    Provider
	attempts int
	backoff  time.Duration
	timeout  time.Duration
}

// WithRetry wraps p so each call gets up to attempts tries, each bounded by
// timeout when it is positive.
func WithRetry(p Provider, attempts int, backoff time.Duration, timeout time.Duration) *RetryingProvider {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingProvider{inner: p, attempts: attempts, backoff: backoff, timeout: timeout}
}

func (r *RetryingProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 && r.backoff > 0 {
			select {
			case <-time.After(time.Duration(attempt-1) * r.backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		generateCtx := ctx
		cancel := func() {}
		if r.timeout > 0 {
			generateCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		response, err := r.inner.Generate(generateCtx, messages)
		cancel()
		if err == nil && strings.TrimSpace(response) == "" {
			err = ErrEmptyResponse
		}
		if err == nil {
			return response, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}
