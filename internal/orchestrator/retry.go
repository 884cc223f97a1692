package orchestrator

import (
	"context"
	"errors"
	"net/http"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

var newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }

// retryable reports transient upstream failures: rate limits and overload.
// A fast failure from an open breaker is not retried.
func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var upstream *canonical.UpstreamProviderError
	if !errors.As(err, &upstream) {
		return false
	}
	switch upstream.Code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		return true
	}
	return false
}

// withRetry runs op up to attempts times with exponential backoff while it
// fails with a retryable error. attempts <= 1 runs op once.
func withRetry[T any](ctx context.Context, attempts int, op func() (T, error)) (T, error) {
	if attempts <= 1 {
		return op()
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(uint(attempts)))
}
