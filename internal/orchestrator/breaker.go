package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// BreakerSettings tunes the per-provider circuit breakers.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:         3,
	Interval:            5 * time.Second,
	Timeout:             30 * time.Second,
	ConsecutiveFailures: 3,
}

// breakers holds one circuit breaker per provider, created on first use.
// An open breaker fails calls fast; it never retries.
type breakers struct {
	mu       sync.Mutex
	settings BreakerSettings
	byName   map[canonical.Provider]*gobreaker.CircuitBreaker
}

func newBreakers(s BreakerSettings) *breakers {
	return &breakers{settings: s, byName: make(map[canonical.Provider]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(p canonical.Provider) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byName[p]; ok {
		return cb
	}
	trip := b.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(p),
		MaxRequests: b.settings.MaxRequests,
		Interval:    b.settings.Interval,
		Timeout:     b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: providerHealthy,
	})
	b.byName[p] = cb
	return cb
}

func execute[T any](b *breakers, p canonical.Provider, fn func() (T, error)) (T, error) {
	res, err := b.get(p).Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &canonical.UpstreamProviderError{
				Provider: p,
				Code:     http.StatusServiceUnavailable,
				Message:  "provider temporarily unavailable: " + err.Error(),
				Err:      err,
			}
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// record counts the outcome of a call made outside Execute, such as a
// stream that failed after it was opened.
func (b *breakers) record(p canonical.Provider, err error) {
	_, _ = b.get(p).Execute(func() (interface{}, error) {
		return nil, err
	})
}

// providerHealthy tells the breaker which errors say nothing about the
// provider: caller mistakes and cancellations.
func providerHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var upstream *canonical.UpstreamProviderError
	if errors.As(err, &upstream) && upstream.Code >= 400 && upstream.Code < 500 {
		return upstream.Code != http.StatusTooManyRequests && upstream.Code != http.StatusRequestTimeout
	}
	return !errors.As(err, &upstream)
}
