// Package ratelimit meters estimated tokens per team over a sliding minute.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func teamKey(teamID string) string {
	return fmt.Sprintf("ratelimit:team:%s", teamID)
}

// Allow spends tokens from the team's budget for the current window.
// Non-positive amounts are charged as one token.
func (l *Limiter) Allow(ctx context.Context, teamID string, tokens int) (bool, error) {
	if tokens <= 0 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, teamKey(teamID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, teamID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, teamKey(teamID))
}
