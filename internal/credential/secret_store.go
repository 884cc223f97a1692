package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSecretStore reads caller_secrets. A secret owned by the caller
// wins over one owned by the caller's team.
type PostgresSecretStore struct {
	db DB
}

func NewPostgresSecretStore(db DB) *PostgresSecretStore {
	return &PostgresSecretStore{db: db}
}

func (s *PostgresSecretStore) GetSecret(ctx context.Context, caller canonical.Caller, key string) (string, error) {
	query := `
		SELECT value
		FROM caller_secrets
		WHERE name = $1 AND owner_id IN ($2, $3)
		ORDER BY owner_id = $2 DESC
		LIMIT 1
	`

	var value string
	err := s.db.QueryRow(ctx, query, key, caller.ID, caller.TeamID).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	return value, nil
}

const DefaultSecretCacheTTL = time.Minute

// CachedSecretStore fronts another store with Redis. Only hits are cached,
// so a secret added by the caller is picked up on the next call.
type CachedSecretStore struct {
	next   SecretStore
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSecretStore(next SecretStore, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedSecretStore {
	if ttl <= 0 {
		ttl = DefaultSecretCacheTTL
	}
	return &CachedSecretStore{next: next, cache: cache, ttl: ttl, logger: loggerOrDefault(logger)}
}

func (s *CachedSecretStore) GetSecret(ctx context.Context, caller canonical.Caller, key string) (string, error) {
	h := sha256.New()
	h.Write([]byte(caller.ID + "\x00" + caller.TeamID + "\x00" + key))
	redisKey := fmt.Sprintf("secret:%s", hex.EncodeToString(h.Sum(nil)))

	value, err := s.cache.Get(ctx, redisKey).Result()
	if err == nil {
		return value, nil
	} else if err != redis.Nil {
		s.logger.Warn("secret cache read failed", "error", err)
	}

	value, err = s.next.GetSecret(ctx, caller, key)
	if err != nil {
		return "", err
	}
	if value != "" {
		if err := s.cache.Set(ctx, redisKey, value, s.ttl).Err(); err != nil {
			s.logger.Warn("secret cache write failed", "error", err)
		}
	}
	return value, nil
}
