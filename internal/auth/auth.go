package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

var ErrKeyNotFound = errors.New("api key not found")

const (
	cacheTTL      = 5 * time.Minute
	agentIDHeader = "X-Agent-ID"
)

// APIKey is a gateway key. Calls made with it are attributed to UserID
// within TeamID.
type APIKey struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	UserID    string    `json:"user_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// principal is the caller id used for grants and vault lookups.
func (a *APIKey) principal() string {
	if a.UserID != "" {
		return a.UserID
	}
	return a.ID
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	callerKey   contextKey = "caller"
	apiKeyIDKey contextKey = "api_key_id"
)

// NewMiddleware authenticates Bearer keys against store, caching hits in
// Redis, and stores the resulting caller in the request context. An
// X-Agent-ID header attributes the call to an agent of the key's team.
func NewMiddleware(store Store, cache *redis.Client, logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := fmt.Sprintf("auth:%s", hashKey(key))

			apiKey := &APIKey{}
			err := cache.Get(ctx, redisKey).Scan(apiKey)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					logger.Warn("auth cache read failed", "error", err)
				}
				apiKey, err = store.GetByKey(ctx, key)
				if err != nil {
					if errors.Is(err, ErrKeyNotFound) {
						http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
						return
					}
					logger.Error("auth lookup failed", "error", err, "request_id", requestID)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if err := cache.Set(ctx, redisKey, apiKey, cacheTTL).Err(); err != nil {
					logger.Warn("auth cache write failed", "error", err)
				}
			}

			caller := canonical.Caller{
				ID:        apiKey.principal(),
				TeamID:    apiKey.TeamID,
				AgentID:   r.Header.Get(agentIDHeader),
				RequestID: requestID,
			}
			ctx = WithCaller(ctx, caller)
			ctx = WithAPIKeyID(ctx, apiKey.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller returns the authenticated caller, or false when the request did
// not pass the middleware.
func GetCaller(ctx context.Context) (canonical.Caller, bool) {
	c, ok := ctx.Value(callerKey).(canonical.Caller)
	return c, ok
}

func GetTeamID(ctx context.Context) string {
	c, _ := GetCaller(ctx)
	return c.TeamID
}

func GetRequestID(ctx context.Context) string {
	c, _ := GetCaller(ctx)
	return c.RequestID
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func WithCaller(ctx context.Context, c canonical.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
