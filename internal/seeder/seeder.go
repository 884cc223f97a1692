// Package seeder creates a development API key so a fresh database can be
// exercised without an admin tool.
package seeder

import (
	"context"
	"log/slog"

	"github.com/vnmchuo/modelbridge/internal/auth"
)

const (
	TestAPIKey = "test-api-key-12345"
	TestTeamID = "00000000-0000-0000-0000-000000000001"
	TestUserID = "00000000-0000-0000-0000-000000000002"
)

// SeedTestAPIKey inserts the test key. A failure (typically a duplicate
// key) is logged and otherwise ignored.
func SeedTestAPIKey(ctx context.Context, store auth.Store, logger *slog.Logger) {
	apiKey := &auth.APIKey{
		TeamID:    TestTeamID,
		UserID:    TestUserID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("seeder: api key may already exist, skipping", "error", err)
		return
	}
	logger.Info("seeder: test api key created", "key", TestAPIKey, "team_id", TestTeamID, "user_id", TestUserID)
}
