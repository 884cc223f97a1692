package access

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresAuthorizer looks up grants in model_grants. A grant matches the
// caller or its team, the action or "*", and the model id or "*".
type PostgresAuthorizer struct {
	db DB
}

func NewPostgresAuthorizer(db DB) *PostgresAuthorizer {
	return &PostgresAuthorizer{db: db}
}

func (a *PostgresAuthorizer) Authorize(ctx context.Context, caller canonical.Caller, action Action, resource string) (Decision, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM model_grants
			WHERE principal_id IN ($1, $2)
			  AND action IN ($3, '*')
			  AND model_id IN ($4, '*')
		)
	`
	var ok bool
	if err := a.db.QueryRow(ctx, query, caller.ID, caller.TeamID, string(action), resource).Scan(&ok); err != nil {
		return Deny, fmt.Errorf("failed to query model grants: %w", err)
	}
	if ok {
		return Allow, nil
	}
	return Deny, nil
}
