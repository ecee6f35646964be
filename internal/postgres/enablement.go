package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxa-ai/voxa/internal/plugin"
)

// EnablementStore implements [plugin.EnablementStore] on the
// plugin_enablement table.
//
// Obtain one via [Store.Enablement] rather than constructing directly.
type EnablementStore struct {
	pool *pgxpool.Pool
}

var _ plugin.EnablementStore = (*EnablementStore)(nil)

// SetEnabled implements [plugin.EnablementStore].
func (s *EnablementStore) SetEnabled(ctx context.Context, userID, name string, enabled bool) error {
	const q = `
		INSERT INTO plugin_enablement (user_id, plugin, enabled, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, plugin)
		DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, userID, name, enabled); err != nil {
		return fmt.Errorf("enablement store: set %s/%s: %w", userID, name, err)
	}
	return nil
}

// UserOverrides implements [plugin.EnablementStore].
func (s *EnablementStore) UserOverrides(ctx context.Context, userID string) (map[string]bool, error) {
	const q = `
		SELECT plugin, enabled
		FROM   plugin_enablement
		WHERE  user_id = $1`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("enablement store: overrides for %s: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	var (
		name    string
		enabled bool
	)
	if _, err := pgx.ForEachRow(rows, []any{&name, &enabled}, func() error {
		out[name] = enabled
		return nil
	}); err != nil {
		return nil, fmt.Errorf("enablement store: scan overrides for %s: %w", userID, err)
	}
	return out, nil
}

// DeleteUser implements [plugin.EnablementStore].
func (s *EnablementStore) DeleteUser(ctx context.Context, userID string) error {
	const q = `DELETE FROM plugin_enablement WHERE user_id = $1`

	if _, err := s.pool.Exec(ctx, q, userID); err != nil {
		return fmt.Errorf("enablement store: delete user %s: %w", userID, err)
	}
	return nil
}
