package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the envelopes table if it does not exist.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool, table string) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			envelope_id TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			channel     TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT '',
			sent_at     BIGINT NOT NULL,
			received_at BIGINT NOT NULL,
			payload     JSONB
		)
	`, table)

	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s table: %w", table, err)
	}
	return nil
}
