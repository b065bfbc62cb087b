package cospace

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS co_spaces (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		created_by UUID NOT NULL REFERENCES users (id),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS co_space_members (
		co_space_id UUID NOT NULL REFERENCES co_spaces (id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'accepted')),
		joined_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (co_space_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS co_space_members_user_idx ON co_space_members (user_id, status)`,
}

// Migrate creates the co-space tables. It expects the users table to exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("co-space migration %d: %w", i, err)
		}
	}
	return nil
}
