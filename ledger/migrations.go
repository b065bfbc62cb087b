package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS user_funds (
		user_id UUID PRIMARY KEY,
		total NUMERIC(15, 2) NOT NULL DEFAULT 0,
		remaining NUMERIC(15, 2) NOT NULL DEFAULT 0,
		monthly_total NUMERIC(15, 2) NOT NULL DEFAULT 0,
		yearly_total NUMERIC(15, 2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS co_space_funds (
		co_space_id UUID NOT NULL,
		user_id UUID NOT NULL,
		total NUMERIC(15, 2) NOT NULL DEFAULT 0,
		remaining NUMERIC(15, 2) NOT NULL DEFAULT 0,
		monthly_total NUMERIC(15, 2) NOT NULL DEFAULT 0,
		yearly_total NUMERIC(15, 2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (co_space_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS expenses (
		id UUID PRIMARY KEY,
		payer_id UUID NOT NULL,
		co_space_id UUID,
		amount NUMERIC(15, 2) NOT NULL CHECK (amount > 0),
		note TEXT,
		funding_source VARCHAR(16) NOT NULL CHECK (funding_source IN ('personal', 'co_space')),
		beneficiary VARCHAR(16) NOT NULL,
		related_user_id UUID,
		status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (funding_source = 'personal' OR co_space_id IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS expenses_payer_created_idx ON expenses (payer_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS expenses_co_space_status_idx ON expenses (co_space_id, status)`,
	`CREATE TABLE IF NOT EXISTS expense_approvals (
		id UUID PRIMARY KEY,
		expense_id UUID NOT NULL REFERENCES expenses (id),
		approver_id UUID NOT NULL,
		decision VARCHAR(16) NOT NULL CHECK (decision IN ('pending', 'approved', 'rejected')),
		decided_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (expense_id, approver_id)
	)`,
	`CREATE INDEX IF NOT EXISTS expense_approvals_approver_idx ON expense_approvals (approver_id, decision)`,
}

// Migrate creates the ledger tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger migration %d: %w", i, err)
		}
	}
	return nil
}
