package database

import (
	"database/sql"
	"fmt"
)

// Schema bootstrap. Statements are idempotent so startup can run them
// unconditionally. Amounts are NUMERIC: the ledger never stores or
// compares money as binary floats.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		transaction_id UUID NOT NULL REFERENCES transactions (id),
		account_id UUID NOT NULL REFERENCES accounts (id),
		type TEXT NOT NULL CHECK (type IN ('debit', 'credit')),
		amount NUMERIC(20, 4) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_id ON ledger_entries (account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_transaction_id ON ledger_entries (transaction_id)`,
}

// Migrate creates the ledger schema if it does not exist yet.
func Migrate(db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
