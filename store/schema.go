package store

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// schemaDDL is the transactions table and its indexes. The composite
// indexes serve the hot list queries; the singles serve ad-hoc filters.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		transaction_type VARCHAR(50) NOT NULL,
		product VARCHAR(50) NOT NULL,
		status VARCHAR(50) NOT NULL,
		currency VARCHAR(10) NOT NULL,
		amount NUMERIC(18, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ,
		custom_metadata JSON,
		search_content TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_created ON transactions (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_type_status ON transactions (transaction_type, status)`,
	`CREATE INDEX IF NOT EXISTS idx_product_currency ON transactions (product, currency)`,
	`CREATE INDEX IF NOT EXISTS ix_transactions_user_id ON transactions (user_id)`,
	`CREATE INDEX IF NOT EXISTS ix_transactions_created_at ON transactions (created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_transactions_transaction_type ON transactions (transaction_type)`,
	`CREATE INDEX IF NOT EXISTS ix_transactions_product ON transactions (product)`,
	`CREATE INDEX IF NOT EXISTS ix_transactions_status ON transactions (status)`,
	`CREATE INDEX IF NOT EXISTS ix_transactions_currency ON transactions (currency)`,
}

// EnsureSchema creates the transactions table and indexes if they
// don't exist. It's run once at process start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	log.Info("database schema ensured")
	return nil
}
