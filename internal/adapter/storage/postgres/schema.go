package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		address        TEXT PRIMARY KEY,
		encrypted_key  TEXT NOT NULL,
		chain_id       BIGINT NOT NULL,
		assigned_asset TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		funding_target NUMERIC NOT NULL DEFAULT 0,
		loss_count     INT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL,
		last_trade_at  TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		order_id       TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL REFERENCES wallets(address),
		side           TEXT NOT NULL,
		order_type     TEXT NOT NULL,
		asset          TEXT NOT NULL,
		usdc_amount    NUMERIC NOT NULL,
		quantity       NUMERIC NOT NULL,
		limit_price    NUMERIC NOT NULL,
		status         TEXT NOT NULL,
		tx_hash        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		expires_at     TIMESTAMPTZ NOT NULL,
		filled_at      TIMESTAMPTZ,
		profit_loss    NUMERIC
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_wallet ON orders(wallet_address)`,
	`CREATE TABLE IF NOT EXISTS positions (
		wallet_address  TEXT PRIMARY KEY REFERENCES wallets(address),
		asset           TEXT NOT NULL,
		quantity        NUMERIC NOT NULL,
		avg_buy_price   NUMERIC NOT NULL,
		total_cost_usdc NUMERIC NOT NULL,
		first_buy_date  TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the ledger tables when missing, so a fresh database
// is usable without a separate migration step.
func EnsureSchema(ctx context.Context, pool Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}
