package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
)

// WalletRepo implements ports.WalletRepository.
type WalletRepo struct {
	pool Pool
}

// NewWalletRepo creates a new WalletRepo.
func NewWalletRepo(pool Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

const walletColumns = `address, encrypted_key, chain_id, assigned_asset, status, funding_target, loss_count, created_at, last_trade_at`

const walletSelect = `SELECT address, encrypted_key, chain_id, assigned_asset, status,
	funding_target::text, loss_count, created_at, last_trade_at FROM wallets`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	w := &domain.Wallet{}
	var status, target string
	err := row.Scan(
		&w.Address, &w.EncryptedKey, &w.ChainID, &w.AssignedAsset,
		&status, &target, &w.LossCount, &w.CreatedAt, &w.LastTradeAt,
	)
	if err != nil {
		return nil, err
	}
	w.Status = domain.WalletStatus(status)
	if w.FundingTarget, err = decimal.NewFromString(target); err != nil {
		return nil, fmt.Errorf("parse funding_target: %w", err)
	}
	return w, nil
}

// Create inserts a new wallet. The wallet is persisted as PENDING_FUNDING
// before any funding transfer so a mid-funding crash is recoverable.
func (r *WalletRepo) Create(ctx context.Context, w *domain.Wallet) error {
	query := `INSERT INTO wallets (` + walletColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		w.Address, w.EncryptedKey, w.ChainID, w.AssignedAsset,
		string(w.Status), w.FundingTarget.String(), w.LossCount, w.CreatedAt, w.LastTradeAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// GetByAddress fetches a wallet by address. Returns nil, nil when missing.
func (r *WalletRepo) GetByAddress(ctx context.Context, address string) (*domain.Wallet, error) {
	query := walletSelect + ` WHERE address = $1`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get wallet by address: %w", err)
	}
	return w, nil
}

// ListByStatus fetches all wallets in the given lifecycle state.
func (r *WalletRepo) ListByStatus(ctx context.Context, status domain.WalletStatus) ([]domain.Wallet, error) {
	query := walletSelect + ` WHERE status = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list wallets by status: %w", err)
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// UpdateStatus moves a wallet to a new lifecycle state.
func (r *WalletRepo) UpdateStatus(ctx context.Context, address string, status domain.WalletStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE wallets SET status = $1 WHERE address = $2`, string(status), address)
	if err != nil {
		return fmt.Errorf("update wallet status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet not found: %s", address)
	}
	return nil
}

// UpdateAssignment changes the wallet's assigned asset.
func (r *WalletRepo) UpdateAssignment(ctx context.Context, address, asset string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE wallets SET assigned_asset = $1 WHERE address = $2`, asset, address)
	if err != nil {
		return fmt.Errorf("update wallet assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet not found: %s", address)
	}
	return nil
}

// UpdateLossCount sets the wallet's loss counter inside a settlement
// transaction so it commits with the triggering sell fill.
func (r *WalletRepo) UpdateLossCount(ctx context.Context, tx pgx.Tx, address string, lossCount int) error {
	tag, err := tx.Exec(ctx, `UPDATE wallets SET loss_count = $1 WHERE address = $2`, lossCount, address)
	if err != nil {
		return fmt.Errorf("update wallet loss count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet not found: %s", address)
	}
	return nil
}

// TouchLastTrade records the time of the wallet's latest order submission.
func (r *WalletRepo) TouchLastTrade(ctx context.Context, address string) error {
	_, err := r.pool.Exec(ctx, `UPDATE wallets SET last_trade_at = NOW() WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("touch wallet last trade: %w", err)
	}
	return nil
}

// Delete removes an abandoned wallet with no remaining funds or rows.
func (r *WalletRepo) Delete(ctx context.Context, address string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM wallets WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	return nil
}

// CountByAsset returns how many non-abandoned wallets hold each asset,
// feeding the balanced allocation policy.
func (r *WalletRepo) CountByAsset(ctx context.Context) (map[string]int, error) {
	query := `SELECT assigned_asset, COUNT(*) FROM wallets
		WHERE status != $1 AND assigned_asset != ''
		GROUP BY assigned_asset`

	rows, err := r.pool.Query(ctx, query, string(domain.WalletAbandoned))
	if err != nil {
		return nil, fmt.Errorf("count wallets by asset: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var asset string
		var n int
		if err := rows.Scan(&asset, &n); err != nil {
			return nil, fmt.Errorf("scan asset count: %w", err)
		}
		counts[asset] = n
	}
	return counts, rows.Err()
}
