package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
)

// PositionRepo implements ports.PositionRepository.
type PositionRepo struct {
	pool Pool
}

// NewPositionRepo creates a new PositionRepo.
func NewPositionRepo(pool Pool) *PositionRepo {
	return &PositionRepo{pool: pool}
}

const positionSelect = `SELECT wallet_address, asset, quantity::text,
	avg_buy_price::text, total_cost_usdc::text, first_buy_date FROM positions`

func scanPosition(row pgx.Row) (*domain.Position, error) {
	p := &domain.Position{}
	var qty, avg, cost string
	err := row.Scan(&p.WalletAddress, &p.Asset, &qty, &avg, &cost, &p.FirstBuyDate)
	if err != nil {
		return nil, err
	}
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if p.AvgBuyPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("parse avg_buy_price: %w", err)
	}
	if p.TotalCostUSDC, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("parse total_cost_usdc: %w", err)
	}
	return p, nil
}

// Upsert writes the wallet's position inside a settlement transaction.
// first_buy_date is never overwritten; it anchors the hold-duration clock.
func (r *PositionRepo) Upsert(ctx context.Context, tx pgx.Tx, p *domain.Position) error {
	query := `INSERT INTO positions (wallet_address, asset, quantity, avg_buy_price, total_cost_usdc, first_buy_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (wallet_address) DO UPDATE SET
			asset = EXCLUDED.asset,
			quantity = EXCLUDED.quantity,
			avg_buy_price = EXCLUDED.avg_buy_price,
			total_cost_usdc = EXCLUDED.total_cost_usdc`

	_, err := tx.Exec(ctx, query,
		p.WalletAddress, p.Asset, p.Quantity.String(),
		p.AvgBuyPrice.String(), p.TotalCostUSDC.String(), p.FirstBuyDate,
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// GetByWallet fetches the wallet's open position. Returns nil, nil when none.
func (r *PositionRepo) GetByWallet(ctx context.Context, walletAddress string) (*domain.Position, error) {
	p, err := scanPosition(r.pool.QueryRow(ctx, positionSelect+` WHERE wallet_address = $1`, walletAddress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// List returns all open positions.
func (r *PositionRepo) List(ctx context.Context) ([]domain.Position, error) {
	rows, err := r.pool.Query(ctx, positionSelect+` ORDER BY first_buy_date`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// Delete removes the wallet's position after a sell fill empties it.
func (r *PositionRepo) Delete(ctx context.Context, tx pgx.Tx, walletAddress string) error {
	_, err := tx.Exec(ctx, `DELETE FROM positions WHERE wallet_address = $1`, walletAddress)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}
