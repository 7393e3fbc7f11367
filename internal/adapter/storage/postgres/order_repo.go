package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
)

// OrderRepo implements ports.OrderRepository. NUMERIC columns travel as
// text at this boundary and are parsed into decimals on scan.
type OrderRepo struct {
	pool Pool
}

// NewOrderRepo creates a new OrderRepo.
func NewOrderRepo(pool Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

const orderSelect = `SELECT order_id, wallet_address, side, order_type, asset,
	usdc_amount::text, quantity::text, limit_price::text, status, tx_hash,
	created_at, expires_at, filled_at, profit_loss::text FROM orders`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	o := &domain.Order{}
	var side, otype, status string
	var usdc, qty, limit string
	var pnl *string
	err := row.Scan(
		&o.OrderID, &o.WalletAddress, &side, &otype, &o.Asset,
		&usdc, &qty, &limit, &status, &o.TxHash,
		&o.CreatedAt, &o.ExpiresAt, &o.FilledAt, &pnl,
	)
	if err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(otype)
	o.Status = domain.OrderStatus(status)
	if o.USDCAmount, err = decimal.NewFromString(usdc); err != nil {
		return nil, fmt.Errorf("parse usdc_amount: %w", err)
	}
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if o.LimitPrice, err = decimal.NewFromString(limit); err != nil {
		return nil, fmt.Errorf("parse limit_price: %w", err)
	}
	if pnl != nil {
		d, err := decimal.NewFromString(*pnl)
		if err != nil {
			return nil, fmt.Errorf("parse profit_loss: %w", err)
		}
		o.ProfitLoss = &d
	}
	return o, nil
}

// Create inserts a new pending order.
func (r *OrderRepo) Create(ctx context.Context, o *domain.Order) error {
	query := `INSERT INTO orders (order_id, wallet_address, side, order_type, asset,
		usdc_amount, quantity, limit_price, status, tx_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		o.OrderID, o.WalletAddress, string(o.Side), string(o.Type), o.Asset,
		o.USDCAmount.String(), o.Quantity.String(), o.LimitPrice.String(),
		string(o.Status), o.TxHash, o.CreatedAt, o.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetByID fetches an order. Returns nil, nil when missing.
func (r *OrderRepo) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, orderSelect+` WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	return o, nil
}

// ListPending returns every pending order, oldest first.
func (r *OrderRepo) ListPending(ctx context.Context) ([]domain.Order, error) {
	return r.list(ctx, orderSelect+` WHERE status = $1 ORDER BY created_at`, string(domain.OrderPending))
}

// ListPendingByWallet returns the wallet's pending orders.
func (r *OrderRepo) ListPendingByWallet(ctx context.Context, walletAddress string) ([]domain.Order, error) {
	return r.list(ctx, orderSelect+` WHERE status = $1 AND wallet_address = $2 ORDER BY created_at`,
		string(domain.OrderPending), walletAddress)
}

func (r *OrderRepo) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// Settle writes an order's terminal state inside a settlement transaction.
// Quantity and limit price are rewritten because buy fills adopt the
// observed on-chain quantity and the recomputed effective price.
func (r *OrderRepo) Settle(ctx context.Context, tx pgx.Tx, o *domain.Order) error {
	query := `UPDATE orders SET status = $1, quantity = $2, limit_price = $3,
		filled_at = $4, profit_loss = $5 WHERE order_id = $6 AND status = $7`

	var pnl *string
	if o.ProfitLoss != nil {
		s := o.ProfitLoss.String()
		pnl = &s
	}
	tag, err := tx.Exec(ctx, query,
		string(o.Status), o.Quantity.String(), o.LimitPrice.String(),
		o.FilledAt, pnl, o.OrderID, string(domain.OrderPending),
	)
	if err != nil {
		return fmt.Errorf("settle order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s is not pending", o.OrderID)
	}
	return nil
}

// GetStats aggregates order outcomes for reporting.
func (r *OrderRepo) GetStats(ctx context.Context) (*ports.OrderStats, error) {
	query := `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE status = 'FILLED'),
		COUNT(*) FILTER (WHERE status = 'EXPIRED'),
		COUNT(*) FILTER (WHERE status = 'PENDING' AND side = 'BUY'),
		COUNT(*) FILTER (WHERE status = 'PENDING' AND side = 'SELL'),
		COALESCE(SUM(profit_loss), 0)::text,
		COUNT(*) FILTER (WHERE profit_loss > 0),
		COUNT(*) FILTER (WHERE profit_loss <= 0)
	FROM orders`

	stats := &ports.OrderStats{}
	var pnl string
	err := r.pool.QueryRow(ctx, query).Scan(
		&stats.TotalOrders, &stats.Filled, &stats.Expired,
		&stats.PendingBuys, &stats.PendingSells,
		&pnl, &stats.WinningTrades, &stats.LosingTrades,
	)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}
	if stats.TotalPnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("parse total pnl: %w", err)
	}
	return stats, nil
}
