package ports

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
)

// WalletRepository defines persistence operations for trading wallets.
type WalletRepository interface {
	Create(ctx context.Context, wallet *domain.Wallet) error
	GetByAddress(ctx context.Context, address string) (*domain.Wallet, error)
	ListByStatus(ctx context.Context, status domain.WalletStatus) ([]domain.Wallet, error)
	UpdateStatus(ctx context.Context, address string, status domain.WalletStatus) error
	UpdateAssignment(ctx context.Context, address, asset string) error
	UpdateLossCount(ctx context.Context, tx pgx.Tx, address string, lossCount int) error
	TouchLastTrade(ctx context.Context, address string) error
	Delete(ctx context.Context, address string) error
	CountByAsset(ctx context.Context) (map[string]int, error)
}

// OrderRepository defines persistence operations for orders.
// Methods accepting pgx.Tx run inside settlement transactions so an order's
// terminal update and its position change commit atomically.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, orderID string) (*domain.Order, error)
	ListPending(ctx context.Context) ([]domain.Order, error)
	ListPendingByWallet(ctx context.Context, walletAddress string) ([]domain.Order, error)
	Settle(ctx context.Context, tx pgx.Tx, order *domain.Order) error
	GetStats(ctx context.Context) (*OrderStats, error)
}

// OrderStats aggregates terminal order outcomes for reporting.
type OrderStats struct {
	TotalOrders   int64
	Filled        int64
	Expired       int64
	PendingBuys   int64
	PendingSells  int64
	TotalPnL      decimal.Decimal
	WinningTrades int64
	LosingTrades  int64
}

// PositionRepository defines persistence operations for open positions.
type PositionRepository interface {
	Upsert(ctx context.Context, tx pgx.Tx, position *domain.Position) error
	GetByWallet(ctx context.Context, walletAddress string) (*domain.Position, error)
	List(ctx context.Context) ([]domain.Position, error)
	Delete(ctx context.Context, tx pgx.Tx, walletAddress string) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
