package service

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// TradingStats is the periodic status snapshot, also served over HTTP.
type TradingStats struct {
	TotalOrders   int64           `json:"total_orders"`
	FilledOrders  int64           `json:"filled_orders"`
	ExpiredOrders int64           `json:"expired_orders"`
	PendingBuys   int64           `json:"pending_buys"`
	PendingSells  int64           `json:"pending_sells"`
	OpenPositions int             `json:"open_positions"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	WinningTrades int64           `json:"winning_trades"`
	LosingTrades  int64           `json:"losing_trades"`
	WinRatePct    decimal.Decimal `json:"win_rate_pct"`
}

// WalletStats summarizes the wallet pool and its asset spread.
type WalletStats struct {
	Active         int            `json:"active"`
	PendingFunding int            `json:"pending_funding"`
	Abandoned      int            `json:"abandoned"`
	AssetSpread    map[string]int `json:"asset_spread"`
}

// Reporter aggregates order, position and wallet state for observability.
type Reporter struct {
	orders    ports.OrderRepository
	positions ports.PositionRepository
	wallets   ports.WalletRepository
	log       zerolog.Logger
}

func NewReporter(orders ports.OrderRepository, positions ports.PositionRepository, wallets ports.WalletRepository, log zerolog.Logger) *Reporter {
	return &Reporter{
		orders:    orders,
		positions: positions,
		wallets:   wallets,
		log:       log.With().Str("component", "reporter").Logger(),
	}
}

// TradingStats computes the current snapshot. Win rate is profitable sells
// over settled sells; zero settled sells reports zero rather than an error.
func (r *Reporter) TradingStats(ctx context.Context) (*TradingStats, error) {
	stats, err := r.orders.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := r.positions.List(ctx)
	if err != nil {
		return nil, err
	}

	out := &TradingStats{
		TotalOrders:   stats.TotalOrders,
		FilledOrders:  stats.Filled,
		ExpiredOrders: stats.Expired,
		PendingBuys:   stats.PendingBuys,
		PendingSells:  stats.PendingSells,
		OpenPositions: len(positions),
		TotalPnL:      stats.TotalPnL,
		WinningTrades: stats.WinningTrades,
		LosingTrades:  stats.LosingTrades,
	}
	settledSells := stats.WinningTrades + stats.LosingTrades
	if settledSells > 0 {
		out.WinRatePct = decimal.NewFromInt(stats.WinningTrades).
			Div(decimal.NewFromInt(settledSells)).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
	return out, nil
}

// WalletStats counts wallets by status and active assignments by asset.
func (r *Reporter) WalletStats(ctx context.Context) (*WalletStats, error) {
	out := &WalletStats{AssetSpread: map[string]int{}}

	for _, status := range []domain.WalletStatus{domain.WalletActive, domain.WalletPendingFunding, domain.WalletAbandoned} {
		list, err := r.wallets.ListByStatus(ctx, status)
		if err != nil {
			return nil, apperror.DatabaseError(err)
		}
		switch status {
		case domain.WalletActive:
			out.Active = len(list)
		case domain.WalletPendingFunding:
			out.PendingFunding = len(list)
		case domain.WalletAbandoned:
			out.Abandoned = len(list)
		}
	}

	spread, err := r.wallets.CountByAsset(ctx)
	if err != nil {
		return nil, apperror.DatabaseError(err)
	}
	out.AssetSpread = spread
	return out, nil
}

// LogStatus writes the periodic status line.
func (r *Reporter) LogStatus(ctx context.Context) {
	trading, err := r.TradingStats(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("trading stats unavailable")
		return
	}
	wallets, err := r.WalletStats(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("wallet stats unavailable")
		return
	}
	r.log.Info().
		Int64("orders", trading.TotalOrders).
		Int64("filled", trading.FilledOrders).
		Int64("pending_buys", trading.PendingBuys).
		Int64("pending_sells", trading.PendingSells).
		Int("positions", trading.OpenPositions).
		Str("pnl", trading.TotalPnL.StringFixed(2)).
		Str("win_rate_pct", trading.WinRatePct.StringFixed(1)).
		Int("active_wallets", wallets.Active).
		Int("pending_wallets", wallets.PendingFunding).
		Msg("status")
}
