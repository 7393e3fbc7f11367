package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// SellOutcome summarizes a settled sell so the reconciler can decide what
// happens to the wallet next.
type SellOutcome struct {
	PnL        decimal.Decimal
	Loss       bool
	ForcedLoss bool
	Abandon    bool
}

// PositionAccountant applies inferred order outcomes to the books. Every
// settlement runs inside one database transaction: the order's terminal
// update, the position change and any loss-counter move commit together or
// not at all.
type PositionAccountant struct {
	db        ports.DBTransactor
	orders    ports.OrderRepository
	positions ports.PositionRepository
	wallets   ports.WalletRepository
	maxHold   int
	maxLoss   int
	log       zerolog.Logger
	now       func() time.Time
}

func NewPositionAccountant(
	db ports.DBTransactor,
	orders ports.OrderRepository,
	positions ports.PositionRepository,
	wallets ports.WalletRepository,
	maxHoldDays, maxLossCount int,
	log zerolog.Logger,
) *PositionAccountant {
	return &PositionAccountant{
		db:        db,
		orders:    orders,
		positions: positions,
		wallets:   wallets,
		maxHold:   maxHoldDays,
		maxLoss:   maxLossCount,
		log:       log.With().Str("component", "accountant").Logger(),
		now:       time.Now,
	}
}

// SettleBuyFill records a buy whose asset arrived. actualQty is the wallet's
// observed asset balance, which is authoritative over the nominal quantity:
// the counterparty may have filled at a better price, so the effective price
// is recomputed from what was actually received.
func (a *PositionAccountant) SettleBuyFill(ctx context.Context, order *domain.Order, actualQty decimal.Decimal) error {
	if !actualQty.IsPositive() {
		return apperror.New(apperror.KindSettlementAmbiguous, "buy fill for "+order.OrderID+" with non-positive quantity")
	}
	effectivePrice := order.USDCAmount.Div(actualQty)

	tx, err := a.db.Begin(ctx)
	if err != nil {
		return apperror.DatabaseError(err)
	}
	defer tx.Rollback(ctx)

	filledAt := a.now()
	order.Status = domain.OrderFilled
	order.FilledAt = &filledAt
	order.Quantity = actualQty
	order.LimitPrice = effectivePrice
	if err := a.orders.Settle(ctx, tx, order); err != nil {
		return err
	}

	position, err := a.positions.GetByWallet(ctx, order.WalletAddress)
	if err != nil {
		return err
	}
	if position == nil {
		position = &domain.Position{
			WalletAddress: order.WalletAddress,
			Asset:         order.Asset,
			Quantity:      actualQty,
			AvgBuyPrice:   effectivePrice,
			TotalCostUSDC: order.USDCAmount,
			FirstBuyDate:  filledAt,
		}
	} else {
		position.Merge(actualQty, effectivePrice, order.USDCAmount)
	}
	if err := a.positions.Upsert(ctx, tx, position); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.DatabaseError(err)
	}

	a.log.Info().
		Str("order", order.OrderID).
		Str("wallet", order.WalletAddress).
		Str("asset", order.Asset).
		Str("qty", actualQty.String()).
		Str("effective_price", effectivePrice.StringFixed(4)).
		Msg("buy filled")
	return nil
}

// SettleSellFill records a sell whose stablecoin proceeds arrived. Proceeds
// are the order's quantity at its limit price. A position held past the
// maximum hold counts as a loss regardless of sign, so stale capital cannot
// mask as a win. The wallet's loss counter moves inside the same transaction.
func (a *PositionAccountant) SettleSellFill(ctx context.Context, wallet *domain.Wallet, order *domain.Order) (*SellOutcome, error) {
	position, err := a.positions.GetByWallet(ctx, order.WalletAddress)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, apperror.New(apperror.KindSettlementAmbiguous, "sell fill for "+order.OrderID+" without a position")
	}

	proceeds := order.Quantity.Mul(order.LimitPrice)
	pnl := position.RealizedPnL(proceeds)

	holdingDays := position.HoldingDays(a.now())
	forced := holdingDays >= a.maxHold
	loss := pnl.IsNegative() || forced

	tx, err := a.db.Begin(ctx)
	if err != nil {
		return nil, apperror.DatabaseError(err)
	}
	defer tx.Rollback(ctx)

	filledAt := a.now()
	order.Status = domain.OrderFilled
	order.FilledAt = &filledAt
	order.ProfitLoss = &pnl
	if err := a.orders.Settle(ctx, tx, order); err != nil {
		return nil, err
	}
	if err := a.positions.Delete(ctx, tx, order.WalletAddress); err != nil {
		return nil, err
	}

	lossCount := wallet.LossCount
	if loss {
		lossCount++
	} else {
		lossCount = 0
	}
	if lossCount != wallet.LossCount {
		if err := a.wallets.UpdateLossCount(ctx, tx, wallet.Address, lossCount); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.DatabaseError(err)
	}
	wallet.LossCount = lossCount

	outcome := &SellOutcome{
		PnL:        pnl,
		Loss:       loss,
		ForcedLoss: forced && !pnl.IsNegative(),
		Abandon:    loss && lossCount >= a.maxLoss,
	}
	a.log.Info().
		Str("order", order.OrderID).
		Str("wallet", order.WalletAddress).
		Str("pnl", pnl.StringFixed(4)).
		Bool("loss", loss).
		Bool("forced_loss", outcome.ForcedLoss).
		Int("loss_count", lossCount).
		Int("holding_days", holdingDays).
		Msg("sell filled")
	return outcome, nil
}

// SettleRefund marks an order whose escrowed funds came back as EXPIRED.
func (a *PositionAccountant) SettleRefund(ctx context.Context, order *domain.Order) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return apperror.DatabaseError(err)
	}
	defer tx.Rollback(ctx)

	order.Status = domain.OrderExpired
	if err := a.orders.Settle(ctx, tx, order); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.DatabaseError(err)
	}

	a.log.Info().
		Str("order", order.OrderID).
		Str("wallet", order.WalletAddress).
		Str("side", string(order.Side)).
		Msg("order refunded, marked expired")
	return nil
}

// Cancel marks a pending order CANCELLED. Used during liquidation to clear
// pending limit sells before resubmitting them as market sells.
func (a *PositionAccountant) Cancel(ctx context.Context, order *domain.Order) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return apperror.DatabaseError(err)
	}
	defer tx.Rollback(ctx)

	order.Status = domain.OrderCancelled
	if err := a.orders.Settle(ctx, tx, order); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.DatabaseError(err)
	}
	a.log.Info().Str("order", order.OrderID).Msg("order cancelled")
	return nil
}
