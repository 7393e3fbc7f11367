package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SharesDAO/DCA-Trader/internal/adapter/chain"
	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

var testPool = domain.Pool{
	PoolID:       "7",
	Ticker:       "AAPL",
	TokenAddress: "0x00000000000000000000000000000000000000f1",
	MintAddress:  "0x00000000000000000000000000000000000000f2",
	BurnAddress:  "0x00000000000000000000000000000000000000f3",
}

// settleCounterparty wires the simulated chain to answer every escrow
// transfer with the asset or stablecoin the memo requested, the way the
// real counterparty fills orders.
func settleCounterparty(rig *testRig) {
	stable := commonHex(rig.stable)
	rig.sim.OnTransfer = func(ev chain.TransferEvent) {
		if ev.Token == nil || len(ev.Memo) == 0 {
			return
		}
		var memo domain.Memo
		if err := json.Unmarshal(ev.Memo, &memo); err != nil || memo.Request == nil {
			return
		}
		ctx := context.Background()
		if *ev.Token == stable {
			asset := commonHex(memo.TokenAddress)
			current, _ := rig.sim.TokenBalance(ctx, asset, ev.From)
			rig.sim.SetTokenBalance(asset, ev.From, current.Add(current, memo.Request))
		} else {
			current, _ := rig.sim.TokenBalance(ctx, stable, ev.From)
			rig.sim.SetTokenBalance(stable, ev.From, current.Add(current, memo.Request))
		}
	}
}

func newTradingRig(t *testing.T) (*testRig, *domain.Wallet) {
	t.Helper()
	rig := newTestRig()
	rig.cfg.Trading.Tickers = []string{"AAPL"}
	rig.oracle.addPool(testPool, dec("198"), dec("202"))
	rig.sim.SetDecimals(commonHex(testPool.TokenAddress), 9)

	w, err := rig.lifecycle.CreateWallet(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	return rig, w
}

func TestReconciler_PlaceBuy_Pricing(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()

	funded, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	order, err := rig.reconciler.PlaceBuy(ctx, testPool, w, funded)
	require.NoError(t, err)

	// Limit is the shaded buy price with the fill premium, 2dp.
	wantLimit := dec("198").Mul(dec("1.005")).Round(2)
	assert.True(t, order.LimitPrice.Equal(wantLimit), "limit %s want %s", order.LimitPrice, wantLimit)
	wantQty := funded.Div(wantLimit).Round(6)
	assert.True(t, order.Quantity.Equal(wantQty), "qty %s want %s", order.Quantity, wantQty)
	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, domain.OrderSideBuy, order.Side)
	assert.NotEmpty(t, order.TxHash)

	// The escrow left the wallet.
	balance, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, balance.LessThan(funded), "escrow not debited, balance %s", balance)
}

func TestReconciler_PlaceBuy_BelowMinimumRejected(t *testing.T) {
	rig, w := newTradingRig(t)
	_, err := rig.reconciler.PlaceBuy(context.Background(), testPool, w, dec("4.99"))
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestReconciler_PlaceSell_LimitPricing(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()

	// Give the wallet shares to escrow.
	rig.sim.SetTokenBalance(commonHex(testPool.TokenAddress), commonHex(w.Address), domain.ToBaseUnits(dec("1"), 9))

	order, err := rig.reconciler.PlaceSell(ctx, testPool, w, dec("1"), domain.OrderTypeLimit, nil)
	require.NoError(t, err)

	// Shaded sell price minus the sell slippage, 2dp.
	wantLimit := dec("202").Mul(dec("0.99")).Round(2)
	assert.True(t, order.LimitPrice.Equal(wantLimit), "limit %s want %s", order.LimitPrice, wantLimit)
	assert.Equal(t, domain.OrderTypeLimit, order.Type)
}

func TestReconciler_PlaceSell_OverrideWins(t *testing.T) {
	rig, w := newTradingRig(t)
	rig.sim.SetTokenBalance(commonHex(testPool.TokenAddress), commonHex(w.Address), domain.ToBaseUnits(dec("1"), 9))

	target := dec("210.004")
	order, err := rig.reconciler.PlaceSell(context.Background(), testPool, w, dec("1"), domain.OrderTypeLimit, &target)
	require.NoError(t, err)
	assert.True(t, order.LimitPrice.Equal(dec("210")), "got %s", order.LimitPrice)
}

func TestReconciler_PlaceSell_MarketBelowMinimumRejected(t *testing.T) {
	rig, w := newTradingRig(t)
	rig.sim.SetTokenBalance(commonHex(testPool.TokenAddress), commonHex(w.Address), domain.ToBaseUnits(dec("0.01"), 9))

	// The minimum order value applies to market sells too. 0.01 shares at
	// the 202 sell quote is 2.02 USDC, under the 5 USDC floor.
	_, err := rig.reconciler.PlaceSell(context.Background(), testPool, w, dec("0.01"), domain.OrderTypeMarket, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestReconciler_PlaceSell_LiquidationForcesMarket(t *testing.T) {
	rig, w := newTradingRig(t)
	rig.cfg.Trading.LiquidationMode = true
	rig.sim.SetTokenBalance(commonHex(testPool.TokenAddress), commonHex(w.Address), domain.ToBaseUnits(dec("2.5"), 9))

	order, err := rig.reconciler.PlaceSell(context.Background(), testPool, w, dec("1"), domain.OrderTypeLimit, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeMarket, order.Type)
	assert.True(t, order.Quantity.Equal(dec("2.5")), "liquidation sells the actual balance, got %s", order.Quantity)
}

func TestReconciler_BuyFillCreatesPositionAndListsSell(t *testing.T) {
	rig, w := newTradingRig(t)
	settleCounterparty(rig)
	ctx := context.Background()

	balance, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	buy, err := rig.reconciler.PlaceBuy(ctx, testPool, w, balance)
	require.NoError(t, err)

	pools := map[string]domain.Pool{"AAPL": testPool}
	rig.reconciler.CheckConfirmations(ctx, pools)

	stored, err := rig.orders.GetByID(ctx, buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, stored.Status)

	position, err := rig.positions.GetByWallet(ctx, w.Address)
	require.NoError(t, err)
	require.NotNil(t, position)
	assert.True(t, position.Quantity.Equal(stored.Quantity))

	// The fill immediately listed a sell at the profit target.
	pendingSells, err := rig.orders.ListPendingByWallet(ctx, w.Address)
	require.NoError(t, err)
	require.Len(t, pendingSells, 1)
	sell := pendingSells[0]
	assert.Equal(t, domain.OrderSideSell, sell.Side)
	wantTarget := stored.LimitPrice.Mul(dec("1.05")).Round(2)
	assert.True(t, sell.LimitPrice.Equal(wantTarget), "sell limit %s want %s", sell.LimitPrice, wantTarget)
}

func TestReconciler_FullCycle_BuyFillSellFillReuse(t *testing.T) {
	rig, w := newTradingRig(t)
	settleCounterparty(rig)
	ctx := context.Background()
	pools := map[string]domain.Pool{"AAPL": testPool}

	balance, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	_, err = rig.reconciler.PlaceBuy(ctx, testPool, w, balance)
	require.NoError(t, err)

	// Cycle 1: buy fill, position opened, sell listed.
	rig.reconciler.CheckConfirmations(ctx, pools)
	// Cycle 2: sell fill (the counterparty paid instantly), wallet reused,
	// next buy placed.
	rig.reconciler.CheckConfirmations(ctx, pools)

	position, err := rig.positions.GetByWallet(ctx, w.Address)
	require.NoError(t, err)
	assert.Nil(t, position, "position closes on sell fill")

	stored, err := rig.wallets.GetByAddress(ctx, w.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.WalletActive, stored.Status)
	assert.Equal(t, 0, stored.LossCount, "profitable round trip")

	pending, err := rig.orders.ListPendingByWallet(ctx, w.Address)
	require.NoError(t, err)
	require.Len(t, pending, 1, "reused wallet goes straight back to buying")
	assert.Equal(t, domain.OrderSideBuy, pending[0].Side)

	stats, err := rig.orders.GetStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.TotalPnL.IsPositive(), "pnl %s", stats.TotalPnL)
}

func TestReconciler_ExpiredBuyRefundRetries(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()
	pools := map[string]domain.Pool{"AAPL": testPool}

	balance, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	buy, err := rig.reconciler.PlaceBuy(ctx, testPool, w, balance)
	require.NoError(t, err)

	// No counterparty: the order never fills. Refund the escrow by hand and
	// age the order past expiry.
	rig.sim.SetTokenBalance(commonHex(rig.stable), commonHex(w.Address), domain.ToBaseUnits(balance, 6))
	expireOrder(t, rig, buy.OrderID)

	rig.reconciler.CheckConfirmations(ctx, pools)

	stored, err := rig.orders.GetByID(ctx, buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExpired, stored.Status)

	// A fresh buy went out with the refunded funds.
	pending, err := rig.orders.ListPendingByWallet(ctx, w.Address)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OrderSideBuy, pending[0].Side)
	assert.NotEqual(t, buy.OrderID, pending[0].OrderID)
}

func TestReconciler_PendingOrderWithNoMovementStaysPending(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()
	pools := map[string]domain.Pool{"AAPL": testPool}

	balance, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	buy, err := rig.reconciler.PlaceBuy(ctx, testPool, w, balance)
	require.NoError(t, err)
	expireOrder(t, rig, buy.OrderID)

	// Neither the asset nor the refund ever arrived: ambiguous, untouched.
	rig.reconciler.CheckConfirmations(ctx, pools)

	stored, err := rig.orders.GetByID(ctx, buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, stored.Status)
}

func TestReconciler_MonitorPositions_SellsAtTarget(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()
	pools := map[string]domain.Pool{"AAPL": testPool}

	seedPosition(t, rig, w.Address, "1", "190", 24*time.Hour)
	rig.sim.SetTokenBalance(commonHex(testPool.TokenAddress), commonHex(w.Address), domain.ToBaseUnits(dec("1"), 9))

	// Sell price 202 >= target 190 * 1.05 = 199.5.
	rig.reconciler.MonitorPositions(ctx, pools)

	pending, err := rig.orders.ListPendingByWallet(ctx, w.Address)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OrderSideSell, pending[0].Side)
	assert.Equal(t, domain.OrderTypeLimit, pending[0].Type)
}

func TestReconciler_MonitorPositions_BelowTargetHolds(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()
	pools := map[string]domain.Pool{"AAPL": testPool}

	seedPosition(t, rig, w.Address, "1", "200", 24*time.Hour)
	rig.reconciler.MonitorPositions(ctx, pools)

	pending, err := rig.orders.ListPendingByWallet(ctx, w.Address)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconciler_MonitorPositions_ForcesMarketSellWhenOverHeld(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()
	pools := map[string]domain.Pool{"AAPL": testPool}

	// Deep under water and over-held: must go out as a market sell anyway.
	rig.oracle.setSell("AAPL", dec("150"))
	seedPosition(t, rig, w.Address, "1", "200", 31*24*time.Hour)
	rig.sim.SetTokenBalance(commonHex(testPool.TokenAddress), commonHex(w.Address), domain.ToBaseUnits(dec("1"), 9))

	rig.reconciler.MonitorPositions(ctx, pools)

	pending, err := rig.orders.ListPendingByWallet(ctx, w.Address)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OrderTypeMarket, pending[0].Type)
}

func TestReconciler_LiquidateAll(t *testing.T) {
	rig, w := newTradingRig(t)
	rig.cfg.Trading.LiquidationMode = true
	ctx := context.Background()
	pools := map[string]domain.Pool{"AAPL": testPool}

	seedPosition(t, rig, w.Address, "1", "200", 24*time.Hour)
	rig.sim.SetTokenBalance(commonHex(testPool.TokenAddress), commonHex(w.Address), domain.ToBaseUnits(dec("1"), 9))

	// A resting limit sell must be cancelled and replaced by a market sell.
	resting := pendingSell(w.Address, "1", "210")
	resting.OrderID += "_resting"
	require.NoError(t, rig.orders.Create(ctx, resting))

	rig.reconciler.LiquidateAll(ctx, pools)

	cancelled, err := rig.orders.GetByID(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)

	pending, err := rig.orders.ListPendingByWallet(ctx, w.Address)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OrderTypeMarket, pending[0].Type)
	assert.Equal(t, domain.OrderSideSell, pending[0].Side)
}

func TestReconciler_CleanupEmptyWallets(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()

	// Drain the wallet below a tradable balance.
	rig.sim.SetTokenBalance(commonHex(rig.stable), commonHex(w.Address), bigUSDC("1.50"))

	rig.reconciler.CleanupEmptyWallets(ctx)

	stored, err := rig.wallets.GetByAddress(ctx, w.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.WalletAbandoned, stored.Status)
}

func TestReconciler_CleanupLeavesFundedWalletsAlone(t *testing.T) {
	rig, w := newTradingRig(t)
	ctx := context.Background()

	rig.reconciler.CleanupEmptyWallets(ctx)

	stored, err := rig.wallets.GetByAddress(ctx, w.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.WalletActive, stored.Status)
}

// expireOrder backdates a pending order's expiry so refund handling kicks in.
func expireOrder(t *testing.T, rig *testRig, orderID string) {
	t.Helper()
	rig.orders.mu.Lock()
	defer rig.orders.mu.Unlock()
	o, ok := rig.orders.orders[orderID]
	require.True(t, ok)
	o.ExpiresAt = time.Now().Add(-time.Hour)
}
