package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/config"
	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// Pricing constants. The buy premium widens the limit above the shaded oracle
// price so small drifts between quote and execution still fill.
var (
	buyPremium = decimal.RequireFromString("1.005")
	hundred    = decimal.NewFromInt(100)
)

// OrderReconciler places orders as transfers-with-memo and infers their
// outcomes from wallet balance changes. There is no order-status API to ask;
// an asset balance appearing means a buy filled, escrowed funds returning
// after expiry mean a refund.
type OrderReconciler struct {
	orders     ports.OrderRepository
	positions  ports.PositionRepository
	wallets    ports.WalletRepository
	oracle     ports.PriceOracle
	chain      ports.ChainClient
	submitter  ports.Submitter
	accountant *PositionAccountant
	lifecycle  *WalletLifecycle
	cfg        *config.Config
	log        zerolog.Logger
	now        func() time.Time
}

func NewOrderReconciler(
	orders ports.OrderRepository,
	positions ports.PositionRepository,
	wallets ports.WalletRepository,
	oracle ports.PriceOracle,
	chain ports.ChainClient,
	submitter ports.Submitter,
	accountant *PositionAccountant,
	lifecycle *WalletLifecycle,
	cfg *config.Config,
	log zerolog.Logger,
) *OrderReconciler {
	return &OrderReconciler{
		orders:     orders,
		positions:  positions,
		wallets:    wallets,
		oracle:     oracle,
		chain:      chain,
		submitter:  submitter,
		accountant: accountant,
		lifecycle:  lifecycle,
		cfg:        cfg,
		log:        log.With().Str("component", "reconciler").Logger(),
		now:        time.Now,
	}
}

func (r *OrderReconciler) minOrderValue() decimal.Decimal {
	return decimal.NewFromFloat(r.cfg.Trading.MinOrderValue)
}

func (r *OrderReconciler) assetBalance(ctx context.Context, pool domain.Pool, walletAddr string) (decimal.Decimal, error) {
	bal, err := r.chain.TokenBalance(ctx, common.HexToAddress(pool.TokenAddress), common.HexToAddress(walletAddr))
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromBaseUnits(bal, r.cfg.Chain.AssetDecimals), nil
}

// PlaceBuy submits a limit buy: stablecoin escrowed to the mint address with
// the intent memo appended. The limit is the shaded oracle buy price plus a
// small premium, and the quantity is what the budget purchases at that limit.
func (r *OrderReconciler) PlaceBuy(ctx context.Context, pool domain.Pool, wallet *domain.Wallet, usdc decimal.Decimal) (*domain.Order, error) {
	if usdc.LessThan(r.minOrderValue()) {
		return nil, apperror.Validation("buy of " + usdc.StringFixed(2) + " USDC is below the minimum order value")
	}
	ok, err := r.lifecycle.EnsureGas(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.InsufficientFunds("wallet " + wallet.Address + " cannot cover gas")
	}

	buyPrice, err := r.oracle.BuyPrice(ctx, pool.Ticker)
	if err != nil {
		return nil, err
	}
	limit := buyPrice.Mul(buyPremium).Round(2)
	if !limit.IsPositive() {
		return nil, apperror.PriceUnavailable(pool.Ticker, nil)
	}
	quantity := usdc.Div(limit).Round(6)
	if !quantity.IsPositive() {
		return nil, apperror.Validation("buy quantity rounds to zero for " + pool.Ticker)
	}

	now := r.now()
	customerID := domain.NewCustomerID(domain.OrderSideBuy, now)
	memo := domain.Memo{
		CustomerID:   customerID,
		Type:         domain.OrderTypeLimit,
		Offer:        domain.ToBaseUnits(usdc, r.cfg.Chain.StableDecimals),
		Request:      domain.ToBaseUnits(quantity, r.cfg.Chain.AssetDecimals),
		TokenAddress: pool.TokenAddress,
		ExpiryDays:   r.cfg.Trading.OrderExpiryDays,
		DidID:        wallet.Address,
	}
	memoBytes, err := memo.Encode()
	if err != nil {
		return nil, err
	}

	key, err := r.lifecycle.WalletKey(wallet)
	if err != nil {
		return nil, err
	}
	stable := common.HexToAddress(r.cfg.Chain.StableAddress)
	txHash, err := r.submitter.Submit(ctx, ports.SubmitRequest{
		Key:    key,
		To:     common.HexToAddress(pool.MintAddress),
		Token:  &stable,
		Amount: memo.Offer,
		Memo:   memoBytes,
	})
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		OrderID:       customerID,
		WalletAddress: wallet.Address,
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeLimit,
		Asset:         pool.Ticker,
		USDCAmount:    usdc,
		Quantity:      quantity,
		LimitPrice:    limit,
		Status:        domain.OrderPending,
		TxHash:        txHash,
		CreatedAt:     now,
		ExpiresAt:     now.AddDate(0, 0, r.cfg.Trading.OrderExpiryDays),
	}
	if err := r.orders.Create(ctx, order); err != nil {
		return nil, apperror.DatabaseError(err)
	}
	if err := r.wallets.TouchLastTrade(ctx, wallet.Address); err != nil {
		r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("touch last trade failed")
	}

	r.log.Info().
		Str("order", customerID).
		Str("wallet", wallet.Address).
		Str("asset", pool.Ticker).
		Str("usdc", usdc.StringFixed(2)).
		Str("limit", limit.StringFixed(2)).
		Str("tx", txHash).
		Msg("buy placed")
	return order, nil
}

// PlaceSell submits a sell: the asset escrowed to the burn address. A nil
// limitOverride prices from the oracle; market sells carry the raw shaded
// sell price as a reference only. Liquidation mode and over-held positions
// force market execution.
func (r *OrderReconciler) PlaceSell(ctx context.Context, pool domain.Pool, wallet *domain.Wallet, quantity decimal.Decimal, orderType domain.OrderType, limitOverride *decimal.Decimal) (*domain.Order, error) {
	if r.cfg.Trading.LiquidationMode {
		orderType = domain.OrderTypeMarket
		// Sell whatever the wallet actually holds, not the book quantity.
		actual, err := r.assetBalance(ctx, pool, wallet.Address)
		if err != nil {
			return nil, err
		}
		if actual.IsPositive() {
			quantity = actual
		}
	}
	if !quantity.IsPositive() {
		return nil, apperror.Validation("sell quantity must be positive")
	}

	position, err := r.positions.GetByWallet(ctx, wallet.Address)
	if err != nil {
		return nil, err
	}
	if position != nil && position.HoldingDays(r.now()) >= r.cfg.Trading.MaxHoldDays {
		orderType = domain.OrderTypeMarket
	}

	var limit decimal.Decimal
	switch {
	case limitOverride != nil:
		limit = limitOverride.Round(2)
	default:
		sellPrice, err := r.oracle.SellPrice(ctx, pool.Ticker)
		if err != nil {
			return nil, err
		}
		if orderType == domain.OrderTypeMarket {
			limit = sellPrice.Round(2)
		} else {
			slippage := decimal.NewFromFloat(r.cfg.Trading.SellSlippage)
			limit = sellPrice.Mul(decimal.NewFromInt(1).Sub(slippage)).Round(2)
		}
	}
	if !limit.IsPositive() {
		return nil, apperror.PriceUnavailable(pool.Ticker, nil)
	}

	proceeds := quantity.Mul(limit).Round(2)
	if proceeds.LessThan(r.minOrderValue()) {
		return nil, apperror.Validation("sell of " + proceeds.StringFixed(2) + " USDC is below the minimum order value")
	}

	ok, err := r.lifecycle.EnsureGas(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.InsufficientFunds("wallet " + wallet.Address + " cannot cover gas")
	}

	now := r.now()
	customerID := domain.NewCustomerID(domain.OrderSideSell, now)
	memo := domain.Memo{
		CustomerID:   customerID,
		Type:         orderType,
		Offer:        domain.ToBaseUnits(quantity, r.cfg.Chain.AssetDecimals),
		Request:      domain.ToBaseUnits(proceeds, r.cfg.Chain.StableDecimals),
		TokenAddress: pool.TokenAddress,
		ExpiryDays:   r.cfg.Trading.OrderExpiryDays,
		DidID:        wallet.Address,
	}
	memoBytes, err := memo.Encode()
	if err != nil {
		return nil, err
	}

	key, err := r.lifecycle.WalletKey(wallet)
	if err != nil {
		return nil, err
	}
	token := common.HexToAddress(pool.TokenAddress)
	txHash, err := r.submitter.Submit(ctx, ports.SubmitRequest{
		Key:    key,
		To:     common.HexToAddress(pool.BurnAddress),
		Token:  &token,
		Amount: memo.Offer,
		Memo:   memoBytes,
	})
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		OrderID:       customerID,
		WalletAddress: wallet.Address,
		Side:          domain.OrderSideSell,
		Type:          orderType,
		Asset:         pool.Ticker,
		USDCAmount:    proceeds,
		Quantity:      quantity,
		LimitPrice:    limit,
		Status:        domain.OrderPending,
		TxHash:        txHash,
		CreatedAt:     now,
		ExpiresAt:     now.AddDate(0, 0, r.cfg.Trading.OrderExpiryDays),
	}
	if err := r.orders.Create(ctx, order); err != nil {
		return nil, apperror.DatabaseError(err)
	}
	if err := r.wallets.TouchLastTrade(ctx, wallet.Address); err != nil {
		r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("touch last trade failed")
	}

	r.log.Info().
		Str("order", customerID).
		Str("wallet", wallet.Address).
		Str("asset", pool.Ticker).
		Str("type", string(orderType)).
		Str("qty", quantity.String()).
		Str("limit", limit.StringFixed(2)).
		Str("tx", txHash).
		Msg("sell placed")
	return order, nil
}

// CheckConfirmations classifies every pending order from wallet balances.
// A buy fills when the asset shows up; a sell fills when stablecoin shows up.
// Refunds are only recognized after the order's expiry to avoid mistaking
// leftover funds for a refund. Per-order failures are logged and skipped so
// one bad order never stalls the rest.
func (r *OrderReconciler) CheckConfirmations(ctx context.Context, pools map[string]domain.Pool) {
	pending, err := r.orders.ListPending(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("listing pending orders")
		return
	}

	for i := range pending {
		order := pending[i]
		pool, ok := pools[order.Asset]
		if !ok {
			r.log.Warn().Str("order", order.OrderID).Str("asset", order.Asset).Msg("no pool for pending order")
			continue
		}
		if err := r.checkOrder(ctx, pool, &order); err != nil {
			r.log.Error().Err(err).Str("order", order.OrderID).Msg("confirmation check failed")
		}
	}
}

func (r *OrderReconciler) checkOrder(ctx context.Context, pool domain.Pool, order *domain.Order) error {
	wallet, err := r.wallets.GetByAddress(ctx, order.WalletAddress)
	if err != nil {
		return err
	}
	if wallet == nil {
		return apperror.NotFound("wallet " + order.WalletAddress)
	}

	assetBal, err := r.assetBalance(ctx, pool, order.WalletAddress)
	if err != nil {
		return err
	}
	stableBal, err := r.lifecycle.StableBalance(ctx, order.WalletAddress)
	if err != nil {
		return err
	}
	expired := r.now().After(order.ExpiresAt)

	// A returned balance only counts as a refund after expiry. The
	// counterparty refunds at expiry, so a stablecoin balance seen earlier
	// is a residue of the placement, not a refund; an early refund would
	// sit unrecognized until the order expires.
	switch order.Side {
	case domain.OrderSideBuy:
		if assetBal.GreaterThanOrEqual(dustAsset) {
			return r.handleBuyFill(ctx, pool, wallet, order, assetBal)
		}
		if expired && stableBal.GreaterThanOrEqual(dustStable) {
			return r.handleRefund(ctx, pool, wallet, order, stableBal)
		}
	case domain.OrderSideSell:
		if stableBal.GreaterThanOrEqual(dustStable) {
			return r.handleSellFill(ctx, pool, wallet, order)
		}
		if expired && assetBal.GreaterThanOrEqual(dustAsset) {
			return r.handleRefund(ctx, pool, wallet, order, assetBal)
		}
	}

	if expired {
		r.log.Warn().
			Str("order", order.OrderID).
			Str("side", string(order.Side)).
			Str("asset_balance", assetBal.String()).
			Str("stable_balance", stableBal.String()).
			Msg("expired order shows neither fill nor refund, leaving pending")
	}
	return nil
}

// handleBuyFill settles the buy on observed quantity, then immediately lists
// the position for sale at the profit target so a fast market move is not
// missed between cycles.
func (r *OrderReconciler) handleBuyFill(ctx context.Context, pool domain.Pool, wallet *domain.Wallet, order *domain.Order, actualQty decimal.Decimal) error {
	if err := r.accountant.SettleBuyFill(ctx, order, actualQty); err != nil {
		return err
	}

	effectivePrice := order.LimitPrice // rewritten by settlement
	minProfit := decimal.NewFromFloat(r.cfg.Trading.MinProfitPercent)
	target := effectivePrice.Mul(decimal.NewFromInt(1).Add(minProfit.Div(hundred)))

	if _, err := r.PlaceSell(ctx, pool, wallet, actualQty, domain.OrderTypeLimit, &target); err != nil {
		r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("immediate sell after buy fill failed, monitor will retry")
	}
	return nil
}

// handleSellFill settles the sell, then recycles or abandons the wallet
// depending on its loss streak. Outside liquidation the wallet is reassigned
// and buys again with its full balance right away.
func (r *OrderReconciler) handleSellFill(ctx context.Context, pool domain.Pool, wallet *domain.Wallet, order *domain.Order) error {
	outcome, err := r.accountant.SettleSellFill(ctx, wallet, order)
	if err != nil {
		return err
	}

	if outcome.Abandon {
		return r.lifecycle.Abandon(ctx, wallet)
	}
	if r.cfg.Trading.LiquidationMode {
		return nil
	}

	if err := r.lifecycle.Reuse(ctx, wallet, r.tickers(ctx)); err != nil {
		return err
	}
	balance, err := r.lifecycle.StableBalance(ctx, wallet.Address)
	if err != nil {
		return err
	}
	nextPool, ok := r.poolFor(ctx, wallet.AssignedAsset)
	if !ok {
		r.log.Warn().Str("asset", wallet.AssignedAsset).Msg("no pool for reassigned asset, skipping rebuy")
		return nil
	}
	if _, err := r.PlaceBuy(ctx, nextPool, wallet, balance); err != nil {
		r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("rebuy after sell fill failed")
	}
	return nil
}

// handleRefund marks the order expired. A refunded buy retries with the
// returned stablecoin; a refunded sell goes back out, forced to market when
// the position is over-held.
func (r *OrderReconciler) handleRefund(ctx context.Context, pool domain.Pool, wallet *domain.Wallet, order *domain.Order, refunded decimal.Decimal) error {
	if err := r.accountant.SettleRefund(ctx, order); err != nil {
		return err
	}
	if r.cfg.Trading.LiquidationMode && order.Side == domain.OrderSideBuy {
		return nil
	}

	switch order.Side {
	case domain.OrderSideBuy:
		if _, err := r.PlaceBuy(ctx, pool, wallet, refunded); err != nil {
			r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("retry after buy refund failed")
		}
	case domain.OrderSideSell:
		if _, err := r.PlaceSell(ctx, pool, wallet, refunded, order.Type, nil); err != nil {
			r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("retry after sell refund failed")
		}
	}
	return nil
}

// MonitorPositions lists positions for sale when the shaded sell price
// reaches the profit target, or unconditionally once the position is held
// past the maximum hold. Positions with a pending order are left alone.
func (r *OrderReconciler) MonitorPositions(ctx context.Context, pools map[string]domain.Pool) {
	positions, err := r.positions.List(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("listing positions")
		return
	}
	minProfit := decimal.NewFromFloat(r.cfg.Trading.MinProfitPercent)

	for i := range positions {
		position := positions[i]
		pendingHere, err := r.orders.ListPendingByWallet(ctx, position.WalletAddress)
		if err != nil {
			r.log.Error().Err(err).Str("wallet", position.WalletAddress).Msg("listing wallet orders")
			continue
		}
		if len(pendingHere) > 0 {
			continue
		}
		pool, ok := pools[position.Asset]
		if !ok {
			continue
		}
		wallet, err := r.wallets.GetByAddress(ctx, position.WalletAddress)
		if err != nil || wallet == nil {
			continue
		}

		overHeld := position.HoldingDays(r.now()) >= r.cfg.Trading.MaxHoldDays
		if overHeld {
			if _, err := r.PlaceSell(ctx, pool, wallet, position.Quantity, domain.OrderTypeMarket, nil); err != nil {
				r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("forced sell failed")
			}
			continue
		}

		sellPrice, err := r.oracle.SellPrice(ctx, pool.Ticker)
		if err != nil {
			r.log.Warn().Err(err).Str("asset", pool.Ticker).Msg("skipping position, no sell price")
			continue
		}
		target := position.AvgBuyPrice.Mul(decimal.NewFromInt(1).Add(minProfit.Div(hundred)))
		if sellPrice.GreaterThanOrEqual(target) {
			if _, err := r.PlaceSell(ctx, pool, wallet, position.Quantity, domain.OrderTypeLimit, nil); err != nil {
				r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("target sell failed")
			}
		}
	}
}

// InitialBuys starts trading on active wallets that have never placed an
// order: no position, nothing pending, and a balance worth deploying.
func (r *OrderReconciler) InitialBuys(ctx context.Context, pools map[string]domain.Pool) {
	if r.cfg.Trading.LiquidationMode {
		return
	}
	active, err := r.wallets.ListByStatus(ctx, domain.WalletActive)
	if err != nil {
		r.log.Error().Err(err).Msg("listing active wallets")
		return
	}

	for i := range active {
		wallet := active[i]
		pending, err := r.orders.ListPendingByWallet(ctx, wallet.Address)
		if err != nil || len(pending) > 0 {
			continue
		}
		position, err := r.positions.GetByWallet(ctx, wallet.Address)
		if err != nil || position != nil {
			continue
		}
		balance, err := r.lifecycle.StableBalance(ctx, wallet.Address)
		if err != nil || balance.LessThan(r.minOrderValue()) {
			continue
		}
		pool, ok := pools[wallet.AssignedAsset]
		if !ok {
			continue
		}
		if _, err := r.PlaceBuy(ctx, pool, &wallet, balance); err != nil {
			r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("initial buy failed")
		}
	}
}

// LiquidateAll cancels pending limit sells and market-sells every position.
// Pending buys are left to expire and refund on their own.
func (r *OrderReconciler) LiquidateAll(ctx context.Context, pools map[string]domain.Pool) {
	pending, err := r.orders.ListPending(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("listing pending orders")
		return
	}
	sellsPendingBy := make(map[string]bool)
	for i := range pending {
		order := pending[i]
		if order.Side != domain.OrderSideSell {
			continue
		}
		if order.Type == domain.OrderTypeLimit {
			if err := r.accountant.Cancel(ctx, &order); err != nil {
				r.log.Error().Err(err).Str("order", order.OrderID).Msg("cancel failed")
				sellsPendingBy[order.WalletAddress] = true
			}
		} else {
			sellsPendingBy[order.WalletAddress] = true
		}
	}

	positions, err := r.positions.List(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("listing positions")
		return
	}
	for i := range positions {
		position := positions[i]
		if sellsPendingBy[position.WalletAddress] {
			continue
		}
		pool, ok := pools[position.Asset]
		if !ok {
			continue
		}
		wallet, err := r.wallets.GetByAddress(ctx, position.WalletAddress)
		if err != nil || wallet == nil {
			continue
		}
		if _, err := r.PlaceSell(ctx, pool, wallet, position.Quantity, domain.OrderTypeMarket, nil); err != nil {
			r.log.Warn().Err(err).Str("wallet", wallet.Address).Msg("liquidation sell failed")
		}
	}
}

// CleanupEmptyWallets abandons idle active wallets whose balance fell below
// a tradable amount, returning their dust and gas to the vault.
func (r *OrderReconciler) CleanupEmptyWallets(ctx context.Context) {
	active, err := r.wallets.ListByStatus(ctx, domain.WalletActive)
	if err != nil {
		r.log.Error().Err(err).Msg("listing active wallets")
		return
	}

	for i := range active {
		wallet := active[i]
		pending, err := r.orders.ListPendingByWallet(ctx, wallet.Address)
		if err != nil || len(pending) > 0 {
			continue
		}
		position, err := r.positions.GetByWallet(ctx, wallet.Address)
		if err != nil || position != nil {
			continue
		}
		balance, err := r.lifecycle.StableBalance(ctx, wallet.Address)
		if err != nil || balance.GreaterThanOrEqual(r.minOrderValue()) {
			continue
		}
		r.log.Info().Str("wallet", wallet.Address).Str("balance", balance.String()).Msg("abandoning untradable wallet")
		if err := r.lifecycle.Abandon(ctx, &wallet); err != nil {
			r.log.Error().Err(err).Str("wallet", wallet.Address).Msg("cleanup abandon failed")
		}
	}
}

func (r *OrderReconciler) tickers(ctx context.Context) []string {
	if len(r.cfg.Trading.Tickers) > 0 {
		return r.cfg.Trading.Tickers
	}
	pools, err := r.oracle.Pools(ctx)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(pools))
	for ticker := range pools {
		out = append(out, ticker)
	}
	return out
}

func (r *OrderReconciler) poolFor(ctx context.Context, ticker string) (domain.Pool, bool) {
	pools, err := r.oracle.Pools(ctx)
	if err != nil {
		return domain.Pool{}, false
	}
	pool, ok := pools[ticker]
	return pool, ok
}
