// Package orchestrator drives the trading cycle. Everything runs on one
// goroutine: pool refresh, wallet upkeep, order placement and confirmation
// checks happen sequentially, so no two code paths ever race for a wallet's
// balance or nonce.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/config"
	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
)

// WalletMaintainer is the wallet upkeep surface the loop drives each cycle.
type WalletMaintainer interface {
	RetryPendingFunding(ctx context.Context) ([]domain.Wallet, error)
	CanCreateWallet(ctx context.Context) (bool, error)
	CreateWallet(ctx context.Context, tickers []string) (*domain.Wallet, error)
	SweepToVault(ctx context.Context) (int, decimal.Decimal, error)
}

// Trader is the order placement and reconciliation surface.
type Trader interface {
	InitialBuys(ctx context.Context, pools map[string]domain.Pool)
	CheckConfirmations(ctx context.Context, pools map[string]domain.Pool)
	MonitorPositions(ctx context.Context, pools map[string]domain.Pool)
	CleanupEmptyWallets(ctx context.Context)
	LiquidateAll(ctx context.Context, pools map[string]domain.Pool)
}

// StatusReporter emits the periodic status line.
type StatusReporter interface {
	LogStatus(ctx context.Context)
}

// Loop owns the cycle cadence. A failed step is logged and the cycle moves
// on; only context cancellation stops the loop.
type Loop struct {
	oracle     ports.PriceOracle
	wallets    ports.WalletRepository
	orders     ports.OrderRepository
	positions  ports.PositionRepository
	lifecycle  WalletMaintainer
	reconciler Trader
	reporter   StatusReporter
	cfg        *config.Config
	log        zerolog.Logger

	cycles int
}

func New(
	oracle ports.PriceOracle,
	wallets ports.WalletRepository,
	orders ports.OrderRepository,
	positions ports.PositionRepository,
	lifecycle WalletMaintainer,
	reconciler Trader,
	reporter StatusReporter,
	cfg *config.Config,
	log zerolog.Logger,
) *Loop {
	return &Loop{
		oracle:     oracle,
		wallets:    wallets,
		orders:     orders,
		positions:  positions,
		lifecycle:  lifecycle,
		reconciler: reconciler,
		reporter:   reporter,
		cfg:        cfg,
		log:        log.With().Str("component", "orchestrator").Logger(),
	}
}

// Run executes cycles until ctx is cancelled. The between-cycle sleep wakes
// every second so shutdown never waits out a full interval.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info().
		Dur("interval", l.cfg.Monitor.CycleInterval).
		Bool("liquidation", l.cfg.Trading.LiquidationMode).
		Msg("trading loop started")

	for {
		l.RunCycle(ctx)

		deadline := time.Now().Add(l.cfg.Monitor.CycleInterval)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				l.log.Info().Msg("trading loop stopped")
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// RunCycle executes one full pass. Exported so tests drive cycles directly.
func (l *Loop) RunCycle(ctx context.Context) {
	l.cycles++

	pools, err := l.oracle.Pools(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("pool refresh failed, skipping cycle")
		return
	}
	if len(pools) == 0 {
		l.log.Warn().Msg("oracle returned no pools, skipping cycle")
		return
	}

	if l.cfg.Trading.LiquidationMode {
		l.liquidationCycle(ctx, pools)
	} else {
		l.tradingCycle(ctx, pools)
	}

	if l.cfg.Monitor.StatusEveryCycles > 0 && l.cycles%l.cfg.Monitor.StatusEveryCycles == 0 {
		l.reporter.LogStatus(ctx)
	}
}

func (l *Loop) tradingCycle(ctx context.Context, pools map[string]domain.Pool) {
	tickers := l.tradableTickers(pools)

	// Recover half-funded wallets before considering new ones.
	if _, err := l.lifecycle.RetryPendingFunding(ctx); err != nil {
		l.log.Error().Err(err).Msg("pending funding retry failed")
	}
	l.maybeCreateWallet(ctx, tickers)

	l.reconciler.InitialBuys(ctx, pools)
	l.reconciler.CheckConfirmations(ctx, pools)
	l.reconciler.MonitorPositions(ctx, pools)
	l.reconciler.CleanupEmptyWallets(ctx)
}

// liquidationCycle winds the system down: no new wallets or buys, positions
// are market-sold, and once nothing is pending the balances sweep home.
func (l *Loop) liquidationCycle(ctx context.Context, pools map[string]domain.Pool) {
	l.reconciler.CheckConfirmations(ctx, pools)
	l.reconciler.LiquidateAll(ctx, pools)

	pending, err := l.orders.ListPending(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("listing pending orders")
		return
	}
	positions, err := l.positions.List(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("listing positions")
		return
	}
	if len(pending) == 0 && len(positions) == 0 {
		if _, _, err := l.lifecycle.SweepToVault(ctx); err != nil {
			l.log.Error().Err(err).Msg("sweep failed")
		}
	}
}

// maybeCreateWallet adds one wallet per cycle, and only while no wallet is
// stuck mid-funding, so funding problems surface before capital spreads.
func (l *Loop) maybeCreateWallet(ctx context.Context, tickers []string) {
	if len(tickers) == 0 {
		return
	}
	pending, err := l.wallets.ListByStatus(ctx, domain.WalletPendingFunding)
	if err != nil {
		l.log.Error().Err(err).Msg("listing pending wallets")
		return
	}
	if len(pending) > 0 {
		return
	}
	ok, err := l.lifecycle.CanCreateWallet(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("wallet creation check failed")
		return
	}
	if !ok {
		return
	}
	if _, err := l.lifecycle.CreateWallet(ctx, tickers); err != nil {
		l.log.Error().Err(err).Msg("wallet creation failed")
	}
}

func (l *Loop) tradableTickers(pools map[string]domain.Pool) []string {
	if len(l.cfg.Trading.Tickers) > 0 {
		return l.cfg.Trading.Tickers
	}
	out := make([]string, 0, len(pools))
	for ticker := range pools {
		out = append(out, ticker)
	}
	return out
}
