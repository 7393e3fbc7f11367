package service

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
)

func TestWalletLifecycle_CreateWalletFundsAndActivates(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	w, err := rig.lifecycle.CreateWallet(ctx, rig.cfg.Trading.Tickers)
	require.NoError(t, err)
	assert.Equal(t, domain.WalletActive, w.Status)
	assert.Contains(t, rig.cfg.Trading.Tickers, w.AssignedAsset)

	stable, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	min := decimal.NewFromFloat(rig.cfg.Trading.MinUSDPerWallet)
	max := decimal.NewFromFloat(rig.cfg.Trading.MaxUSDPerWallet)
	assert.True(t, stable.GreaterThanOrEqual(min), "funded %s, want >= %s", stable, min)
	assert.True(t, stable.LessThanOrEqual(max), "funded %s, want <= %s", stable, max)

	native, err := rig.lifecycle.NativeBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, native.Equal(decimal.NewFromFloat(rig.cfg.Wallets.GasAllocation)))

	// The stored key round-trips through the cipher and matches the address.
	key, err := rig.lifecycle.WalletKey(w)
	require.NoError(t, err)
	require.NotNil(t, key)
}

func TestWalletLifecycle_FundingLegSkippedWhenHalfFunded(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	w, err := rig.lifecycle.CreateWallet(ctx, rig.cfg.Trading.Tickers)
	require.NoError(t, err)
	before, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)

	// Re-running funding must not double up an already funded wallet.
	require.NoError(t, rig.lifecycle.FundWallet(ctx, w))
	after, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, after.Equal(before), "before %s after %s", before, after)
}

func TestWalletLifecycle_FundingRetryUsesStoredTarget(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	w, err := rig.lifecycle.CreateWallet(ctx, rig.cfg.Trading.Tickers)
	require.NoError(t, err)
	funded, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, funded.Equal(w.FundingTarget), "funded %s, target %s", funded, w.FundingTarget)

	// A wallet stuck in PENDING_FUNDING after a crash is retried from the
	// persisted record. The allocation drawn at creation must be what the
	// skip check compares against, or a fully funded wallet gets a second
	// transfer against a fresh random target.
	require.NoError(t, rig.wallets.UpdateStatus(ctx, w.Address, domain.WalletPendingFunding))
	activated, err := rig.lifecycle.RetryPendingFunding(ctx)
	require.NoError(t, err)
	require.Len(t, activated, 1)

	// Further passes on the persisted record stay no-ops.
	stored, err := rig.wallets.GetByAddress(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, stored.FundingTarget.Equal(w.FundingTarget))
	require.NoError(t, rig.lifecycle.FundWallet(ctx, stored))
	require.NoError(t, rig.lifecycle.FundWallet(ctx, stored))

	after, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, after.Equal(funded), "funded %s after retries %s", funded, after)
	assert.Equal(t, domain.WalletActive, stored.Status)
}

func TestWalletLifecycle_EnsureGasTopsUpAndIsIdempotent(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	w, err := rig.lifecycle.CreateWallet(ctx, rig.cfg.Trading.Tickers)
	require.NoError(t, err)

	// Fully funded wallet needs nothing.
	ok, err := rig.lifecycle.EnsureGas(ctx, w)
	require.NoError(t, err)
	assert.True(t, ok)
	before, err := rig.lifecycle.NativeBalance(ctx, w.Address)
	require.NoError(t, err)

	ok, err = rig.lifecycle.EnsureGas(ctx, w)
	require.NoError(t, err)
	assert.True(t, ok)
	after, err := rig.lifecycle.NativeBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, after.Equal(before))
}

func TestWalletLifecycle_EnsureGasRespectsVaultReserve(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	w, err := rig.lifecycle.CreateWallet(ctx, rig.cfg.Trading.Tickers)
	require.NoError(t, err)

	// Drain the wallet's gas and the vault below its reserve.
	rig.sim.SetNativeBalance(commonHex(w.Address), big.NewInt(0))
	rig.sim.SetNativeBalance(commonHex(rig.vault), big.NewInt(0))

	ok, err := rig.lifecycle.EnsureGas(ctx, w)
	require.NoError(t, err)
	assert.False(t, ok, "top-up must be refused when the vault reserve would be breached")
}

func TestWalletLifecycle_AbandonSweepsToVault(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	w, err := rig.lifecycle.CreateWallet(ctx, rig.cfg.Trading.Tickers)
	require.NoError(t, err)
	funded, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	vaultBefore, err := rig.lifecycle.StableBalance(ctx, rig.vault)
	require.NoError(t, err)

	require.NoError(t, rig.lifecycle.Abandon(ctx, w))
	assert.Equal(t, domain.WalletAbandoned, w.Status)

	remaining, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, remaining.IsZero(), "stablecoin left behind: %s", remaining)

	vaultAfter, err := rig.lifecycle.StableBalance(ctx, rig.vault)
	require.NoError(t, err)
	assert.True(t, vaultAfter.Equal(vaultBefore.Add(funded)))

	native, err := rig.lifecycle.NativeBalance(ctx, w.Address)
	require.NoError(t, err)
	reserve := decimal.NewFromFloat(rig.cfg.Wallets.GasReserve)
	assert.True(t, native.LessThanOrEqual(reserve))
}

func TestWalletLifecycle_ReuseReassignsAndTopsUp(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	w, err := rig.lifecycle.CreateWallet(ctx, rig.cfg.Trading.Tickers)
	require.NoError(t, err)

	// Simulate trade proceeds below the minimum.
	rig.sim.SetTokenBalance(commonHex(rig.stable), commonHex(w.Address), bigUSDC("3.00"))

	require.NoError(t, rig.lifecycle.Reuse(ctx, w, rig.cfg.Trading.Tickers))

	balance, err := rig.lifecycle.StableBalance(ctx, w.Address)
	require.NoError(t, err)
	min := decimal.NewFromFloat(rig.cfg.Trading.MinUSDPerWallet)
	assert.True(t, balance.GreaterThanOrEqual(min), "topped to %s, want >= %s", balance, min)

	stored, err := rig.wallets.GetByAddress(ctx, w.Address)
	require.NoError(t, err)
	assert.Equal(t, w.AssignedAsset, stored.AssignedAsset)
}

func TestWalletLifecycle_CanCreateWallet(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	ok, err := rig.lifecycle.CanCreateWallet(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Drain the vault's stablecoin; creation must stop.
	rig.sim.SetTokenBalance(commonHex(rig.stable), commonHex(rig.vault), big.NewInt(0))
	ok, err = rig.lifecycle.CanCreateWallet(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
