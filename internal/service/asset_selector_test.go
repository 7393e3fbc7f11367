package service

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
)

func TestAllocationWeight(t *testing.T) {
	assert.Equal(t, 10, allocationWeight(10, 0))
	assert.Equal(t, 8, allocationWeight(10, 1))
	assert.Equal(t, 2, allocationWeight(10, 4))
	assert.Equal(t, 1, allocationWeight(10, 5), "floor at 1")
	assert.Equal(t, 1, allocationWeight(10, 9))
}

func TestAssetSelector_RejectsEmptyTickers(t *testing.T) {
	selector := NewAssetSelector(newMemWalletRepo(), rand.New(rand.NewSource(1)), zerolog.Nop())
	_, err := selector.Select(context.Background(), nil)
	require.Error(t, err)
}

func TestAssetSelector_BalancesAcrossTickers(t *testing.T) {
	wallets := newMemWalletRepo()
	selector := NewAssetSelector(wallets, rand.New(rand.NewSource(7)), zerolog.Nop())
	tickers := []string{"TSLA", "AAPL"}

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		asset, err := selector.Select(context.Background(), tickers)
		require.NoError(t, err)
		counts[asset]++
		w := &domain.Wallet{
			Address:       string(rune('a' + i)),
			AssignedAsset: asset,
			Status:        domain.WalletActive,
		}
		require.NoError(t, wallets.Create(context.Background(), w))
	}

	// The weighting pushes toward an even split as the pool grows.
	assert.InDelta(t, 5, counts["AAPL"], 2)
	assert.InDelta(t, 5, counts["TSLA"], 2)
}

func TestAssetSelector_FavorsUnderRepresented(t *testing.T) {
	wallets := newMemWalletRepo()
	// All 5 current wallets hold AAPL, so its weight collapses to the floor.
	for i := 0; i < 5; i++ {
		require.NoError(t, wallets.Create(context.Background(), &domain.Wallet{
			Address:       string(rune('a' + i)),
			AssignedAsset: "AAPL",
			Status:        domain.WalletActive,
		}))
	}
	selector := NewAssetSelector(wallets, rand.New(rand.NewSource(3)), zerolog.Nop())

	tsla := 0
	for i := 0; i < 100; i++ {
		asset, err := selector.Select(context.Background(), []string{"AAPL", "TSLA"})
		require.NoError(t, err)
		if asset == "TSLA" {
			tsla++
		}
	}
	// TSLA weight 5 vs AAPL weight 1 over 5 current wallets; expect about
	// 5 of every 6 picks.
	assert.Greater(t, tsla, 65)
}
