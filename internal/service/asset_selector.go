package service

import (
	"context"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// AssetSelector assigns tickers to wallets with a weighted random pick that
// favors under-represented assets across the wallet pool.
type AssetSelector struct {
	wallets ports.WalletRepository
	rng     *rand.Rand
	log     zerolog.Logger
}

// NewAssetSelector creates an AssetSelector. rng is injected so tests can
// seed it.
func NewAssetSelector(wallets ports.WalletRepository, rng *rand.Rand, log zerolog.Logger) *AssetSelector {
	return &AssetSelector{
		wallets: wallets,
		rng:     rng,
		log:     log.With().Str("component", "asset_selector").Logger(),
	}
}

// allocationWeight favors tickers with fewer current holders. A ticker held
// by half the pool still gets the minimum weight of 1.
func allocationWeight(totalWallets, currentCount int) int {
	w := totalWallets - 2*currentCount
	if w < 1 {
		return 1
	}
	return w
}

// Select picks a ticker for a new or reused wallet.
func (s *AssetSelector) Select(ctx context.Context, tickers []string) (string, error) {
	if len(tickers) == 0 {
		return "", apperror.Validation("no tickers available for assignment")
	}

	counts, err := s.wallets.CountByAsset(ctx)
	if err != nil {
		return "", apperror.DatabaseError(err)
	}

	// Weights scale with the pool as it actually exists right now, so a
	// ramp-up with two wallets does not weight as if all were funded.
	currentWallets := 0
	for _, n := range counts {
		currentWallets += n
	}

	sorted := append([]string(nil), tickers...)
	sort.Strings(sorted)

	weights := make([]int, len(sorted))
	total := 0
	for i, ticker := range sorted {
		weights[i] = allocationWeight(currentWallets, counts[ticker])
		total += weights[i]
	}

	pick := s.rng.Intn(total)
	for i, w := range weights {
		if pick < w {
			s.log.Debug().Str("ticker", sorted[i]).Int("weight", w).Msg("asset assigned")
			return sorted[i], nil
		}
		pick -= w
	}
	return sorted[len(sorted)-1], nil
}
