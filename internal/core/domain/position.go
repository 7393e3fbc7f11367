package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the single open holding of a wallet. At most one exists per
// wallet; it is deleted when a sell fill empties it.
type Position struct {
	WalletAddress string
	Asset         string
	Quantity      decimal.Decimal
	AvgBuyPrice   decimal.Decimal
	TotalCostUSDC decimal.Decimal
	FirstBuyDate  time.Time
}

// Merge folds a subsequent buy fill into the position with a weighted average
// cost basis. FirstBuyDate never changes; it anchors the hold-duration clock.
func (p *Position) Merge(quantity, price, costUSDC decimal.Decimal) {
	p.TotalCostUSDC = p.TotalCostUSDC.Add(costUSDC)
	p.Quantity = p.Quantity.Add(quantity)
	if p.Quantity.IsPositive() {
		p.AvgBuyPrice = p.TotalCostUSDC.Div(p.Quantity)
	} else {
		p.AvgBuyPrice = price
	}
}

// HoldingDays returns whole days elapsed since the first buy.
func (p *Position) HoldingDays(now time.Time) int {
	return int(now.Sub(p.FirstBuyDate).Hours() / 24)
}

// RealizedPnL computes profit against the cost basis for a sale of the full
// quantity at the given proceeds.
func (p *Position) RealizedPnL(proceedsUSDC decimal.Decimal) decimal.Decimal {
	return proceedsUSDC.Sub(p.TotalCostUSDC)
}
