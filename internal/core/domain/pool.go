package domain

import "github.com/shopspring/decimal"

// Pool describes a tradable synthetic asset as published by the oracle.
// MintAddress receives buy-side transfers, BurnAddress sell-side ones.
type Pool struct {
	PoolID       string
	Ticker       string
	TokenAddress string
	MintAddress  string
	BurnAddress  string
}

// Quote is a directional price from the oracle with its slippage margin
// already applied.
type Quote struct {
	Ticker string
	Price  decimal.Decimal
}
