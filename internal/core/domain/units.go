package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human-readable amount to the token's smallest units,
// truncating any precision below one base unit.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts smallest units back to a human-readable amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -decimals)
}
