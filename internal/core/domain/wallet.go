package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletStatus is the wallet lifecycle state.
type WalletStatus string

const (
	// WalletPendingFunding means the keypair is persisted but vault funding
	// has not completed. No orders may be placed.
	WalletPendingFunding WalletStatus = "PENDING_FUNDING"
	// WalletActive means both funding legs completed and the wallet trades.
	WalletActive WalletStatus = "ACTIVE"
	// WalletAbandoned is terminal. Funds were swept back to the vault.
	WalletAbandoned WalletStatus = "ABANDONED"
)

// Wallet is a disposable trading wallet funded from the vault.
// The private key is stored encrypted and decrypted only for signing.
type Wallet struct {
	Address       string
	EncryptedKey  string
	ChainID       int64
	AssignedAsset string
	Status        WalletStatus
	// FundingTarget is the stablecoin allocation drawn at creation. Funding
	// retries compare against this stored value, never a fresh draw, so a
	// wallet that was already funded is not funded twice.
	FundingTarget decimal.Decimal
	LossCount     int
	CreatedAt     time.Time
	LastTradeAt   *time.Time
}

// CanTrade reports whether the wallet may receive new orders.
func (w *Wallet) CanTrade() bool {
	return w.Status == WalletActive
}
