package ports

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
)

// PriceOracle supplies tradable pools and directional prices with the
// configured slippage margin applied. An unavailable price returns a
// PRICE_UNAVAILABLE error; callers skip the dependent trade for the cycle.
type PriceOracle interface {
	Pools(ctx context.Context) (map[string]domain.Pool, error)
	BuyPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
	SellPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// QuoteCache is a best-effort cache in front of the oracle. A miss returns
// (nil, nil); cache failures must degrade to the backing oracle, not fail
// the lookup.
type QuoteCache interface {
	Get(ctx context.Context, key string) (*domain.Quote, error)
	Set(ctx context.Context, key string, quote *domain.Quote) error
}

// KeyCipher encrypts wallet private keys at rest.
type KeyCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// NonceSource serializes nonce assignment per address.
type NonceSource interface {
	Allocate(ctx context.Context, address common.Address) (uint64, error)
	Invalidate(address common.Address)
}

// SubmitRequest describes one transfer-with-memo to broadcast. A nil Token
// sends native value instead of an ERC-20 transfer.
type SubmitRequest struct {
	Key    *ecdsa.PrivateKey
	To     common.Address
	Token  *common.Address
	Amount *big.Int
	Memo   []byte
}

// Submitter builds, prices, signs, broadcasts and awaits confirmation of a
// single transfer. Nonce conflicts are retried internally with cache
// invalidation; other failures return kinded errors.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (txHash string, err error)
}
