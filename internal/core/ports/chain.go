package ports

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the RPC surface the trader needs. Two implementations
// exist: a real one over ethclient and a simulated one for dry runs and
// tests; business logic never branches on which is in use.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	LatestHeader(ctx context.Context) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
