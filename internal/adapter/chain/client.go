package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
	"github.com/SharesDAO/DCA-Trader/pkg/erc20"
	"github.com/SharesDAO/DCA-Trader/pkg/retry"
)

// Client implements ports.ChainClient over a JSON-RPC node. All node errors
// are classified into kinds here so callers never match on error text.
// Balance and metadata reads absorb transient node failures with a bounded
// retry; one flaky RPC response must not skip a reconciliation pass.
type Client struct {
	ec *ethclient.Client

	readAttempts int
	readDelay    time.Duration
}

// Dial connects to the node at rpcURL.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperror.NetworkError("dialing rpc node", err)
	}
	return &Client{ec: ec, readAttempts: 3, readDelay: time.Second}, nil
}

func isTransient(err error) bool {
	return apperror.IsKind(err, apperror.KindNetwork)
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.ec.Close()
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.ec.ChainID(ctx)
	if err != nil {
		return nil, apperror.ClassifyRPC(err)
	}
	return id, nil
}

func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := retry.Do(ctx, c.readAttempts, c.readDelay, isTransient, func() error {
		b, err := c.ec.BalanceAt(ctx, addr, nil)
		if err != nil {
			return apperror.ClassifyRPC(err)
		}
		bal = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (c *Client) TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	data, err := erc20.BalanceOfData(addr)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	var out []byte
	err = retry.Do(ctx, c.readAttempts, c.readDelay, isTransient, func() error {
		o, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return apperror.ClassifyRPC(err)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	bal, err := erc20.UnpackBalance(out)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	return bal, nil
}

func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := erc20.DecimalsData()
	if err != nil {
		return 0, apperror.InternalError(err)
	}
	var out []byte
	err = retry.Do(ctx, c.readAttempts, c.readDelay, isTransient, func() error {
		o, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return apperror.ClassifyRPC(err)
		}
		out = o
		return nil
	})
	if err != nil {
		return 0, err
	}
	dec, err := erc20.UnpackDecimals(out)
	if err != nil {
		return 0, apperror.InternalError(err)
	}
	return dec, nil
}

func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	n, err := c.ec.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, apperror.ClassifyRPC(err)
	}
	return n, nil
}

func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	h, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, apperror.ClassifyRPC(err)
	}
	return h, nil
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, apperror.ClassifyRPC(err)
	}
	return tip, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, apperror.ClassifyRPC(err)
	}
	return price, nil
}

func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error) {
	gas, err := c.ec.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return 0, apperror.ClassifyRPC(err)
	}
	return gas, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.ec.SendTransaction(ctx, tx); err != nil {
		return apperror.ClassifyRPC(err)
	}
	return nil
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	rcpt, err := c.ec.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, apperror.NotFound("receipt")
		}
		return nil, apperror.ClassifyRPC(err)
	}
	return rcpt, nil
}
