package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
	"github.com/SharesDAO/DCA-Trader/pkg/erc20"
)

const (
	fallbackTipWei   = 1_500_000_000 // 1.5 gwei when the node gives no suggestion
	fallbackGasLimit = 150_000
	maxSubmitTries   = 3
)

// TxSubmitter builds, prices, signs, broadcasts and awaits confirmation of a
// single transfer-with-memo. Fee pricing is EIP-1559 when the chain exposes
// a base fee, legacy otherwise.
type TxSubmitter struct {
	chain   ports.ChainClient
	nonces  ports.NonceSource
	chainID *big.Int
	log     zerolog.Logger

	receiptTimeout time.Duration
	receiptPoll    time.Duration
	retryDelay     time.Duration
}

// NewTxSubmitter creates a TxSubmitter for the given chain id.
func NewTxSubmitter(chain ports.ChainClient, nonces ports.NonceSource, chainID int64, log zerolog.Logger) *TxSubmitter {
	return &TxSubmitter{
		chain:          chain,
		nonces:         nonces,
		chainID:        big.NewInt(chainID),
		log:            log.With().Str("component", "tx_submitter").Logger(),
		receiptTimeout: 300 * time.Second,
		receiptPoll:    time.Second,
		retryDelay:     2 * time.Second,
	}
}

// Submit broadcasts the transfer and waits for its receipt. Nonce conflicts
// are retried up to maxSubmitTries with the nonce cache invalidated between
// attempts; every other failure returns immediately with its kind.
func (s *TxSubmitter) Submit(ctx context.Context, req ports.SubmitRequest) (string, error) {
	from := crypto.PubkeyToAddress(req.Key.PublicKey)

	var lastErr error
	for attempt := 1; attempt <= maxSubmitTries; attempt++ {
		hash, err := s.attempt(ctx, req)
		if err == nil {
			return hash, nil
		}
		lastErr = err
		if !apperror.IsKind(err, apperror.KindNonceConflict) {
			return "", err
		}
		s.nonces.Invalidate(from)
		s.log.Warn().
			Err(err).
			Str("from", from.Hex()).
			Int("attempt", attempt).
			Msg("nonce conflict, retrying submit")
		if attempt < maxSubmitTries {
			if err := sleepCtx(ctx, s.retryDelay); err != nil {
				return "", apperror.NetworkError("submit interrupted", err)
			}
		}
	}
	return "", lastErr
}

func (s *TxSubmitter) attempt(ctx context.Context, req ports.SubmitRequest) (string, error) {
	from := crypto.PubkeyToAddress(req.Key.PublicKey)

	nonce, err := s.nonces.Allocate(ctx, from)
	if err != nil {
		return "", err
	}

	// Token transfers carry the memo appended after the standard encoding;
	// native transfers move value with the memo (if any) as raw data.
	to := req.To
	value := big.NewInt(0)
	var data []byte
	if req.Token != nil {
		transfer, err := erc20.TransferData(req.To, req.Amount)
		if err != nil {
			return "", apperror.InternalError(err)
		}
		data = append(transfer, req.Memo...)
		to = *req.Token
	} else {
		value = req.Amount
		data = req.Memo
	}

	gasLimit := s.gasLimit(ctx, from, to, value, data)

	header, err := s.chain.LatestHeader(ctx)
	if err != nil {
		return "", err
	}

	var tx *types.Transaction
	if header.BaseFee != nil {
		tip, err := s.chain.SuggestGasTipCap(ctx)
		if err != nil {
			tip = big.NewInt(fallbackTipWei)
		}
		// feeCap = 2*base + tip absorbs base-fee growth over several blocks
		feeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			To:        &to,
			Value:     value,
			Gas:       gasLimit,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Data:      data,
		})
	} else {
		gasPrice, err := s.chain.SuggestGasPrice(ctx)
		if err != nil {
			return "", err
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), req.Key)
	if err != nil {
		return "", apperror.InternalError(err)
	}

	if err := s.chain.SendTransaction(ctx, signed); err != nil {
		return "", err
	}

	hash := signed.Hash()
	s.log.Info().
		Str("tx", hash.Hex()).
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Uint64("nonce", nonce).
		Msg("transaction broadcast")

	if err := s.waitReceipt(ctx, hash.Hex()); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// gasLimit estimates gas with a 1.3x buffer, substituting a conservative
// constant when estimation fails.
func (s *TxSubmitter) gasLimit(ctx context.Context, from, to common.Address, value *big.Int, data []byte) uint64 {
	est, err := s.chain.EstimateGas(ctx, from, to, value, data)
	if err != nil {
		s.log.Warn().Err(err).Msg("gas estimation failed, using fallback limit")
		return fallbackGasLimit
	}
	return est * 13 / 10
}

func (s *TxSubmitter) waitReceipt(ctx context.Context, hash string) error {
	deadline := time.Now().Add(s.receiptTimeout)
	h := common.HexToHash(hash)
	for {
		rcpt, err := s.chain.TransactionReceipt(ctx, h)
		if err == nil {
			if rcpt.Status != types.ReceiptStatusSuccessful {
				return apperror.TxReverted(hash)
			}
			return nil
		}
		kind := apperror.KindOf(err)
		if kind != apperror.KindNotFound && kind != apperror.KindNetwork {
			return err
		}
		if time.Now().After(deadline) {
			return apperror.NetworkError(fmt.Sprintf("timed out waiting for receipt of %s", hash), nil)
		}
		if err := sleepCtx(ctx, s.receiptPoll); err != nil {
			return apperror.NetworkError("receipt wait interrupted", err)
		}
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
