package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
	"github.com/SharesDAO/DCA-Trader/pkg/erc20"
)

// TransferEvent describes one executed transfer inside the simulator.
type TransferEvent struct {
	From   common.Address
	To     common.Address
	Token  *common.Address // nil for native
	Amount *big.Int
	Memo   []byte
}

// Simulated is an in-memory ChainClient for dry runs and tests. Transfers
// execute instantly and receipts are always successful. An optional
// OnTransfer hook lets the dry-run wiring play the settlement counterparty.
type Simulated struct {
	mu       sync.Mutex
	chainID  *big.Int
	block    uint64
	native   map[common.Address]*big.Int
	tokens   map[common.Address]map[common.Address]*big.Int
	decimals map[common.Address]uint8
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt

	// OnTransfer runs synchronously after each executed transfer, outside
	// the client lock so the hook may mutate balances.
	OnTransfer func(ev TransferEvent)
}

// NewSimulated builds an empty simulator for the given chain id.
func NewSimulated(chainID int64) *Simulated {
	return &Simulated{
		chainID:  big.NewInt(chainID),
		native:   make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]map[common.Address]*big.Int),
		decimals: make(map[common.Address]uint8),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// SetNativeBalance seeds an account's native balance.
func (s *Simulated) SetNativeBalance(addr common.Address, bal *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.native[addr] = new(big.Int).Set(bal)
}

// SetTokenBalance seeds an account's token balance.
func (s *Simulated) SetTokenBalance(token, addr common.Address, bal *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenMap(token)[addr] = new(big.Int).Set(bal)
}

// SetDecimals registers a token's decimals.
func (s *Simulated) SetDecimals(token common.Address, dec uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decimals[token] = dec
}

func (s *Simulated) tokenMap(token common.Address) map[common.Address]*big.Int {
	m, ok := s.tokens[token]
	if !ok {
		m = make(map[common.Address]*big.Int)
		s.tokens[token] = m
	}
	return m
}

func (s *Simulated) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

func (s *Simulated) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.native[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (s *Simulated) TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.tokenMap(token)[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (s *Simulated) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dec, ok := s.decimals[token]; ok {
		return dec, nil
	}
	return 18, nil
}

func (s *Simulated) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[addr], nil
}

func (s *Simulated) LatestHeader(ctx context.Context) (*types.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block++
	return &types.Header{
		Number:  new(big.Int).SetUint64(s.block),
		BaseFee: big.NewInt(1_000_000_000), // 1 gwei
	}, nil
}

func (s *Simulated) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_500_000_000), nil
}

func (s *Simulated) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (s *Simulated) EstimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, error) {
	return 60_000, nil
}

// SendTransaction executes the transfer against in-memory balances. Gas is
// not charged; funding math stays exact for assertions.
func (s *Simulated) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	signer := types.LatestSignerForChainID(s.chainID)
	from, err := types.Sender(signer, tx)
	if err != nil {
		return apperror.Validation(fmt.Sprintf("recovering sender: %v", err))
	}

	var ev TransferEvent

	s.mu.Lock()
	if tx.Nonce() != s.nonces[from] {
		s.mu.Unlock()
		return apperror.NonceConflict(fmt.Errorf("nonce too low: want %d got %d", s.nonces[from], tx.Nonce()))
	}

	data := tx.Data()
	if erc20.IsTransfer(data) {
		token := *tx.To()
		to, value, uerr := erc20.UnpackTransfer(data)
		if uerr != nil {
			s.mu.Unlock()
			return apperror.Validation(uerr.Error())
		}
		balances := s.tokenMap(token)
		bal, ok := balances[from]
		if !ok || bal.Cmp(value) < 0 {
			s.mu.Unlock()
			return apperror.InsufficientFunds("insufficient token balance")
		}
		balances[from] = new(big.Int).Sub(bal, value)
		recv := balances[to]
		if recv == nil {
			recv = big.NewInt(0)
		}
		balances[to] = new(big.Int).Add(recv, value)
		ev = TransferEvent{From: from, To: to, Token: &token, Amount: value}
		if len(data) > erc20.TransferDataLen {
			ev.Memo = append([]byte(nil), data[erc20.TransferDataLen:]...)
		}
	} else {
		to := *tx.To()
		bal := s.native[from]
		if bal == nil || bal.Cmp(tx.Value()) < 0 {
			s.mu.Unlock()
			return apperror.InsufficientFunds("insufficient native balance")
		}
		s.native[from] = new(big.Int).Sub(bal, tx.Value())
		recv := s.native[to]
		if recv == nil {
			recv = big.NewInt(0)
		}
		s.native[to] = new(big.Int).Add(recv, tx.Value())
		ev = TransferEvent{From: from, To: to, Amount: tx.Value()}
	}

	s.nonces[from]++
	s.block++
	s.receipts[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(s.block),
	}
	hook := s.OnTransfer
	s.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	return nil
}

func (s *Simulated) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rcpt, ok := s.receipts[txHash]; ok {
		return rcpt, nil
	}
	return nil, apperror.NotFound("receipt")
}
