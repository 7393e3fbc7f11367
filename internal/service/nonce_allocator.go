package service

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
)

// NonceAllocator serializes nonce assignment per address. Combining the
// chain's pending-inclusive count with a local cache keeps nonces monotonic
// when two submissions for one address are issued before either confirms.
type NonceAllocator struct {
	chain ports.ChainClient
	log   zerolog.Logger

	mu   sync.Mutex
	next map[common.Address]uint64
}

// NewNonceAllocator creates a NonceAllocator over the given chain client.
func NewNonceAllocator(chain ports.ChainClient, log zerolog.Logger) *NonceAllocator {
	return &NonceAllocator{
		chain: chain,
		log:   log.With().Str("component", "nonce_allocator").Logger(),
		next:  make(map[common.Address]uint64),
	}
}

// Allocate returns max(chain pending count, cached next) and stores +1.
// Chain query failures propagate; no nonce is guessed.
func (a *NonceAllocator) Allocate(ctx context.Context, address common.Address) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	chainNonce, err := a.chain.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, err
	}

	nonce := chainNonce
	if cached, ok := a.next[address]; ok && cached > nonce {
		nonce = cached
	}
	a.next[address] = nonce + 1

	a.log.Debug().
		Str("address", address.Hex()).
		Uint64("chain", chainNonce).
		Uint64("allocated", nonce).
		Msg("nonce allocated")
	return nonce, nil
}

// Invalidate drops the cache for an address so the next Allocate re-derives
// purely from chain state. Called after nonce-kind broadcast failures.
func (a *NonceAllocator) Invalidate(address common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.next, address)
}
