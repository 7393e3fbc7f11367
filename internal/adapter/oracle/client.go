package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
	"github.com/SharesDAO/DCA-Trader/pkg/retry"
)

// chainAliases maps our chain name to the keys the oracle may use inside a
// pool's token_id address map.
var chainAliases = map[string][]string{
	"bnb":      {"bnb", "bsc"},
	"ethereum": {"ethereum", "eth"},
	"arbitrum": {"arbitrum", "arb"},
	"base":     {"base"},
}

// Client fetches pools and prices from the SharesDAO-style REST oracle.
// Quotes are cached best-effort; any cache failure falls through to HTTP.
// Transient fetch failures are absorbed here with a bounded retry so a
// flaky oracle response does not skip a trading cycle.
type Client struct {
	http      *http.Client
	baseURL   string
	chainName string
	slippage  decimal.Decimal
	tickers   map[string]bool // empty = accept all
	cache     ports.QuoteCache
	log       zerolog.Logger

	attempts   int
	retryDelay time.Duration

	mu    sync.Mutex
	pools map[string]domain.Pool
}

func transientFetch(err error) bool {
	return apperror.IsKind(err, apperror.KindNetwork)
}

// New builds an oracle client. cache may be nil.
func New(baseURL, chainName string, slippage float64, tickers []string, timeout time.Duration, cache ports.QuoteCache, log zerolog.Logger) *Client {
	filter := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		filter[t] = true
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		chainName:  chainName,
		slippage:   decimal.NewFromFloat(slippage),
		tickers:    filter,
		cache:      cache,
		log:        log.With().Str("component", "oracle").Logger(),
		attempts:   3,
		retryDelay: time.Second,
	}
}

type poolDTO struct {
	PoolID      json.Number `json:"pool_id"`
	Symbol      string      `json:"symbol"`
	TokenID     string      `json:"token_id"`
	MintAddress string      `json:"mint_address"`
	BurnAddress string      `json:"burn_address"`
}

type poolDetailDTO struct {
	BuyPrice  json.Number `json:"buy_price"`
	SellPrice json.Number `json:"sell_price"`
}

// Pools fetches the tradable pool list, keyed by ticker. The token address
// for our chain is resolved from the pool's per-chain address map.
func (c *Client) Pools(ctx context.Context) (map[string]domain.Pool, error) {
	body, err := json.Marshal(map[string]int{"type": 2})
	if err != nil {
		return nil, apperror.InternalError(err)
	}

	var dtos []poolDTO
	err = retry.Do(ctx, c.attempts, c.retryDelay, transientFetch, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pool/list", bytes.NewReader(body))
		if err != nil {
			return apperror.InternalError(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return apperror.NetworkError("fetching pool list", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apperror.NetworkError(fmt.Sprintf("pool list returned %d", resp.StatusCode), nil)
		}
		dtos = dtos[:0]
		if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
			return apperror.NetworkError("decoding pool list", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pools := make(map[string]domain.Pool)
	for _, dto := range dtos {
		if dto.Symbol == "" {
			continue
		}
		if len(c.tickers) > 0 && !c.tickers[dto.Symbol] {
			continue
		}
		addr := c.resolveTokenAddress(dto.Symbol, dto.TokenID)
		if addr == "" {
			continue
		}
		pools[dto.Symbol] = domain.Pool{
			PoolID:       dto.PoolID.String(),
			Ticker:       dto.Symbol,
			TokenAddress: addr,
			MintAddress:  dto.MintAddress,
			BurnAddress:  dto.BurnAddress,
		}
	}
	c.log.Info().Int("pools", len(pools)).Str("chain", c.chainName).Msg("pool list loaded")

	c.mu.Lock()
	c.pools = pools
	c.mu.Unlock()
	return pools, nil
}

// resolveTokenAddress picks the token address for our chain from the
// token_id JSON map, falling back to the raw value for plain addresses.
func (c *Client) resolveTokenAddress(symbol, tokenID string) string {
	var perChain map[string]string
	if err := json.Unmarshal([]byte(tokenID), &perChain); err != nil {
		return tokenID
	}
	aliases, ok := chainAliases[c.chainName]
	if !ok {
		aliases = []string{c.chainName}
	}
	for _, alias := range aliases {
		if addr, ok := perChain[alias]; ok {
			return addr
		}
	}
	for _, addr := range perChain {
		c.log.Warn().Str("ticker", symbol).Str("address", addr).Msg("using fallback token address")
		return addr
	}
	return ""
}

// BuyPrice returns the buy quote for ticker with the slippage margin applied.
func (c *Client) BuyPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return c.price(ctx, ticker, "buy")
}

// SellPrice returns the sell quote for ticker with the slippage margin applied.
func (c *Client) SellPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	return c.price(ctx, ticker, "sell")
}

func (c *Client) price(ctx context.Context, ticker, side string) (decimal.Decimal, error) {
	key := fmt.Sprintf("quote:%s:%s", side, ticker)
	if c.cache != nil {
		if q, err := c.cache.Get(ctx, key); err == nil && q != nil {
			return q.Price, nil
		}
	}

	c.mu.Lock()
	pool, ok := c.pools[ticker]
	c.mu.Unlock()
	if !ok {
		return decimal.Zero, apperror.PriceUnavailable(ticker, fmt.Errorf("ticker not in pool list"))
	}

	var detail poolDetailDTO
	err := retry.Do(ctx, c.attempts, c.retryDelay, transientFetch, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/pool/%s", c.baseURL, pool.PoolID), nil)
		if err != nil {
			return apperror.InternalError(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return apperror.NetworkError("fetching pool detail", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apperror.NetworkError(fmt.Sprintf("pool detail returned %d", resp.StatusCode), nil)
		}
		if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
			return apperror.NetworkError("decoding pool detail", err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, apperror.PriceUnavailable(ticker, err)
	}

	var raw json.Number
	if side == "buy" {
		raw = detail.BuyPrice
	} else {
		raw = detail.SellPrice
	}
	base, err := decimal.NewFromString(raw.String())
	if err != nil || !base.IsPositive() {
		return decimal.Zero, apperror.PriceUnavailable(ticker, fmt.Errorf("bad %s price %q", side, raw))
	}

	// Buy quotes are shaded down and sell quotes up so limit orders placed
	// off these prices clear the pool's actual execution price.
	var price decimal.Decimal
	if side == "buy" {
		price = base.Mul(decimal.NewFromInt(1).Sub(c.slippage))
	} else {
		price = base.Mul(decimal.NewFromInt(1).Add(c.slippage))
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, &domain.Quote{Ticker: ticker, Price: price}); err != nil {
			c.log.Debug().Err(err).Str("ticker", ticker).Msg("quote cache write failed")
		}
	}
	return price, nil
}
