package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/SharesDAO/DCA-Trader/internal/core/domain"
)

// QuoteCache implements ports.QuoteCache using Redis. It sits in front of
// the price oracle; misses and failures both fall through to HTTP.
type QuoteCache struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewQuoteCache creates a Redis-backed quote cache with the given TTL.
func NewQuoteCache(client *goredis.Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{
		client: client,
		prefix: "dca:",
		ttl:    ttl,
	}
}

// Get retrieves a cached quote. Returns nil, nil if the key does not exist.
func (c *QuoteCache) Get(ctx context.Context, key string) (*domain.Quote, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis quote get: %w", err)
	}
	var q domain.Quote
	if err := json.Unmarshal(val, &q); err != nil {
		return nil, fmt.Errorf("redis quote decode: %w", err)
	}
	return &q, nil
}

// Set stores a quote with the cache TTL.
func (c *QuoteCache) Set(ctx context.Context, key string, quote *domain.Quote) error {
	val, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("redis quote encode: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, val, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis quote set: %w", err)
	}
	return nil
}
