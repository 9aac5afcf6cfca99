package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oddex/exchange-core/internal/model"
)

// CachedProvider wraps a QuoteProvider with a Redis read-through cache.
// Quotes are hot during a sweep — every pending order on a runner needs
// the same ladder — so even a short TTL removes most upstream calls.
// Cache failures fall through to the upstream provider.
type CachedProvider struct {
	upstream QuoteProvider
	rdb      *redis.Client
	ttl      time.Duration
}

// NewCachedProvider creates a cached wrapper around an upstream provider.
func NewCachedProvider(upstream QuoteProvider, rdb *redis.Client, ttl time.Duration) *CachedProvider {
	return &CachedProvider{upstream: upstream, rdb: rdb, ttl: ttl}
}

func quoteKey(marketID, selectionID string) string {
	return fmt.Sprintf("quote:%s:%s", marketID, selectionID)
}

// GetBestPrices checks Redis first, then falls back to the upstream feed
// and re-populates the cache.
func (p *CachedProvider) GetBestPrices(ctx context.Context, marketID, selectionID string) (*model.MarketQuote, error) {
	key := quoteKey(marketID, selectionID)

	data, err := p.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var q model.MarketQuote
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	q, err := p.upstream.GetBestPrices(ctx, marketID, selectionID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(q); err == nil {
		p.rdb.Set(ctx, key, data, p.ttl)
	}
	return q, nil
}
