package fetcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"position-exit-alerts/internal/indicator"
)

// Cache collapses concurrent lookups for the same ticker and keeps price
// series for ttl. Several positions on one underlying then cost one request
// per tick. Quotes are deduplicated but never cached.
type Cache struct {
	next  Provider
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu     sync.Mutex
	series map[string]cachedSeries
}

type cachedSeries struct {
	series  indicator.Series
	fetched time.Time
}

// NewCache wraps next. A zero ttl disables series caching but keeps
// deduplication of in-flight calls.
func NewCache(next Provider, ttl time.Duration) *Cache {
	return &Cache{next: next, ttl: ttl, now: time.Now, series: make(map[string]cachedSeries)}
}

func (c *Cache) PriceSeries(ctx context.Context, ticker string, lookback int) (indicator.Series, error) {
	key := normalizeTicker(ticker) + "/" + strconv.Itoa(lookback)
	if c.ttl > 0 {
		c.mu.Lock()
		hit, ok := c.series[key]
		c.mu.Unlock()
		if ok && c.now().Sub(hit.fetched) < c.ttl {
			return hit.series, nil
		}
	}

	v, err, _ := c.group.Do("series:"+key, func() (any, error) {
		s, err := c.next.PriceSeries(ctx, ticker, lookback)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			c.mu.Lock()
			c.series[key] = cachedSeries{series: s, fetched: c.now()}
			c.mu.Unlock()
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(indicator.Series), nil
}

func (c *Cache) Quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	v, err, _ := c.group.Do("quote:"+normalizeTicker(ticker), func() (any, error) {
		return c.next.Quote(ctx, ticker)
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return v.(decimal.Decimal), nil
}

var _ Provider = (*Cache)(nil)
