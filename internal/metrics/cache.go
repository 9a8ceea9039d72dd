package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CachedGateway wraps a Gateway with a TTL cache for the read-heavy calls.
// Constructed once at process start and handed to each cadence; there is no
// package-level cache state.
type CachedGateway struct {
	inner Gateway
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   any
	fetched time.Time
}

// NewCachedGateway wraps gw with a TTL cache. A non-positive ttl disables caching.
func NewCachedGateway(gw Gateway, ttl time.Duration) *CachedGateway {
	return &CachedGateway{
		inner:   gw,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedGateway) lookup(key string) (any, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.fetched) > c.ttl {
		return nil, false
	}
	return entry.value, true
}

func (c *CachedGateway) store(key string, value any) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, fetched: c.now()}
	c.mu.Unlock()
}

// FetchHourlySeries serves from cache within the TTL.
func (c *CachedGateway) FetchHourlySeries(ctx context.Context, listingID string, daysBack int) ([]HourlyPoint, error) {
	key := fmt.Sprintf("hourly:%s:%d", listingID, daysBack)
	if cached, ok := c.lookup(key); ok {
		return cached.([]HourlyPoint), nil
	}
	series, err := c.inner.FetchHourlySeries(ctx, listingID, daysBack)
	if err != nil {
		return nil, err
	}
	c.store(key, series)
	return series, nil
}

// FetchDetailedAnalytics serves from cache within the TTL.
func (c *CachedGateway) FetchDetailedAnalytics(ctx context.Context) (Analytics, error) {
	if cached, ok := c.lookup("detailed"); ok {
		return cached.(Analytics), nil
	}
	analytics, err := c.inner.FetchDetailedAnalytics(ctx)
	if err != nil {
		return Analytics{}, err
	}
	c.store("detailed", analytics)
	return analytics, nil
}

// FetchElasticity is never cached: the estimate is cheap and drifts with price moves.
func (c *CachedGateway) FetchElasticity(ctx context.Context, listingID string) (float64, error) {
	return c.inner.FetchElasticity(ctx, listingID)
}

var _ Gateway = (*CachedGateway)(nil)
