package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultFundingIntervalHours applies when the exchange does not
	// report an interval for a symbol.
	DefaultFundingIntervalHours = 8

	intervalCacheTTL = 24 * time.Hour
)

// IntervalCache holds per-symbol funding intervals discovered from the
// exchange's fundingInfo endpoint, refreshed at most once per day.
type IntervalCache struct {
	mu        sync.RWMutex
	hours     map[string]int // canonical symbol -> interval hours
	fetchedAt time.Time
	fetch     func(ctx context.Context) (map[string]int, error)
}

// NewIntervalCache creates a cache backed by an exchange-specific
// fetch function; fetch may be nil for exchanges without an endpoint.
func NewIntervalCache(fetch func(ctx context.Context) (map[string]int, error)) *IntervalCache {
	return &IntervalCache{hours: make(map[string]int), fetch: fetch}
}

// Refresh fetches interval data when the cached copy is older than the
// TTL. Failures keep the previous data; the default covers the gaps.
func (c *IntervalCache) Refresh(ctx context.Context) {
	if c.fetch == nil {
		return
	}

	c.mu.RLock()
	fresh := time.Since(c.fetchedAt) < intervalCacheTTL && len(c.hours) > 0
	c.mu.RUnlock()
	if fresh {
		return
	}

	hours, err := c.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Funding interval fetch failed, keeping cached values")
		return
	}

	c.mu.Lock()
	c.hours = hours
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

// Hours returns the funding interval for a symbol, defaulting to 8.
func (c *IntervalCache) Hours(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if h, ok := c.hours[symbol]; ok && h > 0 {
		return h
	}
	return DefaultFundingIntervalHours
}

// NextFundingBoundary computes the next UTC funding time for an
// interval when the exchange does not supply one: funding fires on
// UTC boundaries that divide the day evenly.
func NextFundingBoundary(now time.Time, intervalHours int) time.Time {
	if intervalHours <= 0 {
		intervalHours = DefaultFundingIntervalHours
	}
	now = now.UTC()
	interval := time.Duration(intervalHours) * time.Hour
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(midnight)
	slots := elapsed / interval
	return midnight.Add((slots + 1) * interval)
}
