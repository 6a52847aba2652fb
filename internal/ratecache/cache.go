// Package ratecache holds the latest funding-rate tick per
// (exchange, symbol). Reads answer spread evaluation; writes come from
// every transport, so the cache is the one place where out-of-order
// and stale data is stopped.
package ratecache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"
)

// maxPerExchange bounds memory per exchange; the least recently
// updated symbol is evicted when a new one would exceed it.
const maxPerExchange = 100

// defaultStaleness is how long a tick stays usable, tuned per exchange
// to its observed push cadence. REST-only and slow-push venues get
// longer windows.
var defaultStaleness = map[market.Exchange]time.Duration{
	market.Binance: 30 * time.Second,
	market.GateIO:  30 * time.Second,
	market.BingX:   30 * time.Second,
	market.MEXC:    60 * time.Second,
	market.OKX:     90 * time.Second,
}

// Cache is the concurrent last-value store for funding-rate ticks.
type Cache struct {
	mu        sync.RWMutex
	ticks     map[market.Exchange]map[string]market.RateTick
	staleness map[market.Exchange]time.Duration
	now       func() time.Time
}

// New creates a cache. Entries in overrides replace the per-exchange
// staleness defaults; a zero map keeps them all.
func New(overrides map[market.Exchange]time.Duration) *Cache {
	staleness := make(map[market.Exchange]time.Duration, len(defaultStaleness))
	for ex, d := range defaultStaleness {
		staleness[ex] = d
	}
	for ex, d := range overrides {
		if d > 0 {
			staleness[ex] = d
		}
	}
	return &Cache{
		ticks:     make(map[market.Exchange]map[string]market.RateTick),
		staleness: staleness,
		now:       time.Now,
	}
}

// SetClock replaces the time source used for staleness decisions.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Put stores a tick unless a strictly newer entry already exists;
// per-symbol time only moves forward. Equal receive times overwrite,
// so a REST snapshot taken in the same instant as a WS push still
// lands.
func (c *Cache) Put(tick market.RateTick) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bySymbol, ok := c.ticks[tick.Exchange]
	if !ok {
		bySymbol = make(map[string]market.RateTick)
		c.ticks[tick.Exchange] = bySymbol
	}

	if prev, ok := bySymbol[tick.Symbol]; ok && tick.ReceivedAt.Before(prev.ReceivedAt) {
		metrics.StaleTicksDropped.WithLabelValues(string(tick.Exchange)).Inc()
		return &market.Error{Kind: market.KindCacheWriteStale, Op: "ratecache.Put",
			Exchange: tick.Exchange, Symbol: tick.Symbol,
			Err: fmt.Errorf("tick at %s not newer than cached %s",
				tick.ReceivedAt.Format(time.RFC3339Nano), prev.ReceivedAt.Format(time.RFC3339Nano))}
	}

	if _, exists := bySymbol[tick.Symbol]; !exists && len(bySymbol) >= maxPerExchange {
		c.evictOldestLocked(bySymbol)
	}
	bySymbol[tick.Symbol] = tick
	return nil
}

func (c *Cache) evictOldestLocked(bySymbol map[string]market.RateTick) {
	var oldest string
	var oldestAt time.Time
	for s, t := range bySymbol {
		if oldest == "" || t.ReceivedAt.Before(oldestAt) {
			oldest = s
			oldestAt = t.ReceivedAt
		}
	}
	delete(bySymbol, oldest)
}

// Get returns the cached tick when present and fresh.
func (c *Cache) Get(ex market.Exchange, symbol string) (market.RateTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tick, ok := c.ticks[ex][symbol]
	if !ok || c.staleLocked(tick) {
		return market.RateTick{}, false
	}
	return tick, true
}

// SnapshotSymbol returns the fresh ticks for one symbol across all
// exchanges, ordered by exchange name so evaluation is deterministic.
func (c *Cache) SnapshotSymbol(symbol string) []market.RateTick {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]market.RateTick, 0, len(c.ticks))
	for _, bySymbol := range c.ticks {
		if tick, ok := bySymbol[symbol]; ok && !c.staleLocked(tick) {
			out = append(out, tick)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// LastSeen returns the newest receive time across an exchange's
// entries; zero when the exchange has none.
func (c *Cache) LastSeen(ex market.Exchange) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest time.Time
	for _, tick := range c.ticks[ex] {
		if tick.ReceivedAt.After(latest) {
			latest = tick.ReceivedAt
		}
	}
	return latest
}

// StalenessFor returns the freshness window applied to an exchange.
func (c *Cache) StalenessFor(ex market.Exchange) time.Duration {
	if d, ok := c.staleness[ex]; ok {
		return d
	}
	return 30 * time.Second
}

// Symbols returns the symbols currently cached for an exchange,
// including stale ones.
func (c *Cache) Symbols(ex market.Exchange) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.ticks[ex]))
	for s := range c.ticks[ex] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) staleLocked(tick market.RateTick) bool {
	window, ok := c.staleness[tick.Exchange]
	if !ok {
		window = 30 * time.Second
	}
	return c.now().Sub(tick.ReceivedAt) > window
}
