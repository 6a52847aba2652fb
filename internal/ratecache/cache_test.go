package ratecache

import (
	"fmt"
	"testing"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickAt(ex market.Exchange, symbol string, rate string, at time.Time) market.RateTick {
	return market.RateTick{
		Exchange:    ex,
		Symbol:      symbol,
		FundingRate: decimal.RequireFromString(rate),
		Source:      market.TransportWS,
		ReceivedAt:  at,
	}
}

func TestPutRejectsOlderTick(t *testing.T) {
	c := New(nil)
	base := time.Now().UTC()

	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0001", base)))

	err := c.Put(tickAt(market.Binance, "BTCUSDT", "0.0002", base.Add(-time.Second)))
	require.Error(t, err)
	assert.Equal(t, market.KindCacheWriteStale, market.KindOf(err))

	got, ok := c.Get(market.Binance, "BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.FundingRate.Equal(decimal.RequireFromString("0.0001")))
}

func TestPutEqualTimestampOverwrites(t *testing.T) {
	c := New(nil)
	base := time.Now().UTC()

	// Two transports can stamp the same instant; the later write wins
	// rather than erroring out.
	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0001", base)))
	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0002", base)))

	got, ok := c.Get(market.Binance, "BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.FundingRate.Equal(decimal.RequireFromString("0.0002")))
}

func TestPutNewerReplaces(t *testing.T) {
	c := New(nil)
	base := time.Now().UTC()

	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0001", base)))
	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0003", base.Add(time.Second))))

	got, ok := c.Get(market.Binance, "BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.FundingRate.Equal(decimal.RequireFromString("0.0003")))
}

func TestGetHonorsPerExchangeStaleness(t *testing.T) {
	c := New(nil)
	now := time.Now().UTC()
	c.now = func() time.Time { return now }

	at := now.Add(-45 * time.Second)
	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0001", at)))
	require.NoError(t, c.Put(tickAt(market.OKX, "BTCUSDT", "0.0002", at)))

	// 45s exceeds Binance's 30s window but not OKX's 90s.
	_, ok := c.Get(market.Binance, "BTCUSDT")
	assert.False(t, ok)
	_, ok = c.Get(market.OKX, "BTCUSDT")
	assert.True(t, ok)
}

func TestStalenessOverride(t *testing.T) {
	c := New(map[market.Exchange]time.Duration{market.Binance: 2 * time.Minute})
	now := time.Now().UTC()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0001", now.Add(-time.Minute))))

	_, ok := c.Get(market.Binance, "BTCUSDT")
	assert.True(t, ok)
}

func TestSnapshotSymbolSkipsStaleAndSorts(t *testing.T) {
	c := New(nil)
	now := time.Now().UTC()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(tickAt(market.OKX, "ETHUSDT", "0.0002", now)))
	require.NoError(t, c.Put(tickAt(market.Binance, "ETHUSDT", "0.0001", now)))
	require.NoError(t, c.Put(tickAt(market.GateIO, "ETHUSDT", "0.0003", now.Add(-time.Minute))))
	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0009", now)))

	snap := c.SnapshotSymbol("ETHUSDT")
	require.Len(t, snap, 2) // gateio entry is stale
	assert.Equal(t, market.Binance, snap[0].Exchange)
	assert.Equal(t, market.OKX, snap[1].Exchange)
}

func TestEvictsLeastRecentlyUpdated(t *testing.T) {
	c := New(nil)
	base := time.Now().UTC()

	for i := 0; i < maxPerExchange; i++ {
		sym := fmt.Sprintf("A%dUSDT", i)
		require.NoError(t, c.Put(tickAt(market.Binance, sym, "0.0001", base.Add(time.Duration(i)*time.Millisecond))))
	}
	assert.Len(t, c.Symbols(market.Binance), maxPerExchange)

	// Inserting one more evicts A0USDT, the oldest entry.
	require.NoError(t, c.Put(tickAt(market.Binance, "NEWUSDT", "0.0001", base.Add(time.Second))))

	symbols := c.Symbols(market.Binance)
	assert.Len(t, symbols, maxPerExchange)
	assert.NotContains(t, symbols, "A0USDT")
	assert.Contains(t, symbols, "NEWUSDT")
}

func TestLastSeen(t *testing.T) {
	c := New(nil)
	base := time.Now().UTC()

	assert.True(t, c.LastSeen(market.Binance).IsZero())

	require.NoError(t, c.Put(tickAt(market.Binance, "BTCUSDT", "0.0001", base)))
	require.NoError(t, c.Put(tickAt(market.Binance, "ETHUSDT", "0.0001", base.Add(time.Second))))

	assert.Equal(t, base.Add(time.Second), c.LastSeen(market.Binance))
}
