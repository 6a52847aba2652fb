package exchange

import (
	"sync"
	"testing"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tickCaptor struct {
	mu    sync.Mutex
	ticks []market.RateTick
}

func (c *tickCaptor) emit(t market.RateTick) {
	c.mu.Lock()
	c.ticks = append(c.ticks, t)
	c.mu.Unlock()
}

func (c *tickCaptor) snapshot() []market.RateTick {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]market.RateTick, len(c.ticks))
	copy(out, c.ticks)
	return out
}

func fundingTick(symbol, rate string) market.RateTick {
	return market.RateTick{
		Exchange:    market.OKX,
		Symbol:      symbol,
		FundingRate: decimal.RequireFromString(rate),
		Source:      market.TransportWS,
		ReceivedAt:  time.Now().UTC(),
	}
}

func TestFundingWithKnownMarkEmitsImmediately(t *testing.T) {
	c := &tickCaptor{}
	j := NewMarkJoiner(c.emit)
	defer j.Close()

	j.SetMark("BTCUSDT", decimal.RequireFromString("65000.5"))
	j.OfferFunding(fundingTick("BTCUSDT", "0.0001"))

	ticks := c.snapshot()
	require.Len(t, ticks, 1)
	require.True(t, ticks[0].MarkPrice.Valid)
	assert.True(t, ticks[0].MarkPrice.Decimal.Equal(decimal.RequireFromString("65000.5")))
}

func TestLateMarkReleasesHeldFunding(t *testing.T) {
	c := &tickCaptor{}
	j := NewMarkJoiner(c.emit)
	defer j.Close()

	j.OfferFunding(fundingTick("ETHUSDT", "0.0002"))
	assert.Empty(t, c.snapshot(), "funding without a mark is held")

	j.SetMark("ETHUSDT", decimal.RequireFromString("3200"))

	ticks := c.snapshot()
	require.Len(t, ticks, 1)
	require.True(t, ticks[0].MarkPrice.Valid)
	assert.True(t, ticks[0].FundingRate.Equal(decimal.RequireFromString("0.0002")))
}

func TestHeldFundingTimesOutWithNullMark(t *testing.T) {
	c := &tickCaptor{}
	j := NewMarkJoiner(c.emit)
	defer j.Close()

	j.OfferFunding(fundingTick("SOLUSDT", "0.0003"))

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, markHoldWindow+time.Second, 10*time.Millisecond)

	ticks := c.snapshot()
	assert.False(t, ticks[0].MarkPrice.Valid, "mark stays null after the hold window")
}

func TestNewerFundingReplacesHeldOne(t *testing.T) {
	c := &tickCaptor{}
	j := NewMarkJoiner(c.emit)
	defer j.Close()

	j.OfferFunding(fundingTick("XRPUSDT", "0.0001"))
	j.OfferFunding(fundingTick("XRPUSDT", "0.0004"))
	j.SetMark("XRPUSDT", decimal.RequireFromString("0.52"))

	ticks := c.snapshot()
	require.Len(t, ticks, 1)
	assert.True(t, ticks[0].FundingRate.Equal(decimal.RequireFromString("0.0004")))
}

func TestCloseDropsHeldTicks(t *testing.T) {
	c := &tickCaptor{}
	j := NewMarkJoiner(c.emit)

	j.OfferFunding(fundingTick("DOGEUSDT", "0.0001"))
	j.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.snapshot())

	j.OfferFunding(fundingTick("DOGEUSDT", "0.0002"))
	assert.Empty(t, c.snapshot(), "closed joiner accepts nothing")
}
