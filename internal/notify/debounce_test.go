package notify

import (
	"sync"
	"testing"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captor struct {
	mu      sync.Mutex
	events  []market.Event
	records []market.NotificationRecord
}

func (c *captor) keep(rec market.NotificationRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

func (c *captor) recorded() []market.NotificationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]market.NotificationRecord, len(c.records))
	copy(out, c.records)
	return out
}

func (c *captor) capture(ev market.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captor) snapshot() []market.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]market.Event, len(c.events))
	copy(out, c.events)
	return out
}

func event(typ market.EventType, symbol string, severity market.Severity, spread string) market.Event {
	return market.Event{
		Type: typ,
		Opportunity: market.Opportunity{
			ID:            "op-1",
			Symbol:        symbol,
			Severity:      severity,
			CurrentSpread: decimal.RequireFromString(spread),
		},
		At: time.Now().UTC(),
	}
}

func TestAppearedAndDisappearedPassImmediately(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(time.Hour, c.capture, nil)
	defer d.Close()

	d.Offer(event(market.EventAppeared, "BTCUSDT", market.SeverityInfo, "0.0006"))
	d.Offer(event(market.EventDisappeared, "BTCUSDT", market.SeverityInfo, "0"))

	events := c.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, market.EventAppeared, events[0].Type)
	assert.Equal(t, market.EventDisappeared, events[1].Type)
}

func TestUpdatesCoalesceWithinWindow(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(100*time.Millisecond, c.capture, nil)
	defer d.Close()

	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityInfo, "0.0006"))

	// Burst of updates inside the window: only the last survives.
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0007"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0008"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0009"))
	assert.Equal(t, 1, d.PendingCount())

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	events := c.snapshot()
	assert.Equal(t, market.EventUpdated, events[1].Type)
	assert.True(t, events[1].Opportunity.CurrentSpread.Equal(decimal.RequireFromString("0.0009")))
	assert.Equal(t, 0, d.PendingCount())
}

func TestSeverityUpgradeReleasesImmediately(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(time.Hour, c.capture, nil)
	defer d.Close()

	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityInfo, "0.0006"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0007")) // held
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityWarning, "0.0011"))

	events := c.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, market.SeverityWarning, events[1].Opportunity.Severity)
	assert.Equal(t, 0, d.PendingCount(), "held update dropped by the upgrade")
}

func TestSeverityDowngradeIsDebounced(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(time.Hour, c.capture, nil)
	defer d.Close()

	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityWarning, "0.0011"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0006"))

	assert.Len(t, c.snapshot(), 1)
	assert.Equal(t, 1, d.PendingCount())
}

func TestDisappearedDropsPendingUpdate(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(time.Hour, c.capture, nil)
	defer d.Close()

	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityInfo, "0.0006"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0007"))
	require.Equal(t, 1, d.PendingCount())

	d.Offer(event(market.EventDisappeared, "ETHUSDT", market.SeverityInfo, "0"))

	events := c.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, market.EventDisappeared, events[1].Type)
	assert.Equal(t, 0, d.PendingCount())
}

func TestReplacedUpdateRecordsSuppression(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(time.Hour, c.capture, c.keep)
	defer d.Close()

	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityInfo, "0.0006"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0007"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0008"))

	// The 0.0007 update was displaced by 0.0008 and will never be
	// delivered; the audit record says so.
	records := c.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, "op-1", records[0].OpportunityID)
	assert.Equal(t, market.OutcomeSuppressed, records[0].Outcome)
	assert.Equal(t, "debounce", records[0].Channel)
	assert.False(t, records[0].DeliveredAt.IsZero())
}

func TestDroppedUpdateRecordsSuppression(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(time.Hour, c.capture, c.keep)
	defer d.Close()

	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityInfo, "0.0006"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0007"))
	d.Offer(event(market.EventDisappeared, "ETHUSDT", market.SeverityInfo, "0"))

	records := c.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, market.OutcomeSuppressed, records[0].Outcome)
}

func TestCloseRecordsHeldEvents(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(time.Hour, c.capture, c.keep)

	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityInfo, "0.0006"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0007"))
	d.Close()

	records := c.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, market.OutcomeSuppressed, records[0].Outcome)
}

func TestWindowAnchoredAtLastRelease(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(100*time.Millisecond, c.capture, nil)
	defer d.Close()

	base := time.Now()
	clock := base
	d.now = func() time.Time { return clock }

	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityInfo, "0.0006"))

	// Past the window since the last release: goes straight out.
	clock = base.Add(150 * time.Millisecond)
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0007"))

	events := c.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, market.EventUpdated, events[1].Type)
}

func TestSymbolsDebounceIndependently(t *testing.T) {
	c := &captor{}
	d := NewDebouncer(time.Hour, c.capture, nil)
	defer d.Close()

	d.Offer(event(market.EventAppeared, "BTCUSDT", market.SeverityInfo, "0.0006"))
	d.Offer(event(market.EventAppeared, "ETHUSDT", market.SeverityInfo, "0.0006"))
	d.Offer(event(market.EventUpdated, "BTCUSDT", market.SeverityInfo, "0.0007"))
	d.Offer(event(market.EventUpdated, "ETHUSDT", market.SeverityInfo, "0.0007"))

	assert.Len(t, c.snapshot(), 2)
	assert.Equal(t, 2, d.PendingCount())
}
