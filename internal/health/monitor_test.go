package health

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModes map[market.Exchange]market.SourceMode

func (s stubModes) Modes() map[market.Exchange]market.SourceMode { return s }

type stubTicks struct {
	lastSeen  map[market.Exchange]time.Time
	staleness time.Duration
}

func (s stubTicks) LastSeen(ex market.Exchange) time.Time      { return s.lastSeen[ex] }
func (s stubTicks) StalenessFor(market.Exchange) time.Duration { return s.staleness }

type stubOpps int

func (s stubOpps) ActiveCount() int { return int(s) }

type stubQueue int

func (s stubQueue) PendingCount() int { return int(s) }

type stubChannels map[string]bool

func (s stubChannels) Healthy(context.Context) map[string]bool { return s }

type captureSink struct {
	mu      sync.Mutex
	reports []market.HealthReport
}

func (c *captureSink) PublishHealth(r market.HealthReport) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
}

type captureAdmin struct {
	mu  sync.Mutex
	raw json.RawMessage
}

func (c *captureAdmin) SetHealth(r json.RawMessage) {
	c.mu.Lock()
	c.raw = r
	c.mu.Unlock()
}

func TestReportFlagsStaleExchanges(t *testing.T) {
	now := time.Now().UTC()

	m := New(time.Minute,
		stubModes{market.Binance: market.ModeWS, market.MEXC: market.ModeREST},
		stubTicks{
			lastSeen: map[market.Exchange]time.Time{
				market.Binance: now.Add(-2 * time.Second),
				market.MEXC:    now.Add(-5 * time.Minute),
			},
			staleness: 30 * time.Second,
		},
		stubOpps(3), stubQueue(1),
		stubChannels{"terminal": true, "webhook": false},
		nil, nil)
	m.now = func() time.Time { return now }

	report := m.Report(context.Background())

	assert.Equal(t, 3, report.ActiveOpportunities)
	assert.Equal(t, 1, report.QueueDepths["debounce_pending"])

	binance := report.PerExchange[market.Binance]
	assert.Equal(t, market.StateUp, binance.Connectivity)
	assert.False(t, binance.Stale)
	assert.Equal(t, market.ModeWS, binance.Mode)

	mexc := report.PerExchange[market.MEXC]
	assert.Equal(t, market.StateDown, mexc.Connectivity)
	assert.True(t, mexc.Stale)

	assert.Equal(t, 1.0, report.ChannelSuccess["terminal"])
	assert.Equal(t, 0.0, report.ChannelSuccess["webhook"])
}

func TestReportTreatsNeverSeenAsStale(t *testing.T) {
	m := New(time.Minute,
		stubModes{market.OKX: market.ModeWS},
		stubTicks{lastSeen: map[market.Exchange]time.Time{}, staleness: 90 * time.Second},
		stubOpps(0), stubQueue(0), stubChannels{}, nil, nil)

	report := m.Report(context.Background())
	require.Contains(t, report.PerExchange, market.OKX)
	assert.True(t, report.PerExchange[market.OKX].Stale)
	assert.Equal(t, market.StateDown, report.PerExchange[market.OKX].Connectivity)
}

func TestRunPublishesImmediately(t *testing.T) {
	sink := &captureSink{}
	admin := &captureAdmin{}

	m := New(time.Hour,
		stubModes{market.Binance: market.ModeWS},
		stubTicks{lastSeen: map[market.Exchange]time.Time{market.Binance: time.Now().UTC()},
			staleness: 30 * time.Second},
		stubOpps(1), stubQueue(0), stubChannels{"log": true}, sink, admin)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.reports) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	admin.mu.Lock()
	defer admin.mu.Unlock()
	var decoded market.HealthReport
	require.NoError(t, json.Unmarshal(admin.raw, &decoded))
	assert.Equal(t, 1, decoded.ActiveOpportunities)
}
