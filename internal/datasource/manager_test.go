package datasource

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a minimal exchange.Client for mode-machine tests.
type fakeClient struct {
	exchange  market.Exchange
	feed      market.FeedSupport
	conns     chan market.Connectivity
	pollAll   atomic.Bool
	wsOpen    atomic.Bool
	lastFrame atomic.Int64 // unix nanos of the newest fake frame
}

func newFakeClient(ex market.Exchange, feed market.FeedSupport) *fakeClient {
	return &fakeClient{exchange: ex, feed: feed, conns: make(chan market.Connectivity, 16)}
}

func (f *fakeClient) Exchange() market.Exchange { return f.exchange }
func (f *fakeClient) Capabilities() market.Capabilities {
	return market.Capabilities{FundingFeed: f.feed}
}
func (f *fakeClient) Start(context.Context) error                    { return nil }
func (f *fakeClient) SubscribeFunding(context.Context, []string) error   { return nil }
func (f *fakeClient) UnsubscribeFunding(context.Context, []string) error { return nil }
func (f *fakeClient) StartWS(context.Context) error {
	f.wsOpen.Store(true)
	return nil
}
func (f *fakeClient) StopWS()            { f.wsOpen.Store(false) }
func (f *fakeClient) SetPollAll(on bool) { f.pollAll.Store(on) }
func (f *fakeClient) FetchFunding(context.Context) ([]market.RateTick, error) {
	return nil, nil
}
func (f *fakeClient) Ticks() <-chan market.RateTick            { return nil }
func (f *fakeClient) Connectivity() <-chan market.Connectivity { return f.conns }
func (f *fakeClient) LastFrameAt() time.Time {
	if ns := f.lastFrame.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}
func (f *fakeClient) Unsupported(string) bool { return false }
func (f *fakeClient) Close()                  {}

// frame pretends the socket delivered data just now.
func (f *fakeClient) frame() { f.lastFrame.Store(time.Now().UnixNano()) }

func (f *fakeClient) report(state market.ConnState, reason string) {
	f.conns <- market.Connectivity{
		Exchange:  f.exchange,
		Transport: market.TransportWS,
		State:     state,
		Reason:    reason,
		At:        time.Now(),
	}
}

func waitForMode(t *testing.T, m *Manager, ex market.Exchange, want market.SourceMode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Mode(ex) == want
	}, 2*time.Second, 5*time.Millisecond, "expected mode %s", want)
}

func TestRestOnlyExchangeStartsInRestMode(t *testing.T) {
	fc := newFakeClient(market.MEXC, market.FeedRESTOnly)
	m := New([]exchange.Client{fc}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	defer cancel()

	assert.Equal(t, market.ModeREST, m.Mode(market.MEXC))
	assert.False(t, fc.wsOpen.Load())
}

func TestWSDownFallsBackToRest(t *testing.T) {
	fc := newFakeClient(market.Binance, market.FeedWSNative)
	m := New([]exchange.Client{fc}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	defer cancel()

	assert.Equal(t, market.ModeWS, m.Mode(market.Binance))
	assert.False(t, fc.pollAll.Load())

	fc.report(market.StateDown, exchange.DownMaxReconnect)
	waitForMode(t, m, market.Binance, market.ModeREST)
	assert.True(t, fc.pollAll.Load())
}

func TestReadErrorKeepsWSMode(t *testing.T) {
	fc := newFakeClient(market.Binance, market.FeedWSNative)
	m := New([]exchange.Client{fc}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	defer cancel()

	// A routine disconnect reconnects with backoff on its own; REST
	// must not widen for it.
	fc.report(market.StateDown, exchange.DownReadError)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, market.ModeWS, m.Mode(market.Binance))
	assert.False(t, fc.pollAll.Load())
}

func TestRecoveryGoesThroughHybrid(t *testing.T) {
	fc := newFakeClient(market.Binance, market.FeedWSNative)
	m := New([]exchange.Client{fc}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	defer cancel()

	fc.report(market.StateDown, exchange.DownIdleTimeout)
	waitForMode(t, m, market.Binance, market.ModeREST)

	fc.report(market.StateUp, "connected")
	waitForMode(t, m, market.Binance, market.ModeHybrid)
	// REST keeps polling through the overlap window.
	assert.True(t, fc.pollAll.Load())

	fc.frame()
	waitForMode(t, m, market.Binance, market.ModeWS)
	assert.False(t, fc.pollAll.Load())
}

func TestRecoveryWaitsForFrames(t *testing.T) {
	fc := newFakeClient(market.Binance, market.FeedWSNative)
	m := New([]exchange.Client{fc}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	defer cancel()

	fc.report(market.StateDown, exchange.DownIdleTimeout)
	waitForMode(t, m, market.Binance, market.ModeREST)

	fc.report(market.StateUp, "connected")
	waitForMode(t, m, market.Binance, market.ModeHybrid)

	// The socket is open but silent; REST must keep the full load
	// until data actually arrives on the stream.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, market.ModeHybrid, m.Mode(market.Binance))
	assert.True(t, fc.pollAll.Load())

	fc.frame()
	waitForMode(t, m, market.Binance, market.ModeWS)
	assert.False(t, fc.pollAll.Load())
}

func TestFlapDuringRecoveryStaysOnRest(t *testing.T) {
	fc := newFakeClient(market.Binance, market.FeedWSNative)
	m := New([]exchange.Client{fc}, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	defer cancel()

	fc.report(market.StateDown, exchange.DownIdleTimeout)
	waitForMode(t, m, market.Binance, market.ModeREST)

	fc.report(market.StateUp, "connected")
	waitForMode(t, m, market.Binance, market.ModeHybrid)
	fc.frame()

	// Socket goes idle again inside the recovery window.
	fc.report(market.StateDown, exchange.DownIdleTimeout)
	waitForMode(t, m, market.Binance, market.ModeREST)

	// The cancelled recovery timer must not flip the mode later.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, market.ModeREST, m.Mode(market.Binance))
	assert.True(t, fc.pollAll.Load())
}

func TestDisableWSPinsRest(t *testing.T) {
	fc := newFakeClient(market.Binance, market.FeedWSNative)
	m := New([]exchange.Client{fc}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	defer cancel()

	m.DisableWS(market.Binance)
	assert.Equal(t, market.ModeREST, m.Mode(market.Binance))
	assert.False(t, fc.wsOpen.Load())

	// Later UP events are ignored once disabled.
	fc.report(market.StateUp, "connected")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, market.ModeREST, m.Mode(market.Binance))
}
