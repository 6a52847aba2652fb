// Package exchange defines the per-exchange market-data client contract
// and the shared transport plumbing (WebSocket session management,
// REST fetching with error classification, funding polling) that every
// concrete exchange implementation builds on.
package exchange

import (
	"context"
	"time"

	"fundarb-monitor/internal/market"
)

// Client is a per-exchange funding-rate data source. Implementations
// own their transport resources; ticks and connectivity changes leave
// through the channels, nothing else escapes.
type Client interface {
	// Exchange returns the exchange identifier.
	Exchange() market.Exchange

	// Capabilities returns the static capability set.
	Capabilities() market.Capabilities

	// Start launches the client's long-lived background work (REST
	// poller, funding-interval discovery). It does not open the
	// WebSocket; that is StartWS's job, driven by the data-source
	// manager.
	Start(ctx context.Context) error

	// SubscribeFunding adds symbols (canonical form) to the active
	// subscription set. Idempotent. When the WebSocket is up the call
	// returns after the subscribe request is acknowledged or a
	// deterministic error is observed; otherwise symbols are recorded
	// and replayed on the next (re)connect.
	SubscribeFunding(ctx context.Context, symbols []string) error

	// UnsubscribeFunding removes symbols from the active set.
	UnsubscribeFunding(ctx context.Context, symbols []string) error

	// StartWS opens the WebSocket transport and keeps it alive with
	// reconnect/backoff until StopWS or ctx cancellation. No-op for
	// REST-only exchanges.
	StartWS(ctx context.Context) error

	// StopWS tears down the WebSocket transport.
	StopWS()

	// SetPollAll switches the REST poller between polling the full
	// subscription set (true, REST/hybrid mode) and polling only the
	// symbols the WebSocket cannot serve (false, WS mode).
	SetPollAll(on bool)

	// FetchFunding fetches a funding-rate snapshot for the subscribed
	// symbols over REST.
	FetchFunding(ctx context.Context) ([]market.RateTick, error)

	// Ticks is the single outbound tick channel.
	Ticks() <-chan market.RateTick

	// Connectivity reports transport state changes.
	Connectivity() <-chan market.Connectivity

	// LastFrameAt returns the arrival time of the most recent inbound
	// WS frame; zero if none arrived yet.
	LastFrameAt() time.Time

	// Unsupported reports whether the exchange rejected the symbol.
	Unsupported(symbol string) bool

	// Close releases all transport resources.
	Close()
}

// OrderFeed is implemented by clients that can subscribe to private
// order updates. It is optional; the monitor runs fine without it.
type OrderFeed interface {
	SubscribeOrders(ctx context.Context) error
	Orders() <-chan market.OrderTick
}

// Options carries the cross-exchange tunables handed to every client.
type Options struct {
	PollInterval time.Duration // REST poll cadence
	IdleTimeout  time.Duration // proactive WS reconnect threshold
	TickBuffer   int           // outbound tick channel capacity
}

// Defaults fills zero fields with pipeline defaults.
func (o Options) Defaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.TickBuffer <= 0 {
		o.TickBuffer = 256
	}
	return o
}
