package exchange

import (
	"sync"
	"sync/atomic"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Base carries the state every exchange client shares: the outbound
// channels, the subscription set, the unsupported set and the
// last-frame clock. Concrete clients embed it and keep only their
// wire-format specifics.
type Base struct {
	exchange market.Exchange
	caps     market.Capabilities

	ticks chan market.RateTick
	conns chan market.Connectivity

	mu          sync.RWMutex
	subs        map[string]bool // canonical symbols
	unsupported map[string]bool // exchange has no such market
	wsRejected  map[string]bool // WS subscribe refused, serve via REST

	lastFrame atomic.Int64 // unix nanos
	pollAll   atomic.Bool
}

// NewBase creates the shared client state.
func NewBase(ex market.Exchange, caps market.Capabilities, tickBuffer int) *Base {
	return &Base{
		exchange:    ex,
		caps:        caps,
		ticks:       make(chan market.RateTick, tickBuffer),
		conns:       make(chan market.Connectivity, 16),
		subs:        make(map[string]bool),
		unsupported: make(map[string]bool),
		wsRejected:  make(map[string]bool),
	}
}

// Exchange returns the exchange identifier.
func (b *Base) Exchange() market.Exchange { return b.exchange }

// Capabilities returns the static capability set.
func (b *Base) Capabilities() market.Capabilities { return b.caps }

// Ticks returns the outbound tick channel.
func (b *Base) Ticks() <-chan market.RateTick { return b.ticks }

// Connectivity returns the transport state channel.
func (b *Base) Connectivity() <-chan market.Connectivity { return b.conns }

// SetPollAll switches the poller scope.
func (b *Base) SetPollAll(on bool) { b.pollAll.Store(on) }

// PollAll reports whether the poller covers the full subscription set.
func (b *Base) PollAll() bool { return b.pollAll.Load() }

// AddSubscriptions records symbols and returns the ones that were not
// subscribed before, so subscribe requests stay idempotent.
func (b *Base) AddSubscriptions(symbols []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !b.subs[s] {
			b.subs[s] = true
			added = append(added, s)
		}
	}
	return added
}

// RemoveSubscriptions drops symbols and returns the ones removed.
func (b *Base) RemoveSubscriptions(symbols []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if b.subs[s] {
			delete(b.subs, s)
			removed = append(removed, s)
		}
	}
	return removed
}

// Subscribed returns the active subscription set minus unsupported
// symbols.
func (b *Base) Subscribed() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.subs))
	for s := range b.subs {
		if !b.unsupported[s] {
			out = append(out, s)
		}
	}
	return out
}

// IsSubscribed reports whether a canonical symbol is in the active set.
func (b *Base) IsSubscribed(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[symbol] && !b.unsupported[symbol]
}

// MarkUnsupported records that the exchange has no market for the
// symbol. The symbol no longer participates in this exchange's feed.
func (b *Base) MarkUnsupported(symbol string) {
	b.mu.Lock()
	first := !b.unsupported[symbol]
	b.unsupported[symbol] = true
	b.mu.Unlock()

	if first {
		log.Debug().
			Str("exchange", string(b.exchange)).
			Str("symbol", symbol).
			Msg("Symbol unsupported, excluded for this exchange")
	}
}

// Unsupported reports whether the exchange rejected the symbol.
func (b *Base) Unsupported(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unsupported[symbol]
}

// MarkWSRejected routes a symbol to REST after a refused WS subscribe.
func (b *Base) MarkWSRejected(symbol string) {
	b.mu.Lock()
	b.wsRejected[symbol] = true
	b.mu.Unlock()

	log.Debug().
		Str("exchange", string(b.exchange)).
		Str("symbol", symbol).
		Msg("WS subscription refused, routing symbol to REST")
}

// RESTSymbols returns the symbols the poller should cover right now:
// the full subscription set in REST/hybrid mode, otherwise only the
// symbols the WebSocket refused.
func (b *Base) RESTSymbols() []string {
	if b.pollAll.Load() {
		return b.Subscribed()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.wsRejected))
	for s := range b.wsRejected {
		if b.subs[s] && !b.unsupported[s] {
			out = append(out, s)
		}
	}
	return out
}

// EmitTick publishes a tick. The channel is bounded; when the consumer
// falls behind the oldest queued tick is replaced, which is safe
// because only the latest tick per (exchange, symbol) matters.
func (b *Base) EmitTick(tick market.RateTick) {
	if b.Unsupported(tick.Symbol) {
		return
	}
	if tick.Source == market.TransportWS {
		b.TouchFrame()
	}

	rate, _ := tick.FundingRate.Float64()
	metrics.RecordTick(string(b.exchange), tick.Symbol, string(tick.Source), rate)

	for {
		select {
		case b.ticks <- tick:
			return
		default:
			select {
			case <-b.ticks: // drop oldest
			default:
			}
		}
	}
}

// EmitConnectivity publishes a transport state change.
func (b *Base) EmitConnectivity(transport market.Transport, state market.ConnState, reason string) {
	ev := market.Connectivity{
		Exchange:  b.exchange,
		Transport: transport,
		State:     state,
		Reason:    reason,
		At:        time.Now().UTC(),
	}

	metrics.RecordConnectionStatus(string(b.exchange), transport == market.TransportWS && state == market.StateUp)

	select {
	case b.conns <- ev:
	default:
		select {
		case <-b.conns:
		default:
		}
		b.conns <- ev
	}
}

// RecordParseError counts a malformed inbound frame. The frame is
// discarded; parse failures never stop the feed.
func (b *Base) RecordParseError(err error) {
	metrics.ParseErrors.WithLabelValues(string(b.exchange)).Inc()
	log.Debug().Err(err).Str("exchange", string(b.exchange)).Msg("Discarding malformed frame")
}

// TouchFrame records inbound WS traffic for idle detection.
func (b *Base) TouchFrame() {
	b.lastFrame.Store(time.Now().UnixNano())
}

// LastFrameAt returns the most recent inbound frame time.
func (b *Base) LastFrameAt() time.Time {
	ns := b.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
