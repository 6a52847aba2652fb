package exchange

import (
	"context"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Poller fetches funding rates over REST at a fixed cadence. It never
// stops itself on errors; deciding whether REST should keep running is
// the data-source manager's job. Scope follows the owning client's
// poll-all flag: the full subscription set in REST/hybrid mode, only
// WS-refused symbols otherwise.
type Poller struct {
	base     *Base
	fetch    func(ctx context.Context) ([]market.RateTick, error)
	interval time.Duration
}

// NewPoller creates a poller bound to a client's shared state.
func NewPoller(base *Base, interval time.Duration, fetch func(ctx context.Context) ([]market.RateTick, error)) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{base: base, fetch: fetch, interval: interval}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	exchange := string(p.base.Exchange())
	delay := p.interval
	restUp := false
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = p.interval

		wanted := p.base.RESTSymbols()
		if len(wanted) == 0 {
			continue
		}

		ticks, err := p.fetch(ctx)
		if err != nil {
			kind := market.KindOf(err)
			metrics.RecordRestError(exchange, string(kind))

			switch kind {
			case market.KindSymbolUnsupported:
				log.Debug().Err(err).Str("exchange", exchange).Msg("REST poll: symbol not found")
			case market.KindRateLimited:
				if hint := market.RetryAfterHint(err); hint > 0 {
					delay = hint
				} else {
					delay = nextPollBackoff(delay, failures)
				}
				log.Warn().Err(err).Str("exchange", exchange).Dur("retry_in", delay).
					Msg("REST poll rate limited")
			case market.KindTransportDown:
				delay = nextPollBackoff(delay, failures)
				log.Warn().Err(err).Str("exchange", exchange).Dur("retry_in", delay).
					Msg("REST poll transport failure")
			default:
				log.Error().Err(err).Str("exchange", exchange).Msg("REST poll failed")
			}

			failures++
			if restUp && failures >= 3 {
				restUp = false
				p.base.EmitConnectivity(market.TransportREST, market.StateDown, string(kind))
			}
			continue
		}

		failures = 0
		if !restUp {
			restUp = true
			p.base.EmitConnectivity(market.TransportREST, market.StateUp, "poll-ok")
		}

		allowed := make(map[string]bool, len(wanted))
		for _, s := range wanted {
			allowed[s] = true
		}
		for _, tick := range ticks {
			if allowed[tick.Symbol] {
				p.base.EmitTick(tick)
			}
		}
	}
}

func nextPollBackoff(current time.Duration, failures int) time.Duration {
	next := current << uint(failures)
	if next > 60*time.Second || next <= 0 {
		next = 60 * time.Second
	}
	return next
}
