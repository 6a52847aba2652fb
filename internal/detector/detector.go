// Package detector turns the per-symbol view of cached funding rates
// into opportunity lifecycle events. Symbols are sharded across worker
// goroutines by stable hash, so all state transitions for one symbol
// are serialised while different symbols evaluate concurrently.
package detector

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"
	"fundarb-monitor/internal/ratecache"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Config carries the detection thresholds and tuning knobs.
type Config struct {
	MinimumSpread  decimal.Decimal
	WarningSpread  decimal.Decimal
	CriticalSpread decimal.Decimal

	// MinHold is how long the spread must stay below minimum before an
	// active opportunity expires with RATE_DROPPED.
	MinHold time.Duration

	// MaxStale is how long both legs may stay stale before an active
	// opportunity expires with DATA_UNAVAILABLE.
	MaxStale time.Duration

	Workers  int
	QueueCap int

	// UpdateGate is the relative spread change that justifies an
	// updated event on its own; severity changes always do.
	UpdateGate decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.MinHold <= 0 {
		c.MinHold = 2 * time.Second
	}
	if c.MaxStale <= 0 {
		c.MaxStale = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 1024
	}
	if c.UpdateGate.IsZero() {
		c.UpdateGate = decimal.RequireFromString("0.1")
	}
	return c
}

// Detector owns the per-symbol opportunity state machines.
type Detector struct {
	cfg   Config
	cache *ratecache.Cache
	queue *eventQueue

	shards []chan market.RateTick
	wg     sync.WaitGroup
	now    func() time.Time

	activeMu sync.Mutex
	active   map[string]market.Opportunity // snapshot for health reporting
}

// symState is a single symbol's detection state, owned by one worker.
type symState struct {
	opp               *market.Opportunity
	belowSince        time.Time
	staleSince        time.Time
	spreadSum         decimal.Decimal
	spreadSamples     int64
	lastEmittedSpread decimal.Decimal
}

// New creates a detector reading from cache.
func New(cfg Config, cache *ratecache.Cache) *Detector {
	cfg = cfg.withDefaults()

	d := &Detector{
		cfg:    cfg,
		cache:  cache,
		queue:  newEventQueue(cfg.QueueCap),
		shards: make([]chan market.RateTick, cfg.Workers),
		now:    time.Now,
		active: make(map[string]market.Opportunity),
	}
	for i := range d.shards {
		d.shards[i] = make(chan market.RateTick, 256)
	}
	return d
}

// Start launches the shard workers.
func (d *Detector) Start(ctx context.Context) {
	for _, shard := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, shard)
	}
}

// Stop waits for workers to finish and closes the event stream.
func (d *Detector) Stop() {
	d.wg.Wait()
	d.queue.Close()
}

// Events returns the ordered lifecycle event stream.
func (d *Detector) Events() <-chan market.Event { return d.queue.Events() }

// ActiveCount returns the number of currently active opportunities.
func (d *Detector) ActiveCount() int {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	return len(d.active)
}

// ActiveOpportunities returns a snapshot of active opportunities.
func (d *Detector) ActiveOpportunities() []market.Opportunity {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()

	out := make([]market.Opportunity, 0, len(d.active))
	for _, opp := range d.active {
		out = append(out, opp)
	}
	return out
}

// Ingest stores a tick in the cache and routes it to the symbol's
// shard. A full shard drops its oldest queued tick; only the latest
// tick per (exchange, symbol) matters and the cache already has it.
func (d *Detector) Ingest(tick market.RateTick) {
	if err := d.cache.Put(tick); err != nil {
		// Out-of-order delivery, already counted by the cache.
		return
	}

	shard := d.shards[shardIndex(tick.Symbol, len(d.shards))]
	for {
		select {
		case shard <- tick:
			return
		default:
			select {
			case <-shard:
			default:
			}
		}
	}
}

func shardIndex(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// worker serialises evaluation for its shard's symbols. The sweep
// ticker re-evaluates symbols with live state so opportunities expire
// even when ticks stop arriving.
func (d *Detector) worker(ctx context.Context, shard <-chan market.RateTick) {
	defer d.wg.Done()

	states := make(map[string]*symState)
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-shard:
			st, ok := states[tick.Symbol]
			if !ok {
				st = &symState{}
				states[tick.Symbol] = st
			}
			d.evaluate(tick.Symbol, st)
			if st.opp == nil && st.belowSince.IsZero() {
				delete(states, tick.Symbol)
			}
		case <-sweep.C:
			for symbol, st := range states {
				if st.opp == nil {
					delete(states, symbol)
					continue
				}
				d.evaluate(symbol, st)
			}
		}
	}
}

// candidate is the best long/short pairing for a symbol right now.
type candidate struct {
	long, short market.RateTick
	spread      decimal.Decimal
	annualized  decimal.Decimal
	interval    int
	severity    market.Severity
}

// bestCandidate picks the pair maximising the spread: long the lowest
// funding rate, short the highest. Equal rates break the tie toward
// the shorter funding interval (more fundings per day, higher
// annualized return); the snapshot's alphabetical exchange order
// settles anything still equal. Needs fresh data from at least two
// exchanges.
func (d *Detector) bestCandidate(symbol string) (candidate, bool) {
	snap := d.cache.SnapshotSymbol(symbol)
	if len(snap) < 2 {
		return candidate{}, false
	}

	long, short := snap[0], snap[0]
	for _, tick := range snap[1:] {
		if tick.FundingRate.LessThan(long.FundingRate) ||
			(tick.FundingRate.Equal(long.FundingRate) && shorterInterval(tick, long)) {
			long = tick
		}
		if tick.FundingRate.GreaterThan(short.FundingRate) ||
			(tick.FundingRate.Equal(short.FundingRate) && shorterInterval(tick, short)) {
			short = tick
		}
	}
	if long.Exchange == short.Exchange {
		return candidate{}, false
	}

	spread := short.FundingRate.Sub(long.FundingRate)
	interval := long.FundingIntervalHours
	if short.FundingIntervalHours < interval {
		interval = short.FundingIntervalHours
	}
	if interval <= 0 {
		interval = 8
	}

	fundingsPerDay := decimal.NewFromInt(24).Div(decimal.NewFromInt(int64(interval)))
	annualized := spread.Abs().Mul(fundingsPerDay).Mul(decimal.NewFromInt(365))

	return candidate{
		long:       long,
		short:      short,
		spread:     spread,
		annualized: annualized,
		interval:   interval,
		severity:   d.severityFor(spread),
	}, true
}

// shorterInterval reports whether a's funding interval is strictly
// shorter than b's, treating unknown intervals as the 8h default.
func shorterInterval(a, b market.RateTick) bool {
	ai, bi := a.FundingIntervalHours, b.FundingIntervalHours
	if ai <= 0 {
		ai = 8
	}
	if bi <= 0 {
		bi = 8
	}
	return ai < bi
}

func (d *Detector) severityFor(spread decimal.Decimal) market.Severity {
	abs := spread.Abs()
	switch {
	case !d.cfg.CriticalSpread.IsZero() && abs.GreaterThanOrEqual(d.cfg.CriticalSpread):
		return market.SeverityCritical
	case !d.cfg.WarningSpread.IsZero() && abs.GreaterThanOrEqual(d.cfg.WarningSpread):
		return market.SeverityWarning
	default:
		return market.SeverityInfo
	}
}

// evaluate runs one state-machine step for a symbol.
func (d *Detector) evaluate(symbol string, st *symState) {
	now := d.now()
	cand, haveData := d.bestCandidate(symbol)
	qualifies := haveData && cand.spread.Abs().GreaterThanOrEqual(d.cfg.MinimumSpread)

	switch {
	case st.opp == nil && qualifies:
		d.open(symbol, st, cand, now)
	case st.opp != nil && qualifies:
		st.belowSince = time.Time{}
		st.staleSince = time.Time{}
		d.update(symbol, st, cand, now)
	case st.opp != nil && !haveData:
		// Data outages ride out a longer window than a dropped spread;
		// a single stale exchange must not read as a closed trade.
		st.belowSince = time.Time{}
		if st.staleSince.IsZero() {
			st.staleSince = now
			return
		}
		if now.Sub(st.staleSince) >= d.cfg.MaxStale {
			d.expire(symbol, st, market.ReasonDataUnavailable, now)
		}
	case st.opp != nil:
		st.staleSince = time.Time{}
		if st.belowSince.IsZero() {
			st.belowSince = now
			return
		}
		if now.Sub(st.belowSince) >= d.cfg.MinHold {
			d.expire(symbol, st, market.ReasonRateDropped, now)
		}
	}
}

func (d *Detector) open(symbol string, st *symState, cand candidate, now time.Time) {
	opp := &market.Opportunity{
		ID:                   uuid.NewString(),
		Symbol:               symbol,
		LongExchange:         cand.long.Exchange,
		ShortExchange:        cand.short.Exchange,
		LongRate:             cand.long.FundingRate,
		ShortRate:            cand.short.FundingRate,
		EntrySpread:          cand.spread,
		CurrentSpread:        cand.spread,
		MaxSpread:            cand.spread,
		MaxSpreadAt:          now,
		FirstDetectedAt:      now,
		Severity:             cand.severity,
		AnnualizedReturn:     cand.annualized,
		FundingIntervalHours: cand.interval,
		NextFundingTime:      cand.short.NextFundingTime,
		Status:               market.StatusActive,
	}

	st.opp = opp
	st.belowSince = time.Time{}
	st.spreadSum = cand.spread
	st.spreadSamples = 1
	st.lastEmittedSpread = cand.spread

	d.trackActive(*opp)
	d.emit(market.Event{Type: market.EventAppeared, Opportunity: *opp, At: now})

	log.Info().
		Str("symbol", symbol).
		Str("long", string(opp.LongExchange)).
		Str("short", string(opp.ShortExchange)).
		Str("spread", opp.EntrySpread.String()).
		Str("severity", string(opp.Severity)).
		Msg("Opportunity appeared")
}

// update advances the active opportunity in place. The best pair may
// have moved to different exchanges; the opportunity follows it.
func (d *Detector) update(symbol string, st *symState, cand candidate, now time.Time) {
	opp := st.opp
	prevSeverity := opp.Severity
	pairChanged := opp.LongExchange != cand.long.Exchange || opp.ShortExchange != cand.short.Exchange

	opp.LongExchange = cand.long.Exchange
	opp.ShortExchange = cand.short.Exchange
	opp.LongRate = cand.long.FundingRate
	opp.ShortRate = cand.short.FundingRate
	opp.CurrentSpread = cand.spread
	opp.Severity = cand.severity
	opp.AnnualizedReturn = cand.annualized
	opp.FundingIntervalHours = cand.interval
	opp.NextFundingTime = cand.short.NextFundingTime
	if cand.spread.Abs().GreaterThan(opp.MaxSpread.Abs()) {
		opp.MaxSpread = cand.spread
		opp.MaxSpreadAt = now
	}

	st.spreadSum = st.spreadSum.Add(cand.spread)
	st.spreadSamples++
	d.trackActive(*opp)

	if d.shouldEmitUpdate(st, cand, prevSeverity, pairChanged) {
		st.lastEmittedSpread = cand.spread
		d.emit(market.Event{Type: market.EventUpdated, Opportunity: *opp, At: now})
	}
}

// shouldEmitUpdate applies the noise gate: a severity change or a leg
// reselection always emits, otherwise the spread must have moved by
// the relative gate since the last emitted value.
func (d *Detector) shouldEmitUpdate(st *symState, cand candidate, prevSeverity market.Severity, pairChanged bool) bool {
	if cand.severity != prevSeverity || pairChanged {
		return true
	}
	if st.lastEmittedSpread.IsZero() {
		return true
	}
	change := cand.spread.Sub(st.lastEmittedSpread).Abs().Div(st.lastEmittedSpread.Abs())
	return change.GreaterThanOrEqual(d.cfg.UpdateGate)
}

func (d *Detector) expire(symbol string, st *symState, reason market.DisappearReason, now time.Time) {
	opp := st.opp
	opp.Status = market.StatusExpired
	opp.CurrentSpread = decimal.Zero

	average := decimal.Zero
	if st.spreadSamples > 0 {
		average = st.spreadSum.Div(decimal.NewFromInt(st.spreadSamples))
	}
	history := market.OpportunityHistory{
		OpportunityID:   opp.ID,
		Symbol:          symbol,
		DurationMs:      now.Sub(opp.FirstDetectedAt).Milliseconds(),
		MaxSpread:       opp.MaxSpread,
		AverageSpread:   average,
		DisappearReason: reason,
		Notifications:   opp.NotificationCount,
		EndedAt:         now,
	}

	d.untrackActive(symbol)
	d.emit(market.Event{Type: market.EventDisappeared, Opportunity: *opp, History: history, At: now})

	log.Info().
		Str("symbol", symbol).
		Str("reason", string(reason)).
		Int64("duration_ms", history.DurationMs).
		Str("max_spread", history.MaxSpread.String()).
		Msg("Opportunity disappeared")

	*st = symState{}
}

func (d *Detector) emit(ev market.Event) {
	metrics.OpportunityEvents.WithLabelValues(string(ev.Type)).Inc()
	spread, _ := ev.Opportunity.CurrentSpread.Float64()
	metrics.SpreadValue.WithLabelValues(
		ev.Opportunity.Symbol,
		string(ev.Opportunity.LongExchange),
		string(ev.Opportunity.ShortExchange),
	).Set(spread)
	d.queue.Push(ev)
}

func (d *Detector) trackActive(opp market.Opportunity) {
	d.activeMu.Lock()
	d.active[opp.Symbol] = opp
	metrics.OpportunitiesActive.Set(float64(len(d.active)))
	d.activeMu.Unlock()
}

func (d *Detector) untrackActive(symbol string) {
	d.activeMu.Lock()
	delete(d.active, symbol)
	metrics.OpportunitiesActive.Set(float64(len(d.active)))
	d.activeMu.Unlock()
}
