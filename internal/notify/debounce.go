// Package notify carries opportunity events to the outside world:
// per-symbol debouncing, then concurrent fan-out to the configured
// channels with per-channel retry and outcome records.
package notify

import (
	"sync"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"
)

// DefaultDebounceWindow spaces repeated update notifications for the
// same symbol.
const DefaultDebounceWindow = 30 * time.Second

// Debouncer coalesces update events per symbol. Appeared and
// disappeared events pass through immediately, as do severity
// upgrades; everything else waits until a window has elapsed since
// the symbol's last released notification.
type Debouncer struct {
	window time.Duration
	out    func(market.Event)
	record func(market.NotificationRecord)
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEvent
	last    map[string]lastNotice
	closed  bool
}

type pendingEvent struct {
	ev    market.Event
	timer *time.Timer
}

type lastNotice struct {
	at       time.Time
	severity market.Severity
}

// NewDebouncer creates a debouncer that hands released events to out.
// Events swallowed by the window produce a SUPPRESSED_DEBOUNCE record
// through record; a nil record discards them.
func NewDebouncer(window time.Duration, out func(market.Event), record func(market.NotificationRecord)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if record == nil {
		record = func(market.NotificationRecord) {}
	}
	return &Debouncer{
		window:  window,
		out:     out,
		record:  record,
		now:     time.Now,
		pending: make(map[string]*pendingEvent),
		last:    make(map[string]lastNotice),
	}
}

// Offer routes one event through the debounce policy.
func (d *Debouncer) Offer(ev market.Event) {
	symbol := ev.Opportunity.Symbol

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	switch ev.Type {
	case market.EventAppeared:
		d.releaseLocked(symbol, ev)
		d.mu.Unlock()
		d.out(ev)
		return

	case market.EventDisappeared:
		// A queued update for a finished opportunity is moot.
		d.dropPendingLocked(symbol)
		d.releaseLocked(symbol, ev)
		delete(d.last, symbol)
		d.mu.Unlock()
		d.out(ev)
		return
	}

	now := d.now()
	prev, seen := d.last[symbol]

	// Severity upgrades bypass the window; downgrades do not.
	if seen && ev.Opportunity.Severity.Rank() > prev.severity.Rank() {
		d.dropPendingLocked(symbol)
		d.releaseLocked(symbol, ev)
		d.mu.Unlock()
		d.out(ev)
		return
	}

	if !seen || now.Sub(prev.at) >= d.window {
		d.dropPendingLocked(symbol)
		d.releaseLocked(symbol, ev)
		d.mu.Unlock()
		d.out(ev)
		return
	}

	// Inside the window: hold until it elapses, replacing any older
	// pending event. The window is anchored at the last release.
	remaining := d.window - now.Sub(prev.at)
	if p, ok := d.pending[symbol]; ok {
		d.suppressLocked(p.ev)
		p.ev = ev
		d.mu.Unlock()
		return
	}

	p := &pendingEvent{ev: ev}
	p.timer = time.AfterFunc(remaining, func() { d.fire(symbol, p) })
	d.pending[symbol] = p
	metrics.DebouncePending.Set(float64(len(d.pending)))
	d.mu.Unlock()
}

// PendingCount reports how many symbols have a held event.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close drops held events.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for symbol := range d.pending {
		d.dropPendingLocked(symbol)
	}
}

func (d *Debouncer) fire(symbol string, p *pendingEvent) {
	d.mu.Lock()
	cur, ok := d.pending[symbol]
	if !ok || cur != p || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, symbol)
	metrics.DebouncePending.Set(float64(len(d.pending)))
	ev := p.ev
	d.releaseLocked(symbol, ev)
	d.mu.Unlock()

	d.out(ev)
}

func (d *Debouncer) releaseLocked(symbol string, ev market.Event) {
	d.last[symbol] = lastNotice{at: d.now(), severity: ev.Opportunity.Severity}
}

func (d *Debouncer) dropPendingLocked(symbol string) {
	if p, ok := d.pending[symbol]; ok {
		p.timer.Stop()
		delete(d.pending, symbol)
		metrics.DebouncePending.Set(float64(len(d.pending)))
		d.suppressLocked(p.ev)
	}
}

// suppressLocked records that a held event was dropped without being
// delivered. The audit trail must show why a notification never went
// out.
func (d *Debouncer) suppressLocked(ev market.Event) {
	d.record(market.NotificationRecord{
		OpportunityID: ev.Opportunity.ID,
		Channel:       "debounce",
		Severity:      ev.Opportunity.Severity,
		DeliveredAt:   d.now(),
		Outcome:       market.OutcomeSuppressed,
	})
}
