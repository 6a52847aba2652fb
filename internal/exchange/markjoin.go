package exchange

import (
	"sync"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/shopspring/decimal"
)

// markHoldWindow bounds how long a funding tick waits for a mark price
// arriving on a separate channel before going out without one.
const markHoldWindow = 2 * time.Second

// MarkJoiner combines funding-rate frames with the most recently seen
// mark price when an exchange pushes the two on distinct channels. A
// funding tick with no mark price yet is held briefly, then emitted
// with a null mark.
type MarkJoiner struct {
	mu      sync.Mutex
	marks   map[string]decimal.Decimal
	pending map[string]*heldTick
	emit    func(market.RateTick)
	closed  bool
}

type heldTick struct {
	tick  market.RateTick
	timer *time.Timer
}

// NewMarkJoiner creates a joiner that forwards completed ticks to emit.
func NewMarkJoiner(emit func(market.RateTick)) *MarkJoiner {
	return &MarkJoiner{
		marks:   make(map[string]decimal.Decimal),
		pending: make(map[string]*heldTick),
		emit:    emit,
	}
}

// SetMark records the latest mark price for a symbol and releases any
// funding tick held waiting for it.
func (j *MarkJoiner) SetMark(symbol string, price decimal.Decimal) {
	j.mu.Lock()
	j.marks[symbol] = price

	held, ok := j.pending[symbol]
	if ok {
		delete(j.pending, symbol)
		held.timer.Stop()
		held.tick.MarkPrice = decimal.NewNullDecimal(price)
	}
	j.mu.Unlock()

	if ok {
		j.emit(held.tick)
	}
}

// OfferFunding emits the tick immediately when a mark price is known,
// otherwise holds it for up to the hold window.
func (j *MarkJoiner) OfferFunding(tick market.RateTick) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}

	if price, ok := j.marks[tick.Symbol]; ok {
		j.mu.Unlock()
		tick.MarkPrice = decimal.NewNullDecimal(price)
		j.emit(tick)
		return
	}

	// Newer funding replaces an older held one.
	if prev, ok := j.pending[tick.Symbol]; ok {
		prev.timer.Stop()
	}

	symbol := tick.Symbol
	held := &heldTick{tick: tick}
	held.timer = time.AfterFunc(markHoldWindow, func() {
		j.mu.Lock()
		cur, ok := j.pending[symbol]
		if ok && cur == held {
			delete(j.pending, symbol)
		}
		j.mu.Unlock()

		if ok && cur == held {
			j.emit(held.tick) // MarkPrice stays null
		}
	})
	j.pending[symbol] = held
	j.mu.Unlock()
}

// Close cancels held ticks.
func (j *MarkJoiner) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	for s, held := range j.pending {
		held.timer.Stop()
		delete(j.pending, s)
	}
}
