package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPort struct {
	mu       sync.Mutex
	writes   []string
	failKind string
	block    chan struct{}
}

func (p *memPort) record(kind, id string) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == p.failKind {
		return fmt.Errorf("backend down")
	}
	p.writes = append(p.writes, kind+":"+id)
	return nil
}

func (p *memPort) SaveOpportunity(_ context.Context, o market.Opportunity) error {
	return p.record("save", o.ID)
}
func (p *memPort) UpdateOpportunity(_ context.Context, o market.Opportunity) error {
	return p.record("update", o.ID)
}
func (p *memPort) SaveHistory(_ context.Context, h market.OpportunityHistory) error {
	return p.record("history", h.OpportunityID)
}
func (p *memPort) SaveNotification(_ context.Context, r market.NotificationRecord) error {
	return p.record("notification", r.OpportunityID)
}
func (p *memPort) PublishHealth(_ context.Context, _ market.HealthReport) error {
	return p.record("health", "-")
}
func (p *memPort) Close() error { return nil }

func (p *memPort) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

func opp(id string) market.Opportunity {
	return market.Opportunity{
		ID:            id,
		Symbol:        "BTCUSDT",
		CurrentSpread: decimal.RequireFromString("0.0007"),
	}
}

func TestAsyncWriterPreservesOrder(t *testing.T) {
	port := &memPort{}
	w := NewAsyncWriter(port, 16)

	w.SaveOpportunity(opp("op-1"))
	w.UpdateOpportunity(opp("op-1"))
	w.SaveHistory(market.OpportunityHistory{OpportunityID: "op-1", Symbol: "BTCUSDT"})
	w.Close()

	assert.Equal(t, []string{"save:op-1", "update:op-1", "history:op-1"}, port.snapshot())
}

func TestAsyncWriterOfferEventRoutesByType(t *testing.T) {
	port := &memPort{}
	w := NewAsyncWriter(port, 16)

	w.OfferEvent(market.Event{Type: market.EventAppeared, Opportunity: opp("op-2")})
	w.OfferEvent(market.Event{Type: market.EventUpdated, Opportunity: opp("op-2")})
	w.OfferEvent(market.Event{Type: market.EventDisappeared,
		History: market.OpportunityHistory{OpportunityID: "op-2", Symbol: "BTCUSDT"}})
	w.Close()

	assert.Equal(t, []string{"save:op-2", "update:op-2", "history:op-2"}, port.snapshot())
}

func TestAsyncWriterDropsOldestWhenFull(t *testing.T) {
	port := &memPort{block: make(chan struct{})}
	w := NewAsyncWriter(port, 2)

	// The first write is stuck in the run loop; two more fill the
	// buffer, the fourth evicts the oldest buffered one.
	w.SaveOpportunity(opp("op-a"))
	require.Eventually(t, func() bool { return len(w.jobs) == 0 }, time.Second, time.Millisecond)
	w.SaveOpportunity(opp("op-b"))
	w.SaveOpportunity(opp("op-c"))
	w.SaveOpportunity(opp("op-d"))

	close(port.block)
	w.Close()

	assert.Equal(t, []string{"save:op-a", "save:op-c", "save:op-d"}, port.snapshot())
}

func TestAsyncWriterIgnoresWritesAfterClose(t *testing.T) {
	port := &memPort{}
	w := NewAsyncWriter(port, 16)
	w.Close()

	w.SaveOpportunity(opp("late")) // must not panic
	w.Close()                      // idempotent

	assert.Empty(t, port.snapshot())
}

func TestAsyncWriterContinuesPastFailures(t *testing.T) {
	port := &memPort{failKind: "save"}
	w := NewAsyncWriter(port, 16)

	w.SaveOpportunity(opp("op-x"))
	w.SaveNotification(market.NotificationRecord{OpportunityID: "op-x"})
	w.Close()

	assert.Equal(t, []string{"notification:op-x"}, port.snapshot())
}
