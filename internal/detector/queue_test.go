package detector

import (
	"fmt"
	"testing"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, q *eventQueue, n int) []market.Event {
	t.Helper()
	out := make([]market.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-q.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("queue delivered %d of %d events", i, n)
		}
	}
	return out
}

func TestQueuePreservesOrder(t *testing.T) {
	q := newEventQueue(8)
	defer q.Close()

	for i := 0; i < 5; i++ {
		q.Push(market.Event{
			Type:        market.EventUpdated,
			Opportunity: market.Opportunity{ID: fmt.Sprintf("op-%d", i)},
		})
	}

	events := drain(t, q, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("op-%d", i), ev.Opportunity.ID)
	}
}

func TestQueueDropsOnlyUpdatesWhenFull(t *testing.T) {
	// No pump goroutine; the buffer policy is what is under test.
	q := &eventQueue{cap: 3, notify: make(chan struct{}, 1)}

	q.Push(market.Event{Type: market.EventAppeared, Opportunity: market.Opportunity{ID: "a"}})
	q.Push(market.Event{Type: market.EventUpdated, Opportunity: market.Opportunity{ID: "b"}})
	q.Push(market.Event{Type: market.EventUpdated, Opportunity: market.Opportunity{ID: "c"}})

	// An update arriving at a full queue is dropped.
	q.Push(market.Event{Type: market.EventUpdated, Opportunity: market.Opportunity{ID: "dropped"}})
	require.Len(t, q.items, 3)

	// A lifecycle event evicts the newest queued update instead.
	q.Push(market.Event{Type: market.EventDisappeared, Opportunity: market.Opportunity{ID: "d"}})
	require.Len(t, q.items, 3)
	assert.Equal(t, "a", q.items[0].Opportunity.ID)
	assert.Equal(t, "b", q.items[1].Opportunity.ID)
	assert.Equal(t, "d", q.items[2].Opportunity.ID)
}

func TestQueueCloseDrains(t *testing.T) {
	q := newEventQueue(8)
	q.Push(market.Event{Type: market.EventAppeared, Opportunity: market.Opportunity{ID: "a"}})
	q.Close()

	events := drain(t, q, 1)
	require.Len(t, events, 1)

	_, ok := <-q.Events()
	assert.False(t, ok, "channel should close after drain")
}
