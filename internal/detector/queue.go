package detector

import (
	"sync"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"
)

// eventQueue is the bounded buffer between the detector workers and the
// event consumer. Appeared and disappeared events are never dropped,
// otherwise consumers would see opportunities that never close (or
// close twice); when the queue is full, updated events give way.
type eventQueue struct {
	mu     sync.Mutex
	items  []market.Event
	cap    int
	notify chan struct{}
	out    chan market.Event
	closed bool
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &eventQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
		out:    make(chan market.Event),
	}
	go q.pump()
	return q
}

// Push enqueues an event. A full queue drops the incoming event when it
// is an update, or evicts the most recent queued update to make room
// for a lifecycle event.
func (q *eventQueue) Push(ev market.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if len(q.items) >= q.cap {
		if ev.Type == market.EventUpdated {
			q.mu.Unlock()
			metrics.EventsDropped.Inc()
			return
		}
		if i := q.lastUpdatedLocked(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			metrics.EventsDropped.Inc()
		}
		// A queue full of lifecycle events grows past cap rather than
		// lose one.
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) lastUpdatedLocked() int {
	for i := len(q.items) - 1; i >= 0; i-- {
		if q.items[i].Type == market.EventUpdated {
			return i
		}
	}
	return -1
}

// Events returns the ordered consumer channel.
func (q *eventQueue) Events() <-chan market.Event { return q.out }

// Close stops the pump after the queue drains.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		var (
			ev   market.Event
			have bool
		)
		if len(q.items) > 0 {
			ev = q.items[0]
			q.items = q.items[1:]
			have = true
		}
		closed := q.closed
		q.mu.Unlock()

		if have {
			q.out <- ev
			continue
		}
		if closed {
			return
		}
		<-q.notify
	}
}
