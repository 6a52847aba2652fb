package store

import (
	"context"
	"sync"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"

	"github.com/rs/zerolog/log"
)

const (
	defaultWriteBuffer = 1024
	drainDeadline      = 2 * time.Second
)

// AsyncWriter decouples the pipeline from persistence latency. One
// goroutine performs all writes in submission order, which preserves
// the save-update-history causality per opportunity; a full buffer
// drops the oldest record with a counter rather than blocking the
// detector.
type AsyncWriter struct {
	port Port
	jobs chan job
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

type job struct {
	record string
	fn     func(ctx context.Context) error
}

// NewAsyncWriter starts the write loop. bufSize <= 0 uses the default.
func NewAsyncWriter(port Port, bufSize int) *AsyncWriter {
	if bufSize <= 0 {
		bufSize = defaultWriteBuffer
	}
	w := &AsyncWriter{
		port: port,
		jobs: make(chan job, bufSize),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// SaveOpportunity enqueues an opportunity insert.
func (w *AsyncWriter) SaveOpportunity(opp market.Opportunity) {
	w.enqueue(job{record: "opportunity", fn: func(ctx context.Context) error {
		return w.port.SaveOpportunity(ctx, opp)
	}})
}

// UpdateOpportunity enqueues an opportunity update.
func (w *AsyncWriter) UpdateOpportunity(opp market.Opportunity) {
	w.enqueue(job{record: "opportunity", fn: func(ctx context.Context) error {
		return w.port.UpdateOpportunity(ctx, opp)
	}})
}

// SaveHistory enqueues a closing record.
func (w *AsyncWriter) SaveHistory(h market.OpportunityHistory) {
	w.enqueue(job{record: "history", fn: func(ctx context.Context) error {
		return w.port.SaveHistory(ctx, h)
	}})
}

// SaveNotification enqueues a delivery record.
func (w *AsyncWriter) SaveNotification(rec market.NotificationRecord) {
	w.enqueue(job{record: "notification", fn: func(ctx context.Context) error {
		return w.port.SaveNotification(ctx, rec)
	}})
}

// PublishHealth enqueues a health report.
func (w *AsyncWriter) PublishHealth(report market.HealthReport) {
	w.enqueue(job{record: "health", fn: func(ctx context.Context) error {
		return w.port.PublishHealth(ctx, report)
	}})
}

// OfferEvent enqueues the persistence writes implied by a lifecycle
// event.
func (w *AsyncWriter) OfferEvent(ev market.Event) {
	switch ev.Type {
	case market.EventAppeared:
		w.SaveOpportunity(ev.Opportunity)
	case market.EventUpdated:
		w.UpdateOpportunity(ev.Opportunity)
	case market.EventDisappeared:
		w.SaveHistory(ev.History)
	}
}

// Close stops accepting writes and waits up to the drain deadline for
// queued records to flush.
func (w *AsyncWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-time.After(drainDeadline):
		log.Warn().Msg("Persistence drain deadline reached, remaining records lost")
	}
}

func (w *AsyncWriter) enqueue(j job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		metrics.PersistenceDropped.Inc()
		return
	}

	for {
		select {
		case w.jobs <- j:
			return
		default:
			// Buffer full: sacrifice the oldest queued record.
			select {
			case <-w.jobs:
				metrics.PersistenceDropped.Inc()
			default:
			}
		}
	}
}

func (w *AsyncWriter) run() {
	defer close(w.done)

	for j := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := j.fn(ctx)
		cancel()

		if err != nil {
			metrics.PersistenceWrites.WithLabelValues(j.record, "error").Inc()
			log.Warn().Err(err).Str("record", j.record).Msg("Persistence write failed")
			continue
		}
		metrics.PersistenceWrites.WithLabelValues(j.record, "ok").Inc()
	}
}
