package notify

import (
	"context"
	"sync"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"

	"github.com/rs/zerolog/log"
)

const (
	deliveryTimeout  = 5 * time.Second
	deliveryAttempts = 3
	retryBackoffBase = 250 * time.Millisecond
)

// Fanout dispatches each event to every channel concurrently. Channels
// are isolated: one failing or slow endpoint never delays the others,
// and every attempt leaves a NotificationRecord.
type Fanout struct {
	channels []Channel
	record   func(market.NotificationRecord)
	wg       sync.WaitGroup
}

// NewFanout creates a fanout over the given channels. record receives
// the outcome of every delivery; nil disables recording.
func NewFanout(channels []Channel, record func(market.NotificationRecord)) *Fanout {
	if record == nil {
		record = func(market.NotificationRecord) {}
	}
	return &Fanout{channels: channels, record: record}
}

// Dispatch sends one event to all channels and returns once every
// channel has settled.
func (f *Fanout) Dispatch(ctx context.Context, ev market.Event) {
	var wg sync.WaitGroup
	for _, ch := range f.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			f.deliverOne(ctx, ch, ev)
		}(ch)
	}
	wg.Wait()
}

// DispatchAsync sends without waiting; Drain waits for stragglers.
func (f *Fanout) DispatchAsync(ctx context.Context, ev market.Event) {
	for _, ch := range f.channels {
		f.wg.Add(1)
		go func(ch Channel) {
			defer f.wg.Done()
			f.deliverOne(ctx, ch, ev)
		}(ch)
	}
}

// Drain blocks until in-flight deliveries finish or the context ends.
func (f *Fanout) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Healthy reports per-channel health.
func (f *Fanout) Healthy(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(f.channels))
	for _, ch := range f.channels {
		out[ch.Name()] = ch.HealthCheck(ctx) == nil
	}
	return out
}

func (f *Fanout) deliverOne(ctx context.Context, ch Channel, ev market.Event) {
	rec := market.NotificationRecord{
		OpportunityID: ev.Opportunity.ID,
		Channel:       ch.Name(),
		Severity:      ev.Opportunity.Severity,
	}

	payload, err := ch.Format(ev)
	if err != nil {
		rec.Outcome = market.OutcomeFailed
		rec.ErrorKind = market.KindChannelDeliveryFailed
		rec.DeliveredAt = time.Now().UTC()
		metrics.RecordNotification(ch.Name(), string(rec.Outcome))
		f.record(rec)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		rec.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		lastErr = ch.Deliver(attemptCtx, payload)
		cancel()

		if lastErr == nil {
			rec.Outcome = market.OutcomeSent
			rec.DeliveredAt = time.Now().UTC()
			metrics.RecordNotification(ch.Name(), string(rec.Outcome))
			f.record(rec)
			return
		}
		if !market.Retryable(lastErr) || attempt == deliveryAttempts {
			break
		}

		backoff := retryBackoffBase << uint(attempt-1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			attempt = deliveryAttempts
		}
	}

	rec.Outcome = market.OutcomeFailed
	rec.ErrorKind = market.KindOf(lastErr)
	if rec.ErrorKind == "" {
		rec.ErrorKind = market.KindChannelDeliveryFailed
	}
	rec.DeliveredAt = time.Now().UTC()
	metrics.RecordNotification(ch.Name(), string(rec.Outcome))
	f.record(rec)

	log.Warn().
		Err(lastErr).
		Str("channel", ch.Name()).
		Str("symbol", ev.Opportunity.Symbol).
		Int("attempts", rec.Attempts).
		Msg("Notification delivery failed")
}
