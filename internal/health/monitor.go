// Package health assembles the periodic cross-component heartbeat. The
// monitor polls every stage of the pipeline, publishes the report to
// persistence, and feeds the admin /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/rs/zerolog/log"
)

// DefaultReportInterval is how often a report is assembled.
const DefaultReportInterval = 30 * time.Second

// ModeSource reports the active data-source mode per exchange.
type ModeSource interface {
	Modes() map[market.Exchange]market.SourceMode
}

// TickSource reports per-exchange data freshness.
type TickSource interface {
	LastSeen(ex market.Exchange) time.Time
	StalenessFor(ex market.Exchange) time.Duration
}

// OpportunitySource reports the number of active opportunities.
type OpportunitySource interface {
	ActiveCount() int
}

// QueueSource reports the debouncer backlog.
type QueueSource interface {
	PendingCount() int
}

// ChannelSource probes notification channel health.
type ChannelSource interface {
	Healthy(ctx context.Context) map[string]bool
}

// Sink receives assembled reports.
type Sink interface {
	PublishHealth(report market.HealthReport)
}

// AdminSink feeds the /healthz endpoint.
type AdminSink interface {
	SetHealth(report json.RawMessage)
}

// Monitor assembles and publishes periodic health reports.
type Monitor struct {
	interval time.Duration
	modes    ModeSource
	ticks    TickSource
	opps     OpportunitySource
	queue    QueueSource
	channels ChannelSource
	sink     Sink
	admin    AdminSink

	now func() time.Time
}

// New creates a monitor. interval <= 0 uses the default.
func New(interval time.Duration, modes ModeSource, ticks TickSource,
	opps OpportunitySource, queue QueueSource, channels ChannelSource,
	sink Sink, admin AdminSink) *Monitor {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Monitor{
		interval: interval,
		modes:    modes,
		ticks:    ticks,
		opps:     opps,
		queue:    queue,
		channels: channels,
		sink:     sink,
		admin:    admin,
		now:      time.Now,
	}
}

// Run publishes reports until ctx is cancelled. One report goes out
// immediately so the endpoint is populated at startup.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publish(ctx)
		}
	}
}

// Report assembles a point-in-time health report.
func (m *Monitor) Report(ctx context.Context) market.HealthReport {
	now := m.now().UTC()

	perExchange := make(map[market.Exchange]market.ExchangeHealth)
	for ex, mode := range m.modes.Modes() {
		lastSeen := m.ticks.LastSeen(ex)
		stale := lastSeen.IsZero() || now.Sub(lastSeen) > m.ticks.StalenessFor(ex)

		conn := market.StateUp
		if stale {
			conn = market.StateDown
		}
		perExchange[ex] = market.ExchangeHealth{
			Connectivity: conn,
			Mode:         mode,
			LastSeen:     lastSeen,
			Stale:        stale,
		}
	}

	channelSuccess := make(map[string]float64)
	for name, ok := range m.channels.Healthy(ctx) {
		if ok {
			channelSuccess[name] = 1
		} else {
			channelSuccess[name] = 0
		}
	}

	return market.HealthReport{
		AsOf:                now,
		PerExchange:         perExchange,
		ActiveOpportunities: m.opps.ActiveCount(),
		QueueDepths:         map[string]int{"debounce_pending": m.queue.PendingCount()},
		ChannelSuccess:      channelSuccess,
	}
}

func (m *Monitor) publish(ctx context.Context) {
	report := m.Report(ctx)

	for ex, eh := range report.PerExchange {
		if eh.Stale {
			log.Warn().Str("exchange", string(ex)).Time("last_seen", eh.LastSeen).
				Str("mode", string(eh.Mode)).Msg("Exchange data is stale")
		}
	}
	for name, v := range report.ChannelSuccess {
		if v == 0 {
			log.Warn().Str("channel", name).Msg("Notification channel unhealthy")
		}
	}

	if m.sink != nil {
		m.sink.PublishHealth(report)
	}
	if m.admin != nil {
		if raw, err := json.Marshal(report); err == nil {
			m.admin.SetHealth(raw)
		}
	}
}
