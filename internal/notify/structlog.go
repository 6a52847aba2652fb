package notify

import (
	"context"

	"fundarb-monitor/internal/market"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogChannel emits notifications as structured log events, for
// deployments where the log pipeline is the delivery mechanism.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a structured-log channel.
func NewLogChannel() *LogChannel {
	return &LogChannel{logger: log.With().Str("component", "notify").Logger()}
}

func (c *LogChannel) Name() string { return "structured-log" }

func (c *LogChannel) Format(ev market.Event) (Payload, error) {
	return Payload{Subject: subjectFor(ev), Event: ev}, nil
}

func (c *LogChannel) Deliver(_ context.Context, p Payload) error {
	opp := p.Event.Opportunity

	entry := c.logger.Info().
		Str("event", string(p.Event.Type)).
		Str("opportunity_id", opp.ID).
		Str("symbol", opp.Symbol).
		Str("severity", string(opp.Severity)).
		Str("long", string(opp.LongExchange)).
		Str("short", string(opp.ShortExchange)).
		Str("current_spread", opp.CurrentSpread.String()).
		Str("max_spread", opp.MaxSpread.String()).
		Str("annualized_return", opp.AnnualizedReturn.String())

	if p.Event.Type == market.EventDisappeared {
		entry = entry.
			Int64("duration_ms", p.Event.History.DurationMs).
			Str("disappear_reason", string(p.Event.History.DisappearReason))
	}
	entry.Msg(p.Subject)
	return nil
}

func (c *LogChannel) HealthCheck(context.Context) error { return nil }
