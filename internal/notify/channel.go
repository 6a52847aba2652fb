package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/shopspring/decimal"
)

// Verbosity selects how much of the opportunity a channel renders.
type Verbosity string

const (
	VerbositySimple   Verbosity = "simple"
	VerbosityDetailed Verbosity = "detailed"
)

// Payload is a channel-agnostic rendering of one event.
type Payload struct {
	Subject string
	Body    string
	Event   market.Event
}

// Channel delivers notifications somewhere. Implementations must be
// safe for concurrent use; the fanout calls them from worker
// goroutines.
type Channel interface {
	Name() string
	Format(ev market.Event) (Payload, error)
	Deliver(ctx context.Context, p Payload) error
	HealthCheck(ctx context.Context) error
}

func percent(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(4) + "%"
}

func subjectFor(ev market.Event) string {
	opp := ev.Opportunity
	switch ev.Type {
	case market.EventAppeared:
		return fmt.Sprintf("[%s] funding arb on %s: %s", opp.Severity, opp.Symbol, percent(opp.CurrentSpread))
	case market.EventDisappeared:
		return fmt.Sprintf("funding arb on %s ended (%s)", opp.Symbol, ev.History.DisappearReason)
	default:
		return fmt.Sprintf("[%s] funding arb on %s now %s", opp.Severity, opp.Symbol, percent(opp.CurrentSpread))
	}
}

// renderBody builds the notification text. Simple keeps it to symbol,
// spread and annualized return; detailed adds the legs, rates and
// timing.
func renderBody(ev market.Event, v Verbosity) string {
	opp := ev.Opportunity

	var b strings.Builder
	fmt.Fprintf(&b, "%s spread %s annualized %s",
		opp.Symbol, percent(opp.CurrentSpread), percent(opp.AnnualizedReturn))

	if ev.Type == market.EventDisappeared {
		fmt.Fprintf(&b, " | ended after %s, max spread %s, reason %s",
			(time.Duration(ev.History.DurationMs) * time.Millisecond).Round(time.Second),
			percent(ev.History.MaxSpread), ev.History.DisappearReason)
	}

	if v != VerbosityDetailed {
		return b.String()
	}

	fmt.Fprintf(&b, " | long %s @ %s, short %s @ %s",
		opp.LongExchange, percent(opp.LongRate),
		opp.ShortExchange, percent(opp.ShortRate))
	fmt.Fprintf(&b, " | next funding %s, every %dh, severity %s",
		opp.NextFundingTime.UTC().Format(time.RFC3339), opp.FundingIntervalHours, opp.Severity)
	if !opp.FirstDetectedAt.IsZero() {
		fmt.Fprintf(&b, ", live for %s", ev.At.Sub(opp.FirstDetectedAt).Round(time.Second))
	}
	return b.String()
}
