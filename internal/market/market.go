package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies a supported exchange
type Exchange string

const (
	Binance Exchange = "binance"
	OKX     Exchange = "okx"
	GateIO  Exchange = "gateio"
	MEXC    Exchange = "mexc"
	BingX   Exchange = "bingx"
)

// AllExchanges returns the closed set of supported exchanges in alphabetical order.
func AllExchanges() []Exchange {
	return []Exchange{BingX, Binance, GateIO, MEXC, OKX}
}

// ParseExchange validates an exchange name against the closed set.
func ParseExchange(s string) (Exchange, error) {
	ex := Exchange(strings.ToLower(strings.TrimSpace(s)))
	switch ex {
	case Binance, OKX, GateIO, MEXC, BingX:
		return ex, nil
	}
	return "", &Error{Kind: KindConfigInvalid, Op: "market.ParseExchange",
		Err: fmt.Errorf("unknown exchange %q", s)}
}

// FeedSupport describes how an exchange delivers its funding-rate feed
type FeedSupport string

const (
	FeedWSNative FeedSupport = "ws-native"
	FeedWSWrap   FeedSupport = "ws-wrapper"
	FeedRESTOnly FeedSupport = "rest-only"
)

// Capabilities holds static per-exchange capabilities
type Capabilities struct {
	FundingFeed FeedSupport
}

// Transport identifies the source of a data point
type Transport string

const (
	TransportWS   Transport = "ws"
	TransportREST Transport = "rest"
)

// ConnState is the connectivity state of a transport
type ConnState string

const (
	StateUp   ConnState = "UP"
	StateDown ConnState = "DOWN"
)

// Connectivity is emitted by exchange clients when a transport changes state
type Connectivity struct {
	Exchange  Exchange  `json:"exchange"`
	Transport Transport `json:"transport"`
	State     ConnState `json:"state"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// SourceMode is the active data-source mode for an (exchange, dataType) pair
type SourceMode string

const (
	ModeWS     SourceMode = "ws"
	ModeREST   SourceMode = "rest"
	ModeHybrid SourceMode = "hybrid"
)

// RateTick is a normalized funding-rate observation.
// Financial fields are decimals; mark and index prices may be absent
// when the exchange pushes them on a separate channel that has not
// delivered yet.
type RateTick struct {
	Exchange             Exchange            `json:"exchange"`
	Symbol               string              `json:"symbol"` // canonical form
	FundingRate          decimal.Decimal     `json:"funding_rate"`
	FundingIntervalHours int                 `json:"funding_interval_hours"` // 1|2|4|8
	NextFundingTime      time.Time           `json:"next_funding_time"`
	MarkPrice            decimal.NullDecimal `json:"mark_price"`
	IndexPrice           decimal.NullDecimal `json:"index_price"`
	Source               Transport           `json:"source"`
	ReceivedAt           time.Time           `json:"received_at"`
}

// OrderTick is a normalized order update from a private user-data stream.
type OrderTick struct {
	Exchange     Exchange            `json:"exchange"`
	Symbol       string              `json:"symbol"`
	OrderID      string              `json:"order_id"`
	Side         string              `json:"side"`   // BUY or SELL
	Status       string              `json:"status"` // NEW, FILLED, CANCELED, ...
	Price        decimal.Decimal     `json:"price"`
	Quantity     decimal.Decimal     `json:"quantity"`
	FilledQty    decimal.Decimal     `json:"filled_qty"`
	AvgFillPrice decimal.NullDecimal `json:"avg_fill_price"`
	ReceivedAt   time.Time           `json:"received_at"`
}

// Severity classifies an opportunity by spread tier
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the ordering of a severity for upgrade checks.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// OpportunityStatus is the lifecycle status of an opportunity
type OpportunityStatus string

const (
	StatusActive  OpportunityStatus = "ACTIVE"
	StatusExpired OpportunityStatus = "EXPIRED"
)

// DisappearReason explains why an opportunity expired
type DisappearReason string

const (
	ReasonRateDropped     DisappearReason = "RATE_DROPPED"
	ReasonDataUnavailable DisappearReason = "DATA_UNAVAILABLE"
)

// Opportunity is a symbol-level cross-exchange arbitrage candidate.
// At most one ACTIVE opportunity exists per symbol; the detector is
// the sole writer, everyone else receives value snapshots.
type Opportunity struct {
	ID                   string            `json:"id"`
	Symbol               string            `json:"symbol"`
	LongExchange         Exchange          `json:"long_exchange"`
	ShortExchange        Exchange          `json:"short_exchange"`
	LongRate             decimal.Decimal   `json:"long_rate"`
	ShortRate            decimal.Decimal   `json:"short_rate"`
	EntrySpread          decimal.Decimal   `json:"entry_spread"`
	CurrentSpread        decimal.Decimal   `json:"current_spread"`
	MaxSpread            decimal.Decimal   `json:"max_spread"`
	MaxSpreadAt          time.Time         `json:"max_spread_at"`
	FirstDetectedAt      time.Time         `json:"first_detected_at"`
	LastNotifiedAt       time.Time         `json:"last_notified_at"`
	NotificationCount    int               `json:"notification_count"`
	Severity             Severity          `json:"severity"`
	AnnualizedReturn     decimal.Decimal   `json:"annualized_return"`
	FundingIntervalHours int               `json:"funding_interval_hours"`
	NextFundingTime      time.Time         `json:"next_funding_time"`
	Status               OpportunityStatus `json:"status"`
}

// OpportunityHistory is the append-only record written when an
// opportunity expires.
type OpportunityHistory struct {
	OpportunityID   string          `json:"opportunity_id"`
	Symbol          string          `json:"symbol"`
	DurationMs      int64           `json:"duration_ms"`
	MaxSpread       decimal.Decimal `json:"max_spread"`
	AverageSpread   decimal.Decimal `json:"average_spread"`
	DisappearReason DisappearReason `json:"disappear_reason"`
	Notifications   int             `json:"notifications"`
	EndedAt         time.Time       `json:"ended_at"`
}

// EventType enumerates opportunity lifecycle events
type EventType string

const (
	EventAppeared    EventType = "opportunity:appeared"
	EventUpdated     EventType = "opportunity:updated"
	EventDisappeared EventType = "opportunity:disappeared"
)

// Event is a lifecycle event carrying an immutable opportunity snapshot.
type Event struct {
	Type        EventType          `json:"type"`
	Opportunity Opportunity        `json:"opportunity"`
	History     OpportunityHistory `json:"history,omitempty"` // filled for disappeared
	At          time.Time          `json:"at"`
}

// NotificationOutcome is the result of one delivery decision
type NotificationOutcome string

const (
	OutcomeSent       NotificationOutcome = "SENT"
	OutcomeSuppressed NotificationOutcome = "SUPPRESSED_DEBOUNCE"
	OutcomeFailed     NotificationOutcome = "FAILED"
)

// NotificationRecord is the append-only record of a delivery attempt.
type NotificationRecord struct {
	OpportunityID string              `json:"opportunity_id"`
	Channel       string              `json:"channel"`
	Severity      Severity            `json:"severity"`
	DeliveredAt   time.Time           `json:"delivered_at"`
	Outcome       NotificationOutcome `json:"outcome"`
	ErrorKind     Kind                `json:"error_kind,omitempty"`
	Attempts      int                 `json:"attempts"`
}

// ExchangeHealth is one exchange's entry in a health report
type ExchangeHealth struct {
	Connectivity ConnState  `json:"connectivity"`
	Mode         SourceMode `json:"mode"`
	LastSeen     time.Time  `json:"last_seen"`
	Stale        bool       `json:"stale"`
}

// HealthReport is the periodic cross-component heartbeat
type HealthReport struct {
	AsOf                time.Time                   `json:"as_of"`
	PerExchange         map[Exchange]ExchangeHealth `json:"per_exchange"`
	ActiveOpportunities int                         `json:"active"`
	QueueDepths         map[string]int              `json:"queue_depths"`
	ChannelSuccess      map[string]float64          `json:"channel_success"`
}
