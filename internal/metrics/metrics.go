package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the funding-rate monitoring pipeline
var (
	// Tick ingestion metrics
	RateTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_rate_ticks_total",
			Help: "Total number of funding-rate ticks received",
		},
		[]string{"exchange", "source"},
	)

	FundingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_funding_rate",
			Help: "Latest funding rate per exchange and symbol",
		},
		[]string{"exchange", "symbol"},
	)

	StaleTicksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_stale_ticks_dropped_total",
			Help: "Ticks dropped because a newer tick was already cached",
		},
		[]string{"exchange"},
	)

	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_parse_errors_total",
			Help: "Malformed frames discarded per exchange",
		},
		[]string{"exchange"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	SourceModeGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_source_mode",
			Help: "Active data-source mode (0=rest, 1=ws, 2=hybrid)",
		},
		[]string{"exchange"},
	)

	// REST metrics
	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fr_rest_fetch_duration_seconds",
			Help:    "Time to fetch funding data from exchange REST API",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"exchange", "endpoint"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_rest_fetch_errors_total",
			Help: "REST fetch errors classified by kind",
		},
		[]string{"exchange", "kind"},
	)

	// Detector metrics
	OpportunitiesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fr_opportunities_active",
			Help: "Number of currently active opportunities",
		},
	)

	OpportunityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_opportunity_events_total",
			Help: "Lifecycle events emitted by the detector",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fr_events_dropped_total",
			Help: "Update events dropped because the consumer fell behind",
		},
	)

	SpreadValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fr_spread_value",
			Help: "Current funding spread per symbol and pair",
		},
		[]string{"symbol", "long_exchange", "short_exchange"},
	)

	// Notification metrics
	NotificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_notification_attempts_total",
			Help: "Notification delivery outcomes per channel",
		},
		[]string{"channel", "outcome"},
	)

	DebouncePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fr_debounce_pending",
			Help: "Events currently held by the debouncer",
		},
	)

	// Persistence metrics
	PersistenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fr_persistence_writes_total",
			Help: "Persistence port writes by record type and result",
		},
		[]string{"record", "result"},
	)

	PersistenceDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fr_persistence_dropped_total",
			Help: "Records dropped because the persistence buffer overflowed",
		},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordTick records a received funding-rate tick
func RecordTick(exchange, symbol, source string, rate float64) {
	RateTicks.WithLabelValues(exchange, source).Inc()
	FundingRate.WithLabelValues(exchange, symbol).Set(rate)
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordSourceMode records the active data-source mode for an exchange
func RecordSourceMode(exchange, mode string) {
	v := 0.0
	switch mode {
	case "ws":
		v = 1.0
	case "hybrid":
		v = 2.0
	}
	SourceModeGauge.WithLabelValues(exchange).Set(v)
}

// RecordRestError records a classified REST fetch error
func RecordRestError(exchange, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	RestFetchErrors.WithLabelValues(exchange, kind).Inc()
}

// RecordNotification records a delivery outcome
func RecordNotification(channel, outcome string) {
	NotificationAttempts.WithLabelValues(channel, outcome).Inc()
}

// Server serves Prometheus metrics and the admin health endpoint
type Server struct {
	addr   string
	server *http.Server

	mu     sync.RWMutex
	health json.RawMessage
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	s := &Server{addr: addr, health: json.RawMessage(`{}`)}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(s.health)
	})

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// SetHealth updates the payload served on /healthz
func (s *Server) SetHealth(report json.RawMessage) {
	s.mu.Lock()
	s.health = report
	s.mu.Unlock()
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
