package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	name     string
	failWith error
	mu       sync.Mutex
	attempts int
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Format(ev market.Event) (Payload, error) {
	return Payload{Subject: "s", Body: "b", Event: ev}, nil
}
func (s *stubChannel) Deliver(context.Context, Payload) error {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	return s.failWith
}
func (s *stubChannel) HealthCheck(context.Context) error { return nil }

func (s *stubChannel) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func sampleEvent() market.Event {
	return market.Event{
		Type: market.EventAppeared,
		Opportunity: market.Opportunity{
			ID:               "op-1",
			Symbol:           "BTCUSDT",
			Severity:         market.SeverityWarning,
			CurrentSpread:    decimal.RequireFromString("0.0011"),
			AnnualizedReturn: decimal.RequireFromString("1.2045"),
			LongExchange:     market.OKX,
			ShortExchange:    market.Binance,
		},
		At: time.Now().UTC(),
	}
}

func collectRecords() (*[]market.NotificationRecord, func(market.NotificationRecord)) {
	var mu sync.Mutex
	records := &[]market.NotificationRecord{}
	return records, func(r market.NotificationRecord) {
		mu.Lock()
		*records = append(*records, r)
		mu.Unlock()
	}
}

func TestDispatchRecordsSuccess(t *testing.T) {
	ch := &stubChannel{name: "ok"}
	records, record := collectRecords()
	f := NewFanout([]Channel{ch}, record)

	f.Dispatch(context.Background(), sampleEvent())

	require.Len(t, *records, 1)
	rec := (*records)[0]
	assert.Equal(t, market.OutcomeSent, rec.Outcome)
	assert.Equal(t, "ok", rec.Channel)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, market.SeverityWarning, rec.Severity)
}

func TestNonRetryableFailsOnce(t *testing.T) {
	ch := &stubChannel{name: "bad", failWith: &market.Error{
		Kind: market.KindChannelDeliveryFailed, Op: "test",
		Err: &market.HTTPStatusError{StatusCode: http.StatusBadRequest},
	}}
	records, record := collectRecords()
	f := NewFanout([]Channel{ch}, record)

	f.Dispatch(context.Background(), sampleEvent())

	assert.Equal(t, 1, ch.attemptCount(), "4xx must not be retried")
	require.Len(t, *records, 1)
	assert.Equal(t, market.OutcomeFailed, (*records)[0].Outcome)
	assert.Equal(t, market.KindChannelDeliveryFailed, (*records)[0].ErrorKind)
}

func TestRetryableRetriesUpToLimit(t *testing.T) {
	ch := &stubChannel{name: "flaky", failWith: &market.Error{
		Kind: market.KindTransportDown, Op: "test",
		Err: fmt.Errorf("connection refused"),
	}}
	records, record := collectRecords()
	f := NewFanout([]Channel{ch}, record)

	f.Dispatch(context.Background(), sampleEvent())

	assert.Equal(t, deliveryAttempts, ch.attemptCount())
	require.Len(t, *records, 1)
	assert.Equal(t, market.OutcomeFailed, (*records)[0].Outcome)
	assert.Equal(t, deliveryAttempts, (*records)[0].Attempts)
}

func TestFailingChannelDoesNotAffectOthers(t *testing.T) {
	bad := &stubChannel{name: "bad", failWith: &market.Error{
		Kind: market.KindChannelDeliveryFailed, Op: "test", Err: fmt.Errorf("boom"),
	}}
	good := &stubChannel{name: "good"}
	records, record := collectRecords()
	f := NewFanout([]Channel{bad, good}, record)

	f.Dispatch(context.Background(), sampleEvent())

	require.Len(t, *records, 2)
	outcomes := map[string]market.NotificationOutcome{}
	for _, r := range *records {
		outcomes[r.Channel] = r.Outcome
	}
	assert.Equal(t, market.OutcomeFailed, outcomes["bad"])
	assert.Equal(t, market.OutcomeSent, outcomes["good"])
}

func TestWebhookRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body webhookBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BTCUSDT", body.Opportunity.Symbol)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	records, record := collectRecords()
	f := NewFanout([]Channel{NewWebhookChannel(srv.URL)}, record)

	f.Dispatch(context.Background(), sampleEvent())

	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, *records, 1)
	assert.Equal(t, market.OutcomeSent, (*records)[0].Outcome)
	assert.Equal(t, 3, (*records)[0].Attempts)
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	records, record := collectRecords()
	f := NewFanout([]Channel{NewWebhookChannel(srv.URL)}, record)

	f.Dispatch(context.Background(), sampleEvent())

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, *records, 1)
	assert.Equal(t, market.OutcomeFailed, (*records)[0].Outcome)
}

func TestTerminalChannelRendersSimpleBody(t *testing.T) {
	var buf bytes.Buffer
	ch := NewTerminalChannel(&buf, VerbositySimple)

	payload, err := ch.Format(sampleEvent())
	require.NoError(t, err)
	require.NoError(t, ch.Deliver(context.Background(), payload))

	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "0.1100%") // spread as a percentage
	assert.Contains(t, out, "120.4500%")
	assert.NotContains(t, out, "long", "simple verbosity omits the legs")
}

func TestChatBotFormatsTextPayload(t *testing.T) {
	ch := NewChatBotChannel("http://example.invalid", VerbosityDetailed)

	payload, err := ch.Format(sampleEvent())
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(payload.Body), &body))
	assert.Contains(t, body["text"], "BTCUSDT")
	assert.Contains(t, body["text"], "long okx")
}
