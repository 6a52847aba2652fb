package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/sony/gobreaker"
)

// WebhookChannel POSTs the event as JSON to a configured endpoint. A
// circuit breaker shields a dead endpoint from soaking up the retry
// budget on every event.
type WebhookChannel struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWebhookChannel creates a webhook channel for url.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: deliveryTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// webhookBody is the wire schema: the structured event plus the
// rendered text for consumers that just want a message.
type webhookBody struct {
	Type        string                     `json:"type"`
	Subject     string                     `json:"subject"`
	Message     string                     `json:"message"`
	Opportunity market.Opportunity         `json:"opportunity"`
	History     *market.OpportunityHistory `json:"history,omitempty"`
	At          time.Time                  `json:"at"`
}

func (c *WebhookChannel) Format(ev market.Event) (Payload, error) {
	body := webhookBody{
		Type:        string(ev.Type),
		Subject:     subjectFor(ev),
		Message:     renderBody(ev, VerbosityDetailed),
		Opportunity: ev.Opportunity,
		At:          ev.At,
	}
	if ev.Type == market.EventDisappeared {
		h := ev.History
		body.History = &h
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Payload{}, &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "webhook.Format", Err: err}
	}
	return Payload{Subject: body.Subject, Body: string(raw), Event: ev}, nil
}

func (c *WebhookChannel) Deliver(ctx context.Context, p Payload) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, []byte(p.Body))
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Retrying against an open breaker is pointless.
		return &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "webhook.Deliver",
			Err: fmt.Errorf("circuit open: %w", err)}
	}
	return err
}

func (c *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "webhook.post", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &market.Error{Kind: market.KindTransportDown, Op: "webhook.post", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &market.Error{Kind: market.KindRateLimited, Op: "webhook.post",
			Err: &market.HTTPStatusError{StatusCode: resp.StatusCode}}
	case resp.StatusCode >= 500:
		return &market.Error{Kind: market.KindTransportDown, Op: "webhook.post",
			Err: &market.HTTPStatusError{StatusCode: resp.StatusCode}}
	default:
		// Other 4xx responses are deterministic; retrying cannot help.
		return &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "webhook.post",
			Err: &market.HTTPStatusError{StatusCode: resp.StatusCode}}
	}
}

func (c *WebhookChannel) HealthCheck(ctx context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "webhook.HealthCheck",
			Err: fmt.Errorf("circuit open")}
	}
	return nil
}
