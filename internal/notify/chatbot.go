package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"fundarb-monitor/internal/market"
)

// ChatBotChannel posts a human-readable message to a chat-bot incoming
// webhook (Slack/Mattermost style: a JSON body with a text field).
type ChatBotChannel struct {
	url       string
	verbosity Verbosity
	client    *http.Client
}

// NewChatBotChannel creates a chat-bot channel for url.
func NewChatBotChannel(url string, verbosity Verbosity) *ChatBotChannel {
	if verbosity == "" {
		verbosity = VerbositySimple
	}
	return &ChatBotChannel{
		url:       url,
		verbosity: verbosity,
		client:    &http.Client{Timeout: deliveryTimeout},
	}
}

func (c *ChatBotChannel) Name() string { return "chat-bot" }

func (c *ChatBotChannel) Format(ev market.Event) (Payload, error) {
	text := subjectFor(ev) + "\n" + renderBody(ev, c.verbosity)

	raw, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Payload{}, &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "chatbot.Format", Err: err}
	}
	return Payload{Subject: subjectFor(ev), Body: string(raw), Event: ev}, nil
}

func (c *ChatBotChannel) Deliver(ctx context.Context, p Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader([]byte(p.Body)))
	if err != nil {
		return &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "chatbot.Deliver", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &market.Error{Kind: market.KindTransportDown, Op: "chatbot.Deliver", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &market.Error{Kind: market.KindRateLimited, Op: "chatbot.Deliver",
			Err: &market.HTTPStatusError{StatusCode: resp.StatusCode}}
	case resp.StatusCode >= 500:
		return &market.Error{Kind: market.KindTransportDown, Op: "chatbot.Deliver",
			Err: &market.HTTPStatusError{StatusCode: resp.StatusCode}}
	default:
		return &market.Error{Kind: market.KindChannelDeliveryFailed, Op: "chatbot.Deliver",
			Err: &market.HTTPStatusError{StatusCode: resp.StatusCode}}
	}
}

func (c *ChatBotChannel) HealthCheck(context.Context) error { return nil }
