// Package mexc implements the funding-rate client for MEXC contract
// markets. MEXC exposes no public funding-rate WebSocket channel, so
// the client is REST-only: the funding_rate listing is merged with the
// ticker listing for mark and index prices on every poll.
package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/symbol"

	"github.com/shopspring/decimal"
)

const restBaseURL = "https://contract.mexc.com"

// Client is the MEXC exchange client.
type Client struct {
	*exchange.Base

	rest   *exchange.RESTClient
	poller *exchange.Poller
}

// New creates a MEXC client. The poller always covers the full
// subscription set; there is no WebSocket to defer to.
func New(opts exchange.Options) *Client {
	opts = opts.Defaults()

	c := &Client{
		Base: exchange.NewBase(market.MEXC,
			market.Capabilities{FundingFeed: market.FeedRESTOnly}, opts.TickBuffer),
	}
	c.rest = exchange.NewRESTClient(market.MEXC, restBaseURL, 10)
	c.poller = exchange.NewPoller(c.Base, opts.PollInterval, c.FetchFunding)
	c.SetPollAll(true)
	return c
}

// Start launches the REST poller.
func (c *Client) Start(ctx context.Context) error {
	go c.poller.Run(ctx)
	return nil
}

// StartWS is a no-op; MEXC has no funding WebSocket.
func (c *Client) StartWS(ctx context.Context) error { return nil }

// StopWS is a no-op.
func (c *Client) StopWS() {}

// SetPollAll is pinned on for a REST-only exchange.
func (c *Client) SetPollAll(bool) { c.Base.SetPollAll(true) }

// SubscribeFunding records symbols; the next poll covers them.
func (c *Client) SubscribeFunding(ctx context.Context, symbols []string) error {
	for _, s := range symbols {
		if err := symbol.Validate(s); err != nil {
			return err
		}
	}
	c.AddSubscriptions(symbols)
	return nil
}

// UnsubscribeFunding removes symbols from the poll set.
func (c *Client) UnsubscribeFunding(ctx context.Context, symbols []string) error {
	c.RemoveSubscriptions(symbols)
	return nil
}

// Close releases transport resources.
func (c *Client) Close() {}

// apiResponse is the MEXC contract API envelope. Numeric fields come
// as JSON numbers; json.Number preserves their textual form for exact
// decimal conversion.
type apiResponse[T any] struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type fundingRow struct {
	Symbol         string      `json:"symbol"`
	FundingRate    json.Number `json:"fundingRate"`
	CollectCycle   int         `json:"collectCycle"`   // hours
	NextSettleTime int64       `json:"nextSettleTime"` // ms
}

type tickerRow struct {
	Symbol     string      `json:"symbol"`
	FairPrice  json.Number `json:"fairPrice"`
	IndexPrice json.Number `json:"indexPrice"`
}

// FetchFunding merges the funding_rate and ticker listings into one
// snapshot. Subscribed symbols absent from the funding listing are
// marked unsupported.
func (c *Client) FetchFunding(ctx context.Context) ([]market.RateTick, error) {
	var funding apiResponse[[]fundingRow]
	if err := c.rest.GetJSON(ctx, "/api/v1/contract/funding_rate", &funding); err != nil {
		return nil, err
	}
	if !funding.Success {
		return nil, &market.Error{Kind: market.KindTransportDown, Op: "mexc.FetchFunding",
			Exchange: market.MEXC, Err: fmt.Errorf("code %d: %s", funding.Code, funding.Message)}
	}

	prices := c.fetchPrices(ctx)

	now := time.Now().UTC()
	seen := make(map[string]bool, len(funding.Data))
	ticks := make([]market.RateTick, 0, 16)

	for _, row := range funding.Data {
		canonical, err := symbol.FromExchange(market.MEXC, row.Symbol)
		if err != nil {
			continue
		}
		seen[canonical] = true
		if !c.IsSubscribed(canonical) {
			continue
		}

		rate, err := decimal.NewFromString(row.FundingRate.String())
		if err != nil {
			continue
		}

		interval := row.CollectCycle
		if interval <= 0 {
			interval = exchange.DefaultFundingIntervalHours
		}

		tick := market.RateTick{
			Exchange:             market.MEXC,
			Symbol:               canonical,
			FundingRate:          rate,
			FundingIntervalHours: interval,
			NextFundingTime:      time.UnixMilli(row.NextSettleTime).UTC(),
			Source:               market.TransportREST,
			ReceivedAt:           now,
		}
		if p, ok := prices[canonical]; ok {
			tick.MarkPrice = p.mark
			tick.IndexPrice = p.index
		}
		ticks = append(ticks, tick)
	}

	if len(seen) > 0 {
		for _, s := range c.Subscribed() {
			if !seen[s] {
				c.MarkUnsupported(s)
			}
		}
	}
	return ticks, nil
}

type pricePair struct {
	mark  decimal.NullDecimal
	index decimal.NullDecimal
}

// fetchPrices reads the full ticker listing. Price data is best-effort
// enrichment; a failure here must not fail the funding snapshot.
func (c *Client) fetchPrices(ctx context.Context) map[string]pricePair {
	var tickers apiResponse[[]tickerRow]
	if err := c.rest.GetJSON(ctx, "/api/v1/contract/ticker", &tickers); err != nil || !tickers.Success {
		return nil
	}

	prices := make(map[string]pricePair, len(tickers.Data))
	for _, row := range tickers.Data {
		canonical, err := symbol.FromExchange(market.MEXC, row.Symbol)
		if err != nil {
			continue
		}

		var pair pricePair
		if mp, err := decimal.NewFromString(row.FairPrice.String()); err == nil {
			pair.mark = decimal.NewNullDecimal(mp)
		}
		if ip, err := decimal.NewFromString(row.IndexPrice.String()); err == nil {
			pair.index = decimal.NewNullDecimal(ip)
		}
		prices[canonical] = pair
	}
	return prices
}
