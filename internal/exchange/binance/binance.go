// Package binance implements the funding-rate client for Binance
// USDT-margined perpetual futures. Funding rate, mark price and index
// price arrive together on the markPrice stream, so no channel joining
// is needed.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/symbol"

	"github.com/shopspring/decimal"
)

const (
	wsBaseURL   = "wss://fstream.binance.com/ws"
	restBaseURL = "https://fapi.binance.com"

	subscribeAckTimeout = 5 * time.Second
)

// Client is the Binance exchange client.
type Client struct {
	*exchange.Base

	rest      *exchange.RESTClient
	intervals *exchange.IntervalCache
	poller    *exchange.Poller
	opts      exchange.Options

	sessMu   sync.Mutex
	session  *exchange.Session
	wsCancel context.CancelFunc

	ackMu sync.Mutex
	acks  map[int64]chan error
	reqID atomic.Int64

	userData *userDataStream
}

// New creates a Binance client. Credentials are optional and only
// enable the private order-update stream.
func New(opts exchange.Options, apiKey, apiSecret string) *Client {
	opts = opts.Defaults()

	c := &Client{
		Base: exchange.NewBase(market.Binance,
			market.Capabilities{FundingFeed: market.FeedWSNative}, opts.TickBuffer),
		opts: opts,
		acks: make(map[int64]chan error),
	}
	c.rest = exchange.NewRESTClient(market.Binance, restBaseURL, 10)
	c.intervals = exchange.NewIntervalCache(c.fetchIntervals)
	c.poller = exchange.NewPoller(c.Base, opts.PollInterval, c.FetchFunding)

	if apiKey != "" {
		c.userData = newUserDataStream(c, apiKey, apiSecret)
	}
	return c
}

// Start launches the REST poller and funding-interval discovery.
func (c *Client) Start(ctx context.Context) error {
	c.intervals.Refresh(ctx)
	go c.poller.Run(ctx)
	return nil
}

// StartWS opens the market-data WebSocket and keeps it alive.
func (c *Client) StartWS(ctx context.Context) error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	if c.session != nil {
		return nil
	}

	wsCtx, cancel := context.WithCancel(ctx)
	c.wsCancel = cancel
	c.session = exchange.NewSession(exchange.SessionConfig{
		Exchange:    market.Binance,
		URL:         func() string { return wsBaseURL },
		IdleTimeout: c.opts.IdleTimeout,
		// Binance sends protocol-level pings; gorilla answers them
		// automatically, so no client heartbeat is needed.
		OnConnect: c.resubscribe,
		OnMessage: c.handleMessage,
		OnUp: func() {
			c.EmitConnectivity(market.TransportWS, market.StateUp, "connected")
		},
		OnDown: func(reason string) {
			c.EmitConnectivity(market.TransportWS, market.StateDown, reason)
		},
	})
	go c.session.Run(wsCtx)
	return nil
}

// StopWS tears down the WebSocket.
func (c *Client) StopWS() {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	if c.session != nil {
		c.session.Stop()
		c.wsCancel()
		c.session = nil
	}
}

// SubscribeFunding adds canonical symbols to the active set and, when
// the socket is up, sends the subscribe frame and waits for its ack.
func (c *Client) SubscribeFunding(ctx context.Context, symbols []string) error {
	for _, s := range symbols {
		if err := symbol.Validate(s); err != nil {
			return err
		}
	}

	added := c.AddSubscriptions(symbols)
	if len(added) == 0 {
		return nil
	}

	sess := c.currentSession()
	if sess == nil || !sess.Connected() {
		return nil // replayed on connect
	}
	return c.sendStreamRequest(ctx, sess, "SUBSCRIBE", added)
}

// UnsubscribeFunding removes symbols from the active set.
func (c *Client) UnsubscribeFunding(ctx context.Context, symbols []string) error {
	removed := c.RemoveSubscriptions(symbols)
	if len(removed) == 0 {
		return nil
	}

	sess := c.currentSession()
	if sess == nil || !sess.Connected() {
		return nil
	}
	return c.sendStreamRequest(ctx, sess, "UNSUBSCRIBE", removed)
}

// SubscribeOrders opens the private user-data stream. Requires
// credentials.
func (c *Client) SubscribeOrders(ctx context.Context) error {
	if c.userData == nil {
		return &market.Error{Kind: market.KindAuthFailed, Op: "binance.SubscribeOrders",
			Exchange: market.Binance, Err: fmt.Errorf("no API credentials configured")}
	}
	return c.userData.Start(ctx)
}

// Orders returns the private order-update channel.
func (c *Client) Orders() <-chan market.OrderTick {
	if c.userData == nil {
		return nil
	}
	return c.userData.orders
}

// Close releases transport resources.
func (c *Client) Close() {
	c.StopWS()
	if c.userData != nil {
		c.userData.Stop()
	}
}

func (c *Client) currentSession() *exchange.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session
}

// sendStreamRequest sends SUBSCRIBE/UNSUBSCRIBE and blocks until the
// ack arrives or the timeout elapses.
func (c *Client) sendStreamRequest(ctx context.Context, sess *exchange.Session, method string, canonical []string) error {
	params := make([]string, 0, len(canonical))
	for _, s := range canonical {
		params = append(params, strings.ToLower(s)+"@markPrice@1s")
	}

	id := c.reqID.Add(1)
	ack := make(chan error, 1)
	c.ackMu.Lock()
	c.acks[id] = ack
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, id)
		c.ackMu.Unlock()
	}()

	req := struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{Method: method, Params: params, ID: id}

	if err := sess.Send(req); err != nil {
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-time.After(subscribeAckTimeout):
		return &market.Error{Kind: market.KindTransportDown, Op: "binance.sendStreamRequest",
			Exchange: market.Binance, Err: fmt.Errorf("%s ack timeout", method)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resubscribe replays the whole subscription set after a (re)connect.
func (c *Client) resubscribe(ctx context.Context, sess *exchange.Session) error {
	subs := c.Subscribed()
	if len(subs) == 0 {
		return nil
	}
	return c.sendStreamRequest(ctx, sess, "SUBSCRIBE", subs)
}

func (c *Client) handleMessage(message []byte) {
	c.TouchFrame()

	// Request acks carry an id; data frames carry an event type.
	var probe struct {
		ID    *int64 `json:"id"`
		Event string `json:"e"`
		Error *struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		c.RecordParseError(err)
		return
	}

	if probe.ID != nil {
		var ackErr error
		if probe.Error != nil {
			ackErr = &market.Error{Kind: market.KindSymbolUnsupported, Op: "binance.subscribe",
				Exchange: market.Binance,
				Err:      fmt.Errorf("code %d: %s", probe.Error.Code, probe.Error.Msg)}
		}
		c.ackMu.Lock()
		if ch, ok := c.acks[*probe.ID]; ok {
			ch <- ackErr
		}
		c.ackMu.Unlock()
		return
	}

	if probe.Event == "markPriceUpdate" {
		c.handleMarkPrice(message)
	}
}

func (c *Client) handleMarkPrice(message []byte) {
	var event struct {
		EventTime       int64  `json:"E"`
		Symbol          string `json:"s"`
		MarkPrice       string `json:"p"`
		IndexPrice      string `json:"i"`
		FundingRate     string `json:"r"`
		NextFundingTime int64  `json:"T"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		c.RecordParseError(err)
		return
	}

	canonical, err := symbol.FromExchange(market.Binance, event.Symbol)
	if err != nil || !c.IsSubscribed(canonical) {
		return
	}

	rate, err := decimal.NewFromString(event.FundingRate)
	if err != nil {
		c.RecordParseError(err)
		return
	}

	tick := market.RateTick{
		Exchange:             market.Binance,
		Symbol:               canonical,
		FundingRate:          rate,
		FundingIntervalHours: c.intervals.Hours(canonical),
		NextFundingTime:      time.UnixMilli(event.NextFundingTime).UTC(),
		Source:               market.TransportWS,
		ReceivedAt:           time.Now().UTC(),
	}
	if mp, err := decimal.NewFromString(event.MarkPrice); err == nil {
		tick.MarkPrice = decimal.NewNullDecimal(mp)
	}
	if ip, err := decimal.NewFromString(event.IndexPrice); err == nil {
		tick.IndexPrice = decimal.NewNullDecimal(ip)
	}

	c.EmitTick(tick)
}

// FetchFunding fetches funding data for all subscribed symbols via the
// premiumIndex endpoint. Subscribed symbols missing from the response
// are marked unsupported.
func (c *Client) FetchFunding(ctx context.Context) ([]market.RateTick, error) {
	var data []struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := c.rest.GetJSON(ctx, "/fapi/v1/premiumIndex", &data); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(data))
	ticks := make([]market.RateTick, 0, 16)

	for _, d := range data {
		canonical, err := symbol.FromExchange(market.Binance, d.Symbol)
		if err != nil {
			continue
		}
		seen[canonical] = true
		if !c.IsSubscribed(canonical) {
			continue
		}

		rate, err := decimal.NewFromString(d.LastFundingRate)
		if err != nil {
			continue
		}
		tick := market.RateTick{
			Exchange:             market.Binance,
			Symbol:               canonical,
			FundingRate:          rate,
			FundingIntervalHours: c.intervals.Hours(canonical),
			NextFundingTime:      time.UnixMilli(d.NextFundingTime).UTC(),
			Source:               market.TransportREST,
			ReceivedAt:           now,
		}
		if mp, err := decimal.NewFromString(d.MarkPrice); err == nil {
			tick.MarkPrice = decimal.NewNullDecimal(mp)
		}
		if ip, err := decimal.NewFromString(d.IndexPrice); err == nil {
			tick.IndexPrice = decimal.NewNullDecimal(ip)
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

// fetchIntervals reads the fundingInfo endpoint, which lists only the
// symbols whose interval deviates from the 8h default.
func (c *Client) fetchIntervals(ctx context.Context) (map[string]int, error) {
	var data []struct {
		Symbol               string `json:"symbol"`
		FundingIntervalHours int    `json:"fundingIntervalHours"`
	}
	if err := c.rest.GetJSON(ctx, "/fapi/v1/fundingInfo", &data); err != nil {
		return nil, err
	}

	hours := make(map[string]int, len(data))
	for _, d := range data {
		canonical, err := symbol.FromExchange(market.Binance, d.Symbol)
		if err != nil {
			continue
		}
		hours[canonical] = d.FundingIntervalHours
	}
	return hours, nil
}
