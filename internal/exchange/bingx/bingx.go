// Package bingx implements the funding-rate client for BingX perpetual
// swaps. The swap-market socket serves mark-price pushes that include
// the funding fields; the premiumIndex REST endpoint backs the poller
// and warm loads.
package bingx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/symbol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsBaseURL   = "wss://open-api-swap.bingx.com/swap-market"
	restBaseURL = "https://open-api.bingx.com"

	pingInterval        = 20 * time.Second
	subscribeAckTimeout = 5 * time.Second

	codeSymbolNotExist = 100400
)

// Client is the BingX exchange client.
type Client struct {
	*exchange.Base

	rest   *exchange.RESTClient
	poller *exchange.Poller
	opts   exchange.Options

	sessMu   sync.Mutex
	session  *exchange.Session
	wsCancel context.CancelFunc

	ackMu sync.Mutex
	acks  map[string]*pendingSub
}

type pendingSub struct {
	symbol string
	done   chan error
}

// New creates a BingX client.
func New(opts exchange.Options) *Client {
	opts = opts.Defaults()

	c := &Client{
		Base: exchange.NewBase(market.BingX,
			market.Capabilities{FundingFeed: market.FeedWSWrap}, opts.TickBuffer),
		opts: opts,
		acks: make(map[string]*pendingSub),
	}
	c.rest = exchange.NewRESTClient(market.BingX, restBaseURL, 10)
	c.poller = exchange.NewPoller(c.Base, opts.PollInterval, c.FetchFunding)
	return c
}

// Start launches the REST poller.
func (c *Client) Start(ctx context.Context) error {
	go c.poller.Run(ctx)
	return nil
}

// StartWS opens the swap-market WebSocket and keeps it alive.
func (c *Client) StartWS(ctx context.Context) error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	if c.session != nil {
		return nil
	}

	wsCtx, cancel := context.WithCancel(ctx)
	c.wsCancel = cancel
	c.session = exchange.NewSession(exchange.SessionConfig{
		Exchange:     market.BingX,
		URL:          func() string { return wsBaseURL },
		IdleTimeout:  c.opts.IdleTimeout,
		PingInterval: pingInterval,
		PingFrame: func() (int, []byte) {
			return websocket.TextMessage, []byte("Ping")
		},
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

// SubscribeFunding adds symbols and subscribes each mark-price stream.
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
		return nil
	}

	for _, s := range added {
		if err := c.subscribeOne(ctx, sess, s); err != nil {
			return err
		}
	}
	return nil
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

	for _, s := range removed {
		native, err := symbol.ToExchange(market.BingX, s)
		if err != nil {
			continue
		}
		req := wsRequest{
			ID:       uuid.NewString(),
			ReqType:  "unsub",
			DataType: native + "@markPrice",
		}
		if err := sess.Send(req); err != nil {
			return err
		}
	}
	return nil
}

// Close releases transport resources.
func (c *Client) Close() {
	c.StopWS()
}

func (c *Client) currentSession() *exchange.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session
}

type wsRequest struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

func (c *Client) subscribeOne(ctx context.Context, sess *exchange.Session, canonical string) error {
	native, err := symbol.ToExchange(market.BingX, canonical)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	pending := &pendingSub{symbol: canonical, done: make(chan error, 1)}
	c.ackMu.Lock()
	c.acks[id] = pending
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, id)
		c.ackMu.Unlock()
	}()

	req := wsRequest{ID: id, ReqType: "sub", DataType: native + "@markPrice"}
	if err := sess.Send(req); err != nil {
		return err
	}

	select {
	case err := <-pending.done:
		if market.KindOf(err) == market.KindSymbolUnsupported {
			c.MarkUnsupported(canonical)
			return nil
		}
		if err != nil {
			c.MarkWSRejected(canonical)
		}
		return nil
	case <-time.After(subscribeAckTimeout):
		return &market.Error{Kind: market.KindTransportDown, Op: "bingx.subscribe",
			Exchange: market.BingX, Symbol: canonical, Err: fmt.Errorf("subscribe ack timeout")}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) resubscribe(ctx context.Context, sess *exchange.Session) error {
	for _, s := range c.Subscribed() {
		if err := c.subscribeOne(ctx, sess, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) handleMessage(message []byte) {
	c.TouchFrame()

	if string(message) == "Pong" {
		return
	}

	var frame struct {
		ID       string          `json:"id"`
		Code     int             `json:"code"`
		Msg      string          `json:"msg"`
		DataType string          `json:"dataType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		c.RecordParseError(err)
		return
	}

	// Request acks echo the id with no dataType payload.
	if frame.ID != "" && len(frame.Data) == 0 {
		var ackErr error
		if frame.Code != 0 {
			kind := market.KindTransportDown
			if frame.Code == codeSymbolNotExist {
				kind = market.KindSymbolUnsupported
			}
			ackErr = &market.Error{Kind: kind, Op: "bingx.subscribe",
				Exchange: market.BingX, Err: fmt.Errorf("code %d: %s", frame.Code, frame.Msg)}
		}
		c.ackMu.Lock()
		if pending, ok := c.acks[frame.ID]; ok {
			pending.done <- ackErr
		}
		c.ackMu.Unlock()
		return
	}

	if strings.HasSuffix(frame.DataType, "@markPrice") {
		native := strings.TrimSuffix(frame.DataType, "@markPrice")
		c.handleMarkPrice(native, frame.Data)
	}
}

func (c *Client) handleMarkPrice(native string, data json.RawMessage) {
	var row struct {
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return
	}

	canonical, err := symbol.FromExchange(market.BingX, native)
	if err != nil || !c.IsSubscribed(canonical) {
		return
	}

	rate, err := decimal.NewFromString(row.FundingRate)
	if err != nil {
		return
	}

	tick := market.RateTick{
		Exchange:             market.BingX,
		Symbol:               canonical,
		FundingRate:          rate,
		FundingIntervalHours: exchange.DefaultFundingIntervalHours,
		NextFundingTime:      time.UnixMilli(row.NextFundingTime).UTC(),
		Source:               market.TransportWS,
		ReceivedAt:           time.Now().UTC(),
	}
	if mp, err := decimal.NewFromString(row.MarkPrice); err == nil {
		tick.MarkPrice = decimal.NewNullDecimal(mp)
	}
	if ip, err := decimal.NewFromString(row.IndexPrice); err == nil {
		tick.IndexPrice = decimal.NewNullDecimal(ip)
	}
	c.EmitTick(tick)
}

// FetchFunding reads the full premiumIndex listing. Subscribed symbols
// absent from the listing are marked unsupported.
func (c *Client) FetchFunding(ctx context.Context) ([]market.RateTick, error) {
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Symbol          string `json:"symbol"`
			MarkPrice       string `json:"markPrice"`
			IndexPrice      string `json:"indexPrice"`
			LastFundingRate string `json:"lastFundingRate"`
			NextFundingTime int64  `json:"nextFundingTime"`
		} `json:"data"`
	}
	if err := c.rest.GetJSON(ctx, "/openApi/swap/v2/quote/premiumIndex", &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &market.Error{Kind: market.KindTransportDown, Op: "bingx.FetchFunding",
			Exchange: market.BingX, Err: fmt.Errorf("code %d: %s", resp.Code, resp.Msg)}
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(resp.Data))
	ticks := make([]market.RateTick, 0, 16)

	for _, row := range resp.Data {
		canonical, err := symbol.FromExchange(market.BingX, row.Symbol)
		if err != nil {
			continue
		}
		seen[canonical] = true
		if !c.IsSubscribed(canonical) {
			continue
		}

		rate, err := decimal.NewFromString(row.LastFundingRate)
		if err != nil {
			continue
		}

		tick := market.RateTick{
			Exchange:             market.BingX,
			Symbol:               canonical,
			FundingRate:          rate,
			FundingIntervalHours: exchange.DefaultFundingIntervalHours,
			NextFundingTime:      time.UnixMilli(row.NextFundingTime).UTC(),
			Source:               market.TransportREST,
			ReceivedAt:           now,
		}
		if mp, err := decimal.NewFromString(row.MarkPrice); err == nil {
			tick.MarkPrice = decimal.NewNullDecimal(mp)
		}
		if ip, err := decimal.NewFromString(row.IndexPrice); err == nil {
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
