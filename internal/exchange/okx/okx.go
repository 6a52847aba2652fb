// Package okx implements the funding-rate client for OKX perpetual
// swaps. OKX pushes funding rate and mark price on separate channels,
// so the two are joined before ticks leave the client.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/symbol"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsBaseURL   = "wss://ws.okx.com:8443/ws/v5/public"
	restBaseURL = "https://www.okx.com"

	// OKX drops connections idle for 30s; ping well inside that.
	pingInterval = 25 * time.Second

	subscribeAckTimeout = 5 * time.Second

	codeInstrumentNotExist = "60018"
)

// Client is the OKX exchange client.
type Client struct {
	*exchange.Base

	rest   *exchange.RESTClient
	poller *exchange.Poller
	joiner *exchange.MarkJoiner
	opts   exchange.Options

	sessMu   sync.Mutex
	session  *exchange.Session
	wsCancel context.CancelFunc

	ackMu sync.Mutex
	acks  map[string]*pendingSub
	reqID atomic.Int64
}

// pendingSub ties a subscribe request id back to the symbol it covers,
// so error events can route the symbol to REST.
type pendingSub struct {
	symbol string
	done   chan error
}

// New creates an OKX client.
func New(opts exchange.Options) *Client {
	opts = opts.Defaults()

	c := &Client{
		Base: exchange.NewBase(market.OKX,
			market.Capabilities{FundingFeed: market.FeedWSNative}, opts.TickBuffer),
		opts: opts,
		acks: make(map[string]*pendingSub),
	}
	c.rest = exchange.NewRESTClient(market.OKX, restBaseURL, 10)
	c.poller = exchange.NewPoller(c.Base, opts.PollInterval, c.FetchFunding)
	c.joiner = exchange.NewMarkJoiner(c.EmitTick)
	return c
}

// Start launches the REST poller.
func (c *Client) Start(ctx context.Context) error {
	go c.poller.Run(ctx)
	return nil
}

// StartWS opens the public WebSocket and keeps it alive.
func (c *Client) StartWS(ctx context.Context) error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	if c.session != nil {
		return nil
	}

	wsCtx, cancel := context.WithCancel(ctx)
	c.wsCancel = cancel
	c.session = exchange.NewSession(exchange.SessionConfig{
		Exchange:     market.OKX,
		URL:          func() string { return wsBaseURL },
		IdleTimeout:  c.opts.IdleTimeout,
		PingInterval: pingInterval,
		PingFrame: func() (int, []byte) {
			return websocket.TextMessage, []byte("ping")
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

// SubscribeFunding adds symbols and, when connected, subscribes each on
// the funding-rate and mark-price channels.
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
		instID, err := symbol.ToExchange(market.OKX, s)
		if err != nil {
			continue
		}
		req := wsRequest{
			ID: strconv.FormatInt(c.reqID.Add(1), 10),
			Op: "unsubscribe",
			Args: []wsArg{
				{Channel: "funding-rate", InstID: instID},
				{Channel: "mark-price", InstID: instID},
			},
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
	c.joiner.Close()
}

func (c *Client) currentSession() *exchange.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsRequest struct {
	ID   string  `json:"id"`
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

// subscribeOne sends one subscribe request for a single symbol and
// waits for OKX to acknowledge or reject it. A rejected symbol is
// routed to the REST poller; an unknown instrument is excluded.
func (c *Client) subscribeOne(ctx context.Context, sess *exchange.Session, canonical string) error {
	instID, err := symbol.ToExchange(market.OKX, canonical)
	if err != nil {
		return err
	}

	id := strconv.FormatInt(c.reqID.Add(1), 10)
	pending := &pendingSub{symbol: canonical, done: make(chan error, 1)}
	c.ackMu.Lock()
	c.acks[id] = pending
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, id)
		c.ackMu.Unlock()
	}()

	req := wsRequest{
		ID: id,
		Op: "subscribe",
		Args: []wsArg{
			{Channel: "funding-rate", InstID: instID},
			{Channel: "mark-price", InstID: instID},
		},
	}
	if err := sess.Send(req); err != nil {
		return err
	}

	select {
	case err := <-pending.done:
		if market.KindOf(err) == market.KindSymbolUnsupported {
			c.MarkUnsupported(canonical)
			return nil // symbol excluded, not a subscribe failure
		}
		if err != nil {
			c.MarkWSRejected(canonical)
		}
		return nil
	case <-time.After(subscribeAckTimeout):
		return &market.Error{Kind: market.KindTransportDown, Op: "okx.subscribe",
			Exchange: market.OKX, Symbol: canonical, Err: fmt.Errorf("subscribe ack timeout")}
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

	if string(message) == "pong" {
		return
	}

	var frame struct {
		ID    string          `json:"id"`
		Event string          `json:"event"`
		Code  string          `json:"code"`
		Msg   string          `json:"msg"`
		Arg   wsArg           `json:"arg"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		c.RecordParseError(err)
		return
	}

	switch frame.Event {
	case "subscribe":
		c.resolveAck(frame.ID, nil)
		return
	case "error":
		kind := market.KindTransportDown
		if frame.Code == codeInstrumentNotExist {
			kind = market.KindSymbolUnsupported
		}
		c.resolveAck(frame.ID, &market.Error{Kind: kind, Op: "okx.subscribe",
			Exchange: market.OKX, Err: fmt.Errorf("code %s: %s", frame.Code, frame.Msg)})
		return
	case "unsubscribe", "":
	default:
		return
	}

	if len(frame.Data) == 0 {
		return
	}

	canonical, err := symbol.FromExchange(market.OKX, frame.Arg.InstID)
	if err != nil || !c.IsSubscribed(canonical) {
		return
	}

	switch frame.Arg.Channel {
	case "funding-rate":
		c.handleFundingRate(canonical, frame.Data)
	case "mark-price":
		c.handleMarkPrice(canonical, frame.Data)
	}
}

func (c *Client) resolveAck(id string, err error) {
	if id == "" {
		return
	}
	c.ackMu.Lock()
	pending, ok := c.acks[id]
	c.ackMu.Unlock()
	if ok {
		pending.done <- err
	}
}

func (c *Client) handleFundingRate(canonical string, data json.RawMessage) {
	var rows []struct {
		FundingRate     string `json:"fundingRate"`
		FundingTime     string `json:"fundingTime"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return
	}
	row := rows[0]

	rate, err := decimal.NewFromString(row.FundingRate)
	if err != nil {
		return
	}

	settleAt := parseMillis(row.FundingTime)
	interval := intervalFromTimes(settleAt, parseMillis(row.NextFundingTime))

	c.joiner.OfferFunding(market.RateTick{
		Exchange:             market.OKX,
		Symbol:               canonical,
		FundingRate:          rate,
		FundingIntervalHours: interval,
		NextFundingTime:      settleAt,
		Source:               market.TransportWS,
		ReceivedAt:           time.Now().UTC(),
	})
}

func (c *Client) handleMarkPrice(canonical string, data json.RawMessage) {
	var rows []struct {
		MarkPx string `json:"markPx"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return
	}

	if price, err := decimal.NewFromString(rows[0].MarkPx); err == nil {
		c.joiner.SetMark(canonical, price)
	}
}

// FetchFunding queries the per-instrument funding-rate endpoint for
// every subscribed symbol. OKX reports errors inside a 200 body, so
// the payload code decides whether a symbol is unsupported.
func (c *Client) FetchFunding(ctx context.Context) ([]market.RateTick, error) {
	now := time.Now().UTC()
	ticks := make([]market.RateTick, 0, 8)

	for _, canonical := range c.Subscribed() {
		instID, err := symbol.ToExchange(market.OKX, canonical)
		if err != nil {
			continue
		}

		var resp struct {
			Code string `json:"code"`
			Msg  string `json:"msg"`
			Data []struct {
				FundingRate     string `json:"fundingRate"`
				FundingTime     string `json:"fundingTime"`
				NextFundingTime string `json:"nextFundingTime"`
			} `json:"data"`
		}
		path := "/api/v5/public/funding-rate?instId=" + instID
		if err := c.rest.GetJSON(ctx, path, &resp); err != nil {
			return ticks, err
		}

		if resp.Code == codeInstrumentNotExist {
			c.MarkUnsupported(canonical)
			continue
		}
		if resp.Code != "0" || len(resp.Data) == 0 {
			return ticks, &market.Error{Kind: market.KindTransportDown, Op: "okx.FetchFunding",
				Exchange: market.OKX, Symbol: canonical,
				Err: fmt.Errorf("code %s: %s", resp.Code, resp.Msg)}
		}

		row := resp.Data[0]
		rate, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			continue
		}

		settleAt := parseMillis(row.FundingTime)
		ticks = append(ticks, market.RateTick{
			Exchange:             market.OKX,
			Symbol:               canonical,
			FundingRate:          rate,
			FundingIntervalHours: intervalFromTimes(settleAt, parseMillis(row.NextFundingTime)),
			NextFundingTime:      settleAt,
			Source:               market.TransportREST,
			ReceivedAt:           now,
		})
	}
	return ticks, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// intervalFromTimes derives the funding interval from two consecutive
// settlement times; OKX has no interval field of its own.
func intervalFromTimes(current, next time.Time) int {
	if current.IsZero() || next.IsZero() || !next.After(current) {
		return exchange.DefaultFundingIntervalHours
	}
	hours := int(next.Sub(current).Round(time.Hour) / time.Hour)
	if hours <= 0 || hours > 24 {
		return exchange.DefaultFundingIntervalHours
	}
	return hours
}
