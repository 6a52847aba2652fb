// Package gateio implements the funding-rate client for Gate.io USDT
// perpetual futures. The futures.tickers channel delivers funding rate,
// mark price and index price in one push; next funding time is not on
// the wire and is computed from the contract's funding interval.
package gateio

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

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	wsBaseURL   = "wss://fx-ws.gateio.ws/v4/ws/usdt"
	restBaseURL = "https://api.gateio.ws"

	pingInterval        = 20 * time.Second
	subscribeAckTimeout = 5 * time.Second
)

// Client is the Gate.io exchange client.
type Client struct {
	*exchange.Base

	rest      *exchange.RESTClient
	intervals *exchange.IntervalCache
	poller    *exchange.Poller
	opts      exchange.Options

	sessMu   sync.Mutex
	session  *exchange.Session
	wsCancel context.CancelFunc

	// Gate acks carry no request id; they arrive in request order, so
	// pending subscribes resolve FIFO.
	ackMu sync.Mutex
	acks  []*pendingSub
}

type pendingSub struct {
	symbol string
	done   chan error
}

// New creates a Gate.io client.
func New(opts exchange.Options) *Client {
	opts = opts.Defaults()

	c := &Client{
		Base: exchange.NewBase(market.GateIO,
			market.Capabilities{FundingFeed: market.FeedWSNative}, opts.TickBuffer),
		opts: opts,
	}
	c.rest = exchange.NewRESTClient(market.GateIO, restBaseURL, 10)
	c.intervals = exchange.NewIntervalCache(c.fetchIntervals)
	c.poller = exchange.NewPoller(c.Base, opts.PollInterval, c.FetchFunding)
	return c
}

// Start launches the REST poller and funding-interval discovery.
func (c *Client) Start(ctx context.Context) error {
	c.intervals.Refresh(ctx)
	go c.poller.Run(ctx)
	return nil
}

// StartWS opens the futures WebSocket and keeps it alive.
func (c *Client) StartWS(ctx context.Context) error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	if c.session != nil {
		return nil
	}

	wsCtx, cancel := context.WithCancel(ctx)
	c.wsCancel = cancel
	c.session = exchange.NewSession(exchange.SessionConfig{
		Exchange:     market.GateIO,
		URL:          func() string { return wsBaseURL },
		IdleTimeout:  c.opts.IdleTimeout,
		PingInterval: pingInterval,
		PingFrame: func() (int, []byte) {
			frame, _ := json.Marshal(wsRequest{
				Time:    time.Now().Unix(),
				Channel: "futures.ping",
			})
			return websocket.TextMessage, frame
		},
		OnConnect: c.resubscribe,
		OnMessage: c.handleMessage,
		OnUp: func() {
			c.EmitConnectivity(market.TransportWS, market.StateUp, "connected")
		},
		OnDown: func(reason string) {
			c.failPending(reason)
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

// SubscribeFunding adds symbols and subscribes each contract on the
// futures.tickers channel.
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
		contract, err := symbol.ToExchange(market.GateIO, s)
		if err != nil {
			continue
		}
		req := wsRequest{
			Time:    time.Now().Unix(),
			Channel: "futures.tickers",
			Event:   "unsubscribe",
			Payload: []string{contract},
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
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
}

// subscribeOne subscribes a single contract so the in-order ack maps
// back to exactly one symbol.
func (c *Client) subscribeOne(ctx context.Context, sess *exchange.Session, canonical string) error {
	contract, err := symbol.ToExchange(market.GateIO, canonical)
	if err != nil {
		return err
	}

	pending := &pendingSub{symbol: canonical, done: make(chan error, 1)}
	c.ackMu.Lock()
	c.acks = append(c.acks, pending)
	c.ackMu.Unlock()

	req := wsRequest{
		Time:    time.Now().Unix(),
		Channel: "futures.tickers",
		Event:   "subscribe",
		Payload: []string{contract},
	}
	if err := sess.Send(req); err != nil {
		c.dropPending(pending)
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
		c.dropPending(pending)
		return &market.Error{Kind: market.KindTransportDown, Op: "gateio.subscribe",
			Exchange: market.GateIO, Symbol: canonical, Err: fmt.Errorf("subscribe ack timeout")}
	case <-ctx.Done():
		c.dropPending(pending)
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

func (c *Client) popPending() *pendingSub {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if len(c.acks) == 0 {
		return nil
	}
	p := c.acks[0]
	c.acks = c.acks[1:]
	return p
}

func (c *Client) dropPending(target *pendingSub) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	for i, p := range c.acks {
		if p == target {
			c.acks = append(c.acks[:i], c.acks[i+1:]...)
			return
		}
	}
}

// failPending unblocks subscribers waiting on a connection that died.
func (c *Client) failPending(reason string) {
	c.ackMu.Lock()
	pending := c.acks
	c.acks = nil
	c.ackMu.Unlock()

	for _, p := range pending {
		p.done <- &market.Error{Kind: market.KindTransportDown, Op: "gateio.subscribe",
			Exchange: market.GateIO, Symbol: p.symbol, Err: fmt.Errorf("connection lost: %s", reason)}
	}
}

func (c *Client) handleMessage(message []byte) {
	c.TouchFrame()

	var frame struct {
		Channel string `json:"channel"`
		Event   string `json:"event"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		c.RecordParseError(err)
		return
	}

	switch {
	case frame.Channel == "futures.pong":
		return
	case frame.Channel == "futures.tickers" && frame.Event == "subscribe":
		if p := c.popPending(); p != nil {
			if frame.Error != nil {
				p.done <- &market.Error{Kind: ackErrorKind(frame.Error.Message), Op: "gateio.subscribe",
					Exchange: market.GateIO, Symbol: p.symbol,
					Err: fmt.Errorf("code %d: %s", frame.Error.Code, frame.Error.Message)}
			} else {
				p.done <- nil
			}
		}
	case frame.Channel == "futures.tickers" && frame.Event == "update":
		c.handleTickers(frame.Result)
	}
}

// ackErrorKind classifies a subscribe rejection. Only a missing
// contract is permanent; anything else (auth, rate limit, server
// trouble) leaves the symbol eligible for the next attempt.
func ackErrorKind(message string) market.Kind {
	msg := strings.ToLower(message)
	if strings.Contains(msg, "not found") || strings.Contains(msg, "unknown contract") ||
		strings.Contains(msg, "contract not exists") {
		return market.KindSymbolUnsupported
	}
	return market.KindTransportDown
}

func (c *Client) handleTickers(result json.RawMessage) {
	var rows []struct {
		Contract    string `json:"contract"`
		FundingRate string `json:"funding_rate"`
		MarkPrice   string `json:"mark_price"`
		IndexPrice  string `json:"index_price"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return
	}

	now := time.Now().UTC()
	for _, row := range rows {
		canonical, err := symbol.FromExchange(market.GateIO, row.Contract)
		if err != nil || !c.IsSubscribed(canonical) {
			continue
		}

		rate, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			continue
		}

		interval := c.intervals.Hours(canonical)
		tick := market.RateTick{
			Exchange:             market.GateIO,
			Symbol:               canonical,
			FundingRate:          rate,
			FundingIntervalHours: interval,
			NextFundingTime:      exchange.NextFundingBoundary(now, interval),
			Source:               market.TransportWS,
			ReceivedAt:           now,
		}
		if mp, err := decimal.NewFromString(row.MarkPrice); err == nil {
			tick.MarkPrice = decimal.NewNullDecimal(mp)
		}
		if ip, err := decimal.NewFromString(row.IndexPrice); err == nil {
			tick.IndexPrice = decimal.NewNullDecimal(ip)
		}
		c.EmitTick(tick)
	}
}

// contractRow is a subset of the Gate.io contracts listing.
type contractRow struct {
	Name             string `json:"name"`
	FundingRate      string `json:"funding_rate"`
	FundingInterval  int64  `json:"funding_interval"`   // seconds
	FundingNextApply int64  `json:"funding_next_apply"` // unix seconds
	MarkPrice        string `json:"mark_price"`
	IndexPrice       string `json:"index_price"`
}

// FetchFunding reads the full contracts listing in one call. Subscribed
// symbols absent from the listing are marked unsupported.
func (c *Client) FetchFunding(ctx context.Context) ([]market.RateTick, error) {
	rows, err := c.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(rows))
	ticks := make([]market.RateTick, 0, 16)

	for _, row := range rows {
		canonical, err := symbol.FromExchange(market.GateIO, row.Name)
		if err != nil {
			continue
		}
		seen[canonical] = true
		if !c.IsSubscribed(canonical) {
			continue
		}

		rate, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			continue
		}

		tick := market.RateTick{
			Exchange:             market.GateIO,
			Symbol:               canonical,
			FundingRate:          rate,
			FundingIntervalHours: intervalHoursFromSeconds(row.FundingInterval),
			Source:               market.TransportREST,
			ReceivedAt:           now,
		}
		if row.FundingNextApply > 0 {
			tick.NextFundingTime = time.Unix(row.FundingNextApply, 0).UTC()
		} else {
			tick.NextFundingTime = exchange.NextFundingBoundary(now, tick.FundingIntervalHours)
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

func (c *Client) fetchContracts(ctx context.Context) ([]contractRow, error) {
	var rows []contractRow
	if err := c.rest.GetJSON(ctx, "/api/v4/futures/usdt/contracts", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) fetchIntervals(ctx context.Context) (map[string]int, error) {
	rows, err := c.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}

	hours := make(map[string]int, len(rows))
	for _, row := range rows {
		canonical, err := symbol.FromExchange(market.GateIO, row.Name)
		if err != nil {
			continue
		}
		hours[canonical] = intervalHoursFromSeconds(row.FundingInterval)
	}
	return hours, nil
}

func intervalHoursFromSeconds(seconds int64) int {
	hours := int(seconds / 3600)
	if hours <= 0 || hours > 24 {
		return exchange.DefaultFundingIntervalHours
	}
	return hours
}
