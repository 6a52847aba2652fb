package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/symbol"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// listenKeyKeepAlive must stay under Binance's 60-minute expiry.
const listenKeyKeepAlive = 25 * time.Minute

// userDataStream carries private order updates. It needs API
// credentials to mint a listen key; the key is kept alive for the
// lifetime of the stream and re-minted on every reconnect.
type userDataStream struct {
	client *Client
	apiKey string
	http   *http.Client
	orders chan market.OrderTick

	mu        sync.Mutex
	listenKey string
	session   *exchange.Session
	cancel    context.CancelFunc
	started   bool
}

func newUserDataStream(client *Client, apiKey, _ string) *userDataStream {
	return &userDataStream{
		client: client,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
		orders: make(chan market.OrderTick, 64),
	}
}

// Start mints a listen key and opens the private stream. Idempotent.
func (u *userDataStream) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.started {
		return nil
	}

	key, err := u.createListenKey(ctx)
	if err != nil {
		return err
	}
	u.listenKey = key

	wsCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.session = exchange.NewSession(exchange.SessionConfig{
		Exchange: market.Binance,
		URL:      u.streamURL,
		OnConnect: func(ctx context.Context, _ *exchange.Session) error {
			// The old key may have expired while disconnected.
			key, err := u.createListenKey(ctx)
			if err != nil {
				return err
			}
			u.mu.Lock()
			u.listenKey = key
			u.mu.Unlock()
			return nil
		},
		OnMessage: u.handleMessage,
	})
	go u.session.Run(wsCtx)
	go u.keepAliveLoop(wsCtx)

	u.started = true
	return nil
}

// Stop tears down the stream and closes the order channel.
func (u *userDataStream) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.started {
		return
	}
	u.session.Stop()
	u.cancel()
	u.started = false
}

func (u *userDataStream) streamURL() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return wsBaseURL + "/" + u.listenKey
}

func (u *userDataStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.keepAliveListenKey(ctx); err != nil {
				log.Warn().Err(err).Msg("Binance listen key keepalive failed")
			}
		}
	}
}

// createListenKey mints a user-data listen key. Only the API key header
// is required; listen key endpoints are not signed.
func (u *userDataStream) createListenKey(ctx context.Context) (string, error) {
	body, err := u.listenKeyRequest(ctx, http.MethodPost)
	if err != nil {
		return "", err
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ListenKey == "" {
		return "", &market.Error{Kind: market.KindParseError, Op: "binance.createListenKey",
			Exchange: market.Binance, Err: fmt.Errorf("malformed listen key response")}
	}
	return resp.ListenKey, nil
}

func (u *userDataStream) keepAliveListenKey(ctx context.Context) error {
	_, err := u.listenKeyRequest(ctx, http.MethodPut)
	return err
}

func (u *userDataStream) listenKeyRequest(ctx context.Context, method string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, restBaseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", u.apiKey)

	resp, err := u.http.Do(req)
	if err != nil {
		return nil, &market.Error{Kind: market.KindTransportDown, Op: "binance.listenKey",
			Exchange: market.Binance, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, &market.Error{Kind: market.KindTransportDown, Op: "binance.listenKey",
			Exchange: market.Binance, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &market.Error{Kind: market.KindAuthFailed, Op: "binance.listenKey",
			Exchange: market.Binance, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	case resp.StatusCode != http.StatusOK:
		return nil, &market.Error{Kind: market.KindTransportDown, Op: "binance.listenKey",
			Exchange: market.Binance, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	return body, nil
}

func (u *userDataStream) handleMessage(message []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		return
	}

	switch probe.EventType {
	case "ORDER_TRADE_UPDATE":
		u.handleOrderUpdate(message)
	case "listenKeyExpired":
		// The read loop will fail shortly and OnConnect re-mints.
		log.Warn().Msg("Binance listen key expired, stream will reconnect")
	}
}

func (u *userDataStream) handleOrderUpdate(message []byte) {
	var event struct {
		Order struct {
			Symbol       string `json:"s"`
			OrderID      int64  `json:"i"`
			Side         string `json:"S"`
			Status       string `json:"X"`
			Price        string `json:"p"`
			OriginalQty  string `json:"q"`
			FilledQty    string `json:"z"`
			AvgFillPrice string `json:"ap"`
		} `json:"o"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		log.Debug().Err(err).Msg("Discarding malformed order update")
		return
	}

	canonical, err := symbol.FromExchange(market.Binance, event.Order.Symbol)
	if err != nil {
		return
	}

	tick := market.OrderTick{
		Exchange:   market.Binance,
		Symbol:     canonical,
		OrderID:    strconv.FormatInt(event.Order.OrderID, 10),
		Side:       event.Order.Side,
		Status:     event.Order.Status,
		ReceivedAt: time.Now().UTC(),
	}
	if p, err := decimal.NewFromString(event.Order.Price); err == nil {
		tick.Price = p
	}
	if q, err := decimal.NewFromString(event.Order.OriginalQty); err == nil {
		tick.Quantity = q
	}
	if z, err := decimal.NewFromString(event.Order.FilledQty); err == nil {
		tick.FilledQty = z
	}
	if ap, err := decimal.NewFromString(event.Order.AvgFillPrice); err == nil && !ap.IsZero() {
		tick.AvgFillPrice = decimal.NewNullDecimal(ap)
	}

	select {
	case u.orders <- tick:
	default:
		// Order updates are advisory for the monitor; drop when full.
	}
}
