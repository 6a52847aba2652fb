package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"

	"golang.org/x/time/rate"
)

// RESTClient wraps an exchange REST API with a request limiter and
// error classification, so pollers see taxonomy kinds instead of raw
// transport failures.
type RESTClient struct {
	exchange market.Exchange
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewRESTClient creates a REST client with the given requests/second
// budget.
func NewRESTClient(ex market.Exchange, baseURL string, rps float64) *RESTClient {
	if rps <= 0 {
		rps = 5
	}
	return &RESTClient{
		exchange: ex,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// GetJSON performs a GET and decodes the JSON body into out. Non-2xx
// responses and network failures come back classified.
func (c *RESTClient) GetJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	resp, err := c.http.Do(req)
	if err != nil {
		return &market.Error{Kind: market.KindTransportDown, Op: "exchange.GetJSON",
			Exchange: c.exchange, Err: err}
	}
	defer resp.Body.Close()
	timer.ObserveDuration(metrics.RestFetchDuration, string(c.exchange), path)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &market.HTTPStatusError{StatusCode: resp.StatusCode, Body: body}
		return c.classifyStatus(resp, statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &market.Error{Kind: market.KindParseError, Op: "exchange.GetJSON",
			Exchange: c.exchange, Err: fmt.Errorf("decode %s: %w", path, err)}
	}
	return nil
}

func (c *RESTClient) classifyStatus(resp *http.Response, statusErr *market.HTTPStatusError) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &market.Error{Kind: market.KindRateLimited, Op: "exchange.GetJSON",
			Exchange: c.exchange, RetryAfter: parseRetryAfter(resp), Err: statusErr}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &market.Error{Kind: market.KindAuthFailed, Op: "exchange.GetJSON",
			Exchange: c.exchange, Err: statusErr}
	case resp.StatusCode == http.StatusNotFound:
		return &market.Error{Kind: market.KindSymbolUnsupported, Op: "exchange.GetJSON",
			Exchange: c.exchange, Err: statusErr}
	case resp.StatusCode >= 500:
		return &market.Error{Kind: market.KindTransportDown, Op: "exchange.GetJSON",
			Exchange: c.exchange, Err: statusErr}
	default:
		return &market.Error{Op: "exchange.GetJSON", Exchange: c.exchange, Err: statusErr}
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
