// Package credentials fetches exchange API credentials from the
// backend service. Credentials are optional: without them the clients
// run on public endpoints only and private user-data streams stay off.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fundarb-monitor/internal/market"
)

// Credentials holds decrypted API credentials for one exchange account.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Fetcher retrieves credentials from the backend API using the shared
// service secret.
type Fetcher struct {
	backendURL    string
	serviceSecret string
	client        *http.Client
}

// NewFetcher creates a fetcher for the backend at backendURL.
func NewFetcher(backendURL, serviceSecret string) *Fetcher {
	return &Fetcher{
		backendURL:    backendURL,
		serviceSecret: serviceSecret,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

// ForExchange returns the first credential set configured for an
// exchange, or nil when none exist.
func (f *Fetcher) ForExchange(ctx context.Context, ex market.Exchange) (*Credentials, error) {
	url := fmt.Sprintf("%s/api/v1/internal/credentials/%s", f.backendURL, ex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, f.wrap(ex, err)
	}
	req.Header.Set("Authorization", "Service "+f.serviceSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &market.Error{Kind: market.KindTransportDown, Op: "credentials.ForExchange",
			Exchange: ex, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))
		return nil, &market.Error{Kind: market.KindAuthFailed, Op: "credentials.ForExchange",
			Exchange: ex, Err: &market.HTTPStatusError{StatusCode: resp.StatusCode}}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return nil, f.wrap(ex, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var creds []Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, &market.Error{Kind: market.KindParseError, Op: "credentials.ForExchange",
			Exchange: ex, Err: err}
	}
	if len(creds) == 0 {
		return nil, nil
	}
	return &creds[0], nil
}

func (f *Fetcher) wrap(ex market.Exchange, err error) error {
	return &market.Error{Kind: market.KindTransportDown, Op: "credentials.ForExchange",
		Exchange: ex, Err: err}
}
