package market

import (
	"context"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWalksTheChain(t *testing.T) {
	inner := &Error{Kind: KindRateLimited, Op: "rest.Get", Exchange: Binance}
	wrapped := fmt.Errorf("poll: %w", inner)

	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("poll: %w", &Error{
		Kind: KindRateLimited, Op: "rest.Get", RetryAfter: 7 * time.Second,
	})
	assert.Equal(t, 7*time.Second, RetryAfterHint(err))
	assert.Equal(t, time.Duration(0), RetryAfterHint(fmt.Errorf("plain")))
}

func TestRetryableByKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindRateLimited, true},
		{KindTransportDown, true},
		{KindAuthFailed, false},
		{KindSymbolUnsupported, false},
		{KindParseError, false},
		{KindConfigInvalid, false},
	}
	for _, tc := range cases {
		err := &Error{Kind: tc.kind, Op: "test"}
		assert.Equal(t, tc.want, Retryable(err), "kind %s", tc.kind)
	}
}

func TestRetryableByHTTPStatus(t *testing.T) {
	status := func(code int) error {
		return &Error{Kind: KindChannelDeliveryFailed, Op: "test",
			Err: &HTTPStatusError{StatusCode: code}}
	}

	assert.True(t, Retryable(status(429)))
	assert.True(t, Retryable(status(502)))
	assert.False(t, Retryable(status(400)))
	assert.False(t, Retryable(status(404)))
	assert.False(t, Retryable(status(422)))
}

func TestRetryableNetworkErrors(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, Retryable(fmt.Errorf("write: %w", syscall.EPIPE)))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
}

func TestErrorStringCarriesContext(t *testing.T) {
	err := &Error{
		Kind:     KindSymbolUnsupported,
		Op:       "okx.SubscribeFunding",
		Exchange: OKX,
		Symbol:   "FOOUSDT",
		Err:      fmt.Errorf("code 60018"),
	}
	msg := err.Error()
	assert.Contains(t, msg, "okx.SubscribeFunding")
	assert.Contains(t, msg, "SymbolUnsupported")
	assert.Contains(t, msg, "okx")
	assert.Contains(t, msg, "FOOUSDT")
	assert.Contains(t, msg, "60018")
}
