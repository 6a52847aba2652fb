package gateio

import (
	"testing"

	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckErrorKind(t *testing.T) {
	cases := []struct {
		message string
		want    market.Kind
	}{
		{"contract not found", market.KindSymbolUnsupported},
		{"CONTRACT NOT FOUND", market.KindSymbolUnsupported},
		{"unknown contract XYZ_USDT", market.KindSymbolUnsupported},
		{"too many requests", market.KindTransportDown},
		{"server error", market.KindTransportDown},
		{"unauthorized", market.KindTransportDown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ackErrorKind(tc.message), "message %q", tc.message)
	}
}

func TestSubscribeAckRouting(t *testing.T) {
	c := New(exchange.Options{})

	offer := func(errJSON string) error {
		p := &pendingSub{symbol: "XYZUSDT", done: make(chan error, 1)}
		c.ackMu.Lock()
		c.acks = append(c.acks, p)
		c.ackMu.Unlock()

		c.handleMessage([]byte(`{"channel":"futures.tickers","event":"subscribe"` + errJSON + `}`))
		select {
		case err := <-p.done:
			return err
		default:
			t.Fatal("ack did not resolve the pending subscribe")
			return nil
		}
	}

	// Clean ack.
	require.NoError(t, offer(``))

	// A dead contract is rejected for good.
	err := offer(`,"error":{"code":2,"message":"contract not found"}`)
	assert.Equal(t, market.KindSymbolUnsupported, market.KindOf(err))

	// A throttled subscribe stays retryable; the symbol must not be
	// written off as unsupported.
	err = offer(`,"error":{"code":4,"message":"too many requests"}`)
	assert.Equal(t, market.KindTransportDown, market.KindOf(err))
}
