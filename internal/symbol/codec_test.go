package symbol

import (
	"testing"

	"fundarb-monitor/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToExchangeForms(t *testing.T) {
	cases := []struct {
		ex   market.Exchange
		want string
	}{
		{market.Binance, "BTCUSDT"},
		{market.OKX, "BTC-USDT-SWAP"},
		{market.GateIO, "BTC_USDT"},
		{market.MEXC, "BTC_USDT"},
		{market.BingX, "BTC-USDT"},
	}

	for _, tc := range cases {
		got, err := ToExchange(tc.ex, "BTCUSDT")
		require.NoError(t, err, string(tc.ex))
		assert.Equal(t, tc.want, got, string(tc.ex))
	}
}

func TestRoundTrip(t *testing.T) {
	symbols := []string{"BTCUSDT", "ETHUSDT", "1000PEPEUSDT", "PAXGUSDT"}

	for _, canonical := range symbols {
		for _, ex := range market.AllExchanges() {
			native, err := ToExchange(ex, canonical)
			require.NoError(t, err)

			back, err := FromExchange(ex, native)
			require.NoError(t, err)
			assert.Equal(t, canonical, back, "%s via %s", canonical, ex)

			// exchangeForm(canonical(exchangeForm(s))) == exchangeForm(s)
			again, err := ToExchange(ex, back)
			require.NoError(t, err)
			assert.Equal(t, native, again)
		}
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	bad := []string{"", "btcusdt", "BTC-USDT", "BTC", "VERYLONGBASEUSDT", "BTCUSD"}
	for _, s := range bad {
		assert.ErrorIs(t, Validate(s), ErrFormatInvalid, s)
	}
	assert.NoError(t, Validate("BTCUSDT"))
}

func TestFromExchangeRejectsMalformed(t *testing.T) {
	_, err := FromExchange(market.OKX, "BTC-USD-SWAP")
	assert.Error(t, err)

	_, err = FromExchange(market.GateIO, "BTC_BUSD")
	assert.Error(t, err)
}
