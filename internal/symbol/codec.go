// Package symbol translates between the canonical symbol form and
// each exchange's native form. The canonical form is upper-case
// BASEUSDT with no separator; per-exchange forms derive from it
// deterministically, so every translation round-trips.
package symbol

import (
	"fmt"
	"regexp"
	"strings"

	"fundarb-monitor/internal/market"
)

var canonicalPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}USDT$`)

// ErrFormatInvalid is returned for symbols that do not match the
// canonical BASEUSDT form.
var ErrFormatInvalid = fmt.Errorf("symbol format invalid")

// Validate checks a canonical symbol against the BASEUSDT pattern.
func Validate(canonical string) error {
	if !canonicalPattern.MatchString(canonical) {
		return fmt.Errorf("%w: %q", ErrFormatInvalid, canonical)
	}
	return nil
}

// ToExchange converts a canonical symbol to the exchange-native form.
func ToExchange(ex market.Exchange, canonical string) (string, error) {
	if err := Validate(canonical); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(canonical, "USDT")

	switch ex {
	case market.Binance:
		return canonical, nil
	case market.OKX:
		return base + "-USDT-SWAP", nil
	case market.GateIO, market.MEXC:
		return base + "_USDT", nil
	case market.BingX:
		return base + "-USDT", nil
	}
	return "", fmt.Errorf("symbol: unsupported exchange %q", ex)
}

// FromExchange converts an exchange-native symbol back to canonical.
func FromExchange(ex market.Exchange, native string) (string, error) {
	var canonical string

	switch ex {
	case market.Binance:
		canonical = native
	case market.OKX:
		canonical = strings.TrimSuffix(native, "-SWAP")
		canonical = strings.ReplaceAll(canonical, "-", "")
	case market.GateIO, market.MEXC:
		canonical = strings.ReplaceAll(native, "_", "")
	case market.BingX:
		canonical = strings.ReplaceAll(native, "-", "")
	default:
		return "", fmt.Errorf("symbol: unsupported exchange %q", ex)
	}

	canonical = strings.ToUpper(canonical)
	if err := Validate(canonical); err != nil {
		return "", err
	}
	return canonical, nil
}
