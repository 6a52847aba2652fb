package market

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// Kind classifies errors into the pipeline's recovery taxonomy.
// Kinds drive recovery decisions; concrete causes stay wrapped inside.
type Kind string

const (
	KindTransportDown          Kind = "TransportDown"
	KindSymbolUnsupported      Kind = "SymbolUnsupported"
	KindRateLimited            Kind = "RateLimited"
	KindAuthFailed             Kind = "AuthFailed"
	KindParseError             Kind = "ParseError"
	KindCacheWriteStale        Kind = "CacheWriteStale"
	KindChannelDeliveryFailed  Kind = "ChannelDeliveryFailed"
	KindPersistenceUnavailable Kind = "PersistenceUnavailable"
	KindConfigInvalid          Kind = "ConfigInvalid"
)

// Error carries a classified pipeline error.
type Error struct {
	Kind       Kind
	Op         string
	Exchange   Exchange
	Symbol     string
	RetryAfter time.Duration // server hint, rate-limit responses only
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Exchange != "" {
		msg += " exchange=" + string(e.Exchange)
	}
	if e.Symbol != "" {
		msg += " symbol=" + e.Symbol
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain; unclassified errors
// report an empty Kind.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// RetryAfterHint extracts a server-provided retry delay, if any.
func RetryAfterHint(err error) time.Duration {
	var me *Error
	if errors.As(err, &me) {
		return me.RetryAfter
	}
	return 0
}

// HTTPStatusError is returned by the REST helper for non-2xx responses
// so callers can inspect the exchange's own error payload.
type HTTPStatusError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// Retryable reports whether an error is worth retrying: transient
// network failures, timeouts, rate limits and 5xx responses. Client
// errors other than 429 are not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	switch KindOf(err) {
	case KindRateLimited, KindTransportDown:
		return true
	case KindAuthFailed, KindSymbolUnsupported, KindParseError, KindConfigInvalid:
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if os.IsTimeout(err) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
