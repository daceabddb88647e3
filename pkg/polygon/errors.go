package polygon

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConnClosed is returned for operations on a connection after Close.
var ErrConnClosed = errors.New("polygon: connection closed")

// ErrNotConnected is returned when a wire operation is attempted before
// Connect has completed.
var ErrNotConnected = errors.New("polygon: not connected")

// AuthError signals the vendor rejected the API key. It is fatal for the
// affected connection only.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("polygon: authentication failed: %s", e.Message)
}

// ConnectTimeoutError signals no open/auth confirmation arrived within the
// deadline. A fresh Connect attempt may succeed.
type ConnectTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("polygon: no connection confirmation from %s within %s", e.Endpoint, e.Timeout)
}

// SubscriptionUnsupportedError signals that no candidate granularity was
// accepted for a ticker, most likely an entitlement gap on the account.
type SubscriptionUnsupportedError struct {
	Ticker     string
	Candidates []string
}

func (e *SubscriptionUnsupportedError) Error() string {
	return fmt.Sprintf("polygon: no supported granularity for %s (tried %s); check that the plan includes %s data",
		e.Ticker, strings.Join(e.Candidates, ", "), entitlementHint(e.Candidates))
}

func entitlementHint(candidates []string) string {
	for _, c := range candidates {
		switch c {
		case PrefixTrade, PrefixQuote, PrefixValue:
			return "tick-level"
		}
	}
	return "aggregate"
}
