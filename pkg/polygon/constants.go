package polygon

import "fmt"

// Class selects the streaming endpoint cluster. Each class is served by its
// own socket host path; options and index options share the options cluster.
type Class int

const (
	ClassStocks Class = iota
	ClassIndices
	ClassOptions
)

func (c Class) String() string {
	switch c {
	case ClassStocks:
		return "stocks"
	case ClassIndices:
		return "indices"
	case ClassOptions:
		return "options"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Path returns the endpoint path segment appended to the socket base URL.
func (c Class) Path() string { return c.String() }

// Channel prefixes of the streaming protocol. A wire subscription parameter
// is "<prefix>.<ticker>".
const (
	PrefixTrade     = "T"  // per-trade ticks
	PrefixQuote     = "Q"  // NBBO quote ticks
	PrefixSecondAgg = "A"  // second aggregate bars
	PrefixMinuteAgg = "AM" // minute aggregate bars
	PrefixValue     = "V"  // index values
)

// Status frame vocabulary.
const (
	statusConnected   = "connected"
	statusAuthSuccess = "auth_success"
	statusAuthFailed  = "auth_failed"
	statusSuccess     = "success"
	statusError       = "error"
)

// TradeCandidates is the granularity ladder probed for trade-style data on a
// class, highest fidelity first. The first prefix the vendor acks is cached
// for the connection's lifetime.
func TradeCandidates(c Class) []string {
	if c == ClassIndices {
		return []string{PrefixValue, PrefixSecondAgg, PrefixMinuteAgg}
	}
	return []string{PrefixTrade, PrefixSecondAgg, PrefixMinuteAgg}
}

// QuoteCandidates is the granularity ladder for quote data. Indices carry no
// quote stream, so the ladder is empty and any probe fails immediately.
func QuoteCandidates(c Class) []string {
	if c == ClassIndices {
		return nil
	}
	return []string{PrefixQuote}
}
