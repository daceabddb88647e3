package market

import (
	"fmt"
	"time"
)

// SecurityType classifies the instruments the feed can carry.
type SecurityType int

const (
	Equity SecurityType = iota
	Index
	Option
	IndexOption
)

func (s SecurityType) String() string {
	switch s {
	case Equity:
		return "equity"
	case Index:
		return "index"
	case Option:
		return "option"
	case IndexOption:
		return "index-option"
	}
	return fmt.Sprintf("security-type(%d)", int(s))
}

// IsOption reports whether the type carries option attributes (strike, expiry, right).
func (s SecurityType) IsOption() bool {
	return s == Option || s == IndexOption
}

// OptionRight is the side of an option contract.
type OptionRight int

const (
	Call OptionRight = iota
	Put
)

func (r OptionRight) String() string {
	if r == Put {
		return "put"
	}
	return "call"
}

// TickType selects the event stream requested for a subscription.
type TickType int

const (
	Trade TickType = iota
	Quote
	OpenInterest
)

func (t TickType) String() string {
	switch t {
	case Trade:
		return "trade"
	case Quote:
		return "quote"
	case OpenInterest:
		return "openinterest"
	}
	return fmt.Sprintf("tick-type(%d)", int(t))
}

// Resolution is the consolidation granularity requested for a subscription.
type Resolution int

const (
	TickRes Resolution = iota
	Second
	Minute
	Hour
	Daily
)

func (r Resolution) String() string {
	switch r {
	case TickRes:
		return "tick"
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Daily:
		return "daily"
	}
	return fmt.Sprintf("resolution(%d)", int(r))
}

// Duration returns the bar span for a time-based resolution, zero for tick.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	}
	return 0
}

// Symbol is the engine-side instrument identity. It is a comparable value:
// two Symbols describing the same instrument compare equal and can key maps.
// Expiry must be a UTC date (time.Date in time.UTC) so equality holds.
type Symbol struct {
	Ticker     string
	Type       SecurityType
	Underlying string // option underlying ticker; empty otherwise
	Expiry     time.Time
	Right      OptionRight
	Strike     float64
}

// NewEquity builds an equity symbol.
func NewEquity(ticker string) Symbol {
	return Symbol{Ticker: ticker, Type: Equity}
}

// NewIndex builds an index symbol.
func NewIndex(ticker string) Symbol {
	return Symbol{Ticker: ticker, Type: Index}
}

// NewOption builds an option contract symbol on an equity underlying.
func NewOption(underlying string, expiry time.Time, right OptionRight, strike float64) Symbol {
	return Symbol{
		Ticker:     underlying,
		Type:       Option,
		Underlying: underlying,
		Expiry:     dateUTC(expiry),
		Right:      right,
		Strike:     strike,
	}
}

// NewIndexOption builds an option contract symbol on an index underlying.
func NewIndexOption(underlying string, expiry time.Time, right OptionRight, strike float64) Symbol {
	s := NewOption(underlying, expiry, right, strike)
	s.Type = IndexOption
	return s
}

// Key returns a canonical string identity usable as a stable map key across
// processes (Symbol itself is comparable for in-process maps).
func (s Symbol) Key() string {
	if s.Type.IsOption() {
		return fmt.Sprintf("%s/%s/%s/%s/%.3f",
			s.Type, s.Underlying, s.Expiry.Format("2006-01-02"), s.Right, s.Strike)
	}
	return fmt.Sprintf("%s/%s", s.Type, s.Ticker)
}

func (s Symbol) String() string { return s.Key() }

// IsZero reports whether the symbol is the empty value.
func (s Symbol) IsZero() bool { return s.Ticker == "" }

func dateUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Subscription identifies one logical data request. It is comparable and is
// used as the key for pool assignment and sink registration.
type Subscription struct {
	Symbol     Symbol
	TickType   TickType
	Resolution Resolution
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s@%s/%s", s.Symbol, s.TickType, s.Resolution)
}
