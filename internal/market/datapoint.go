package market

import (
	"fmt"
	"time"
)

// DataKind discriminates the payload carried by a DataPoint.
type DataKind int

const (
	KindTrade DataKind = iota
	KindQuote
	KindBar
	KindOpenInterest
)

func (k DataKind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindQuote:
		return "quote"
	case KindBar:
		return "bar"
	case KindOpenInterest:
		return "openinterest"
	}
	return fmt.Sprintf("data-kind(%d)", int(k))
}

// DataPoint is one raw or consolidated market event. Kind selects which
// field group is meaningful; Time is exchange time.
type DataPoint struct {
	Symbol Symbol
	Kind   DataKind
	Time   time.Time

	// KindTrade
	Price float64
	Size  int64

	// KindQuote
	Bid     float64
	Ask     float64
	BidSize int64
	AskSize int64

	// KindBar
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Period time.Duration

	// KindOpenInterest
	OpenInterest int64
}

// TradePoint builds a trade tick.
func TradePoint(sym Symbol, t time.Time, price float64, size int64) DataPoint {
	return DataPoint{Symbol: sym, Kind: KindTrade, Time: t, Price: price, Size: size}
}

// QuotePoint builds a bid/ask tick.
func QuotePoint(sym Symbol, t time.Time, bid, ask float64, bidSize, askSize int64) DataPoint {
	return DataPoint{
		Symbol: sym, Kind: KindQuote, Time: t,
		Bid: bid, Ask: ask, BidSize: bidSize, AskSize: askSize,
	}
}

// BarPoint builds an OHLCV bar starting at t spanning period.
func BarPoint(sym Symbol, t time.Time, o, h, l, c, v float64, period time.Duration) DataPoint {
	return DataPoint{
		Symbol: sym, Kind: KindBar, Time: t,
		Open: o, High: h, Low: l, Close: c, Volume: v, Period: period,
	}
}

// OpenInterestPoint builds a synthetic open-interest tick.
func OpenInterestPoint(sym Symbol, t time.Time, oi int64) DataPoint {
	return DataPoint{Symbol: sym, Kind: KindOpenInterest, Time: t, OpenInterest: oi}
}
