package aggregate

import (
	"time"

	"polyfeed/internal/market"
)

// Consolidator folds raw data points into the granularity a subscription
// asked for. Update returns the consolidated point and true whenever one
// completes; implementations are not safe for concurrent use and are always
// driven under the sink's lock.
type Consolidator interface {
	Update(p market.DataPoint) (market.DataPoint, bool)
}

// NewConsolidator selects the consolidator for a subscription. Exchange-local
// time in loc aligns daily buckets to the exchange calendar day.
func NewConsolidator(sub market.Subscription, loc *time.Location) Consolidator {
	if sub.TickType == market.OpenInterest {
		return &openInterestConsolidator{}
	}
	if sub.TickType == market.Quote || sub.Resolution == market.TickRes {
		// Trade feeds may arrive as vendor bars when the granularity probe
		// fell back to an aggregate channel; those still count as fills.
		return &passthrough{want: wantKind(sub.TickType), bars: sub.TickType == market.Trade}
	}
	return &barConsolidator{period: sub.Resolution.Duration(), loc: loc}
}

func wantKind(t market.TickType) market.DataKind {
	if t == market.Quote {
		return market.KindQuote
	}
	return market.KindTrade
}

// passthrough republishes points already at the target granularity,
// filtering on kind.
type passthrough struct {
	want market.DataKind
	bars bool // also admit vendor bars
}

func (c *passthrough) Update(p market.DataPoint) (market.DataPoint, bool) {
	if p.Kind == c.want || (c.bars && p.Kind == market.KindBar) {
		return p, true
	}
	return market.DataPoint{}, false
}

// openInterestConsolidator republishes the latest open-interest value.
type openInterestConsolidator struct{}

func (c *openInterestConsolidator) Update(p market.DataPoint) (market.DataPoint, bool) {
	if p.Kind != market.KindOpenInterest {
		return market.DataPoint{}, false
	}
	return p, true
}

// barConsolidator builds OHLCV bars over a fixed period from trade ticks or
// finer vendor bars. A working bar is emitted when the first point of the
// next bucket arrives.
type barConsolidator struct {
	period time.Duration
	loc    *time.Location

	started bool
	bucket  time.Time
	working market.DataPoint
}

func (c *barConsolidator) Update(p market.DataPoint) (market.DataPoint, bool) {
	if p.Kind != market.KindTrade && p.Kind != market.KindBar {
		return market.DataPoint{}, false
	}

	bucket := c.bucketStart(p.Time)

	var done market.DataPoint
	var emitted bool
	if c.started && !bucket.Equal(c.bucket) {
		done, emitted = c.working, true
		c.started = false
	}

	if !c.started {
		c.started = true
		c.bucket = bucket
		c.working = market.BarPoint(p.Symbol, bucket, 0, 0, 0, 0, 0, c.period)
		c.working.Open = openOf(p)
		c.working.High = highOf(p)
		c.working.Low = lowOf(p)
	}
	c.fold(p)

	return done, emitted
}

func (c *barConsolidator) fold(p market.DataPoint) {
	if h := highOf(p); h > c.working.High {
		c.working.High = h
	}
	if l := lowOf(p); l < c.working.Low {
		c.working.Low = l
	}
	c.working.Close = closeOf(p)
	c.working.Volume += volumeOf(p)
}

// bucketStart aligns t to the start of its bar. Daily bars align to the
// exchange-local midnight; intraday bars truncate on the absolute clock.
func (c *barConsolidator) bucketStart(t time.Time) time.Time {
	if c.period >= 24*time.Hour {
		lt := t.In(c.loc)
		return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
	}
	return t.Truncate(c.period)
}

func openOf(p market.DataPoint) float64 {
	if p.Kind == market.KindBar {
		return p.Open
	}
	return p.Price
}

func highOf(p market.DataPoint) float64 {
	if p.Kind == market.KindBar {
		return p.High
	}
	return p.Price
}

func lowOf(p market.DataPoint) float64 {
	if p.Kind == market.KindBar {
		return p.Low
	}
	return p.Price
}

func closeOf(p market.DataPoint) float64 {
	if p.Kind == market.KindBar {
		return p.Close
	}
	return p.Price
}

func volumeOf(p market.DataPoint) float64 {
	if p.Kind == market.KindBar {
		return p.Volume
	}
	return float64(p.Size)
}
