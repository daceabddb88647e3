package openinterest

import (
	"context"
	"sync"
	"time"

	"github.com/scmhub/calendar"
	"go.uber.org/zap"

	"polyfeed/internal/market"
	"polyfeed/pkg/polygon"
)

const (
	steadyInterval = time.Minute
	kickDelay      = 3 * time.Second
	refreshWindow  = time.Minute
	snapshotWait   = 30 * time.Second
)

// SnapshotClient fetches open-interest snapshots for vendor tickers.
// Implemented by *polygon.RESTClient.
type SnapshotClient interface {
	Snapshots(ctx context.Context, tickers []string) ([]polygon.SnapshotResult, error)
}

// Updater receives the synthetic open-interest data points. Implemented by
// the aggregation sink.
type Updater interface {
	Update(p market.DataPoint)
}

// Entry is the last observed open interest for a tracked symbol.
type Entry struct {
	LastPoll time.Time
	Value    int64
}

// Config tunes the poll schedule.
type Config struct {
	// BatchSize bounds how many tickers go into one snapshot request.
	BatchSize int
	// RefreshHour/RefreshMinute is the exchange-local time of day at which
	// every tracked symbol is refreshed regardless of prior polls.
	RefreshHour   int
	RefreshMinute int
}

// Poller periodically fetches open-interest snapshots for all tracked
// option symbols and injects synthetic ticks into the sink. It runs on its
// own self-rescheduling timer: a cycle that did work reschedules after a
// short steady interval, an idle cycle sleeps until symbols become due
// again, and a newly tracked symbol nudges a near-term run.
type Poller struct {
	rest       SnapshotClient
	sink       Updater
	translator *market.Translator
	logger     *zap.Logger
	cfg        Config
	cal        *calendar.Calendar
	loc        *time.Location
	now        func() time.Time

	mu      sync.Mutex
	tracked map[market.Symbol]Entry
	timer   *time.Timer
	closed  bool
}

// New creates an idle poller aligned to the NYSE trading calendar: its
// timezone anchors the poll dates and its holiday schedule gates the daily
// refresh.
func New(cfg Config, rest SnapshotClient, sink Updater, translator *market.Translator, logger *zap.Logger) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 250
	}

	cal, loc := exchangeCalendar()
	return &Poller{
		rest:       rest,
		sink:       sink,
		translator: translator,
		logger:     logger,
		cfg:        cfg,
		cal:        cal,
		loc:        loc,
		now:        time.Now,
		tracked:    make(map[market.Symbol]Entry),
	}
}

func exchangeCalendar() (*calendar.Calendar, *time.Location) {
	if cal := calendar.GetCalendar("xnys"); cal != nil && cal.Loc != nil {
		return cal, cal.Loc
	}
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		return nil, loc
	}
	return nil, time.UTC
}

// businessDay reports whether the exchange trades on t's date. Without a
// calendar, weekdays count as trading days.
func (p *Poller) businessDay(t time.Time) bool {
	if p.cal != nil {
		return p.cal.IsBusinessDay(t)
	}
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Track registers a symbol for open-interest polling and nudges a near-term
// run so fresh subscriptions get a value promptly.
func (p *Poller) Track(sym market.Symbol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.tracked[sym]; ok {
		return
	}
	p.tracked[sym] = Entry{}
	p.scheduleLocked(kickDelay)
}

// Untrack removes a symbol from polling.
func (p *Poller) Untrack(sym market.Symbol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, sym)
}

// Entries returns a snapshot of the tracking map.
func (p *Poller) Entries() map[market.Symbol]Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[market.Symbol]Entry, len(p.tracked))
	for sym, e := range p.tracked {
		out[sym] = e
	}
	return out
}

func (p *Poller) schedule(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduleLocked(d)
}

func (p *Poller) scheduleLocked(d time.Duration) {
	if p.closed {
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(d, p.run)
		return
	}
	p.timer.Reset(d)
}

// run executes one poll cycle. Whatever happens, the next cycle is always
// rescheduled: failures are logged and swallowed, never propagated.
func (p *Poller) run() {
	worked := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("open-interest cycle panicked", zap.Any("panic", r))
		}
		if worked {
			p.schedule(steadyInterval)
		} else {
			p.schedule(p.untilNextDue(p.now().In(p.loc)))
		}
	}()
	worked = p.poll()
}

// poll fetches snapshots for every due symbol. Returns true when any work
// was attempted this cycle.
func (p *Poller) poll() bool {
	now := p.now().In(p.loc)

	p.mu.Lock()
	byTicker := make(map[string]market.Symbol)
	for sym, e := range p.tracked {
		if !p.dueLocked(e, now) {
			continue
		}
		ticker, err := p.translator.VendorTicker(sym)
		if err != nil {
			p.logger.Warn("untranslatable tracked symbol", zap.Stringer("symbol", sym), zap.Error(err))
			continue
		}
		byTicker[ticker] = sym
	}
	p.mu.Unlock()

	if len(byTicker) == 0 {
		return false
	}

	tickers := make([]string, 0, len(byTicker))
	for t := range byTicker {
		tickers = append(tickers, t)
	}

	for start := 0; start < len(tickers); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(tickers) {
			end = len(tickers)
		}
		p.pollBatch(tickers[start:end], byTicker)
	}
	return true
}

func (p *Poller) pollBatch(tickers []string, byTicker map[string]market.Symbol) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotWait)
	defer cancel()

	snaps, err := p.rest.Snapshots(ctx, tickers)
	if err != nil {
		p.logger.Warn("open-interest snapshot failed",
			zap.Int("tickers", len(tickers)), zap.Error(err))
		return
	}

	polled := p.now()
	for _, snap := range snaps {
		sym, ok := byTicker[snap.Ticker]
		if !ok {
			continue
		}
		value := int64(snap.OpenInterest)
		p.sink.Update(market.OpenInterestPoint(sym, polled, value))

		p.mu.Lock()
		if _, still := p.tracked[sym]; still {
			p.tracked[sym] = Entry{LastPoll: polled, Value: value}
		}
		p.mu.Unlock()
	}
	p.logger.Debug("open-interest batch polled", zap.Int("tickers", len(tickers)), zap.Int("results", len(snaps)))
}

// dueLocked reports whether a tracked entry qualifies for this cycle.
// Never-polled entries are always due so fresh subscriptions get an initial
// value. Polled entries only refresh on trading days: inside the daily
// refresh window, or once per new exchange-calendar date.
func (p *Poller) dueLocked(e Entry, now time.Time) bool {
	if e.LastPoll.IsZero() {
		return true
	}
	if !p.businessDay(now) {
		return false
	}
	if p.inRefreshWindow(now) {
		return true
	}
	return !sameDate(e.LastPoll.In(p.loc), now)
}

func (p *Poller) inRefreshWindow(now time.Time) bool {
	start := time.Date(now.Year(), now.Month(), now.Day(),
		p.cfg.RefreshHour, p.cfg.RefreshMinute, 0, 0, p.loc)
	return !now.Before(start) && now.Sub(start) < refreshWindow
}

// untilNextDue computes the idle sleep: symbols become due again at the
// refresh window or the exchange-local midnight (a fresh calendar date) of
// the next trading day, whichever comes first. Weekends and exchange
// holidays are slept through.
func (p *Poller) untilNextDue(now time.Time) time.Duration {
	window := time.Date(now.Year(), now.Month(), now.Day(),
		p.cfg.RefreshHour, p.cfg.RefreshMinute, 0, 0, p.loc)
	for !window.After(now) || !p.businessDay(window) {
		window = window.AddDate(0, 0, 1)
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.loc).AddDate(0, 0, 1)
	for !p.businessDay(midnight) {
		midnight = midnight.AddDate(0, 0, 1)
	}

	next := window
	if midnight.Before(next) {
		next = midnight
	}
	return next.Sub(now)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Close cancels the pending timer. A cycle already in flight may still
// finish; it will not reschedule.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
}
