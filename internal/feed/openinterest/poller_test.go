package openinterest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"polyfeed/internal/market"
	"polyfeed/pkg/polygon"
)

type fakeSnapshots struct {
	mu    sync.Mutex
	calls [][]string
	oi    map[string]float64
	err   error
}

func (f *fakeSnapshots) Snapshots(ctx context.Context, tickers []string) ([]polygon.SnapshotResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), tickers...))
	if f.err != nil {
		return nil, f.err
	}
	var out []polygon.SnapshotResult
	for _, t := range tickers {
		if v, ok := f.oi[t]; ok {
			out = append(out, polygon.SnapshotResult{Ticker: t, OpenInterest: v})
		}
	}
	return out, nil
}

func (f *fakeSnapshots) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu     sync.Mutex
	points []market.DataPoint
}

func (s *fakeSink) Update(p market.DataPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func testPoller(t *testing.T, rest SnapshotClient, sink Updater, batchSize int) *Poller {
	t.Helper()
	p := New(Config{BatchSize: batchSize, RefreshHour: 8}, rest, sink, market.NewTranslator(), zaptest.NewLogger(t))
	t.Cleanup(p.Close)
	return p
}

// stopTimer cancels the background schedule so a test can drive poll cycles
// by hand without racing the timer goroutine.
func stopTimer(p *Poller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

func optionSymbols(n int) []market.Symbol {
	expiry := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)
	syms := make([]market.Symbol, n)
	for i := range syms {
		syms[i] = market.NewOption("SPY", expiry, market.Call, 400+float64(i))
	}
	return syms
}

func TestPollPopulatesTrackingMapAndSink(t *testing.T) {
	translator := market.NewTranslator()
	syms := optionSymbols(10)
	oi := map[string]float64{}
	for i, sym := range syms {
		ticker, err := translator.VendorTicker(sym)
		if err != nil {
			t.Fatalf("VendorTicker: %v", err)
		}
		oi[ticker] = float64(1000 + i)
	}
	rest := &fakeSnapshots{oi: oi}
	sink := &fakeSink{}
	p := testPoller(t, rest, sink, 250)

	for _, sym := range syms {
		p.Track(sym)
	}
	stopTimer(p)
	if worked := p.poll(); !worked {
		t.Fatal("poll reported no work with 10 never-polled symbols")
	}

	entries := p.Entries()
	if len(entries) != 10 {
		t.Fatalf("tracking map has %d entries, want 10", len(entries))
	}
	for sym, e := range entries {
		if e.LastPoll.IsZero() {
			t.Fatalf("symbol %v never marked polled", sym)
		}
		if e.Value < 1000 {
			t.Fatalf("symbol %v value = %d", sym, e.Value)
		}
	}
	if sink.count() != 10 {
		t.Fatalf("sink received %d points, want 10", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, pt := range sink.points {
		if pt.Kind != market.KindOpenInterest || pt.OpenInterest < 1000 {
			t.Fatalf("unexpected sink point: %+v", pt)
		}
	}
}

func TestPollSkipsSymbolsAlreadyPolledToday(t *testing.T) {
	translator := market.NewTranslator()
	sym := optionSymbols(1)[0]
	ticker, _ := translator.VendorTicker(sym)
	rest := &fakeSnapshots{oi: map[string]float64{ticker: 42}}
	p := testPoller(t, rest, &fakeSink{}, 250)

	// Pin the clock outside the refresh window.
	fixed := time.Date(2024, 6, 20, 12, 0, 0, 0, p.loc)
	p.now = func() time.Time { return fixed }

	p.Track(sym)
	stopTimer(p)
	if !p.poll() {
		t.Fatal("first poll did no work")
	}
	if p.poll() {
		t.Fatal("second poll re-fetched a symbol already polled today")
	}

	// Inside the refresh window every tracked symbol is due again.
	p.now = func() time.Time {
		return time.Date(2024, 6, 20, 8, 0, 30, 0, p.loc)
	}
	if !p.poll() {
		t.Fatal("refresh window did not requalify polled symbols")
	}
}

func TestPolledSymbolsNotRefreshedOnNonTradingDays(t *testing.T) {
	translator := market.NewTranslator()
	syms := optionSymbols(2)
	oi := map[string]float64{}
	for _, sym := range syms {
		ticker, _ := translator.VendorTicker(sym)
		oi[ticker] = 42
	}
	rest := &fakeSnapshots{oi: oi}
	p := testPoller(t, rest, &fakeSink{}, 250)

	// Thursday: the initial poll goes through.
	p.now = func() time.Time { return time.Date(2024, 6, 20, 12, 0, 0, 0, p.loc) }
	p.Track(syms[0])
	stopTimer(p)
	if !p.poll() {
		t.Fatal("first poll did no work")
	}

	// Saturday: a fresh calendar date, but the exchange is closed. Neither
	// the date change nor the refresh window requalifies the symbol.
	p.now = func() time.Time { return time.Date(2024, 6, 22, 12, 0, 0, 0, p.loc) }
	if p.poll() {
		t.Fatal("weekend date change requalified a polled symbol")
	}
	p.now = func() time.Time { return time.Date(2024, 6, 22, 8, 0, 30, 0, p.loc) }
	if p.poll() {
		t.Fatal("refresh window requalified a polled symbol on a weekend")
	}

	// A never-polled symbol is still due on a weekend so new subscriptions
	// get their initial value promptly.
	p.Track(syms[1])
	stopTimer(p)
	if !p.poll() {
		t.Fatal("never-polled symbol not due on a weekend")
	}

	// Monday: trading resumes and the date change is honored again.
	p.now = func() time.Time { return time.Date(2024, 6, 24, 12, 0, 0, 0, p.loc) }
	if !p.poll() {
		t.Fatal("polled symbols not requalified on the next trading day")
	}
}

func TestUntilNextDueSleepsThroughWeekend(t *testing.T) {
	p := testPoller(t, &fakeSnapshots{}, &fakeSink{}, 250)

	// Friday midday: the next fresh trading date is Monday midnight.
	friday := time.Date(2024, 6, 21, 12, 0, 0, 0, p.loc)
	if d := p.untilNextDue(friday); d != 60*time.Hour {
		t.Fatalf("untilNextDue(Fri 12:00) = %v, want 60h (Mon 00:00)", d)
	}

	// Saturday morning before the window hour: Monday's window comes after
	// Monday midnight, so midnight still wins.
	saturday := time.Date(2024, 6, 22, 6, 0, 0, 0, p.loc)
	if d := p.untilNextDue(saturday); d != 42*time.Hour {
		t.Fatalf("untilNextDue(Sat 06:00) = %v, want 42h (Mon 00:00)", d)
	}
}

func TestPollBatchesBySize(t *testing.T) {
	translator := market.NewTranslator()
	syms := optionSymbols(5)
	oi := map[string]float64{}
	for _, sym := range syms {
		ticker, _ := translator.VendorTicker(sym)
		oi[ticker] = 1
	}
	rest := &fakeSnapshots{oi: oi}
	p := testPoller(t, rest, &fakeSink{}, 2)

	for _, sym := range syms {
		p.Track(sym)
	}
	stopTimer(p)
	p.poll()

	if got := rest.callCount(); got != 3 {
		t.Fatalf("snapshot requests = %d, want 3 batches of <=2 for 5 tickers", got)
	}
}

func TestSnapshotFailureDoesNotCrashOrMarkPolled(t *testing.T) {
	sym := optionSymbols(1)[0]
	rest := &fakeSnapshots{err: errors.New("vendor down")}
	p := testPoller(t, rest, &fakeSink{}, 250)

	p.Track(sym)
	stopTimer(p)
	if !p.poll() {
		t.Fatal("cycle with a failing request still counts as attempted work")
	}
	if e := p.Entries()[sym]; !e.LastPoll.IsZero() {
		t.Fatal("failed snapshot marked symbol as polled")
	}
}

func TestTrackSchedulesNearTermRun(t *testing.T) {
	translator := market.NewTranslator()
	sym := optionSymbols(1)[0]
	ticker, _ := translator.VendorTicker(sym)
	rest := &fakeSnapshots{oi: map[string]float64{ticker: 7}}
	sink := &fakeSink{}
	p := testPoller(t, rest, sink, 250)

	p.Track(sym)

	deadline := time.Now().Add(10 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tracked symbol not polled by the scheduled near-term run")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestUntrackStopsFuturePolls(t *testing.T) {
	translator := market.NewTranslator()
	sym := optionSymbols(1)[0]
	ticker, _ := translator.VendorTicker(sym)
	rest := &fakeSnapshots{oi: map[string]float64{ticker: 7}}
	p := testPoller(t, rest, &fakeSink{}, 250)

	p.Track(sym)
	stopTimer(p)
	p.Untrack(sym)
	if p.poll() {
		t.Fatal("poll did work after the only symbol was untracked")
	}
	if len(p.Entries()) != 0 {
		t.Fatal("tracking map not empty after Untrack")
	}
}

func TestUntilNextDuePicksEarlierOfWindowAndMidnight(t *testing.T) {
	p := testPoller(t, &fakeSnapshots{}, &fakeSink{}, 250)

	// Morning before the window: next due is the 08:00 window.
	morning := time.Date(2024, 6, 20, 6, 0, 0, 0, p.loc)
	if d := p.untilNextDue(morning); d != 2*time.Hour {
		t.Fatalf("untilNextDue(06:00) = %v, want 2h", d)
	}

	// Midday: the next fresh calendar date (midnight) precedes tomorrow's window.
	midday := time.Date(2024, 6, 20, 12, 0, 0, 0, p.loc)
	if d := p.untilNextDue(midday); d != 12*time.Hour {
		t.Fatalf("untilNextDue(12:00) = %v, want 12h", d)
	}
}

func TestCloseCancelsSchedule(t *testing.T) {
	sym := optionSymbols(1)[0]
	rest := &fakeSnapshots{oi: map[string]float64{}}
	p := testPoller(t, rest, &fakeSink{}, 250)

	p.Track(sym)
	p.Close()
	p.Close() // idempotent

	calls := rest.callCount()
	time.Sleep(kickDelay + time.Second)
	if rest.callCount() != calls {
		t.Fatal("poll ran after Close")
	}
}
