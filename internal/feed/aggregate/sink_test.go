package aggregate

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"polyfeed/internal/market"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	return NewSink(time.UTC, zaptest.NewLogger(t))
}

func TestUpdateFansOutToEveryMatchingEntry(t *testing.T) {
	s := newTestSink(t)
	sym := market.NewEquity("SPY")

	tickSub := market.Subscription{Symbol: sym, TickType: market.Trade, Resolution: market.TickRes}
	barSub := market.Subscription{Symbol: sym, TickType: market.Trade, Resolution: market.Minute}

	tickOut, err := s.Add(tickSub, nil)
	if err != nil {
		t.Fatalf("Add tick: %v", err)
	}
	barOut, err := s.Add(barSub, nil)
	if err != nil {
		t.Fatalf("Add bar: %v", err)
	}

	base := time.Date(2023, 6, 16, 14, 30, 0, 0, time.UTC)
	s.Update(market.TradePoint(sym, base.Add(10*time.Second), 440.10, 100))
	// Next minute: completes the bar for the bar entry.
	s.Update(market.TradePoint(sym, base.Add(70*time.Second), 440.50, 50))

	if n := len(tickOut); n != 2 {
		t.Fatalf("tick entry received %d points, want 2 (fan-out, not fan-in)", n)
	}
	select {
	case bar := <-barOut:
		if bar.Kind != market.KindBar || bar.Open != 440.10 || bar.Close != 440.10 || bar.Volume != 100 {
			t.Fatalf("unexpected consolidated bar: %+v", bar)
		}
		if !bar.Time.Equal(base) {
			t.Fatalf("bar start = %v, want %v", bar.Time, base)
		}
	default:
		t.Fatal("bar entry received no consolidated point")
	}
}

func TestUpdateIgnoresOtherSymbols(t *testing.T) {
	s := newTestSink(t)
	sub := market.Subscription{Symbol: market.NewEquity("AAPL"), TickType: market.Trade, Resolution: market.TickRes}
	out, err := s.Add(sub, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Update(market.TradePoint(market.NewEquity("MSFT"), time.Now(), 400, 10))
	if len(out) != 0 {
		t.Fatal("received point for a different symbol")
	}
}

func TestQuoteEntryFiltersTrades(t *testing.T) {
	s := newTestSink(t)
	sym := market.NewEquity("AAPL")
	sub := market.Subscription{Symbol: sym, TickType: market.Quote, Resolution: market.TickRes}
	out, err := s.Add(sub, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	now := time.Now()
	s.Update(market.TradePoint(sym, now, 187, 10))
	s.Update(market.QuotePoint(sym, now, 186.99, 187.01, 5, 7))

	if n := len(out); n != 1 {
		t.Fatalf("quote entry received %d points, want 1 (trades filtered)", n)
	}
	q := <-out
	if q.Kind != market.KindQuote || q.Bid != 186.99 {
		t.Fatalf("unexpected quote point: %+v", q)
	}
}

func TestRemoveClosesSequenceAndStopsUpdates(t *testing.T) {
	s := newTestSink(t)
	sym := market.NewEquity("SPY")
	sub := market.Subscription{Symbol: sym, TickType: market.Trade, Resolution: market.TickRes}
	out, err := s.Add(sub, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !s.Remove(sub) {
		t.Fatal("Remove returned false for a live subscription")
	}
	if s.Remove(sub) {
		t.Fatal("second Remove returned true")
	}

	// After Remove the update must not reach the closed channel.
	s.Update(market.TradePoint(sym, time.Now(), 440, 1))

	if _, open := <-out; open {
		t.Fatal("output sequence still open after Remove")
	}
}

func TestRemoveConcurrentWithUpdate(t *testing.T) {
	s := newTestSink(t)
	sym := market.NewEquity("SPY")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Update(market.TradePoint(sym, time.Now(), 440, 1))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			sub := market.Subscription{Symbol: sym, TickType: market.Trade, Resolution: market.TickRes}
			out, err := s.Add(sub, nil)
			if err != nil {
				t.Errorf("Add: %v", err)
				return
			}
			go func() {
				for range out {
				}
			}()
			s.Remove(sub)
		}
	}()
	wg.Wait()
}

func TestNotifyFiresPerQueuedPoint(t *testing.T) {
	s := newTestSink(t)
	sym := market.NewEquity("AAPL")
	sub := market.Subscription{Symbol: sym, TickType: market.Trade, Resolution: market.TickRes}

	var notified int
	if _, err := s.Add(sub, func() { notified++ }); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Update(market.TradePoint(sym, time.Now(), 187, 1))
	s.Update(market.TradePoint(sym, time.Now(), 188, 1))
	if notified != 2 {
		t.Fatalf("notify fired %d times, want 2", notified)
	}
}

func TestDuplicateAddFails(t *testing.T) {
	s := newTestSink(t)
	sub := market.Subscription{Symbol: market.NewEquity("SPY"), TickType: market.Trade, Resolution: market.Minute}
	if _, err := s.Add(sub, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(sub, nil); err == nil {
		t.Fatal("duplicate Add succeeded")
	}
}
