package aggregate

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"polyfeed/internal/market"
)

const outputBuffer = 256

// Sink consolidates raw data points and fans them out per subscription. One
// raw update for a symbol reaches every registered entry for that symbol;
// each entry owns its consolidator and output channel.
//
// All writers (stream dispatch, open-interest poller) and Remove serialize
// on the same lock, so no entry receives an update after its removal
// completes and no send races a channel close.
type Sink struct {
	loc    *time.Location
	logger *zap.Logger

	mu      sync.Mutex
	entries map[market.Symbol][]*entry
}

type entry struct {
	sub    market.Subscription
	cons   Consolidator
	out    chan market.DataPoint
	notify func()
}

// NewSink creates a sink aligning daily consolidation to loc.
func NewSink(loc *time.Location, logger *zap.Logger) *Sink {
	if loc == nil {
		loc = time.UTC
	}
	return &Sink{
		loc:     loc,
		logger:  logger,
		entries: make(map[market.Symbol][]*entry),
	}
}

// Add registers a subscription and returns its output sequence. The channel
// yields consolidated points in completion order and closes on Remove.
// notify, when non-nil, fires after each point is queued.
func (s *Sink) Add(sub market.Subscription, notify func()) (<-chan market.DataPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries[sub.Symbol] {
		if e.sub == sub {
			return nil, fmt.Errorf("already consolidating %s", sub)
		}
	}

	e := &entry{
		sub:    sub,
		cons:   NewConsolidator(sub, s.loc),
		out:    make(chan market.DataPoint, outputBuffer),
		notify: notify,
	}
	s.entries[sub.Symbol] = append(s.entries[sub.Symbol], e)
	return e.out, nil
}

// Remove deregisters a subscription and closes its output sequence. Returns
// false when the subscription is unknown; safe to call concurrently with
// Update and safe to call twice.
func (s *Sink) Remove(sub market.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[sub.Symbol]
	for i, e := range list {
		if e.sub != sub {
			continue
		}
		s.entries[sub.Symbol] = append(list[:i], list[i+1:]...)
		if len(s.entries[sub.Symbol]) == 0 {
			delete(s.entries, sub.Symbol)
		}
		close(e.out)
		return true
	}
	return false
}

// Update fans one raw data point out to every entry registered for its
// symbol. Slow consumers drop points rather than stall the dispatch path.
func (s *Sink) Update(p market.DataPoint) {
	var notifies []func()

	s.mu.Lock()
	for _, e := range s.entries[p.Symbol] {
		done, ok := e.cons.Update(p)
		if !ok {
			continue
		}
		select {
		case e.out <- done:
			if e.notify != nil {
				notifies = append(notifies, e.notify)
			}
		default:
			s.logger.Warn("consumer lagging, dropping point", zap.Stringer("subscription", e.sub))
		}
	}
	s.mu.Unlock()

	for _, fn := range notifies {
		fn()
	}
}

// Close removes every entry, closing all output sequences.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, list := range s.entries {
		for _, e := range list {
			close(e.out)
		}
		delete(s.entries, sym)
	}
}
