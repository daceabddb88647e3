package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"polyfeed/internal/market"
	"polyfeed/pkg/polygon"
)

// CapacityExceededError signals that both pool caps are exhausted for a
// security class; the caller must shed load or reconfigure.
type CapacityExceededError struct {
	Class            polygon.Class
	MaxConnections   int
	MaxPerConnection int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("subscription pool for %s at capacity (%d connections x %d subscriptions)",
		e.Class, e.MaxConnections, e.MaxPerConnection)
}

// Conn is the streaming connection surface the pool manages. Implemented by
// *polygon.StreamConn; faked in tests.
type Conn interface {
	Connect(ctx context.Context) error
	Subscribe(cacheKey string, candidates []string, ticker string) (prefix string, err error)
	Unsubscribe(cacheKey string, candidates []string, ticker string) error
	IsOpen() bool
	Close() error
}

// Tracker receives the option symbols whose open interest should be polled.
// Implemented by the open-interest poller.
type Tracker interface {
	Track(sym market.Symbol)
	Untrack(sym market.Symbol)
}

// Pool multiplexes logical subscriptions across a bounded set of streaming
// connections, one set per security class. Two caps apply: maxConnections
// per class and maxPerConn subscriptions per connection, either 0 for
// unbounded. Membership mutation is serialized under one lock; wire I/O
// always happens outside it against a reserved slot.
type Pool struct {
	maxConns   int
	maxPerConn int
	dial       func(polygon.Class) Conn
	translator *market.Translator
	oi         Tracker
	logger     *zap.Logger

	mu       sync.Mutex
	members  map[polygon.Class][]*member
	assigned map[market.Subscription]*assignment
	oiSubs   map[market.Subscription]struct{}
	closed   bool
}

type member struct {
	class polygon.Class
	conn  Conn
	count int            // reserved logical subscriptions
	refs  map[string]int // wire param -> logical subscription count
	ready chan struct{}  // closed once connect finishes
	err   error          // connect failure, set before ready closes
}

type assignment struct {
	m     *member
	param string
}

// New creates a pool. dial returns an unconnected Conn for a class; the pool
// connects it synchronously before offering it to subscriptions.
func New(maxConns, maxPerConn int, dial func(polygon.Class) Conn, translator *market.Translator, oi Tracker, logger *zap.Logger) *Pool {
	return &Pool{
		maxConns:   maxConns,
		maxPerConn: maxPerConn,
		dial:       dial,
		translator: translator,
		oi:         oi,
		logger:     logger,
		members:    make(map[polygon.Class][]*member),
		assigned:   make(map[market.Subscription]*assignment),
		oiSubs:     make(map[market.Subscription]struct{}),
	}
}

// ClassOf maps a security type to its endpoint class. Options and index
// options share the options cluster.
func ClassOf(t market.SecurityType) polygon.Class {
	switch t {
	case market.Index:
		return polygon.ClassIndices
	case market.Option, market.IndexOption:
		return polygon.ClassOptions
	default:
		return polygon.ClassStocks
	}
}

func candidatesFor(class polygon.Class, tickType market.TickType) []string {
	if tickType == market.Quote {
		return polygon.QuoteCandidates(class)
	}
	return polygon.TradeCandidates(class)
}

func cacheKeyFor(class polygon.Class, tickType market.TickType) string {
	return fmt.Sprintf("%s/%s", class, tickType)
}

// Subscribe assigns the logical subscription to a connection with spare
// capacity, creating and connecting a new one when allowed, and performs the
// wire subscribe. Open-interest subscriptions never touch the wire: they are
// registered with the tracker and consume no connection capacity.
func (p *Pool) Subscribe(ctx context.Context, sub market.Subscription) error {
	if sub.TickType == market.OpenInterest {
		return p.subscribeOpenInterest(sub)
	}

	ticker, err := p.translator.VendorTicker(sub.Symbol)
	if err != nil {
		return err
	}
	class := ClassOf(sub.Symbol.Type)

	m, created, err := p.reserve(class, sub)
	if err != nil {
		return err
	}

	if created {
		p.connectMember(ctx, class, m)
	}
	<-m.ready
	if m.err != nil {
		p.release(sub, m, "")
		return m.err
	}

	prefix, err := m.conn.Subscribe(cacheKeyFor(class, sub.TickType), candidatesFor(class, sub.TickType), ticker)
	if err != nil {
		p.release(sub, m, "")
		return err
	}
	param := prefix + "." + ticker

	p.mu.Lock()
	p.assigned[sub] = &assignment{m: m, param: param}
	m.refs[param]++
	p.mu.Unlock()

	p.logger.Debug("subscription assigned",
		zap.Stringer("subscription", sub), zap.String("param", param))
	return nil
}

// reserve picks or creates a member with spare capacity and reserves one
// slot on it, all under the lock. No wire I/O happens here.
func (p *Pool) reserve(class polygon.Class, sub market.Subscription) (*member, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, fmt.Errorf("subscribe %s: pool closed", sub)
	}
	if _, dup := p.assigned[sub]; dup {
		return nil, false, fmt.Errorf("already subscribed: %s", sub)
	}

	for _, m := range p.members[class] {
		if p.maxPerConn == 0 || m.count < p.maxPerConn {
			m.count++
			return m, false, nil
		}
	}

	if p.maxConns > 0 && len(p.members[class]) >= p.maxConns {
		return nil, false, &CapacityExceededError{
			Class:            class,
			MaxConnections:   p.maxConns,
			MaxPerConnection: p.maxPerConn,
		}
	}

	m := &member{
		class: class,
		count: 1,
		refs:  make(map[string]int),
		ready: make(chan struct{}),
	}
	p.members[class] = append(p.members[class], m)
	return m, true, nil
}

// connectMember dials and connects a freshly created member, then resolves
// its ready gate. A failed connect removes the member.
func (p *Pool) connectMember(ctx context.Context, class polygon.Class, m *member) {
	conn := p.dial(class)
	err := conn.Connect(ctx)

	p.mu.Lock()
	if err != nil {
		m.err = err
		p.dropMemberLocked(class, m)
	} else {
		m.conn = conn
	}
	close(m.ready)
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("connection failed", zap.Stringer("class", class), zap.Error(err))
		conn.Close()
	} else {
		p.logger.Info("connection opened", zap.Stringer("class", class))
	}
}

func (p *Pool) dropMemberLocked(class polygon.Class, m *member) {
	list := p.members[class]
	for i, cand := range list {
		if cand == m {
			p.members[class] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Evict removes the member holding conn from rotation and forgets its
// logical assignments, so affected subscriptions can be re-established on a
// fresh connection. Wired as the stream death handler; unknown conns are
// ignored.
func (p *Pool) Evict(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for class, list := range p.members {
		for _, m := range list {
			if m.conn != conn {
				continue
			}
			p.dropMemberLocked(class, m)
			stranded := 0
			for sub, a := range p.assigned {
				if a.m == m {
					delete(p.assigned, sub)
					stranded++
				}
			}
			p.logger.Warn("dead connection evicted",
				zap.Stringer("class", class), zap.Int("stranded", stranded))
			return
		}
	}
}

// release undoes a reservation after a failed subscribe.
func (p *Pool) release(sub market.Subscription, m *member, param string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.count--
	delete(p.assigned, sub)
	if param != "" {
		m.refs[param]--
	}
}

func (p *Pool) subscribeOpenInterest(sub market.Subscription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("subscribe %s: pool closed", sub)
	}
	if _, dup := p.oiSubs[sub]; dup {
		p.mu.Unlock()
		return fmt.Errorf("already subscribed: %s", sub)
	}
	p.oiSubs[sub] = struct{}{}
	p.mu.Unlock()

	p.oi.Track(sub.Symbol)
	return nil
}

// Unsubscribe removes a logical subscription. The wire unsubscribe is only
// sent when no other logical subscription shares the wire param. Calling it
// for an unknown subscription is a no-op.
func (p *Pool) Unsubscribe(sub market.Subscription) error {
	if sub.TickType == market.OpenInterest {
		p.unsubscribeOpenInterest(sub)
		return nil
	}

	p.mu.Lock()
	a, ok := p.assigned[sub]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.assigned, sub)
	a.m.count--
	a.m.refs[a.param]--
	last := a.m.refs[a.param] == 0
	if last {
		delete(a.m.refs, a.param)
	}
	conn := a.m.conn
	p.mu.Unlock()

	if !last || conn == nil {
		return nil
	}
	ticker, err := p.translator.VendorTicker(sub.Symbol)
	if err != nil {
		return err
	}
	class := ClassOf(sub.Symbol.Type)
	return conn.Unsubscribe(cacheKeyFor(class, sub.TickType), candidatesFor(class, sub.TickType), ticker)
}

func (p *Pool) unsubscribeOpenInterest(sub market.Subscription) {
	p.mu.Lock()
	if _, ok := p.oiSubs[sub]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.oiSubs, sub)
	remaining := false
	for other := range p.oiSubs {
		if other.Symbol == sub.Symbol {
			remaining = true
			break
		}
	}
	p.mu.Unlock()

	if !remaining {
		p.oi.Untrack(sub.Symbol)
	}
}

// IsConnected reports whether at least one managed connection is open.
func (p *Pool) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.members {
		for _, m := range list {
			if m.conn != nil && m.conn.IsOpen() {
				return true
			}
		}
	}
	return false
}

// TotalSubscriptionCount returns the number of active logical subscriptions,
// open-interest registrations included.
func (p *Pool) TotalSubscriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assigned) + len(p.oiSubs)
}

// ConnectionCount returns the number of managed connections for a class.
func (p *Pool) ConnectionCount(class polygon.Class) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members[class])
}

// Close tears down every connection. Idempotent; connections close with
// their own bounded timeouts so Close never hangs.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var conns []Conn
	for class, list := range p.members {
		for _, m := range list {
			if m.conn != nil {
				conns = append(conns, m.conn)
			}
		}
		delete(p.members, class)
	}
	p.assigned = make(map[market.Subscription]*assignment)
	p.oiSubs = make(map[market.Subscription]struct{})
	p.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
