package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"polyfeed/config"
	"polyfeed/internal/feed/aggregate"
	"polyfeed/internal/feed/chain"
	"polyfeed/internal/feed/openinterest"
	"polyfeed/internal/feed/pool"
	"polyfeed/internal/market"
	"polyfeed/pkg/polygon"

	"github.com/scmhub/calendar"
	"go.uber.org/zap"
)

// historyClient is the REST surface the history path needs.
type historyClient interface {
	Aggregates(ctx context.Context, ticker string, multiplier int, timespan string, from, to time.Time) ([]polygon.AggregateResult, error)
}

// chainLookup resolves option chains for an underlying.
type chainLookup interface {
	Chain(ctx context.Context, underlying market.Symbol, asOf time.Time) ([]market.Symbol, error)
}

// Provider is the integration facade: it owns the translator, connection
// pool, consolidation sink, open-interest poller, and REST client, and
// exposes the subscribe/history/chain surface the engine consumes.
type Provider struct {
	translator *market.Translator
	sink       *aggregate.Sink
	poller     *openinterest.Poller
	pool       *pool.Pool
	history    historyClient
	chains     chainLookup
	logger     *zap.Logger

	mu     sync.Mutex
	routes map[string]*route // vendor ticker -> dispatch target
	closed bool
}

// route maps one wire ticker back to the engine symbol it was subscribed
// under. The refcount covers multiple logical subscriptions on one symbol.
type route struct {
	sym  market.Symbol
	refs int
}

// New wires a provider from configuration. env selects the API key source
// ("prod" pulls from Parameter Store); store may be nil to disable the
// contract cache.
func New(cfg config.PolygonConfig, env string, store chain.ContractStore, logger *zap.Logger) *Provider {
	apiKey := cfg.Key(env)
	rest := polygon.NewRESTClient(cfg.REST.BaseURL, apiKey, cfg.REST.Timeout,
		cfg.REST.RateLimitPerSecond, cfg.REST.PageSize, logger)

	p := &Provider{
		history: rest,
		chains:  chain.NewService(rest, store, logger),
		logger:  logger,
		routes:  make(map[string]*route),
	}
	p.init(cfg, rest, func(class polygon.Class) pool.Conn {
		url := strings.TrimRight(cfg.WS.BaseURL, "/") + "/" + class.Path()
		conn := polygon.NewStreamConn(url, apiKey, logger)
		conn.SetFrameHandler(func(f polygon.Frame) { p.handleFrame(f) })
		conn.SetDeathHandler(func() { p.pool.Evict(conn) })
		return conn
	})
	return p
}

// newForTest wires a provider around injected transports.
func newForTest(cfg config.PolygonConfig, snapshots openinterest.SnapshotClient, history historyClient,
	chains chainLookup, dial func(polygon.Class) pool.Conn, logger *zap.Logger) *Provider {
	p := &Provider{
		history: history,
		chains:  chains,
		logger:  logger,
		routes:  make(map[string]*route),
	}
	p.init(cfg, snapshots, dial)
	return p
}

func (p *Provider) init(cfg config.PolygonConfig, rest openinterest.SnapshotClient, dial func(polygon.Class) pool.Conn) {
	loc := exchangeLocation()
	p.translator = market.NewTranslator()
	p.sink = aggregate.NewSink(loc, p.logger)
	p.poller = openinterest.New(openinterest.Config{
		BatchSize:     cfg.OpenInterest.BatchSize,
		RefreshHour:   cfg.OpenInterest.RefreshHour,
		RefreshMinute: cfg.OpenInterest.RefreshMinute,
	}, rest, p.sink, p.translator, p.logger)
	p.pool = pool.New(cfg.WS.MaxConnections, cfg.WS.MaxSubscriptionsPerConnection,
		dial, p.translator, p.poller, p.logger)
}

func exchangeLocation() *time.Location {
	if cal := calendar.GetCalendar("xnys"); cal != nil && cal.Loc != nil {
		return cal.Loc
	}
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		return loc
	}
	return time.UTC
}

// CanSubscribe reports whether the subscription describes a streamable data
// sequence. Open interest is delivered by polling, not streaming, so it is
// reported unstreamable here even though Subscribe accepts it.
func (p *Provider) CanSubscribe(sub market.Subscription) bool {
	if sub.TickType == market.OpenInterest {
		return false
	}
	return p.validate(sub) == nil
}

func (p *Provider) validate(sub market.Subscription) error {
	switch sub.Symbol.Type {
	case market.Equity, market.Index, market.Option, market.IndexOption:
	default:
		return fmt.Errorf("unsupported security type %s", sub.Symbol.Type)
	}
	if strings.Contains(sub.Symbol.Ticker, "*") || strings.Contains(sub.Symbol.Underlying, "*") {
		return fmt.Errorf("wildcard tickers are not subscribable: %q", sub.Symbol.Ticker)
	}
	if sub.TickType == market.Quote && sub.Symbol.Type == market.Index {
		return fmt.Errorf("indices carry no quote stream")
	}
	return nil
}

// Subscribe registers the subscription and returns its consolidated data
// sequence. Open-interest subscriptions are routed to the poller; everything
// else acquires a pooled streaming connection. The sink registration is
// rolled back when the wire subscribe fails.
func (p *Provider) Subscribe(ctx context.Context, sub market.Subscription, notify func()) (<-chan market.DataPoint, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: provider closed", sub)
	}
	p.mu.Unlock()

	if err := p.validate(sub); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sub, err)
	}

	ch, err := p.sink.Add(sub, notify)
	if err != nil {
		return nil, err
	}

	if err := p.pool.Subscribe(ctx, sub); err != nil {
		p.sink.Remove(sub)
		return nil, err
	}

	if sub.TickType != market.OpenInterest {
		if ticker, err := p.translator.VendorTicker(sub.Symbol); err == nil {
			p.addRoute(ticker, sub.Symbol)
		}
	}
	return ch, nil
}

// Unsubscribe releases the subscription's wire and sink resources. Unknown
// subscriptions are a no-op.
func (p *Provider) Unsubscribe(sub market.Subscription) error {
	err := p.pool.Unsubscribe(sub)
	removed := p.sink.Remove(sub)
	if removed && sub.TickType != market.OpenInterest {
		if ticker, terr := p.translator.VendorTicker(sub.Symbol); terr == nil {
			p.dropRoute(ticker)
		}
	}
	return err
}

// IsConnected reports whether at least one streaming connection is open.
func (p *Provider) IsConnected() bool {
	return p.pool.IsConnected()
}

// TotalSubscriptionCount returns the number of active logical
// subscriptions, open-interest registrations included.
func (p *Provider) TotalSubscriptionCount() int {
	return p.pool.TotalSubscriptionCount()
}

// History fetches historical bars for the symbol at the given resolution.
// Tick resolution has no aggregate endpoint and is rejected.
func (p *Provider) History(ctx context.Context, sym market.Symbol, res market.Resolution, from, to time.Time) ([]market.DataPoint, error) {
	ticker, err := p.translator.VendorTicker(sym)
	if err != nil {
		return nil, err
	}

	var timespan string
	switch res {
	case market.Second:
		timespan = "second"
	case market.Minute:
		timespan = "minute"
	case market.Hour:
		timespan = "hour"
	case market.Daily:
		timespan = "day"
	default:
		return nil, fmt.Errorf("history for %s: unsupported resolution %s", sym.Ticker, res)
	}

	bars, err := p.history.Aggregates(ctx, ticker, 1, timespan, from, to)
	if err != nil {
		return nil, err
	}

	points := make([]market.DataPoint, 0, len(bars))
	for _, b := range bars {
		points = append(points, market.BarPoint(sym,
			time.UnixMilli(b.Timestamp).UTC(),
			b.Open, b.High, b.Low, b.Close, b.Volume,
			res.Duration()))
	}
	return points, nil
}

// OptionChain lists the option symbols for an underlying as of a date.
func (p *Provider) OptionChain(ctx context.Context, underlying market.Symbol, asOf time.Time) ([]market.Symbol, error) {
	return p.chains.Chain(ctx, underlying, asOf)
}

// Close tears down the pool, poller, and sink. Idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.pool.Close()
	p.poller.Close()
	p.sink.Close()
	return err
}

func (p *Provider) addRoute(ticker string, sym market.Symbol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.routes[ticker]; ok {
		r.refs++
		return
	}
	p.routes[ticker] = &route{sym: sym, refs: 1}
}

func (p *Provider) dropRoute(ticker string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[ticker]
	if !ok {
		return
	}
	r.refs--
	if r.refs == 0 {
		delete(p.routes, ticker)
	}
}

func (p *Provider) lookupRoute(ticker string) (market.Symbol, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[ticker]
	if !ok {
		return market.Symbol{}, false
	}
	return r.sym, true
}
