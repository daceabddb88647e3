package provider

import (
	"time"

	"polyfeed/internal/market"
	"polyfeed/pkg/polygon"

	"go.uber.org/zap"
)

// handleFrame converts one decoded streaming frame into a raw data point
// and hands it to the sink. Frames for tickers without an active route are
// dropped; late data after an unsubscribe is expected.
func (p *Provider) handleFrame(f polygon.Frame) {
	switch f.Kind {
	case polygon.FrameTrade:
		sym, ok := p.lookupRoute(f.Trade.Ticker)
		if !ok {
			return
		}
		p.sink.Update(market.TradePoint(sym,
			time.UnixMilli(f.Trade.Timestamp).UTC(),
			f.Trade.Price, f.Trade.Size))

	case polygon.FrameQuote:
		sym, ok := p.lookupRoute(f.Quote.Ticker)
		if !ok {
			return
		}
		p.sink.Update(market.QuotePoint(sym,
			time.UnixMilli(f.Quote.Timestamp).UTC(),
			f.Quote.Bid, f.Quote.Ask, f.Quote.BidSize, f.Quote.AskSize))

	case polygon.FrameAggregate:
		sym, ok := p.lookupRoute(f.Aggregate.Ticker)
		if !ok {
			return
		}
		period := time.Duration(f.Aggregate.End-f.Aggregate.Start) * time.Millisecond
		p.sink.Update(market.BarPoint(sym,
			time.UnixMilli(f.Aggregate.Start).UTC(),
			f.Aggregate.Open, f.Aggregate.High, f.Aggregate.Low, f.Aggregate.Close,
			f.Aggregate.Volume, period))

	case polygon.FrameValue:
		// Index values stream without size; treat them as trade ticks.
		sym, ok := p.lookupRoute(f.Value.Ticker)
		if !ok {
			return
		}
		p.sink.Update(market.TradePoint(sym,
			time.UnixMilli(f.Value.Timestamp).UTC(),
			f.Value.Value, 0))

	default:
		p.logger.Debug("dropping unhandled frame", zap.Int("kind", int(f.Kind)))
	}
}
