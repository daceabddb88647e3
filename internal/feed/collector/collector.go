package collector

import (
	"context"
	"fmt"
	"time"

	"polyfeed/config"
	"polyfeed/internal/feed/chain"
	"polyfeed/internal/feed/provider"
	"polyfeed/internal/market"
	"polyfeed/pkg/storage/postgres"

	"go.uber.org/zap"
)

// StartFeed wires the data provider from configuration and subscribes to
// the configured equity tickers, logging the consolidated stream. The
// Postgres contract cache is optional; a connection failure downgrades
// chain lookups to REST-only.
func StartFeed(cfg *config.Config, logger *zap.Logger) error {
	env := cfg.Log.Environment

	var store chain.ContractStore
	pg, err := postgres.InitializeAndMigrateContractRecord(cfg.Postgres, env, true)
	if err != nil {
		logger.Warn("contract cache unavailable, chain lookups go to REST", zap.Error(err))
	} else {
		store = pg
		defer pg.Close()
	}

	p := provider.New(cfg.Polygon, env, store, logger)
	defer p.Close()

	for _, ticker := range cfg.Polygon.Tickers {
		sub := market.Subscription{
			Symbol:     market.NewEquity(ticker),
			TickType:   market.Trade,
			Resolution: market.Minute,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		ch, err := p.Subscribe(ctx, sub, nil)
		cancel()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ticker, err)
		}

		go func(ticker string, ch <-chan market.DataPoint) {
			for pt := range ch {
				logger.Info("bar",
					zap.String("ticker", ticker),
					zap.Time("start", pt.Time),
					zap.Float64("open", pt.Open),
					zap.Float64("high", pt.High),
					zap.Float64("low", pt.Low),
					zap.Float64("close", pt.Close),
					zap.Float64("volume", pt.Volume))
			}
		}(ticker, ch)
	}

	logger.Info("feed started",
		zap.Int("tickers", len(cfg.Polygon.Tickers)),
		zap.Bool("connected", p.IsConnected()))

	select {}
}
