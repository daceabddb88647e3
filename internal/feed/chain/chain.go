package chain

import (
	"context"
	"fmt"
	"time"

	"polyfeed/internal/market"
	"polyfeed/pkg/polygon"
	"polyfeed/pkg/storage/postgres"

	"go.uber.org/zap"
)

// ContractsClient fetches option contract listings from the reference API.
type ContractsClient interface {
	OptionContracts(ctx context.Context, underlying string, asOf time.Time) ([]polygon.ContractResult, error)
}

// ContractStore caches contract listings between lookups. PostgresClient
// satisfies it; tests use an in-memory implementation.
type ContractStore interface {
	UpsertContracts(ctx context.Context, records []*postgres.ContractRecord) error
	ContractsByUnderlying(ctx context.Context, underlying string, asOf time.Time) ([]postgres.ContractRecord, error)
}

// Service resolves option chains for an underlying, serving from the
// contract store when a same-day listing is cached and writing fresh
// REST results through it.
type Service struct {
	rest   ContractsClient
	store  ContractStore // nil disables caching
	logger *zap.Logger
}

func NewService(rest ContractsClient, store ContractStore, logger *zap.Logger) *Service {
	return &Service{
		rest:   rest,
		store:  store,
		logger: logger,
	}
}

// Chain returns the option symbols listed for the underlying as of the
// given date. The underlying must be an equity or index symbol.
func (s *Service) Chain(ctx context.Context, underlying market.Symbol, asOf time.Time) ([]market.Symbol, error) {
	if underlying.Type != market.Equity && underlying.Type != market.Index {
		return nil, fmt.Errorf("option chain requires an equity or index underlying, got %s", underlying.Type)
	}

	asOf = asOf.UTC().Truncate(24 * time.Hour)

	if s.store != nil {
		cached, err := s.store.ContractsByUnderlying(ctx, underlying.Ticker, asOf)
		if err != nil {
			s.logger.Warn("contract cache read failed",
				zap.String("underlying", underlying.Ticker),
				zap.Error(err))
		} else if len(cached) > 0 {
			return s.fromRecords(underlying, cached), nil
		}
	}

	contracts, err := s.rest.OptionContracts(ctx, underlying.Ticker, asOf)
	if err != nil {
		return nil, fmt.Errorf("list contracts for %s: %w", underlying.Ticker, err)
	}

	syms := make([]market.Symbol, 0, len(contracts))
	records := make([]*postgres.ContractRecord, 0, len(contracts))
	for _, c := range contracts {
		rec, err := postgres.ToContractRecord(c, asOf)
		if err != nil {
			s.logger.Warn("skipping malformed contract",
				zap.String("ticker", c.Ticker),
				zap.Error(err))
			continue
		}
		sym, ok := s.toSymbol(underlying, rec)
		if !ok {
			continue
		}
		syms = append(syms, sym)
		records = append(records, rec)
	}

	if s.store != nil && len(records) > 0 {
		if err := s.store.UpsertContracts(ctx, records); err != nil {
			s.logger.Warn("contract cache write failed",
				zap.String("underlying", underlying.Ticker),
				zap.Error(err))
		}
	}

	return syms, nil
}

func (s *Service) fromRecords(underlying market.Symbol, records []postgres.ContractRecord) []market.Symbol {
	syms := make([]market.Symbol, 0, len(records))
	for i := range records {
		if sym, ok := s.toSymbol(underlying, &records[i]); ok {
			syms = append(syms, sym)
		}
	}
	return syms
}

func (s *Service) toSymbol(underlying market.Symbol, rec *postgres.ContractRecord) (market.Symbol, bool) {
	var right market.OptionRight
	switch rec.ContractType {
	case "call":
		right = market.Call
	case "put":
		right = market.Put
	default:
		s.logger.Warn("skipping contract with unknown type",
			zap.String("ticker", rec.Ticker),
			zap.String("contract_type", rec.ContractType))
		return market.Symbol{}, false
	}

	if underlying.Type == market.Index {
		return market.NewIndexOption(underlying.Ticker, rec.Expiry, right, rec.Strike), true
	}
	return market.NewOption(underlying.Ticker, rec.Expiry, right, rec.Strike), true
}
