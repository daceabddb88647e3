package postgres_test

import (
	"context"
	"testing"
	"time"

	"polyfeed/config"
	"polyfeed/pkg/polygon"
	"polyfeed/pkg/storage/postgres"
)

// go test -v --run TestContractCRUD
func TestContractCRUD(t *testing.T) {
	cfg := config.PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "yourpw",
		DBName:   "polyfeed",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}

	client, err := postgres.NewClient(cfg.DSN("dev"))
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	defer client.Close()

	ctx := context.Background()

	if err := client.AutoMigrateContractRecord(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	asOf := time.Now().UTC().Truncate(24 * time.Hour)
	records := []*postgres.ContractRecord{
		{
			Ticker:       "O:SPY260116C00480000",
			Underlying:   "SPY",
			ContractType: "call",
			Strike:       480.0,
			Expiry:       time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
			AsOf:         asOf,
		},
		{
			Ticker:       "O:SPY260116P00480000",
			Underlying:   "SPY",
			ContractType: "put",
			Strike:       480.0,
			Expiry:       time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
			AsOf:         asOf,
		},
	}

	if err := client.UpsertContracts(ctx, records); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Upsert again: same tickers must not duplicate.
	if err := client.UpsertContracts(ctx, records); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := client.ContractsByUnderlying(ctx, "SPY", asOf)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(got))
	}
	if got[0].Underlying != "SPY" || got[0].Strike != 480.0 {
		t.Errorf("unexpected contract values: %+v", got[0])
	}

	if err := client.DeleteExpiredContracts(ctx, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Errorf("delete failed: %v", err)
	}

	got, err = client.ContractsByUnderlying(ctx, "SPY", asOf)
	if err != nil {
		t.Fatalf("fetch after delete failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 contracts after delete, got %d", len(got))
	}
}

func TestToContractRecord(t *testing.T) {
	asOf := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	rec, err := postgres.ToContractRecord(polygon.ContractResult{
		Ticker:           "O:AAPL250620C00200000",
		ContractType:     "call",
		ExerciseStyle:    "american",
		ExpirationDate:   "2025-06-20",
		StrikePrice:      200.0,
		UnderlyingTicker: "AAPL",
	}, asOf)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}

	if rec.Ticker != "O:AAPL250620C00200000" {
		t.Errorf("unexpected ticker: %s", rec.Ticker)
	}
	if !rec.Expiry.Equal(time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected expiry: %v", rec.Expiry)
	}
	if rec.AsOf != asOf {
		t.Errorf("unexpected as_of: %v", rec.AsOf)
	}

	_, err = postgres.ToContractRecord(polygon.ContractResult{
		Ticker:         "O:BAD",
		ExpirationDate: "not-a-date",
	}, asOf)
	if err == nil {
		t.Error("expected error for malformed expiration date")
	}
}
