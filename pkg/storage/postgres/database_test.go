package postgres_test

import (
	"testing"

	"polyfeed/config"
	"polyfeed/pkg/storage/postgres"
)

// go test -v --run TestCreateDatabase
func TestCreateDatabase(t *testing.T) {
	cfg := config.PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "yourpw",
		DBName:   "test_contract_db",
		SSLMode:  "disable",
	}

	err := postgres.CreateDatabase(cfg)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
}
