package config

import (
	"strings"
	"testing"
)

func TestDSNDevUsesConfigValues(t *testing.T) {
	cfg := PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		DBName:   "polyfeed",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}

	dsn := cfg.DSN("dev")
	want := "host=localhost port=5432 user=postgres password=secret dbname=polyfeed sslmode=disable TimeZone=UTC"
	if dsn != want {
		t.Errorf("DSN = %q, want %q", dsn, want)
	}
	if strings.Contains(dsn, "DJANGO") {
		t.Errorf("DSN leaked a foreign parameter name: %q", dsn)
	}
}

func TestDSNOmitsTimezoneWhenUnset(t *testing.T) {
	cfg := PostgresConfig{
		Host:    "db",
		Port:    5432,
		User:    "u",
		DBName:  "polyfeed",
		SSLMode: "require",
	}
	if dsn := cfg.DSN("dev"); strings.Contains(dsn, "TimeZone") {
		t.Errorf("DSN has TimeZone without one configured: %q", dsn)
	}
}

func TestPolygonKeyDevUsesConfigValue(t *testing.T) {
	cfg := PolygonConfig{APIKey: "dev-key"}
	if got := cfg.Key("dev"); got != "dev-key" {
		t.Errorf("Key(dev) = %q, want the config value", got)
	}
}
