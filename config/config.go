package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Polygon  PolygonConfig  `mapstructure:"polygon"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PolygonConfig struct {
	APIKey string     `mapstructure:"api_key"`
	REST   RESTConfig `mapstructure:"rest"`
	WS     WSConfig   `mapstructure:"ws"`

	// Tickers are the equity symbols the feed binary subscribes to at
	// startup.
	Tickers []string `mapstructure:"tickers"`

	OpenInterest OpenInterestConfig `mapstructure:"open_interest"`
}

type RESTConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second"`
	PageSize           int           `mapstructure:"page_size"`
}

type WSConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`

	MaxConnections                int `mapstructure:"max_connections"`
	MaxSubscriptionsPerConnection int `mapstructure:"max_subscriptions_per_connection"`
}

type OpenInterestConfig struct {
	BatchSize     int `mapstructure:"batch_size"`
	RefreshHour   int `mapstructure:"refresh_hour"`
	RefreshMinute int `mapstructure:"refresh_minute"`
}

// Key resolves the API key, preferring Parameter Store in prod.
func (cfg *PolygonConfig) Key(env string) string {
	if env == "prod" {
		if key := getParameterStoreValue("POLYGON_API_KEY", true); key != "" {
			return key
		}
	}
	return cfg.APIKey
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	// TODO: env path
	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}

	// Support environment variables with dot notation (e.g., POLYGON_WS_BASE_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	return &cfg
}
