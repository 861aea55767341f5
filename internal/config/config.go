// Package config has the service configuration structure.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config contains configuration data
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	TickInterval time.Duration `env:"MARKET_TICK_INTERVAL" envDefault:"2s"`
	// Symbols narrows the default universe; empty means all.
	Symbols []string `env:"MARKET_SYMBOLS" envSeparator:","`
	// Seed of the price walk; 0 seeds from the clock.
	Seed int64 `env:"MARKET_SEED" envDefault:"0"`

	Currency string `env:"LEDGER_CURRENCY" envDefault:"USD"`
	// StartingCash is the balance ledgerctl open-account gives when -cash
	// is omitted. The server never opens accounts and ignores it.
	StartingCash decimal.Decimal `env:"STARTING_CASH" envDefault:"10000.00"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://127.0.0.1:5173"`
}

var parsers = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(decimal.Decimal{}): func(v string) (interface{}, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
		}
		return d, nil
	},
}

// Load reads a .env file when one exists, then the process environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)
	return parse(env.Options{})
}

// FromMap parses cfg from vars only, ignoring the process environment.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := new(Config)
	if err := env.ParseWithFuncs(cfg, parsers, opts); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: MARKET_TICK_INTERVAL must be positive, got %s", c.TickInterval)
	}
	if c.StartingCash.IsNegative() {
		return fmt.Errorf("config: STARTING_CASH must not be negative, got %s", c.StartingCash)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	return nil
}
