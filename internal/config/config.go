// Package config loads the recognized options of spec.md §6 through viper,
// the way 0xtitan6's polymarket market-maker seeds its runtime configuration
// before reading env/files.
package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"ragnarok/internal/types"
)

// Config holds every recognized option. PerMarketPositionCap and
// IdempotencyTTL are loaded but not read by any other package.
type Config struct {
	TickSize             decimal.Decimal
	MinQuantity          decimal.Decimal
	MaxQuantity          decimal.Decimal
	PerMarketPositionCap *decimal.Decimal
	MarketSlippageCollar decimal.Decimal
	SelfTradePolicy      types.SelfTradePolicy
	IdempotencyTTL       time.Duration

	ListenAddr string
	DSN        string
}

// Load reads configuration from environment variables (prefix RAGNAROK_) and
// an optional config file, falling back to the documented defaults of
// spec.md §6 when unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RAGNAROK")
	v.AutomaticEnv()

	v.SetDefault("tick_size", "0.01")
	v.SetDefault("min_quantity", "1")
	v.SetDefault("max_quantity", "1000000")
	v.SetDefault("market_slippage_collar", "0.10")
	v.SetDefault("self_trade_policy", string(types.SelfTradeSkip))
	v.SetDefault("idempotency_ttl", "24h")
	v.SetDefault("listen_addr", "0.0.0.0:9001")
	v.SetDefault("dsn", "exchange.db")

	v.SetConfigName("ragnarok")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	ttl, err := time.ParseDuration(v.GetString("idempotency_ttl"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TickSize:             decimal.RequireFromString(v.GetString("tick_size")),
		MinQuantity:          decimal.RequireFromString(v.GetString("min_quantity")),
		MaxQuantity:          decimal.RequireFromString(v.GetString("max_quantity")),
		MarketSlippageCollar: decimal.RequireFromString(v.GetString("market_slippage_collar")),
		SelfTradePolicy:      types.SelfTradePolicy(v.GetString("self_trade_policy")),
		IdempotencyTTL:       ttl,
		ListenAddr:           v.GetString("listen_addr"),
		DSN:                  v.GetString("dsn"),
	}

	if v.IsSet("per_market_position_cap") {
		cap := decimal.RequireFromString(v.GetString("per_market_position_cap"))
		cfg.PerMarketPositionCap = &cap
	}

	return cfg, nil
}

// Default returns the documented defaults without touching the
// environment or any config file. Used by tests and by callers that embed
// the exchange without a standalone config surface.
func Default() *Config {
	return &Config{
		TickSize:             decimal.RequireFromString("0.01"),
		MinQuantity:          decimal.RequireFromString("1"),
		MaxQuantity:          decimal.RequireFromString("1000000"),
		MarketSlippageCollar: decimal.RequireFromString("0.10"),
		SelfTradePolicy:      types.SelfTradeSkip,
		IdempotencyTTL:       24 * time.Hour,
		ListenAddr:           "0.0.0.0:9001",
		DSN:                  "exchange.db",
	}
}
