package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis  RedisConfig
	Chain  ChainConfig
	Stream StreamConfig
	Server ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL           string `mapstructure:"rpc_url"`
	WalletPrivateKey string `mapstructure:"wallet_private_key"`
	ChainID          int64  `mapstructure:"chain_id"`
	CallTimeoutSec   int64  `mapstructure:"call_timeout_sec"`
}

type StreamConfig struct {
	// RatePerUnit, BudgetMax and MinSettleAmount are decimal strings in the
	// settlement currency; WarnAt is a fraction of the budget.
	RatePerUnit       string  `mapstructure:"rate_per_unit"`
	BudgetMax         string  `mapstructure:"budget_max"`
	MinSettleAmount   string  `mapstructure:"min_settle_amount"`
	WarnAt            float64 `mapstructure:"warn_at"`
	UnitType          string  `mapstructure:"unit_type"`
	SettleIntervalSec int64   `mapstructure:"settle_interval_sec"`
	DefaultRecipient  string  `mapstructure:"default_recipient"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.call_timeout_sec", 60)
	v.SetDefault("stream.rate_per_unit", "0.0001")
	v.SetDefault("stream.budget_max", "10")
	v.SetDefault("stream.min_settle_amount", "0.1")
	v.SetDefault("stream.warn_at", 0.8)
	v.SetDefault("stream.unit_type", "token")
	v.SetDefault("stream.settle_interval_sec", 30)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"chain.rpc_url":              "RPC_URL",
		"chain.wallet_private_key":   "WALLET_PRIVATE_KEY",
		"chain.chain_id":             "CHAIN_ID",
		"chain.call_timeout_sec":     "CHAIN_CALL_TIMEOUT_SEC",
		"stream.rate_per_unit":       "STREAM_RATE_PER_UNIT",
		"stream.budget_max":          "STREAM_BUDGET_MAX",
		"stream.min_settle_amount":   "STREAM_MIN_SETTLE_AMOUNT",
		"stream.warn_at":             "STREAM_WARN_AT",
		"stream.unit_type":           "STREAM_UNIT_TYPE",
		"stream.settle_interval_sec": "STREAM_SETTLE_INTERVAL_SEC",
		"stream.default_recipient":   "STREAM_DEFAULT_RECIPIENT",
		"server.port":                "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.WalletPrivateKey, "WALLET_PRIVATE_KEY"},
		{c.Stream.DefaultRecipient, "STREAM_DEFAULT_RECIPIENT"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Stream.WarnAt <= 0 || c.Stream.WarnAt >= 1 {
		return fmt.Errorf("STREAM_WARN_AT must be in (0,1), got %v", c.Stream.WarnAt)
	}
	return nil
}
