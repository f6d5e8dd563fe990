// Package config loads market-engine settings from built-in defaults, an
// optional TOML file, a .env file, and KOLMARKET_* environment variables,
// in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/candidate"
)

// Config is the root configuration.
type Config struct {
	LogLevel   string                `toml:"log_level"`
	Server     ServerConfig          `toml:"server"`
	Market     MarketConfig          `toml:"market"`
	FX         FXConfig              `toml:"fx"`
	Postgres   PostgresConfig        `toml:"postgres"`
	Redis      RedisConfig           `toml:"redis"`
	Kafka      KafkaConfig           `toml:"kafka"`
	Settlement SettlementConfig      `toml:"settlement"`
	Candidates []candidate.Candidate `toml:"candidates"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigin      string   `toml:"cors_origin"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// MarketConfig holds trading rules. Amounts are in pills.
type MarketConfig struct {
	MinBet          decimal.Decimal `toml:"min_bet"`
	StartingBalance decimal.Decimal `toml:"starting_balance"`
	// HouseFee is the fraction of each prize pool withheld at resolution.
	HouseFee decimal.Decimal `toml:"house_fee"`
	// Zero disables the cap.
	MaxStakePerCandidate decimal.Decimal `toml:"max_stake_per_candidate"`
	MaxStakePerPeriod    decimal.Decimal `toml:"max_stake_per_period"`
}

// FXConfig holds the SOL/USD rate used when none is published.
type FXConfig struct {
	SOLUSD decimal.Decimal `toml:"sol_usd"`
}

// PostgresConfig enables the PostgreSQL store when DSN is set.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the cache, distributed lock, Redis leaderboard and FX
// feed when URL is set.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	// LockTTL is the period lock lease. A holder renews it until unlock, so
	// it only bounds how long a crashed instance blocks the others.
	LockTTL duration `toml:"lock_ttl"`
	// BoardTTL is how long a period's leaderboard outlives its last write.
	// The in-memory board uses it too.
	BoardTTL duration `toml:"board_ttl"`
}

// KafkaConfig routes ingested trades through a topic when Brokers is set.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	GroupID string   `toml:"group_id"`
}

// SettlementConfig schedules automatic resolution.
type SettlementConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// Defaults returns a configuration that runs fully in memory.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			CORSOrigin:      "*",
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Market: MarketConfig{
			MinBet:               decimal.NewFromInt(1),
			StartingBalance:      decimal.NewFromInt(1000),
			HouseFee:             decimal.Zero,
			MaxStakePerCandidate: decimal.NewFromInt(10000),
			MaxStakePerPeriod:    decimal.NewFromInt(50000),
		},
		FX: FXConfig{
			SOLUSD: decimal.NewFromInt(150),
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{10 * time.Second},
			BoardTTL: duration{72 * time.Hour},
		},
		Kafka: KafkaConfig{
			Topic:   "kol-trades",
			GroupID: "market-engine",
		},
		Settlement: SettlementConfig{
			Enabled:  true,
			Schedule: "@every 1m",
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	m := c.Market
	if !m.MinBet.IsPositive() {
		errs = append(errs, "market: min_bet must be positive")
	}
	if m.StartingBalance.IsNegative() {
		errs = append(errs, "market: starting_balance must not be negative")
	}
	if m.HouseFee.IsNegative() || m.HouseFee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "market: house_fee must be in [0, 1)")
	}
	if m.MaxStakePerCandidate.IsNegative() || m.MaxStakePerPeriod.IsNegative() {
		errs = append(errs, "market: stake limits must not be negative")
	}
	if !c.FX.SOLUSD.IsPositive() {
		errs = append(errs, "fx: sol_usd must be positive")
	}

	if c.Postgres.DSN != "" && c.Postgres.MaxConns <= 0 {
		errs = append(errs, "postgres: max_conns must be positive")
	}
	if c.Redis.URL != "" && c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && (c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
		errs = append(errs, "kafka: topic and group_id are required when brokers are set")
	}
	if c.Settlement.Enabled {
		if _, err := cron.ParseStandard(c.Settlement.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("settlement: schedule %q: %v", c.Settlement.Schedule, err))
		}
	}

	if len(c.Candidates) == 0 {
		errs = append(errs, "candidates: at least one candidate is required")
	} else if _, err := candidate.NewRoster(c.Candidates); err != nil {
		errs = append(errs, "candidates: "+err.Error())
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
