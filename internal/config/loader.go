package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, loads .env if present, then applies environment overrides. The
// result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose KOLMARKET_* variable is set.
// DATABASE_URL, REDIS_URL and PORT are honoured as aliases.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "KOLMARKET_LOG_LEVEL")

	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "KOLMARKET_SERVER_PORT")
	setStr(&cfg.Server.CORSOrigin, "KOLMARKET_SERVER_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "KOLMARKET_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "KOLMARKET_SERVER_SHUTDOWN_TIMEOUT")

	setDecimal(&cfg.Market.MinBet, "KOLMARKET_MARKET_MIN_BET")
	setDecimal(&cfg.Market.StartingBalance, "KOLMARKET_MARKET_STARTING_BALANCE")
	setDecimal(&cfg.Market.HouseFee, "KOLMARKET_MARKET_HOUSE_FEE")
	setDecimal(&cfg.Market.MaxStakePerCandidate, "KOLMARKET_MARKET_MAX_STAKE_PER_CANDIDATE")
	setDecimal(&cfg.Market.MaxStakePerPeriod, "KOLMARKET_MARKET_MAX_STAKE_PER_PERIOD")

	setDecimal(&cfg.FX.SOLUSD, "KOLMARKET_FX_SOL_USD")

	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "KOLMARKET_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "KOLMARKET_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KOLMARKET_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "KOLMARKET_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "KOLMARKET_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "KOLMARKET_REDIS_LOCK_TTL")
	setDuration(&cfg.Redis.BoardTTL, "KOLMARKET_REDIS_BOARD_TTL")

	setStringSlice(&cfg.Kafka.Brokers, "KOLMARKET_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "KOLMARKET_KAFKA_TOPIC")
	setStr(&cfg.Kafka.GroupID, "KOLMARKET_KAFKA_GROUP_ID")

	setBool(&cfg.Settlement.Enabled, "KOLMARKET_SETTLEMENT_ENABLED")
	setStr(&cfg.Settlement.Schedule, "KOLMARKET_SETTLEMENT_SCHEDULE")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
