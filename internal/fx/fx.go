// Package fx provides the SOL/USD rate used to express KOL performance in USD.
package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var ErrNoRate = errors.New("fx: no SOL/USD rate available")

// Provider returns the current SOL price in USD.
type Provider interface {
	SOLUSD(ctx context.Context) (decimal.Decimal, error)
}

// Static always returns the same rate.
type Static decimal.Decimal

func (s Static) SOLUSD(context.Context) (decimal.Decimal, error) {
	rate := decimal.Decimal(s)
	if !rate.IsPositive() {
		return decimal.Zero, ErrNoRate
	}
	return rate, nil
}

// RateKey is the Redis key holding the latest SOL/USD quote as a decimal string.
const RateKey = "kolmarket:fx:solusd"

// RedisProvider reads the rate an external price feed publishes to Redis.
// When the key is missing or unreadable it serves the fallback rate.
type RedisProvider struct {
	rdb      *redis.Client
	fallback decimal.Decimal
	logger   *slog.Logger
}

func NewRedisProvider(rdb *redis.Client, fallback decimal.Decimal, logger *slog.Logger) *RedisProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisProvider{rdb: rdb, fallback: fallback, logger: logger}
}

func (p *RedisProvider) SOLUSD(ctx context.Context) (decimal.Decimal, error) {
	raw, err := p.rdb.Get(ctx, RateKey).Result()
	if err == nil {
		rate, perr := decimal.NewFromString(raw)
		if perr == nil && rate.IsPositive() {
			return rate, nil
		}
		p.logger.Warn("ignoring malformed SOL/USD rate", "value", raw)
	} else if !errors.Is(err, redis.Nil) {
		p.logger.Warn("SOL/USD rate lookup failed", "err", err)
	}

	if !p.fallback.IsPositive() {
		return decimal.Zero, ErrNoRate
	}
	return p.fallback, nil
}

// Publish stores a rate for readers of RateKey.
func (p *RedisProvider) Publish(ctx context.Context, rate decimal.Decimal, ttl time.Duration) error {
	if !rate.IsPositive() {
		return fmt.Errorf("fx: invalid rate %s", rate)
	}
	return p.rdb.Set(ctx, RateKey, rate.String(), ttl).Err()
}

// Convert multiplies a SOL amount by the rate.
func Convert(sol, rate decimal.Decimal) decimal.Decimal {
	return sol.Mul(rate)
}
