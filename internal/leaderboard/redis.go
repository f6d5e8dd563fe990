package leaderboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

// recordLua applies one trade atomically. The signature set dedups retries
// from the webhook and the event bus.
//
// KEYS: sigs, pnl zset, stats hash. ARGV: signature, candidate, pnl delta,
// volume delta, ttl seconds.
const recordLua = `
if ARGV[1] ~= '' and redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
    return 0
end
redis.call('ZINCRBY', KEYS[2], ARGV[3], ARGV[2])
redis.call('HINCRBYFLOAT', KEYS[3], 'pnl', ARGV[3])
redis.call('HINCRBYFLOAT', KEYS[3], 'volume', ARGV[4])
redis.call('HINCRBY', KEYS[3], 'trades', 1)
for i = 1, 3 do
    redis.call('EXPIRE', KEYS[i], ARGV[5])
end
return 1
`

// RedisBoard is a Board shared across instances. Per period it keeps a
// sorted set of candidates by P&L (SOL) and a hash of totals per candidate.
type RedisBoard struct {
	rdb      *redis.Client
	ttl      time.Duration
	recordSc *redis.Script
}

// NewRedisBoard creates a RedisBoard. Keys expire ttl after the last write.
func NewRedisBoard(rdb *redis.Client, ttl time.Duration) *RedisBoard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisBoard{rdb: rdb, ttl: ttl, recordSc: redis.NewScript(recordLua)}
}

func (b *RedisBoard) Record(ctx context.Context, ev model.TradeEvent) (bool, error) {
	if ev.CandidateID == "" || !ev.Side.Valid() {
		return false, nil
	}
	pid := periodOf(ev)
	delta := Totals{}.Add(ev)

	keys := []string{sigsKey(pid), pnlKey(pid), statsKey(pid, ev.CandidateID)}
	added, err := b.recordSc.Run(ctx, b.rdb, keys,
		ev.Signature, ev.CandidateID, delta.PnL.String(), delta.Volume.String(), int64(b.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("leaderboard: record %s: %w", ev.Signature, err)
	}
	return added == 1, nil
}

func (b *RedisBoard) Totals(ctx context.Context, periodID string) (map[string]Totals, error) {
	members, err := b.rdb.ZRevRange(ctx, pnlKey(periodID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: read %s: %w", periodID, err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range members {
			cmds[i] = p.HGetAll(ctx, statsKey(periodID, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("leaderboard: read stats %s: %w", periodID, err)
	}

	out := make(map[string]Totals, len(members))
	for i, id := range members {
		t, err := parseStats(cmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("leaderboard: stats %s/%s: %w", periodID, id, err)
		}
		out[id] = t
	}
	return out, nil
}

// parseStats reads a stats hash. HINCRBYFLOAT accumulates in floating point,
// so amounts are rounded back to lamport precision.
func parseStats(h map[string]string) (Totals, error) {
	t := Totals{PnL: decimal.Zero, Volume: decimal.Zero}
	if v, ok := h["pnl"]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return t, err
		}
		t.PnL = d.Round(SOLScale)
	}
	if v, ok := h["volume"]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return t, err
		}
		t.Volume = d.Round(SOLScale)
	}
	if v, ok := h["trades"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return t, err
		}
		t.Trades = n
	}
	return t, nil
}

func sigsKey(pid string) string      { return fmt.Sprintf("kolmarket:lb:%s:sigs", pid) }
func pnlKey(pid string) string       { return fmt.Sprintf("kolmarket:lb:%s:pnl", pid) }
func statsKey(pid, id string) string { return fmt.Sprintf("kolmarket:lb:%s:stats:%s", pid, id) }

var _ Board = (*RedisBoard)(nil)
