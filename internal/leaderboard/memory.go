package leaderboard

import (
	"context"
	"sync"
	"time"

	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/period"
)

// DefaultTTL is how long a period's board outlives its last activity when
// no TTL is configured.
const DefaultTTL = 7 * 24 * time.Hour

// MemoryBoard is an in-process Board for tests and single-node runs. Like
// RedisBoard it dedups signatures per period, and it drops a period once
// trades arrive more than ttl after the period ended.
type MemoryBoard struct {
	mu      sync.RWMutex
	ttl     time.Duration
	periods map[string]*memoryPeriod
}

type memoryPeriod struct {
	end    time.Time
	totals map[string]Totals
	seen   map[string]bool
}

func NewMemoryBoard(ttl time.Duration) *MemoryBoard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryBoard{ttl: ttl, periods: make(map[string]*memoryPeriod)}
}

func (b *MemoryBoard) Record(_ context.Context, ev model.TradeEvent) (bool, error) {
	if ev.CandidateID == "" || !ev.Side.Valid() {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked(ev.At)

	p := period.Current(ev.At)
	mp, ok := b.periods[p.ID]
	if !ok {
		mp = &memoryPeriod{end: p.End, totals: make(map[string]Totals), seen: make(map[string]bool)}
		b.periods[p.ID] = mp
	}

	if ev.Signature != "" {
		if mp.seen[ev.Signature] {
			return false, nil
		}
		mp.seen[ev.Signature] = true
	}
	mp.totals[ev.CandidateID] = mp.totals[ev.CandidateID].Add(ev)
	return true, nil
}

// expireLocked drops periods that ended more than ttl before at.
func (b *MemoryBoard) expireLocked(at time.Time) {
	for id, mp := range b.periods {
		if mp.end.Add(b.ttl).Before(at) {
			delete(b.periods, id)
		}
	}
}

func (b *MemoryBoard) Totals(_ context.Context, periodID string) (map[string]Totals, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	mp, ok := b.periods[periodID]
	if !ok {
		return map[string]Totals{}, nil
	}
	out := make(map[string]Totals, len(mp.totals))
	for id, t := range mp.totals {
		out[id] = t
	}
	return out, nil
}

var _ Board = (*MemoryBoard)(nil)
