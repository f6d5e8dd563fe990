package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kolmarket/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Cached reads may lag a
// commit by up to the TTL, so writers read through Fresh.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) OpenMarket(ctx context.Context, p model.MarketPeriod, shares []model.CandidateShare) (model.MarketState, error) {
	st, err := s.primary.OpenMarket(ctx, p, shares)
	if err != nil {
		return st, err
	}
	s.cacheJSON(ctx, marketKey(p.ID), st)
	return st, nil
}

func (s *CachedStore) CommitFill(ctx context.Context, f Fill) error {
	if err := s.primary.CommitFill(ctx, f); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, marketKey(f.Order.PeriodID), positionsKey(f.Order.UserID))
	return nil
}

func (s *CachedStore) InsertResolution(ctx context.Context, r model.MarketResolution, payouts []model.Payout) error {
	if err := s.primary.InsertResolution(ctx, r, payouts); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(r.PeriodID))
	s.cacheJSON(ctx, resolutionKey(r.PeriodID), r)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, periodID string) (model.MarketState, error) {
	var st model.MarketState
	if s.cached(ctx, marketKey(periodID), &st) {
		return st, nil
	}

	st, err := s.primary.GetMarket(ctx, periodID)
	if err != nil {
		return st, err
	}
	s.cacheJSON(ctx, marketKey(periodID), st)
	return st, nil
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.UserPosition, error) {
	var positions []model.UserPosition
	if s.cached(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionsKey(userID), positions)
	return positions, nil
}

func (s *CachedStore) GetResolution(ctx context.Context, periodID string) (model.MarketResolution, error) {
	var r model.MarketResolution
	if s.cached(ctx, resolutionKey(periodID), &r) {
		return r, nil
	}

	r, err := s.primary.GetResolution(ctx, periodID)
	if err != nil {
		return r, err
	}
	s.cacheJSON(ctx, resolutionKey(periodID), r)
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUnresolved(ctx context.Context, t time.Time) ([]model.MarketPeriod, error) {
	return s.primary.ListUnresolved(ctx, t)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o model.TradeOrder) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) ListOrders(ctx context.Context, periodID string) ([]model.TradeOrder, error) {
	return s.primary.ListOrders(ctx, periodID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, periodID, candidateID string) (*model.UserPosition, error) {
	return s.primary.GetPosition(ctx, userID, periodID, candidateID)
}

func (s *CachedStore) ListPeriodPositions(ctx context.Context, periodID string) ([]model.UserPosition, error) {
	return s.primary.ListPeriodPositions(ctx, periodID)
}

func (s *CachedStore) ListUnpaidPayouts(ctx context.Context) ([]model.Payout, error) {
	return s.primary.ListUnpaidPayouts(ctx)
}

func (s *CachedStore) SetPayoutPaid(ctx context.Context, periodID, userID string, paid bool) (bool, error) {
	return s.primary.SetPayoutPaid(ctx, periodID, userID, paid)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string      { return fmt.Sprintf("kolmarket:market:%s", id) }
func resolutionKey(id string) string  { return fmt.Sprintf("kolmarket:resolution:%s", id) }
func positionsKey(uid string) string  { return fmt.Sprintf("kolmarket:positions:%s", uid) }

var _ Store = (*CachedStore)(nil)
