package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	periods     map[string]model.MarketPeriod
	shares      map[string][]model.CandidateShare
	orders      []model.TradeOrder
	positions   map[positionKey]model.UserPosition
	resolutions map[string]model.MarketResolution
	payouts     map[payoutKey]model.Payout
}

type positionKey struct {
	userID, periodID, candidateID string
}

type payoutKey struct {
	periodID, userID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		periods:     make(map[string]model.MarketPeriod),
		shares:      make(map[string][]model.CandidateShare),
		positions:   make(map[positionKey]model.UserPosition),
		resolutions: make(map[string]model.MarketResolution),
		payouts:     make(map[payoutKey]model.Payout),
	}
}

func (s *MemoryStore) OpenMarket(_ context.Context, p model.MarketPeriod, shares []model.CandidateShare) (model.MarketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.periods[p.ID]; !ok {
		s.periods[p.ID] = p
		s.shares[p.ID] = append([]model.CandidateShare(nil), shares...)
	}
	return s.stateLocked(p.ID), nil
}

func (s *MemoryStore) GetMarket(_ context.Context, periodID string) (model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.periods[periodID]; !ok {
		return model.MarketState{}, fmt.Errorf("%w: market %s", model.ErrNotFound, periodID)
	}
	return s.stateLocked(periodID), nil
}

func (s *MemoryStore) stateLocked(periodID string) model.MarketState {
	return model.MarketState{
		Period: s.periods[periodID],
		Shares: append([]model.CandidateShare(nil), s.shares[periodID]...),
	}
}

func (s *MemoryStore) ListUnresolved(_ context.Context, t time.Time) ([]model.MarketPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MarketPeriod
	for id, p := range s.periods {
		if _, done := s.resolutions[id]; done || p.End.After(t) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *MemoryStore) CommitFill(_ context.Context, f Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := f.Order.PeriodID
	p, ok := s.periods[pid]
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, pid)
	}
	if _, done := s.resolutions[pid]; done {
		return fmt.Errorf("%w: %s", model.ErrAlreadyResolved, pid)
	}

	p.Volume = p.Volume.Add(f.Order.TotalValue)
	s.periods[pid] = p
	s.shares[pid] = append([]model.CandidateShare(nil), f.Shares...)
	s.orders = append(s.orders, f.Order)
	pos := f.Position
	s.positions[positionKey{pos.UserID, pos.PeriodID, pos.CandidateID}] = pos
	return nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o model.TradeOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders = append(s.orders, o)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, periodID string) ([]model.TradeOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.TradeOrder{}
	for _, o := range s.orders {
		if o.PeriodID == periodID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, periodID, candidateID string) (*model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{userID, periodID, candidateID}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.UserPosition, error) {
	return s.filterPositions(func(p model.UserPosition) bool { return p.UserID == userID }), nil
}

func (s *MemoryStore) ListPeriodPositions(_ context.Context, periodID string) ([]model.UserPosition, error) {
	return s.filterPositions(func(p model.UserPosition) bool { return p.PeriodID == periodID }), nil
}

func (s *MemoryStore) filterPositions(keep func(model.UserPosition) bool) []model.UserPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.UserPosition{}
	for _, p := range s.positions {
		if keep(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.PeriodID != b.PeriodID {
			return a.PeriodID < b.PeriodID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.CandidateID < b.CandidateID
	})
	return result
}

func (s *MemoryStore) InsertResolution(_ context.Context, r model.MarketResolution, payouts []model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.periods[r.PeriodID]
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, r.PeriodID)
	}
	if _, done := s.resolutions[r.PeriodID]; done {
		return fmt.Errorf("%w: %s", model.ErrAlreadyResolved, r.PeriodID)
	}
	r.Ranking = append([]model.RankEntry(nil), r.Ranking...)
	s.resolutions[r.PeriodID] = r
	p.WinnerID = r.WinnerID
	s.periods[r.PeriodID] = p
	for _, po := range payouts {
		po.PeriodID = r.PeriodID
		po.Paid = false
		s.payouts[payoutKey{po.PeriodID, po.UserID}] = po
	}
	return nil
}

func (s *MemoryStore) GetResolution(_ context.Context, periodID string) (model.MarketResolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resolutions[periodID]
	if !ok {
		return model.MarketResolution{}, fmt.Errorf("%w: resolution %s", model.ErrNotFound, periodID)
	}
	r.Ranking = append([]model.RankEntry(nil), r.Ranking...)
	return r, nil
}

func (s *MemoryStore) ListUnpaidPayouts(_ context.Context) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Payout
	for _, po := range s.payouts {
		if !po.Paid {
			out = append(out, po)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.periods[out[i].PeriodID], s.periods[out[j].PeriodID]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *MemoryStore) SetPayoutPaid(_ context.Context, periodID, userID string, paid bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := payoutKey{periodID, userID}
	po, ok := s.payouts[key]
	if !ok {
		return false, fmt.Errorf("%w: payout %s/%s", model.ErrNotFound, periodID, userID)
	}
	if po.Paid == paid {
		return false, nil
	}
	po.Paid = paid
	s.payouts[key] = po
	return true, nil
}

// MemoryFunds implements Funds in memory. Unknown users start with the
// configured starting balance.
type MemoryFunds struct {
	mu       sync.Mutex
	starting decimal.Decimal
	balances map[string]decimal.Decimal
}

func NewMemoryFunds(starting decimal.Decimal) *MemoryFunds {
	return &MemoryFunds{starting: starting, balances: make(map[string]decimal.Decimal)}
}

func (f *MemoryFunds) balanceLocked(userID string) decimal.Decimal {
	b, ok := f.balances[userID]
	if !ok {
		return f.starting
	}
	return b
}

func (f *MemoryFunds) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceLocked(userID), nil
}

func (f *MemoryFunds) Debit(_ context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: debit %s", model.ErrInvalidAmount, amount)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.balanceLocked(userID)
	if b.LessThan(amount) {
		return fmt.Errorf("%w: balance %s, need %s", model.ErrInsufficientFunds, b, amount)
	}
	f.balances[userID] = b.Sub(amount)
	return nil
}

func (f *MemoryFunds) Credit(_ context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: credit %s", model.ErrInvalidAmount, amount)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.balances[userID] = f.balanceLocked(userID).Add(amount)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Funds = (*MemoryFunds)(nil)
)
