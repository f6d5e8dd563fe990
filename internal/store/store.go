// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

// Fill is everything a filled order changes, committed atomically.
type Fill struct {
	Order model.TradeOrder
	// Shares is the full post-trade share set of the period: a fill moves
	// the traded candidate's price and every candidate's probability.
	Shares   []model.CandidateShare
	Position model.UserPosition
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// OpenMarket creates the period and a share record at the base price for
	// every candidate. It is idempotent: an existing market is returned as is.
	OpenMarket(ctx context.Context, p model.MarketPeriod, shares []model.CandidateShare) (model.MarketState, error)

	// GetMarket returns a period and its shares, or ErrNotFound.
	GetMarket(ctx context.Context, periodID string) (model.MarketState, error)

	// ListUnresolved returns periods that ended at or before t and have no
	// resolution, oldest first.
	ListUnresolved(ctx context.Context, t time.Time) ([]model.MarketPeriod, error)

	// --- Orders and positions ---

	// CommitFill persists a filled order with its share and position changes
	// and adds the order value to the period volume.
	CommitFill(ctx context.Context, f Fill) error

	// InsertOrder records an order that did not fill.
	InsertOrder(ctx context.Context, o model.TradeOrder) error

	// ListOrders returns a period's orders, oldest first.
	ListOrders(ctx context.Context, periodID string) ([]model.TradeOrder, error)

	// GetPosition returns nil when the user has never traded the candidate.
	GetPosition(ctx context.Context, userID, periodID, candidateID string) (*model.UserPosition, error)

	// ListUserPositions returns every position of a user across periods.
	ListUserPositions(ctx context.Context, userID string) ([]model.UserPosition, error)

	// ListPeriodPositions returns every position in a period.
	ListPeriodPositions(ctx context.Context, periodID string) ([]model.UserPosition, error)

	// --- Resolutions ---

	// InsertResolution stores the resolution, sets the period winner and
	// records payouts as unpaid, in one step. A second resolution for the
	// same period returns ErrAlreadyResolved.
	InsertResolution(ctx context.Context, r model.MarketResolution, payouts []model.Payout) error

	// GetResolution returns the resolution of a period, or ErrNotFound.
	GetResolution(ctx context.Context, periodID string) (model.MarketResolution, error)

	// --- Payouts ---

	// ListUnpaidPayouts returns payouts not yet credited, oldest period first.
	ListUnpaidPayouts(ctx context.Context) ([]model.Payout, error)

	// SetPayoutPaid sets a payout's paid flag and reports whether it changed,
	// so exactly one caller wins a claim with paid=true. ErrNotFound when
	// the payout does not exist.
	SetPayoutPaid(ctx context.Context, periodID, userID string, paid bool) (bool, error)
}

// Funds holds users' pill balances.
type Funds interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)

	// Debit returns ErrInsufficientFunds when the balance is below amount.
	Debit(ctx context.Context, userID string, amount decimal.Decimal) error

	Credit(ctx context.Context, userID string, amount decimal.Decimal) error
}

// Fresh returns the store a writer reads from while it holds a period lock.
// A CachedStore answers with its primary: a lock-free reader can repopulate
// the cache with a snapshot taken before the last commit.
func Fresh(s Store) Store {
	if c, ok := s.(*CachedStore); ok {
		return c.primary
	}
	return s
}

// StakesByCandidate sums a user's invested pills per candidate in a period.
func StakesByCandidate(positions []model.UserPosition, periodID string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.PeriodID != periodID || p.Closed() {
			continue
		}
		out[p.CandidateID] = out[p.CandidateID].Add(p.TotalInvested)
	}
	return out
}
