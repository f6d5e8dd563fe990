// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade, both for user orders and KOL trades.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of a TradeOrder.
// Pending is the only non-terminal state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s != StatusPending
}

// MarketPeriod is one 24h betting epoch, aligned to UTC midnight.
type MarketPeriod struct {
	ID       string          `json:"id" db:"id"`
	Epoch    int64           `json:"epoch" db:"epoch"`
	Start    time.Time       `json:"start" db:"start_at"`
	End      time.Time       `json:"end" db:"end_at"`
	Active   bool            `json:"is_active" db:"-"`
	Resolved bool            `json:"is_resolved" db:"-"`
	WinnerID string          `json:"winner_id,omitempty" db:"winner_id"`
	Volume   decimal.Decimal `json:"volume" db:"volume"`
}

// CandidateShare is the market maker state for one KOL in one period.
// Probability is derived and recomputed across all candidates together.
type CandidateShare struct {
	PeriodID      string          `json:"period_id" db:"period_id"`
	CandidateID   string          `json:"candidate_id" db:"candidate_id"`
	Price         decimal.Decimal `json:"price" db:"price"`
	TotalShares   decimal.Decimal `json:"total_shares" db:"total_shares"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	Probability   decimal.Decimal `json:"probability" db:"probability"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// MarketState is a period together with the share records of every candidate.
type MarketState struct {
	Period MarketPeriod     `json:"period"`
	Shares []CandidateShare `json:"shares"`
}

// Find returns the share record for a candidate.
func (s MarketState) Find(candidateID string) (CandidateShare, bool) {
	for _, cs := range s.Shares {
		if cs.CandidateID == candidateID {
			return cs, true
		}
	}
	return CandidateShare{}, false
}

// TotalInvested sums invested value across all candidates.
func (s MarketState) TotalInvested() decimal.Decimal {
	total := decimal.Zero
	for _, cs := range s.Shares {
		total = total.Add(cs.TotalInvested)
	}
	return total
}

// Clone returns a copy that shares no backing array with s.
func (s MarketState) Clone() MarketState {
	shares := make([]CandidateShare, len(s.Shares))
	copy(shares, s.Shares)
	return MarketState{Period: s.Period, Shares: shares}
}

// WithShare returns a copy of s with the matching candidate record replaced.
func (s MarketState) WithShare(cs CandidateShare) MarketState {
	out := s.Clone()
	for i := range out.Shares {
		if out.Shares[i].CandidateID == cs.CandidateID {
			out.Shares[i] = cs
			return out
		}
	}
	out.Shares = append(out.Shares, cs)
	return out
}

// WithProbabilities returns a copy of s with each candidate's probability set.
func (s MarketState) WithProbabilities(probs map[string]decimal.Decimal) MarketState {
	out := s.Clone()
	for i := range out.Shares {
		if p, ok := probs[out.Shares[i].CandidateID]; ok {
			out.Shares[i].Probability = p
		}
	}
	return out
}

// UserPosition is a user's holding in one candidate for one period.
// A position with zero shares is closed but kept for history.
type UserPosition struct {
	UserID        string          `json:"user_id" db:"user_id"`
	PeriodID      string          `json:"period_id" db:"period_id"`
	CandidateID   string          `json:"candidate_id" db:"candidate_id"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	CurrentValue  decimal.Decimal `json:"current_value" db:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	LastTradeAt   time.Time       `json:"last_trade_at" db:"last_trade_at"`
}

// Closed reports whether the position holds no shares.
func (p UserPosition) Closed() bool {
	return !p.Shares.IsPositive()
}

// TradeOrder is a single buy or sell request and its fill.
// TotalValue is Quantity × Price, fixed when the order is created.
type TradeOrder struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	PeriodID    string          `json:"period_id" db:"period_id"`
	CandidateID string          `json:"candidate_id" db:"candidate_id"`
	Side        Side            `json:"side" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TotalValue  decimal.Decimal `json:"total_value" db:"total_value"`
	Status      OrderStatus     `json:"status" db:"status"`
	FailReason  string          `json:"fail_reason,omitempty" db:"fail_reason"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	FilledAt    *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
}

// Performance is the trading metric triple a KOL is ranked on.
type Performance struct {
	PnLUSD    decimal.Decimal `json:"pnl_usd"`
	VolumeUSD decimal.Decimal `json:"volume_usd"`
	Trades    int64           `json:"trades"`
}

// RankEntry is one line of a period's final leaderboard.
type RankEntry struct {
	CandidateID string      `json:"candidate_id"`
	Rank        int         `json:"rank"`
	Performance Performance `json:"performance"`
}

// MarketResolution is the immutable settlement record of a period.
type MarketResolution struct {
	PeriodID           string          `json:"period_id" db:"period_id"`
	WinnerID           string          `json:"winner_id" db:"winner_id"`
	Ranking            []RankEntry     `json:"ranking" db:"ranking"`
	PayoutPerShare     decimal.Decimal `json:"payout_per_share" db:"payout_per_share"`
	TotalWinningShares decimal.Decimal `json:"total_winning_shares" db:"total_winning_shares"`
	PrizePool          decimal.Decimal `json:"prize_pool" db:"prize_pool"`
	HouseFee           decimal.Decimal `json:"house_fee" db:"house_fee"`
	ResolvedAt         time.Time       `json:"resolved_at" db:"resolved_at"`
}

// Payout is the amount credited to one user when a period resolves. It is
// stored with the resolution and marked Paid once credited.
type Payout struct {
	UserID   string          `json:"user_id"`
	PeriodID string          `json:"period_id"`
	Shares   decimal.Decimal `json:"shares"`
	Amount   decimal.Decimal `json:"amount"`
	Paid     bool            `json:"paid"`
}

// TradeEvent is a normalized, confirmed KOL trade on the DEX.
// SolAmount is what the KOL paid (buy) or received (sell).
type TradeEvent struct {
	Signature   string          `json:"signature"`
	CandidateID string          `json:"candidate_id"`
	Wallet      string          `json:"wallet"`
	Program     string          `json:"program"`
	Side        Side            `json:"side"`
	TokenMint   string          `json:"token_mint"`
	SolAmount   decimal.Decimal `json:"sol_amount"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	At          time.Time       `json:"at"`
}

// Portfolio aggregates a user's positions with mark-to-market totals.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     []UserPosition  `json:"positions"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalValue    decimal.Decimal `json:"total_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions int             `json:"open_positions"`
}
