// Package resolution settles a period: the top-ranked KOL wins and the whole
// prize pool is split pro rata across that candidate's shares.
//
// Settlement is winner-take-all; shares in every other candidate expire
// worthless. Nothing here moves funds.
package resolution

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

// PayoutScale is the number of decimal places kept for payouts. Payouts are
// truncated, never rounded up, so the pool always covers them.
var PayoutScale int32 = 8

// Input is everything needed to resolve one period.
type Input struct {
	PeriodID string
	WinnerID string
	Shares   []model.CandidateShare
	Ranking  []model.RankEntry
	// HouseFee is the fraction of the pool withheld, in [0, 1).
	HouseFee decimal.Decimal
	At       time.Time
}

// Resolve computes the settlement record for a period.
func Resolve(in Input) (model.MarketResolution, error) {
	var winner *model.CandidateShare
	pool := decimal.Zero
	for i := range in.Shares {
		pool = pool.Add(in.Shares[i].TotalInvested)
		if in.Shares[i].CandidateID == in.WinnerID {
			winner = &in.Shares[i]
		}
	}
	if winner == nil {
		return model.MarketResolution{}, fmt.Errorf("%w: winner %s in %s", model.ErrCandidateNotFound, in.WinnerID, in.PeriodID)
	}

	fee := in.HouseFee
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return model.MarketResolution{}, fmt.Errorf("%w: house fee %s", model.ErrInvalidAmount, fee)
	}

	winningShares := winner.TotalShares
	payoutPerShare := decimal.Zero
	if winningShares.IsPositive() {
		distributable := pool.Mul(decimal.NewFromInt(1).Sub(fee))
		payoutPerShare = distributable.Div(winningShares).Truncate(PayoutScale)
	}

	ranking := make([]model.RankEntry, len(in.Ranking))
	copy(ranking, in.Ranking)
	sort.SliceStable(ranking, func(i, j int) bool { return ranking[i].Rank < ranking[j].Rank })

	return model.MarketResolution{
		PeriodID:           in.PeriodID,
		WinnerID:           in.WinnerID,
		Ranking:            ranking,
		PayoutPerShare:     payoutPerShare,
		TotalWinningShares: winningShares,
		PrizePool:          pool,
		HouseFee:           fee,
		ResolvedAt:         in.At.UTC(),
	}, nil
}

// Payouts returns what each holder of the winning candidate receives.
// Positions in other candidates or periods, and closed positions, get nothing.
// Results are ordered by user id.
func Payouts(res model.MarketResolution, positions []model.UserPosition) []model.Payout {
	if !res.PayoutPerShare.IsPositive() {
		return nil
	}

	byUser := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.PeriodID != res.PeriodID || p.CandidateID != res.WinnerID || p.Closed() {
			continue
		}
		byUser[p.UserID] = byUser[p.UserID].Add(p.Shares)
	}

	payouts := make([]model.Payout, 0, len(byUser))
	for userID, shares := range byUser {
		payouts = append(payouts, model.Payout{
			UserID:   userID,
			PeriodID: res.PeriodID,
			Shares:   shares,
			Amount:   shares.Mul(res.PayoutPerShare).Truncate(PayoutScale),
		})
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].UserID < payouts[j].UserID })
	return payouts
}

// Winner returns the candidate ranked first, if any.
func Winner(ranking []model.RankEntry) (string, bool) {
	best := -1
	for i, e := range ranking {
		if best < 0 || e.Rank < ranking[best].Rank {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return ranking[best].CandidateID, true
}
