// Package limits caps how much a single user can stake in a period.
//
// Two caps apply: one per candidate, and one across all candidates of the
// period. Exposure is measured as the user's total invested pills.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrCandidateLimitExceeded is returned when a trade would push a user's
	// stake in one candidate beyond the per-candidate maximum.
	ErrCandidateLimitExceeded = errors.New("limits: per-candidate stake limit exceeded")

	// ErrPeriodLimitExceeded is returned when a trade would push a user's
	// total stake across the period beyond the per-period maximum.
	ErrPeriodLimitExceeded = errors.New("limits: per-period stake limit exceeded")
)

// StakeLimiter enforces stake caps. A zero cap disables that check.
type StakeLimiter struct {
	MaxPerCandidate decimal.Decimal
	MaxPerPeriod    decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given caps.
func NewStakeLimiter(maxPerCandidate, maxPerPeriod decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerCandidate: maxPerCandidate,
		MaxPerPeriod:    maxPerPeriod,
	}
}

// CheckLimit validates whether a stake change respects the caps.
//
// delta is signed: positive for a buy, negative for a sell. existing maps
// candidate id to the user's current stake in this period. Reductions are
// always allowed so users can exit an over-limit position.
func (l *StakeLimiter) CheckLimit(candidateID string, delta decimal.Decimal, existing map[string]decimal.Decimal) error {
	if l == nil || !delta.IsPositive() {
		return nil
	}

	next := existing[candidateID].Add(delta)
	if l.MaxPerCandidate.IsPositive() && next.GreaterThan(l.MaxPerCandidate) {
		return ErrCandidateLimitExceeded
	}

	if !l.MaxPerPeriod.IsPositive() {
		return nil
	}
	total := next
	for id, stake := range existing {
		if id == candidateID {
			continue
		}
		total = total.Add(stake.Abs())
	}
	if total.GreaterThan(l.MaxPerPeriod) {
		return ErrPeriodLimitExceeded
	}
	return nil
}
