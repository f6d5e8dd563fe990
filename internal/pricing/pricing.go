// Package pricing implements the automated market maker that prices shares in
// each KOL candidate of a period.
//
// Price is a saturating curve of the candidate's share of total invested
// value, bounded away from 0 and 1 so the market stays tradeable:
//
//	price = clamp(MinPrice, MaxPrice, BasePrice + (2 * marketShare)^1.5)
//
// Probabilities are an independent softmax over investment share.
//
// All monetary values use shopspring/decimal, never float64.
// Transcendental math runs in float64 and is immediately converted back to
// decimal and rounded to PriceScale places. decimal.Round rounds half away
// from zero, which equals half-up for the non-negative values produced here.
//
// Everything in this package is a pure function of its arguments.
package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

var (
	// BasePrice is the price of every candidate before any investment.
	BasePrice = decimal.NewFromFloat(0.5)

	// MinPrice is the lowest price a share can trade at.
	MinPrice = decimal.NewFromFloat(0.05)

	// MaxPrice is the highest price a share can trade at.
	MaxPrice = decimal.NewFromFloat(0.95)

	// PriceScale is the number of decimal places for prices and probabilities.
	PriceScale int32 = 4

	// SoftmaxScale sharpens the probability signal as one candidate dominates.
	SoftmaxScale = 5.0

	// curveExponent is the power applied to twice the market share.
	curveExponent = 1.5
)

// Price computes the share price of candidateID after simulating a trade of
// delta value. For buys delta is the positive amount invested; for sells it is
// the caller-supplied negative value withdrawn. A zero delta reads the current
// price.
//
// Only buys grow the total-invested denominator. Sells reduce the candidate's
// own investment but leave the period total untouched.
func Price(shares []model.CandidateShare, candidateID string, delta decimal.Decimal, isBuy bool) (decimal.Decimal, error) {
	var candidateInvested decimal.Decimal
	found := false
	total := decimal.Zero
	for _, cs := range shares {
		total = total.Add(cs.TotalInvested)
		if cs.CandidateID == candidateID {
			candidateInvested = cs.TotalInvested
			found = true
		}
	}
	if !found {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrCandidateNotFound, candidateID)
	}

	newTotal := total
	if isBuy {
		newTotal = total.Add(delta)
	}
	// Nothing invested, even after the simulated trade: uniform prior.
	if !newTotal.IsPositive() {
		return BasePrice, nil
	}

	newCandidate := decimal.Max(decimal.Zero, candidateInvested.Add(delta))

	one := decimal.NewFromInt(1)
	marketShare := newCandidate.Div(decimal.Max(newTotal, one))

	return curve(marketShare), nil
}

// curve maps a market share in [0, 1] to a bounded, rounded price.
func curve(marketShare decimal.Decimal) decimal.Decimal {
	ms := marketShare.InexactFloat64()
	raw := BasePrice.InexactFloat64() + math.Pow(ms*2, curveExponent)

	price := decimal.NewFromFloat(raw)
	if price.LessThan(MinPrice) {
		price = MinPrice
	}
	if price.GreaterThan(MaxPrice) {
		price = MaxPrice
	}
	return price.Round(PriceScale)
}

// Probabilities returns the implied win probability of every candidate.
//
// With no investment every candidate gets 1/N. Otherwise:
//
//	p_i = exp(SoftmaxScale * share_i) / Σ_j exp(SoftmaxScale * share_j)
//
// Each probability is rounded independently; the sum may drift from 1 by the
// rounding error and is not renormalized.
func Probabilities(shares []model.CandidateShare) map[string]decimal.Decimal {
	probs := make(map[string]decimal.Decimal, len(shares))
	if len(shares) == 0 {
		return probs
	}

	total := decimal.Zero
	for _, cs := range shares {
		total = total.Add(cs.TotalInvested)
	}

	if total.IsZero() {
		uniform := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(shares)))).Round(PriceScale)
		for _, cs := range shares {
			probs[cs.CandidateID] = uniform
		}
		return probs
	}

	xs := make([]float64, len(shares))
	for i, cs := range shares {
		xs[i] = SoftmaxScale * cs.TotalInvested.Div(total).InexactFloat64()
	}
	lse := logSumExp(xs)

	for i, cs := range shares {
		p := math.Exp(xs[i] - lse)
		probs[cs.CandidateID] = decimal.NewFromFloat(p).Round(PriceScale)
	}
	return probs
}

// Reprice returns a copy of state with every candidate's probability
// recomputed. Probabilities are never updated for one candidate alone.
func Reprice(state model.MarketState) model.MarketState {
	return state.WithProbabilities(Probabilities(state.Shares))
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}
