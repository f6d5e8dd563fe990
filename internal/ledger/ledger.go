// Package ledger maintains per-user, per-candidate positions from filled
// orders and marks them to market.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

// PriceScale is the number of decimal places kept for average prices.
var PriceScale int32 = 8

// ApplyFill returns the position after a filled order. existing is nil when
// the user holds no position in the candidate yet.
//
// Buys use a weighted-average cost basis. A partial sell removes the sale
// proceeds from total invested rather than a proportional cost. A sell that
// empties the position zeroes shares, value and P&L but keeps invested and
// average price for history.
func ApplyFill(existing *model.UserPosition, o model.TradeOrder) (model.UserPosition, error) {
	if o.Status != model.StatusFilled {
		return model.UserPosition{}, fmt.Errorf("%w: order %s is %s, not filled", model.ErrInvalidTransition, o.ID, o.Status)
	}
	at := o.CreatedAt
	if o.FilledAt != nil {
		at = *o.FilledAt
	}

	if existing == nil {
		if o.Side == model.SideSell {
			return model.UserPosition{}, fmt.Errorf("%w: user %s candidate %s", model.ErrPositionNotFound, o.UserID, o.CandidateID)
		}
		return model.UserPosition{
			UserID:        o.UserID,
			PeriodID:      o.PeriodID,
			CandidateID:   o.CandidateID,
			Shares:        o.Quantity,
			AveragePrice:  o.Price,
			TotalInvested: o.TotalValue,
			CurrentValue:  o.TotalValue,
			UnrealizedPnL: decimal.Zero,
			LastTradeAt:   at,
		}, nil
	}

	p := *existing
	p.LastTradeAt = at

	switch o.Side {
	case model.SideBuy:
		p.Shares = p.Shares.Add(o.Quantity)
		p.TotalInvested = p.TotalInvested.Add(o.TotalValue)
		p.AveragePrice = p.TotalInvested.Div(p.Shares).Round(PriceScale)
		p.CurrentValue = p.Shares.Mul(o.Price)
		p.UnrealizedPnL = p.CurrentValue.Sub(p.TotalInvested)

	case model.SideSell:
		remaining := p.Shares.Sub(o.Quantity)
		if !remaining.IsPositive() {
			p.Shares = decimal.Zero
			p.CurrentValue = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
			return p, nil
		}
		p.Shares = remaining
		p.TotalInvested = p.TotalInvested.Sub(o.TotalValue)
		p.CurrentValue = remaining.Mul(o.Price)
		p.UnrealizedPnL = p.CurrentValue.Sub(p.TotalInvested)

	default:
		return p, fmt.Errorf("%w: unknown side %q", model.ErrInvalidAmount, o.Side)
	}

	return p, nil
}

// MarkToMarket revalues an open position at the candidate's current price.
// Closed positions are returned unchanged.
func MarkToMarket(p model.UserPosition, price decimal.Decimal) model.UserPosition {
	if p.Closed() {
		return p
	}
	p.CurrentValue = p.Shares.Mul(price)
	p.UnrealizedPnL = p.CurrentValue.Sub(p.TotalInvested)
	return p
}

// Summarize aggregates positions into a portfolio. Closed positions are
// listed but do not count toward totals.
func Summarize(userID string, balance decimal.Decimal, positions []model.UserPosition) model.Portfolio {
	pf := model.Portfolio{
		UserID:        userID,
		Balance:       balance,
		Positions:     positions,
		TotalInvested: decimal.Zero,
		TotalValue:    decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	if pf.Positions == nil {
		pf.Positions = []model.UserPosition{}
	}
	for _, p := range positions {
		if p.Closed() {
			continue
		}
		pf.OpenPositions++
		pf.TotalInvested = pf.TotalInvested.Add(p.TotalInvested)
		pf.TotalValue = pf.TotalValue.Add(p.CurrentValue)
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	return pf
}
