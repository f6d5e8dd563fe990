// Package order converts user bets into priced, pending orders and applies
// filled orders to the market maker state.
//
// The engine holds configuration only. Every operation takes the current
// market state explicitly and returns new values for the caller to persist;
// validation happens before any state is computed, so a failed order never
// yields a partial update.
package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/pricing"
)

// ValueScale is the number of decimal places for order values.
var ValueScale int32 = 8

// DefaultMinBet is the smallest accepted buy, in pills.
var DefaultMinBet = decimal.NewFromInt(1)

// Engine validates and prices buy/sell orders.
type Engine struct {
	minBet decimal.Decimal
}

// NewEngine creates an order engine. A non-positive minBet selects
// DefaultMinBet.
func NewEngine(minBet decimal.Decimal) *Engine {
	if !minBet.IsPositive() {
		minBet = DefaultMinBet
	}
	return &Engine{minBet: minBet}
}

// MinBet returns the configured minimum buy amount.
func (e *Engine) MinBet() decimal.Decimal {
	return e.minBet
}

// BuyRequest asks to spend Amount pills on shares of CandidateID.
type BuyRequest struct {
	UserID      string
	PeriodID    string
	CandidateID string
	Amount      decimal.Decimal
	At          time.Time
}

// BuyResult is the priced, still pending outcome of a buy.
type BuyResult struct {
	Order          model.TradeOrder `json:"order"`
	NewPrice       decimal.Decimal  `json:"new_price"`
	SharesReceived decimal.Decimal  `json:"shares_received"`
}

// SellRequest asks to sell Shares of CandidateID back to the market.
type SellRequest struct {
	UserID      string
	PeriodID    string
	CandidateID string
	Shares      decimal.Decimal
	At          time.Time
}

// SellResult is the priced, still pending outcome of a sell.
type SellResult struct {
	Order         model.TradeOrder `json:"order"`
	NewPrice      decimal.Decimal  `json:"new_price"`
	ValueReceived decimal.Decimal  `json:"value_received"`
}

// Buy prices a buy at the candidate's current price and simulates the price
// after the trade. The returned order is pending; the caller marks it filled
// once funds have moved.
func (e *Engine) Buy(req BuyRequest, state model.MarketState) (*BuyResult, error) {
	if req.Amount.LessThan(e.minBet) {
		return nil, fmt.Errorf("%w: bet %s below minimum %s", model.ErrInvalidAmount, req.Amount, e.minBet)
	}
	if req.PeriodID != state.Period.ID {
		return nil, fmt.Errorf("%w: order for %s, market is %s", model.ErrPeriodMismatch, req.PeriodID, state.Period.ID)
	}

	current, err := pricing.Price(state.Shares, req.CandidateID, decimal.Zero, true)
	if err != nil {
		return nil, err
	}
	newPrice, err := pricing.Price(state.Shares, req.CandidateID, req.Amount, true)
	if err != nil {
		return nil, err
	}

	shares := req.Amount.Div(current)
	o := newOrder(req.UserID, req.PeriodID, req.CandidateID, model.SideBuy, shares, current, req.At)

	return &BuyResult{
		Order:          o,
		NewPrice:       newPrice,
		SharesReceived: shares,
	}, nil
}

// Sell prices a sell of owned shares at the candidate's current price.
// position is the seller's current holding; nil means none.
func (e *Engine) Sell(req SellRequest, state model.MarketState, position *model.UserPosition) (*SellResult, error) {
	if !req.Shares.IsPositive() {
		return nil, fmt.Errorf("%w: sell quantity %s must be positive", model.ErrInvalidAmount, req.Shares)
	}
	if req.PeriodID != state.Period.ID {
		return nil, fmt.Errorf("%w: order for %s, market is %s", model.ErrPeriodMismatch, req.PeriodID, state.Period.ID)
	}
	if position == nil {
		return nil, fmt.Errorf("%w: user %s candidate %s", model.ErrPositionNotFound, req.UserID, req.CandidateID)
	}
	if req.Shares.GreaterThan(position.Shares) {
		return nil, fmt.Errorf("%w: selling %s, own %s", model.ErrInsufficientShares, req.Shares, position.Shares)
	}

	current, err := pricing.Price(state.Shares, req.CandidateID, decimal.Zero, false)
	if err != nil {
		return nil, err
	}
	value := req.Shares.Mul(current).Round(ValueScale)
	newPrice, err := pricing.Price(state.Shares, req.CandidateID, value.Neg(), false)
	if err != nil {
		return nil, err
	}

	o := newOrder(req.UserID, req.PeriodID, req.CandidateID, model.SideSell, req.Shares, current, req.At)

	return &SellResult{
		Order:         o,
		NewPrice:      newPrice,
		ValueReceived: value,
	}, nil
}

func newOrder(userID, periodID, candidateID string, side model.Side, qty, price decimal.Decimal, at time.Time) model.TradeOrder {
	return model.TradeOrder{
		ID:          uuid.New().String(),
		UserID:      userID,
		PeriodID:    periodID,
		CandidateID: candidateID,
		Side:        side,
		Quantity:    qty,
		Price:       price,
		TotalValue:  qty.Mul(price).Round(ValueScale),
		Status:      model.StatusPending,
		CreatedAt:   at.UTC(),
	}
}

// Fill marks a pending order filled at the given instant.
func Fill(o model.TradeOrder, at time.Time) (model.TradeOrder, error) {
	if o.Status.Terminal() {
		return o, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, o.Status, model.StatusFilled)
	}
	filledAt := at.UTC()
	o.Status = model.StatusFilled
	o.FilledAt = &filledAt
	return o, nil
}

// Fail marks a pending order failed with a reason.
func Fail(o model.TradeOrder, reason string) (model.TradeOrder, error) {
	if o.Status.Terminal() {
		return o, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, o.Status, model.StatusFailed)
	}
	o.Status = model.StatusFailed
	o.FailReason = reason
	return o, nil
}

// Cancel marks a pending order cancelled. Automatic processing never
// cancels; this is for manual intervention.
func Cancel(o model.TradeOrder) (model.TradeOrder, error) {
	if o.Status.Terminal() {
		return o, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, o.Status, model.StatusCancelled)
	}
	o.Status = model.StatusCancelled
	return o, nil
}

// ApplyFillToCandidateShare returns the candidate's market state after a
// filled order. Shares and invested value never drop below zero.
// Probabilities must be recomputed across all candidates afterwards.
func ApplyFillToCandidateShare(cs model.CandidateShare, o model.TradeOrder, newPrice decimal.Decimal, at time.Time) (model.CandidateShare, error) {
	if o.Status != model.StatusFilled {
		return cs, fmt.Errorf("%w: order %s is %s, not filled", model.ErrInvalidTransition, o.ID, o.Status)
	}
	if cs.CandidateID != o.CandidateID || cs.PeriodID != o.PeriodID {
		return cs, fmt.Errorf("%w: order %s targets %s/%s", model.ErrCandidateNotFound, o.ID, o.PeriodID, o.CandidateID)
	}

	switch o.Side {
	case model.SideBuy:
		cs.TotalShares = cs.TotalShares.Add(o.Quantity)
		cs.TotalInvested = cs.TotalInvested.Add(o.TotalValue)
	case model.SideSell:
		cs.TotalShares = decimal.Max(decimal.Zero, cs.TotalShares.Sub(o.Quantity))
		cs.TotalInvested = decimal.Max(decimal.Zero, cs.TotalInvested.Sub(o.TotalValue))
	default:
		return cs, fmt.Errorf("%w: unknown side %q", model.ErrInvalidAmount, o.Side)
	}

	cs.Price = newPrice
	cs.UpdatedAt = at.UTC()
	return cs, nil
}
