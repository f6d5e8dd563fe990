package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func filled(side model.Side, qty, price float64) model.TradeOrder {
	at := testNow
	q, p := d(qty), d(price)
	return model.TradeOrder{
		ID:          "o",
		UserID:      "user1",
		PeriodID:    "period_1710460800000",
		CandidateID: "A",
		Side:        side,
		Quantity:    q,
		Price:       p,
		TotalValue:  q.Mul(p),
		Status:      model.StatusFilled,
		CreatedAt:   at,
		FilledAt:    &at,
	}
}

func TestApplyFill_NewBuy(t *testing.T) {
	p, err := ApplyFill(nil, filled(model.SideBuy, 200, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Shares.Equal(d(200)) || !p.AveragePrice.Equal(d(0.5)) {
		t.Errorf("unexpected shares/avg: %s / %s", p.Shares, p.AveragePrice)
	}
	if !p.TotalInvested.Equal(d(100)) || !p.CurrentValue.Equal(d(100)) {
		t.Errorf("unexpected invested/value: %s / %s", p.TotalInvested, p.CurrentValue)
	}
	if !p.UnrealizedPnL.IsZero() {
		t.Errorf("expected zero P&L, got %s", p.UnrealizedPnL)
	}
	if p.UserID != "user1" || p.CandidateID != "A" || !p.LastTradeAt.Equal(testNow) {
		t.Errorf("unexpected identity fields: %+v", p)
	}
}

func TestApplyFill_NewSellRejected(t *testing.T) {
	_, err := ApplyFill(nil, filled(model.SideSell, 1, 0.5))
	if !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestApplyFill_WeightedAverageBuy(t *testing.T) {
	p, _ := ApplyFill(nil, filled(model.SideBuy, 100, 0.5)) // invested 50
	p, err := ApplyFill(&p, filled(model.SideBuy, 100, 0.7)) // invested 70
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Shares.Equal(d(200)) {
		t.Errorf("expected 200 shares, got %s", p.Shares)
	}
	if !p.TotalInvested.Equal(d(120)) {
		t.Errorf("expected 120 invested, got %s", p.TotalInvested)
	}
	if !p.AveragePrice.Equal(d(0.6)) {
		t.Errorf("expected avg 0.6, got %s", p.AveragePrice)
	}
	// Marked at the last fill price: 200 * 0.7 = 140.
	if !p.CurrentValue.Equal(d(140)) || !p.UnrealizedPnL.Equal(d(20)) {
		t.Errorf("expected value 140 / pnl 20, got %s / %s", p.CurrentValue, p.UnrealizedPnL)
	}
}

func TestApplyFill_PartialSellSubtractsProceeds(t *testing.T) {
	p, _ := ApplyFill(nil, filled(model.SideBuy, 200, 0.5)) // invested 100
	p, err := ApplyFill(&p, filled(model.SideSell, 50, 0.8)) // proceeds 40
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Shares.Equal(d(150)) {
		t.Errorf("expected 150 shares, got %s", p.Shares)
	}
	if !p.TotalInvested.Equal(d(60)) {
		t.Errorf("expected invested 100 - 40 = 60, got %s", p.TotalInvested)
	}
	if !p.CurrentValue.Equal(d(120)) || !p.UnrealizedPnL.Equal(d(60)) {
		t.Errorf("expected value 120 / pnl 60, got %s / %s", p.CurrentValue, p.UnrealizedPnL)
	}
	if !p.AveragePrice.Equal(d(0.5)) {
		t.Errorf("average price should be unchanged by a sell, got %s", p.AveragePrice)
	}
}

func TestApplyFill_FullSellClosesPosition(t *testing.T) {
	p, _ := ApplyFill(nil, filled(model.SideBuy, 200, 0.5))
	p, err := ApplyFill(&p, filled(model.SideSell, 200, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Shares.IsZero() || !p.CurrentValue.IsZero() || !p.UnrealizedPnL.IsZero() {
		t.Errorf("expected closed position, got %+v", p)
	}
	if !p.Closed() {
		t.Error("Closed() should be true")
	}
	if !p.TotalInvested.Equal(d(100)) || !p.AveragePrice.Equal(d(0.5)) {
		t.Errorf("history fields should be retained, got invested=%s avg=%s", p.TotalInvested, p.AveragePrice)
	}
}

func TestApplyFill_RoundTripAtUnchangedPrice(t *testing.T) {
	// Buy 100 at 0.5894 then sell everything back at the same price.
	amount := d(100)
	price := d(0.5894)
	qty := amount.Div(price)
	at := testNow
	buy := model.TradeOrder{
		UserID: "user1", PeriodID: "p", CandidateID: "A", Side: model.SideBuy,
		Quantity: qty, Price: price, TotalValue: qty.Mul(price).Round(8),
		Status: model.StatusFilled, FilledAt: &at,
	}
	p, err := ApplyFill(nil, buy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sell := buy
	sell.Side = model.SideSell
	p, err = ApplyFill(&p, sell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Shares.Abs().GreaterThan(d(1e-9)) {
		t.Errorf("expected ~0 shares after round trip, got %s", p.Shares)
	}
}

func TestApplyFill_RequiresFilledOrder(t *testing.T) {
	o := filled(model.SideBuy, 1, 0.5)
	o.Status = model.StatusPending
	if _, err := ApplyFill(nil, o); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkToMarket(t *testing.T) {
	p, _ := ApplyFill(nil, filled(model.SideBuy, 100, 0.5))
	p = MarkToMarket(p, d(0.75))
	if !p.CurrentValue.Equal(d(75)) || !p.UnrealizedPnL.Equal(d(25)) {
		t.Errorf("expected value 75 / pnl 25, got %s / %s", p.CurrentValue, p.UnrealizedPnL)
	}

	closed := model.UserPosition{Shares: decimal.Zero, TotalInvested: d(10)}
	if got := MarkToMarket(closed, d(0.9)); !got.CurrentValue.IsZero() {
		t.Errorf("closed position should not be revalued, got %s", got.CurrentValue)
	}
}

func TestSummarize(t *testing.T) {
	open, _ := ApplyFill(nil, filled(model.SideBuy, 100, 0.5))
	open = MarkToMarket(open, d(0.6))
	closed := model.UserPosition{CandidateID: "B", TotalInvested: d(30)}

	pf := Summarize("user1", d(900), []model.UserPosition{open, closed})
	if pf.OpenPositions != 1 || len(pf.Positions) != 2 {
		t.Errorf("expected 1 open of 2 positions, got %d of %d", pf.OpenPositions, len(pf.Positions))
	}
	if !pf.TotalInvested.Equal(d(50)) || !pf.TotalValue.Equal(d(60)) || !pf.UnrealizedPnL.Equal(d(10)) {
		t.Errorf("unexpected totals: %+v", pf)
	}
	if !pf.Balance.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", pf.Balance)
	}
}

func TestSummarize_Empty(t *testing.T) {
	pf := Summarize("nobody", decimal.Zero, nil)
	if pf.Positions == nil || len(pf.Positions) != 0 {
		t.Errorf("expected empty, non-nil positions, got %v", pf.Positions)
	}
}
