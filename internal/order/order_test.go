package order

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/pricing"
)

const testPeriod = "period_1710460800000"

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// twoCandidates builds a market with candidates A and B.
func twoCandidates(investedA, sharesA, investedB, sharesB float64) model.MarketState {
	return model.MarketState{
		Period: model.MarketPeriod{ID: testPeriod},
		Shares: []model.CandidateShare{
			{PeriodID: testPeriod, CandidateID: "A", Price: d(0.5), TotalInvested: d(investedA), TotalShares: d(sharesA)},
			{PeriodID: testPeriod, CandidateID: "B", Price: d(0.5), TotalInvested: d(investedB), TotalShares: d(sharesB)},
		},
	}
}

func buyReq(candidate string, amount float64) BuyRequest {
	return BuyRequest{UserID: "user1", PeriodID: testPeriod, CandidateID: candidate, Amount: d(amount), At: testNow}
}

func sellReq(candidate string, shares float64) SellRequest {
	return SellRequest{UserID: "user1", PeriodID: testPeriod, CandidateID: candidate, Shares: d(shares), At: testNow}
}

// --- Buy ---

func TestBuy_FirstBetScenario(t *testing.T) {
	e := NewEngine(decimal.Zero)
	res, err := e.Buy(buyReq("A", 100), twoCandidates(0, 0, 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.SharesReceived.Equal(d(200)) {
		t.Errorf("expected 200 shares, got %s", res.SharesReceived)
	}
	if !res.NewPrice.Equal(d(0.95)) {
		t.Errorf("expected saturated new price 0.95, got %s", res.NewPrice)
	}
	o := res.Order
	if o.Status != model.StatusPending {
		t.Errorf("expected pending order, got %s", o.Status)
	}
	if o.Side != model.SideBuy || o.CandidateID != "A" || o.UserID != "user1" {
		t.Errorf("unexpected order fields: %+v", o)
	}
	if !o.Price.Equal(d(0.5)) || !o.TotalValue.Equal(d(100)) {
		t.Errorf("expected fill at 0.5 for 100, got price=%s value=%s", o.Price, o.TotalValue)
	}
	if o.ID == "" {
		t.Error("expected order id")
	}
}

func TestBuy_TotalValueMatchesAmount(t *testing.T) {
	e := NewEngine(decimal.Zero)
	res, err := e.Buy(buyReq("A", 100), twoCandidates(10, 20, 90, 180))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Price is 0.5894, shares = 100 / 0.5894.
	if !res.Order.Price.Equal(d(0.5894)) {
		t.Errorf("expected price 0.5894, got %s", res.Order.Price)
	}
	if !res.Order.TotalValue.Equal(d(100)) {
		t.Errorf("expected total value 100, got %s", res.Order.TotalValue)
	}
}

func TestBuy_BelowMinimum(t *testing.T) {
	e := NewEngine(d(5))
	_, err := e.Buy(buyReq("A", 4.99), twoCandidates(0, 0, 0, 0))
	if !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	_, err = NewEngine(decimal.Zero).Buy(buyReq("A", 0.5), twoCandidates(0, 0, 0, 0))
	if !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount below default minimum, got %v", err)
	}
}

func TestBuy_UnknownCandidate(t *testing.T) {
	_, err := NewEngine(decimal.Zero).Buy(buyReq("Z", 10), twoCandidates(0, 0, 0, 0))
	if !errors.Is(err, model.ErrCandidateNotFound) {
		t.Errorf("expected ErrCandidateNotFound, got %v", err)
	}
}

func TestBuy_PeriodMismatch(t *testing.T) {
	req := buyReq("A", 10)
	req.PeriodID = "period_1710547200000"
	_, err := NewEngine(decimal.Zero).Buy(req, twoCandidates(0, 0, 0, 0))
	if !errors.Is(err, model.ErrPeriodMismatch) {
		t.Errorf("expected ErrPeriodMismatch, got %v", err)
	}
}

func TestBuy_DoesNotMutateState(t *testing.T) {
	state := twoCandidates(10, 20, 90, 180)
	if _, err := NewEngine(decimal.Zero).Buy(buyReq("A", 50), state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := state.Find("A")
	if !a.TotalInvested.Equal(d(10)) || !a.Price.Equal(d(0.5)) {
		t.Errorf("state mutated by Buy: %+v", a)
	}
}

// --- Sell ---

func TestSell_InsufficientShares(t *testing.T) {
	pos := &model.UserPosition{UserID: "user1", PeriodID: testPeriod, CandidateID: "A", Shares: d(10)}
	state := twoCandidates(20, 40, 80, 160)

	_, err := NewEngine(decimal.Zero).Sell(sellReq("A", 10.5), state, pos)
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	if !pos.Shares.Equal(d(10)) {
		t.Errorf("position mutated on failed sell: %s", pos.Shares)
	}
	a, _ := state.Find("A")
	if !a.TotalShares.Equal(d(40)) {
		t.Errorf("market mutated on failed sell: %s", a.TotalShares)
	}
}

func TestSell_NoPosition(t *testing.T) {
	_, err := NewEngine(decimal.Zero).Sell(sellReq("A", 1), twoCandidates(20, 40, 80, 160), nil)
	if !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestSell_NonPositive(t *testing.T) {
	pos := &model.UserPosition{Shares: d(10)}
	for _, qty := range []float64{0, -1} {
		_, err := NewEngine(decimal.Zero).Sell(sellReq("A", qty), twoCandidates(20, 40, 80, 160), pos)
		if !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("qty=%v: expected ErrInvalidAmount, got %v", qty, err)
		}
	}
}

func TestSell_PricesAtCurrentAndKeepsTotal(t *testing.T) {
	// A holds 20 of 100 invested: share 0.2 → price 0.5 + 0.4^1.5 = 0.753.
	state := twoCandidates(20, 40, 80, 160)
	pos := &model.UserPosition{UserID: "user1", PeriodID: testPeriod, CandidateID: "A", Shares: d(20)}

	res, err := NewEngine(decimal.Zero).Sell(sellReq("A", 10), state, pos)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current, _ := pricing.Price(state.Shares, "A", decimal.Zero, false)
	if !res.Order.Price.Equal(current) {
		t.Errorf("expected fill at current price %s, got %s", current, res.Order.Price)
	}
	wantValue := d(10).Mul(current)
	if !res.ValueReceived.Equal(wantValue) || !res.Order.TotalValue.Equal(wantValue) {
		t.Errorf("expected value %s, got %s / %s", wantValue, res.ValueReceived, res.Order.TotalValue)
	}
	wantNew, _ := pricing.Price(state.Shares, "A", wantValue.Neg(), false)
	if !res.NewPrice.Equal(wantNew) {
		t.Errorf("expected new price %s, got %s", wantNew, res.NewPrice)
	}
	if !res.NewPrice.LessThan(current) {
		t.Errorf("selling should lower the price: %s -> %s", current, res.NewPrice)
	}
	if res.Order.Status != model.StatusPending || res.Order.Side != model.SideSell {
		t.Errorf("unexpected order: %+v", res.Order)
	}
}

// --- Status transitions ---

func TestFill_PendingToFilled(t *testing.T) {
	res, _ := NewEngine(decimal.Zero).Buy(buyReq("A", 10), twoCandidates(0, 0, 0, 0))
	filled, err := Fill(res.Order, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filled.Status != model.StatusFilled || filled.FilledAt == nil {
		t.Errorf("expected filled order with timestamp, got %+v", filled)
	}
	if !filled.TotalValue.Equal(res.Order.TotalValue) {
		t.Error("total value must not change on fill")
	}
}

func TestTransitions_TerminalStatesAreFinal(t *testing.T) {
	res, _ := NewEngine(decimal.Zero).Buy(buyReq("A", 10), twoCandidates(0, 0, 0, 0))

	filled, _ := Fill(res.Order, testNow)
	failed, _ := Fail(res.Order, "funds")
	cancelled, _ := Cancel(res.Order)

	if failed.Status != model.StatusFailed || failed.FailReason != "funds" {
		t.Errorf("unexpected failed order: %+v", failed)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("unexpected cancelled order: %+v", cancelled)
	}

	for _, o := range []model.TradeOrder{filled, failed, cancelled} {
		if _, err := Fill(o, testNow); !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("%s -> filled: expected ErrInvalidTransition, got %v", o.Status, err)
		}
		if _, err := Fail(o, "x"); !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("%s -> failed: expected ErrInvalidTransition, got %v", o.Status, err)
		}
		if _, err := Cancel(o); !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("%s -> cancelled: expected ErrInvalidTransition, got %v", o.Status, err)
		}
	}
}

// --- Candidate share updates ---

func TestApplyFillToCandidateShare_Buy(t *testing.T) {
	state := twoCandidates(0, 0, 0, 0)
	res, _ := NewEngine(decimal.Zero).Buy(buyReq("A", 100), state)
	filled, _ := Fill(res.Order, testNow)

	a, _ := state.Find("A")
	updated, err := ApplyFillToCandidateShare(a, filled, res.NewPrice, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.TotalShares.Equal(d(200)) || !updated.TotalInvested.Equal(d(100)) {
		t.Errorf("expected 200 shares / 100 invested, got %s / %s", updated.TotalShares, updated.TotalInvested)
	}
	if !updated.Price.Equal(d(0.95)) {
		t.Errorf("expected price 0.95, got %s", updated.Price)
	}
	if !updated.UpdatedAt.Equal(testNow) {
		t.Errorf("expected updated_at stamped, got %v", updated.UpdatedAt)
	}

	b, _ := state.Find("B")
	if !b.Price.Equal(d(0.5)) {
		t.Errorf("B should be untouched, got %s", b.Price)
	}
}

func TestApplyFillToCandidateShare_SellFloorsAtZero(t *testing.T) {
	cs := model.CandidateShare{PeriodID: testPeriod, CandidateID: "A", TotalShares: d(5), TotalInvested: d(3)}
	o := model.TradeOrder{
		ID: "o1", PeriodID: testPeriod, CandidateID: "A", Side: model.SideSell,
		Quantity: d(6), TotalValue: d(4), Status: model.StatusFilled,
	}
	updated, err := ApplyFillToCandidateShare(cs, o, d(0.5), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.TotalShares.IsZero() || !updated.TotalInvested.IsZero() {
		t.Errorf("expected floor at zero, got shares=%s invested=%s", updated.TotalShares, updated.TotalInvested)
	}
}

func TestApplyFillToCandidateShare_RequiresFilled(t *testing.T) {
	cs := model.CandidateShare{PeriodID: testPeriod, CandidateID: "A"}
	o := model.TradeOrder{PeriodID: testPeriod, CandidateID: "A", Side: model.SideBuy, Status: model.StatusPending}
	if _, err := ApplyFillToCandidateShare(cs, o, d(0.5), testNow); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyFillToCandidateShare_WrongCandidate(t *testing.T) {
	cs := model.CandidateShare{PeriodID: testPeriod, CandidateID: "B"}
	o := model.TradeOrder{PeriodID: testPeriod, CandidateID: "A", Side: model.SideBuy, Status: model.StatusFilled}
	if _, err := ApplyFillToCandidateShare(cs, o, d(0.5), testNow); !errors.Is(err, model.ErrCandidateNotFound) {
		t.Errorf("expected ErrCandidateNotFound, got %v", err)
	}
}
