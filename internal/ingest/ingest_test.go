package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/candidate"
	"github.com/kolmarket/market-engine/internal/leaderboard"
	"github.com/kolmarket/market-engine/internal/model"
)

const (
	walletA  = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	walletB  = "DRpbCBMxVnDK7maPM5tGv6MvB3v1sRMC86PZ8okm21hy"
	memeMint = "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm"
	ts       = int64(1710504000) // 2024-03-15T12:00:00Z
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testParser(t *testing.T) *Parser {
	t.Helper()
	r, err := candidate.NewRoster([]candidate.Candidate{
		{ID: "ansem", Wallet: walletA},
		{ID: "zeta", Wallet: walletB},
	})
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	return NewParser(r, nil)
}

func envelope(t *testing.T, program, sig string, data any) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Envelope{Program: program, Signature: sig, Timestamp: ts, Data: raw}
}

func TestNormalize_PumpFun(t *testing.T) {
	p := testParser(t)
	ev, err := p.Normalize(envelope(t, ProgramPumpFun, "sig1", map[string]any{
		"user": walletA, "mint": memeMint, "is_buy": true,
		"sol_amount": 1_500_000_000, "token_amount": 2_000_000,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.CandidateID != "ansem" || ev.Side != model.SideBuy || ev.TokenMint != memeMint {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !ev.SolAmount.Equal(d(1.5)) || !ev.TokenAmount.Equal(d(2)) {
		t.Errorf("expected 1.5 SOL / 2 tokens, got %s / %s", ev.SolAmount, ev.TokenAmount)
	}
	if !ev.At.Equal(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", ev.At)
	}
}

func TestNormalize_RaydiumSell(t *testing.T) {
	p := testParser(t)
	ev, err := p.Normalize(envelope(t, ProgramRaydiumAMM, "sig2", map[string]any{
		"owner": walletB, "mint_in": memeMint, "mint_out": WrappedSOLMint,
		"amount_in": 5_000_000, "amount_out": 250_000_000,
		"decimals_in": 6, "decimals_out": 9,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.CandidateID != "zeta" || ev.Side != model.SideSell || ev.TokenMint != memeMint {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !ev.SolAmount.Equal(d(0.25)) || !ev.TokenAmount.Equal(d(5)) {
		t.Errorf("expected 0.25 SOL / 5 tokens, got %s / %s", ev.SolAmount, ev.TokenAmount)
	}
}

func TestNormalize_JupiterBuy(t *testing.T) {
	p := testParser(t)
	ev, err := p.Normalize(envelope(t, ProgramJupiterV6, "sig3", map[string]any{
		"user": walletA, "input_mint": WrappedSOLMint, "output_mint": memeMint,
		"in_amount": "3000000000", "out_amount": "123456789012345678",
		"input_decimals": 9, "output_decimals": 6,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Side != model.SideBuy || !ev.SolAmount.Equal(d(3)) {
		t.Errorf("expected 3 SOL buy, got %s %s", ev.Side, ev.SolAmount)
	}
	want, _ := decimal.NewFromString("123456789012.345678")
	if !ev.TokenAmount.Equal(want) {
		t.Errorf("expected %s tokens, got %s", want, ev.TokenAmount)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	p := testParser(t)
	tests := []struct {
		name string
		env  Envelope
		want error
	}{
		{"unknown program", envelope(t, "orca_whirlpool", "s", map[string]any{}), ErrUnknownProgram},
		{"missing signature", envelope(t, ProgramPumpFun, "", map[string]any{"user": walletA, "mint": memeMint, "sol_amount": 1}), ErrMalformed},
		{"bad data", Envelope{Program: ProgramPumpFun, Signature: "s", Data: json.RawMessage(`"nope"`)}, ErrMalformed},
		{"unknown wallet", envelope(t, ProgramPumpFun, "s", map[string]any{"user": memeMint, "mint": memeMint, "sol_amount": 1}), model.ErrCandidateNotFound},
		{"token to token", envelope(t, ProgramRaydiumAMM, "s", map[string]any{"owner": walletA, "mint_in": memeMint, "mint_out": walletB}), ErrNotSOLPair},
		{"bad jupiter amount", envelope(t, ProgramJupiterV6, "s", map[string]any{"user": walletA, "in_amount": "x", "out_amount": "1"}), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Normalize(tt.env); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParse_SkipsBadItems(t *testing.T) {
	p := testParser(t)
	body, _ := json.Marshal(Batch{Trades: []Envelope{
		envelope(t, ProgramPumpFun, "ok", map[string]any{"user": walletA, "mint": memeMint, "is_buy": false, "sol_amount": 1_000_000_000}),
		envelope(t, "unknown", "skip1", map[string]any{}),
		envelope(t, ProgramPumpFun, "skip2", map[string]any{"user": memeMint, "mint": memeMint, "sol_amount": 1}),
	}})

	res, err := p.Parse(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Events) != 1 || res.Skipped != 2 {
		t.Errorf("expected 1 event / 2 skipped, got %d / %d", len(res.Events), res.Skipped)
	}
	if res.Events[0].Side != model.SideSell {
		t.Errorf("expected sell, got %s", res.Events[0].Side)
	}

	if _, err := p.Parse([]byte("not json")); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for invalid body, got %v", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev := model.TradeEvent{Signature: "s", CandidateID: "ansem", Side: model.SideBuy, SolAmount: d(1)}
	raw, _ := json.Marshal(ev)
	got, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CandidateID != "ansem" || !got.SolAmount.Equal(d(1)) {
		t.Errorf("unexpected event: %+v", got)
	}

	if _, err := DecodeEvent([]byte(`{"signature":"s"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for incomplete event, got %v", err)
	}
}

func TestBoardSink(t *testing.T) {
	board := leaderboard.NewMemoryBoard(0)
	at := time.Unix(ts, 0).UTC()
	err := BoardSink{Board: board}.Publish(context.Background(), []model.TradeEvent{
		{Signature: "a", CandidateID: "ansem", Side: model.SideSell, SolAmount: d(2), At: at},
		{Signature: "b", CandidateID: "ansem", Side: model.SideBuy, SolAmount: d(0.5), At: at},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	totals, _ := board.Totals(context.Background(), "period_1710460800000")
	if !totals["ansem"].PnL.Equal(d(1.5)) {
		t.Errorf("expected 1.5 SOL P&L, got %s", totals["ansem"].PnL)
	}
}
