package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

// pumpFunTrade is a bonding-curve trade. Amounts are in base units; pump.fun
// tokens always have 6 decimals.
type pumpFunTrade struct {
	User        string `json:"user"`
	Mint        string `json:"mint"`
	IsBuy       bool   `json:"is_buy"`
	SolAmount   uint64 `json:"sol_amount"`
	TokenAmount uint64 `json:"token_amount"`
}

const pumpFunDecimals = 6

func normalizePumpFun(raw json.RawMessage) (swap, error) {
	var t pumpFunTrade
	if err := json.Unmarshal(raw, &t); err != nil {
		return swap{}, fmt.Errorf("%w: pump_fun: %v", ErrMalformed, err)
	}
	if t.User == "" || t.Mint == "" || t.SolAmount == 0 {
		return swap{}, fmt.Errorf("%w: pump_fun: missing fields", ErrMalformed)
	}
	side := model.SideSell
	if t.IsBuy {
		side = model.SideBuy
	}
	return swap{
		Wallet:      t.User,
		Side:        side,
		TokenMint:   t.Mint,
		SolAmount:   fromBaseUnits(t.SolAmount, SOLDecimals),
		TokenAmount: fromBaseUnits(t.TokenAmount, pumpFunDecimals),
	}, nil
}

// raydiumSwap is an AMM v4 swap as seen by the owner.
type raydiumSwap struct {
	Owner       string `json:"owner"`
	MintIn      string `json:"mint_in"`
	MintOut     string `json:"mint_out"`
	AmountIn    uint64 `json:"amount_in"`
	AmountOut   uint64 `json:"amount_out"`
	DecimalsIn  int32  `json:"decimals_in"`
	DecimalsOut int32  `json:"decimals_out"`
}

func normalizeRaydium(raw json.RawMessage) (swap, error) {
	var s raydiumSwap
	if err := json.Unmarshal(raw, &s); err != nil {
		return swap{}, fmt.Errorf("%w: raydium_amm: %v", ErrMalformed, err)
	}
	if s.Owner == "" {
		return swap{}, fmt.Errorf("%w: raydium_amm: missing owner", ErrMalformed)
	}
	return solLeg(s.Owner,
		s.MintIn, fromBaseUnits(s.AmountIn, s.DecimalsIn),
		s.MintOut, fromBaseUnits(s.AmountOut, s.DecimalsOut),
	)
}

// jupiterSwap is a v6 aggregator route. Amounts are decimal strings in base
// units since they can exceed 2^53.
type jupiterSwap struct {
	User           string `json:"user"`
	InputMint      string `json:"input_mint"`
	OutputMint     string `json:"output_mint"`
	InAmount       string `json:"in_amount"`
	OutAmount      string `json:"out_amount"`
	InputDecimals  int32  `json:"input_decimals"`
	OutputDecimals int32  `json:"output_decimals"`
}

func normalizeJupiter(raw json.RawMessage) (swap, error) {
	var s jupiterSwap
	if err := json.Unmarshal(raw, &s); err != nil {
		return swap{}, fmt.Errorf("%w: jupiter_v6: %v", ErrMalformed, err)
	}
	if s.User == "" {
		return swap{}, fmt.Errorf("%w: jupiter_v6: missing user", ErrMalformed)
	}
	in, err := decimal.NewFromString(s.InAmount)
	if err != nil {
		return swap{}, fmt.Errorf("%w: jupiter_v6: in_amount: %v", ErrMalformed, err)
	}
	out, err := decimal.NewFromString(s.OutAmount)
	if err != nil {
		return swap{}, fmt.Errorf("%w: jupiter_v6: out_amount: %v", ErrMalformed, err)
	}
	return solLeg(s.User,
		s.InputMint, in.Shift(-s.InputDecimals),
		s.OutputMint, out.Shift(-s.OutputDecimals),
	)
}

// solLeg classifies a two-mint swap: paying SOL is a buy of the other mint,
// receiving SOL is a sell.
func solLeg(wallet, mintIn string, amountIn decimal.Decimal, mintOut string, amountOut decimal.Decimal) (swap, error) {
	switch {
	case mintIn == WrappedSOLMint && mintOut != WrappedSOLMint:
		return swap{Wallet: wallet, Side: model.SideBuy, TokenMint: mintOut, SolAmount: amountIn, TokenAmount: amountOut}, nil
	case mintOut == WrappedSOLMint && mintIn != WrappedSOLMint:
		return swap{Wallet: wallet, Side: model.SideSell, TokenMint: mintIn, SolAmount: amountOut, TokenAmount: amountIn}, nil
	default:
		return swap{}, fmt.Errorf("%w: %s -> %s", ErrNotSOLPair, mintIn, mintOut)
	}
}
