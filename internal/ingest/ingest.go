// Package ingest turns DEX swap webhooks into normalized KOL trade events.
//
// Each webhook item is tagged with the program that executed the swap. Every
// supported program has its own payload type and normalizer; items from
// other programs, or from wallets outside the roster, are dropped.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/candidate"
	"github.com/kolmarket/market-engine/internal/model"
)

// Program tags accepted in a webhook item.
const (
	ProgramPumpFun    = "pump_fun"
	ProgramRaydiumAMM = "raydium_amm"
	ProgramJupiterV6  = "jupiter_v6"
)

// WrappedSOLMint is the SPL mint for wrapped SOL.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// SOLDecimals is the number of decimals of one lamport.
const SOLDecimals = 9

var (
	ErrMalformed      = errors.New("ingest: malformed payload")
	ErrUnknownProgram = errors.New("ingest: unknown program")
	ErrNotSOLPair     = errors.New("ingest: swap does not involve SOL")
)

// Batch is the webhook body.
type Batch struct {
	Trades []Envelope `json:"trades"`
}

// Envelope is one tagged webhook item. Data is decoded according to Program.
type Envelope struct {
	Program   string          `json:"program"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// swap is what every program variant normalizes to before roster lookup.
type swap struct {
	Wallet      string
	Side        model.Side
	TokenMint   string
	SolAmount   decimal.Decimal
	TokenAmount decimal.Decimal
}

type normalizer func(json.RawMessage) (swap, error)

var normalizers = map[string]normalizer{
	ProgramPumpFun:    normalizePumpFun,
	ProgramRaydiumAMM: normalizeRaydium,
	ProgramJupiterV6:  normalizeJupiter,
}

// Result is the outcome of parsing one batch.
type Result struct {
	Events  []model.TradeEvent
	Skipped int
}

// Parser resolves swaps to candidates through the roster.
type Parser struct {
	roster *candidate.Roster
	logger *slog.Logger
}

func NewParser(roster *candidate.Roster, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{roster: roster, logger: logger}
}

// Parse decodes a webhook body. Only a body that is not a batch fails;
// individual bad items are logged and counted as skipped.
func (p *Parser) Parse(payload []byte) (Result, error) {
	var b Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	res := Result{Events: make([]model.TradeEvent, 0, len(b.Trades))}
	for _, env := range b.Trades {
		ev, err := p.Normalize(env)
		if err != nil {
			res.Skipped++
			p.logger.Debug("skipping webhook item", "signature", env.Signature, "program", env.Program, "reason", err)
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

// Normalize converts a single envelope into a trade event attributed to a
// candidate.
func (p *Parser) Normalize(env Envelope) (model.TradeEvent, error) {
	norm, ok := normalizers[env.Program]
	if !ok {
		return model.TradeEvent{}, fmt.Errorf("%w: %q", ErrUnknownProgram, env.Program)
	}
	if env.Signature == "" {
		return model.TradeEvent{}, fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	s, err := norm(env.Data)
	if err != nil {
		return model.TradeEvent{}, err
	}
	c, ok := p.roster.ByWallet(s.Wallet)
	if !ok {
		return model.TradeEvent{}, fmt.Errorf("%w: wallet %s", model.ErrCandidateNotFound, s.Wallet)
	}
	return model.TradeEvent{
		Signature:   env.Signature,
		CandidateID: c.ID,
		Wallet:      s.Wallet,
		Program:     env.Program,
		Side:        s.Side,
		TokenMint:   s.TokenMint,
		SolAmount:   s.SolAmount,
		TokenAmount: s.TokenAmount,
		At:          time.Unix(env.Timestamp, 0).UTC(),
	}, nil
}

// fromBaseUnits scales an integer amount of base units down by decimals.
func fromBaseUnits(v uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals)
}
