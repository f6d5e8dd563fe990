// Package leaderboard scores KOL trading performance per period and ranks
// candidates by it. The rank-1 candidate wins the period's market.
//
// P&L is realized cash flow in SOL: sells add the SOL received, buys
// subtract the SOL spent. Volume is the sum of SOL moved in either direction.
package leaderboard

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/fx"
	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/period"
)

// SOLScale is the precision of SOL amounts (lamports).
var SOLScale int32 = 9

// Totals is a candidate's performance in SOL.
type Totals struct {
	PnL    decimal.Decimal `json:"pnl_sol"`
	Volume decimal.Decimal `json:"volume_sol"`
	Trades int64           `json:"trades"`
}

// Add folds one trade into the totals.
func (t Totals) Add(ev model.TradeEvent) Totals {
	amount := ev.SolAmount.Abs()
	switch ev.Side {
	case model.SideSell:
		t.PnL = t.PnL.Add(amount)
	case model.SideBuy:
		t.PnL = t.PnL.Sub(amount)
	default:
		return t
	}
	t.Volume = t.Volume.Add(amount)
	t.Trades++
	return t
}

// Aggregate totals events per candidate. Events without a candidate are skipped.
// Duplicate signatures count once.
func Aggregate(events []model.TradeEvent) map[string]Totals {
	out := make(map[string]Totals)
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.CandidateID == "" {
			continue
		}
		if ev.Signature != "" {
			if seen[ev.Signature] {
				continue
			}
			seen[ev.Signature] = true
		}
		out[ev.CandidateID] = out[ev.CandidateID].Add(ev)
	}
	return out
}

// Rank converts totals to USD at rate and orders them: P&L descending, then
// volume descending, then candidate id ascending. Ranks start at 1.
func Rank(totals map[string]Totals, rate decimal.Decimal) []model.RankEntry {
	entries := make([]model.RankEntry, 0, len(totals))
	for id, t := range totals {
		entries = append(entries, model.RankEntry{
			CandidateID: id,
			Performance: model.Performance{
				PnLUSD:    fx.Convert(t.PnL, rate),
				VolumeUSD: fx.Convert(t.Volume, rate),
				Trades:    t.Trades,
			},
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Performance, entries[j].Performance
		if c := a.PnLUSD.Cmp(b.PnLUSD); c != 0 {
			return c > 0
		}
		if c := a.VolumeUSD.Cmp(b.VolumeUSD); c != 0 {
			return c > 0
		}
		return entries[i].CandidateID < entries[j].CandidateID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// Board accumulates trade events per period.
type Board interface {
	// Record adds ev to the period containing ev.At. It reports false when
	// the signature was already recorded.
	Record(ctx context.Context, ev model.TradeEvent) (bool, error)

	// Totals returns per-candidate totals for a period.
	Totals(ctx context.Context, periodID string) (map[string]Totals, error)
}

// Ranking reads a board and ranks the period at the current FX rate.
func Ranking(ctx context.Context, b Board, rates fx.Provider, periodID string) ([]model.RankEntry, error) {
	totals, err := b.Totals(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if len(totals) == 0 {
		return []model.RankEntry{}, nil
	}
	rate, err := rates.SOLUSD(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(totals, rate), nil
}

func periodOf(ev model.TradeEvent) string {
	return period.Current(ev.At).ID
}
