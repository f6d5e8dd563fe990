// Package trade provides the HTTP handlers and business logic for the KOL
// market: quoting, buying and selling shares, portfolios, the KOL
// leaderboard, and trade ingestion.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/candidate"
	"github.com/kolmarket/market-engine/internal/fx"
	"github.com/kolmarket/market-engine/internal/ingest"
	"github.com/kolmarket/market-engine/internal/leaderboard"
	"github.com/kolmarket/market-engine/internal/ledger"
	"github.com/kolmarket/market-engine/internal/limits"
	"github.com/kolmarket/market-engine/internal/lock"
	"github.com/kolmarket/market-engine/internal/metrics"
	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/order"
	"github.com/kolmarket/market-engine/internal/period"
	"github.com/kolmarket/market-engine/internal/pricing"
	"github.com/kolmarket/market-engine/internal/store"
)

// Resolver settles a period on demand.
type Resolver interface {
	ResolvePeriod(ctx context.Context, periodID string) (model.MarketResolution, error)
}

// Deps are the collaborators of a Service. Store, Funds, Roster and Locker
// are required; the rest may be nil, which disables the matching endpoints
// or features.
type Deps struct {
	Store    store.Store
	Funds    store.Funds
	Roster   *candidate.Roster
	Locker   lock.Locker
	Engine   *order.Engine
	Limiter  *limits.StakeLimiter
	Board    leaderboard.Board
	Rates    fx.Provider
	Parser   *ingest.Parser
	Sink     ingest.Sink
	Resolver Resolver
	Hub      *WSHub
	Now      func() time.Time
	Logger   *slog.Logger
}

// Service runs orders against the current period's market. Writes to a
// period are serialized by the period lock; reads never take it.
type Service struct {
	store    store.Store
	funds    store.Funds
	roster   *candidate.Roster
	locker   lock.Locker
	engine   *order.Engine
	limiter  *limits.StakeLimiter
	board    leaderboard.Board
	rates    fx.Provider
	parser   *ingest.Parser
	sink     ingest.Sink
	resolver Resolver
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a new trade service.
func NewService(deps Deps) *Service {
	s := &Service{
		store:    deps.Store,
		funds:    deps.Funds,
		roster:   deps.Roster,
		locker:   deps.Locker,
		engine:   deps.Engine,
		limiter:  deps.Limiter,
		board:    deps.Board,
		rates:    deps.Rates,
		parser:   deps.Parser,
		sink:     deps.Sink,
		resolver: deps.Resolver,
		wsHub:    deps.Hub,
		now:      deps.Now,
		logger:   deps.Logger,
	}
	if s.engine == nil {
		s.engine = order.NewEngine(order.DefaultMinBet)
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.sink == nil && s.board != nil {
		s.sink = ingest.BoardSink{Board: s.board}
	}
	return s
}

// --- Markets ---

// freshShares returns base-price share records for every candidate.
func (s *Service) freshShares(periodID string, at time.Time) []model.CandidateShare {
	ids := s.roster.IDs()
	shares := make([]model.CandidateShare, len(ids))
	for i, id := range ids {
		shares[i] = model.CandidateShare{
			PeriodID:      periodID,
			CandidateID:   id,
			Price:         pricing.BasePrice,
			TotalShares:   decimal.Zero,
			TotalInvested: decimal.Zero,
			UpdatedAt:     at,
		}
	}
	return pricing.Reprice(model.MarketState{Shares: shares}).Shares
}

// withFlags re-evaluates the period's active/resolved flags at now.
func withFlags(st model.MarketState, now time.Time) model.MarketState {
	p := period.At(st.Period.Start, now)
	p.WinnerID = st.Period.WinnerID
	p.Volume = st.Period.Volume
	st.Period = p
	return st
}

// openMarket returns the current period's market, creating it on first use.
func (s *Service) openMarket(ctx context.Context, now time.Time) (model.MarketState, error) {
	p := period.Current(now)
	st, err := store.Fresh(s.store).GetMarket(ctx, p.ID)
	if errors.Is(err, model.ErrNotFound) {
		p.Volume = decimal.Zero
		st, err = s.store.OpenMarket(ctx, p, s.freshShares(p.ID, now))
		if err == nil {
			s.logger.Info("market opened", "period_id", p.ID, "candidates", s.roster.Len())
		}
	}
	if err != nil {
		return model.MarketState{}, err
	}
	return withFlags(st, now), nil
}

// CurrentMarket returns the current period's market without persisting it.
func (s *Service) CurrentMarket(ctx context.Context) (model.MarketState, error) {
	now := s.now()
	p := period.Current(now)
	st, err := s.store.GetMarket(ctx, p.ID)
	if errors.Is(err, model.ErrNotFound) {
		p.Volume = decimal.Zero
		return model.MarketState{Period: p, Shares: s.freshShares(p.ID, now)}, nil
	}
	if err != nil {
		return model.MarketState{}, err
	}
	return withFlags(st, now), nil
}

// Market returns the market of any period.
func (s *Service) Market(ctx context.Context, periodID string) (model.MarketState, error) {
	if _, err := period.ParseID(periodID); err != nil {
		return model.MarketState{}, fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	if periodID == period.Current(s.now()).ID {
		return s.CurrentMarket(ctx)
	}
	st, err := s.store.GetMarket(ctx, periodID)
	if err != nil {
		return model.MarketState{}, err
	}
	return withFlags(st, s.now()), nil
}

// Orders returns a period's order history.
func (s *Service) Orders(ctx context.Context, periodID string) ([]model.TradeOrder, error) {
	return s.store.ListOrders(ctx, periodID)
}

// Quote is a price preview that changes nothing.
type Quote struct {
	PeriodID     string          `json:"period_id"`
	CandidateID  string          `json:"candidate_id"`
	Side         model.Side      `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	NewPrice     decimal.Decimal `json:"new_price"`
	// Shares is what a buy of Amount pills receives; Value is what a sell of
	// Amount shares pays.
	Shares decimal.Decimal `json:"shares"`
	Value  decimal.Decimal `json:"value"`
}

// Quote previews a buy of amount pills or a sell of amount shares.
func (s *Service) Quote(ctx context.Context, candidateID string, side model.Side, amount decimal.Decimal) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, fmt.Errorf("%w: quote amount %s", model.ErrInvalidAmount, amount)
	}
	st, err := s.CurrentMarket(ctx)
	if err != nil {
		return Quote{}, err
	}

	isBuy := side == model.SideBuy
	current, err := pricing.Price(st.Shares, candidateID, decimal.Zero, isBuy)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{PeriodID: st.Period.ID, CandidateID: candidateID, Side: side, Amount: amount, CurrentPrice: current}

	if isBuy {
		q.Shares = amount.Div(current)
		q.NewPrice, err = pricing.Price(st.Shares, candidateID, amount, true)
	} else {
		q.Value = amount.Mul(current).Round(order.ValueScale)
		q.NewPrice, err = pricing.Price(st.Shares, candidateID, q.Value.Neg(), false)
	}
	return q, err
}

// --- Orders ---

// Buy spends amount pills on shares of candidateID in the current period.
func (s *Service) Buy(ctx context.Context, userID, candidateID string, amount decimal.Decimal) (*order.BuyResult, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.WithLabelValues(string(model.SideBuy)).Observe(time.Since(start).Seconds()) }()

	if _, err := s.roster.Get(candidateID); err != nil {
		return nil, err
	}
	now := s.now()
	pid := period.Current(now).ID

	unlock, err := s.locker.Lock(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.openMarket(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}

	positions, err := store.Fresh(s.store).ListUserPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if err := s.limiter.CheckLimit(candidateID, amount, store.StakesByCandidate(positions, pid)); err != nil {
		metrics.StakeLimitRejections.Inc()
		return nil, err
	}

	res, err := s.engine.Buy(order.BuyRequest{
		UserID: userID, PeriodID: pid, CandidateID: candidateID, Amount: amount, At: now,
	}, st)
	if err != nil {
		return nil, err
	}

	if err := s.funds.Debit(ctx, userID, amount); err != nil {
		s.recordFailure(ctx, res.Order, err)
		return nil, err
	}

	filled, newState, pos, err := s.applyFill(ctx, st, res.Order, res.NewPrice, now)
	if err == nil {
		err = s.store.CommitFill(ctx, store.Fill{Order: filled, Shares: newState.Shares, Position: pos})
	}
	if err != nil {
		if cerr := s.funds.Credit(ctx, userID, amount); cerr != nil {
			s.logger.Error("refund after failed buy", "user", userID, "amount", amount.String(), "err", cerr)
		}
		s.recordFailure(ctx, res.Order, err)
		return nil, err
	}

	res.Order = filled
	s.afterFill(filled, res.NewPrice, newState)
	s.logger.Info("buy filled",
		"order_id", filled.ID,
		"user", userID,
		"period_id", pid,
		"candidate", candidateID,
		"amount", amount.String(),
		"shares", filled.Quantity.String(),
		"price", filled.Price.String(),
		"new_price", res.NewPrice.String(),
	)
	return res, nil
}

// Sell sells shares of candidateID back to the current period's market.
func (s *Service) Sell(ctx context.Context, userID, candidateID string, shares decimal.Decimal) (*order.SellResult, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.WithLabelValues(string(model.SideSell)).Observe(time.Since(start).Seconds()) }()

	if _, err := s.roster.Get(candidateID); err != nil {
		return nil, err
	}
	now := s.now()
	pid := period.Current(now).ID

	unlock, err := s.locker.Lock(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.openMarket(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	existing, err := store.Fresh(s.store).GetPosition(ctx, userID, pid, candidateID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	res, err := s.engine.Sell(order.SellRequest{
		UserID: userID, PeriodID: pid, CandidateID: candidateID, Shares: shares, At: now,
	}, st, existing)
	if err != nil {
		return nil, err
	}

	// A failed credit leaves nothing committed; a failed commit takes the
	// credit back.
	if err := s.funds.Credit(ctx, userID, res.ValueReceived); err != nil {
		s.recordFailure(ctx, res.Order, err)
		return nil, fmt.Errorf("credit sale: %w", err)
	}

	filled, newState, pos, err := s.applyFill(ctx, st, res.Order, res.NewPrice, now)
	if err == nil {
		err = s.store.CommitFill(ctx, store.Fill{Order: filled, Shares: newState.Shares, Position: pos})
	}
	if err != nil {
		if res.ValueReceived.IsPositive() {
			if derr := s.funds.Debit(ctx, userID, res.ValueReceived); derr != nil {
				s.logger.Error("reverse credit after failed sell", "user", userID, "amount", res.ValueReceived.String(), "err", derr)
			}
		}
		s.recordFailure(ctx, res.Order, err)
		return nil, err
	}

	res.Order = filled
	s.afterFill(filled, res.NewPrice, newState)
	s.logger.Info("sell filled",
		"order_id", filled.ID,
		"user", userID,
		"period_id", pid,
		"candidate", candidateID,
		"shares", shares.String(),
		"value", res.ValueReceived.String(),
		"new_price", res.NewPrice.String(),
	)
	return res, nil
}

// applyFill marks o filled and derives the new market state and position.
func (s *Service) applyFill(ctx context.Context, st model.MarketState, o model.TradeOrder, newPrice decimal.Decimal, now time.Time) (model.TradeOrder, model.MarketState, model.UserPosition, error) {
	filled, err := order.Fill(o, now)
	if err != nil {
		return o, st, model.UserPosition{}, err
	}
	cs, ok := st.Find(o.CandidateID)
	if !ok {
		return o, st, model.UserPosition{}, fmt.Errorf("%w: %s", model.ErrCandidateNotFound, o.CandidateID)
	}
	updated, err := order.ApplyFillToCandidateShare(cs, filled, newPrice, now)
	if err != nil {
		return o, st, model.UserPosition{}, err
	}
	next := pricing.Reprice(st.WithShare(updated))

	existing, err := store.Fresh(s.store).GetPosition(ctx, o.UserID, o.PeriodID, o.CandidateID)
	if err != nil {
		return o, st, model.UserPosition{}, err
	}
	pos, err := ledger.ApplyFill(existing, filled)
	if err != nil {
		return o, st, model.UserPosition{}, err
	}
	return filled, next, pos, nil
}

func (s *Service) recordFailure(ctx context.Context, o model.TradeOrder, cause error) {
	failed, err := order.Fail(o, cause.Error())
	if err != nil {
		return
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(model.StatusFailed)).Inc()
	if err := s.store.InsertOrder(ctx, failed); err != nil {
		s.logger.Warn("record failed order", "order_id", o.ID, "err", err)
	}
}

func (s *Service) afterFill(o model.TradeOrder, newPrice decimal.Decimal, st model.MarketState) {
	side := string(o.Side)
	metrics.OrdersTotal.WithLabelValues(side, string(model.StatusFilled)).Inc()
	metrics.PeriodVolume.WithLabelValues(o.PeriodID, side).Add(o.TotalValue.InexactFloat64())
	metrics.CandidatePrice.WithLabelValues(o.CandidateID).Set(newPrice.InexactFloat64())
	if s.wsHub != nil {
		s.wsHub.BroadcastFill(o, newPrice, st)
	}
}

// --- Portfolio ---

// Portfolio returns a user's positions marked at each period's current price.
func (s *Service) Portfolio(ctx context.Context, userID string) (model.Portfolio, error) {
	positions, err := s.store.ListUserPositions(ctx, userID)
	if err != nil {
		return model.Portfolio{}, fmt.Errorf("load positions: %w", err)
	}

	prices := make(map[string]model.MarketState)
	for i, p := range positions {
		st, ok := prices[p.PeriodID]
		if !ok {
			st, err = s.store.GetMarket(ctx, p.PeriodID)
			if err != nil {
				return model.Portfolio{}, fmt.Errorf("load market %s: %w", p.PeriodID, err)
			}
			prices[p.PeriodID] = st
		}
		if cs, ok := st.Find(p.CandidateID); ok {
			positions[i] = ledger.MarkToMarket(p, cs.Price)
		}
	}

	balance, err := s.funds.Balance(ctx, userID)
	if err != nil {
		return model.Portfolio{}, fmt.Errorf("load balance: %w", err)
	}
	return ledger.Summarize(userID, balance, positions), nil
}

// --- Leaderboard and ingestion ---

var errDisabled = errors.New("trade: feature not configured")

// Leaderboard ranks KOLs for a period; empty periodID means the current one.
func (s *Service) Leaderboard(ctx context.Context, periodID string) (string, []model.RankEntry, error) {
	if s.board == nil || s.rates == nil {
		return "", nil, errDisabled
	}
	if periodID == "" {
		periodID = period.Current(s.now()).ID
	} else if _, err := period.ParseID(periodID); err != nil {
		return "", nil, fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	ranking, err := leaderboard.Ranking(ctx, s.board, s.rates, periodID)
	return periodID, ranking, err
}

// IngestResult summarizes a webhook delivery.
type IngestResult struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

// Ingest parses a trade webhook body and forwards the events.
func (s *Service) Ingest(ctx context.Context, body []byte) (IngestResult, error) {
	if s.parser == nil || s.sink == nil {
		return IngestResult{}, errDisabled
	}
	res, err := s.parser.Parse(body)
	if err != nil {
		return IngestResult{}, err
	}
	if err := s.sink.Publish(ctx, res.Events); err != nil {
		return IngestResult{}, fmt.Errorf("publish trade events: %w", err)
	}
	for _, ev := range res.Events {
		metrics.TradeEventsTotal.WithLabelValues(ev.Program, "accepted").Inc()
	}
	if res.Skipped > 0 {
		metrics.TradeEventsTotal.WithLabelValues("unknown", "skipped").Add(float64(res.Skipped))
	}
	return IngestResult{Accepted: len(res.Events), Skipped: res.Skipped}, nil
}

// Resolve settles a period through the configured resolver.
func (s *Service) Resolve(ctx context.Context, periodID string) (model.MarketResolution, error) {
	if s.resolver == nil {
		return model.MarketResolution{}, errDisabled
	}
	return s.resolver.ResolvePeriod(ctx, periodID)
}
