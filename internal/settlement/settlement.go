// Package settlement resolves ended periods and pays out winning holders.
//
// A Settler runs on a cron schedule and can also be invoked for a single
// period. Each period is settled at most once: the period lock serializes
// concurrent attempts and the store rejects a second resolution record.
//
// Payouts are stored with the resolution and credited afterwards. Every run
// retries payouts still marked unpaid, so a failed credit or a crash after
// the resolution is written does not strand the winners.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/fx"
	"github.com/kolmarket/market-engine/internal/leaderboard"
	"github.com/kolmarket/market-engine/internal/lock"
	"github.com/kolmarket/market-engine/internal/metrics"
	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/period"
	"github.com/kolmarket/market-engine/internal/resolution"
	"github.com/kolmarket/market-engine/internal/store"
)

// DefaultSchedule checks for ended periods once a minute.
const DefaultSchedule = "@every 1m"

// Notifier is told about every new resolution.
type Notifier interface {
	BroadcastResolution(res model.MarketResolution)
}

// Deps are the collaborators of a Settler. Notifier is optional.
type Deps struct {
	Store    store.Store
	Funds    store.Funds
	Board    leaderboard.Board
	Rates    fx.Provider
	Locker   lock.Locker
	Notifier Notifier
	HouseFee decimal.Decimal
	Schedule string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Settler resolves periods.
type Settler struct {
	store    store.Store
	funds    store.Funds
	board    leaderboard.Board
	rates    fx.Provider
	locker   lock.Locker
	notifier Notifier
	houseFee decimal.Decimal
	schedule string
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Settler.
func New(deps Deps) *Settler {
	s := &Settler{
		store:    deps.Store,
		funds:    deps.Funds,
		board:    deps.Board,
		rates:    deps.Rates,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		houseFee: deps.HouseFee,
		schedule: deps.Schedule,
		now:      deps.Now,
		logger:   deps.Logger,
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker()
	}
	if s.schedule == "" {
		s.schedule = DefaultSchedule
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// ResolvePeriod settles one ended period: the top-ranked KOL wins, the
// resolution is persisted, and winning holders are credited.
func (s *Settler) ResolvePeriod(ctx context.Context, periodID string) (model.MarketResolution, error) {
	now := s.now()
	p, err := period.ForID(periodID, now)
	if err != nil {
		return model.MarketResolution{}, fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	if !p.Resolved {
		return model.MarketResolution{}, fmt.Errorf("%w: %s ends at %s", model.ErrPeriodOpen, p.ID, p.End.Format(time.RFC3339))
	}

	unlock, err := s.locker.Lock(ctx, p.ID)
	if err != nil {
		return model.MarketResolution{}, err
	}
	defer unlock()

	fresh := store.Fresh(s.store)
	if _, err := fresh.GetResolution(ctx, p.ID); err == nil {
		return model.MarketResolution{}, fmt.Errorf("%w: %s", model.ErrAlreadyResolved, p.ID)
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.MarketResolution{}, fmt.Errorf("load resolution: %w", err)
	}

	st, err := fresh.GetMarket(ctx, p.ID)
	if err != nil {
		return model.MarketResolution{}, fmt.Errorf("load market: %w", err)
	}

	ranking, err := leaderboard.Ranking(ctx, s.board, s.rates, p.ID)
	if err != nil {
		return model.MarketResolution{}, fmt.Errorf("rank period: %w", err)
	}
	winner, ok := resolution.Winner(ranking)
	if !ok {
		return model.MarketResolution{}, fmt.Errorf("%w: %s", model.ErrNoRanking, p.ID)
	}

	res, err := resolution.Resolve(resolution.Input{
		PeriodID: p.ID,
		WinnerID: winner,
		Shares:   st.Shares,
		Ranking:  ranking,
		HouseFee: s.houseFee,
		At:       now,
	})
	if err != nil {
		return model.MarketResolution{}, err
	}

	positions, err := fresh.ListPeriodPositions(ctx, p.ID)
	if err != nil {
		return model.MarketResolution{}, fmt.Errorf("load positions: %w", err)
	}
	payouts := owed(resolution.Payouts(res, positions))
	if err := s.store.InsertResolution(ctx, res, payouts); err != nil {
		return model.MarketResolution{}, err
	}
	paid := s.pay(ctx, payouts)

	metrics.ResolutionsTotal.WithLabelValues("resolved").Inc()
	if s.notifier != nil {
		s.notifier.BroadcastResolution(res)
	}
	s.logger.Info("period resolved",
		"period_id", p.ID,
		"winner", res.WinnerID,
		"prize_pool", res.PrizePool.String(),
		"payout_per_share", res.PayoutPerShare.String(),
		"paid", paid.String(),
	)
	return res, nil
}

// owed drops zero payouts; nothing is stored for them.
func owed(payouts []model.Payout) []model.Payout {
	out := payouts[:0]
	for _, po := range payouts {
		if po.Amount.IsPositive() {
			out = append(out, po)
		}
	}
	return out
}

// pay claims each payout and credits it. A payout whose credit fails is
// released for the next run. It returns the total credited.
func (s *Settler) pay(ctx context.Context, payouts []model.Payout) decimal.Decimal {
	paid := decimal.Zero
	for _, po := range payouts {
		claimed, err := s.store.SetPayoutPaid(ctx, po.PeriodID, po.UserID, true)
		if err != nil {
			s.logger.Error("claim payout", "period_id", po.PeriodID, "user", po.UserID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		if err := s.funds.Credit(ctx, po.UserID, po.Amount); err != nil {
			s.logger.Error("payout credit failed", "period_id", po.PeriodID, "user", po.UserID, "amount", po.Amount.String(), "err", err)
			if _, rerr := s.store.SetPayoutPaid(ctx, po.PeriodID, po.UserID, false); rerr != nil {
				s.logger.Error("release payout", "period_id", po.PeriodID, "user", po.UserID, "err", rerr)
			}
			continue
		}
		paid = paid.Add(po.Amount)
	}
	metrics.PayoutsTotal.Add(paid.InexactFloat64())
	return paid
}

// PayPending credits payouts left unpaid by an earlier run and returns the
// total credited.
func (s *Settler) PayPending(ctx context.Context) (decimal.Decimal, error) {
	pending, err := s.store.ListUnpaidPayouts(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list unpaid payouts: %w", err)
	}
	if len(pending) == 0 {
		return decimal.Zero, nil
	}
	paid := s.pay(ctx, pending)
	s.logger.Info("pending payouts credited", "count", len(pending), "paid", paid.String())
	return paid, nil
}

// RunOnce credits pending payouts, then resolves every ended, unresolved
// period with a market. Periods with no KOL trades yet are left for a later
// run. It returns how many periods were resolved.
func (s *Settler) RunOnce(ctx context.Context) (int, error) {
	if _, err := s.PayPending(ctx); err != nil {
		s.logger.Error("pending payouts", "err", err)
	}

	pending, err := s.store.ListUnresolved(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list unresolved: %w", err)
	}

	resolved := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		_, err := s.ResolvePeriod(ctx, p.ID)
		switch {
		case err == nil:
			resolved++
		case errors.Is(err, model.ErrAlreadyResolved):
		case errors.Is(err, model.ErrNoRanking):
			metrics.ResolutionsTotal.WithLabelValues("no_ranking").Inc()
			s.logger.Debug("period has no ranking yet", "period_id", p.ID)
		default:
			metrics.ResolutionsTotal.WithLabelValues("error").Inc()
			s.logger.Error("resolve period", "period_id", p.ID, "err", err)
		}
	}
	return resolved, nil
}

// Run schedules RunOnce until ctx is done. Overlapping runs are skipped.
func (s *Settler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("settlement run", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("settlement schedule %q: %w", s.schedule, err)
	}

	c.Start()
	s.logger.Info("settlement started", "schedule", s.schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("settlement stopped")
	return nil
}
