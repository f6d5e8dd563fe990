package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies embedded migrations in lexicographic order, recording each
// in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// --- Markets ---

func (s *PostgresStore) OpenMarket(ctx context.Context, p model.MarketPeriod, shares []model.CandidateShare) (model.MarketState, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO market_periods (id, epoch, start_at, end_at, volume)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC)
			 ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Epoch, p.Start, p.End, p.Volume.String(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return upsertShares(ctx, tx, shares)
	})
	if err != nil {
		return model.MarketState{}, fmt.Errorf("open market %s: %w", p.ID, err)
	}
	return s.GetMarket(ctx, p.ID)
}

func (s *PostgresStore) GetMarket(ctx context.Context, periodID string) (model.MarketState, error) {
	var st model.MarketState
	row := s.pool.QueryRow(ctx,
		`SELECT id, epoch, start_at, end_at, winner_id, volume::TEXT
		 FROM market_periods WHERE id = $1`, periodID)
	p, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("%w: market %s", model.ErrNotFound, periodID)
	}
	if err != nil {
		return st, fmt.Errorf("get market %s: %w", periodID, err)
	}
	st.Period = p

	rows, err := s.pool.Query(ctx,
		`SELECT period_id, candidate_id, price::TEXT, total_shares::TEXT,
		        total_invested::TEXT, probability::TEXT, updated_at
		 FROM candidate_shares WHERE period_id = $1 ORDER BY candidate_id`, periodID)
	if err != nil {
		return st, fmt.Errorf("get shares %s: %w", periodID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cs model.CandidateShare
		var price, total, invested, prob string
		if err := rows.Scan(&cs.PeriodID, &cs.CandidateID, &price, &total, &invested, &prob, &cs.UpdatedAt); err != nil {
			return st, err
		}
		cs.Price, _ = decimal.NewFromString(price)
		cs.TotalShares, _ = decimal.NewFromString(total)
		cs.TotalInvested, _ = decimal.NewFromString(invested)
		cs.Probability, _ = decimal.NewFromString(prob)
		st.Shares = append(st.Shares, cs)
	}
	return st, rows.Err()
}

func (s *PostgresStore) ListUnresolved(ctx context.Context, t time.Time) ([]model.MarketPeriod, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.epoch, p.start_at, p.end_at, p.winner_id, p.volume::TEXT
		 FROM market_periods p
		 LEFT JOIN market_resolutions r ON r.period_id = p.id
		 WHERE r.period_id IS NULL AND p.end_at <= $1
		 ORDER BY p.start_at`, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarketPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Orders and positions ---

func (s *PostgresStore) CommitFill(ctx context.Context, f Fill) error {
	o := f.Order
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var resolved bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM market_resolutions WHERE period_id = $1)`, o.PeriodID,
		).Scan(&resolved)
		if err != nil {
			return err
		}
		if resolved {
			return fmt.Errorf("%w: %s", model.ErrAlreadyResolved, o.PeriodID)
		}

		if err := insertOrder(ctx, tx, o); err != nil {
			return err
		}
		if err := upsertShares(ctx, tx, f.Shares); err != nil {
			return err
		}
		if err := upsertPosition(ctx, tx, f.Position); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE market_periods SET volume = volume + $2::NUMERIC WHERE id = $1`,
			o.PeriodID, o.TotalValue.String(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: market %s", model.ErrNotFound, o.PeriodID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit fill %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o model.TradeOrder) error {
	return insertOrder(ctx, s.pool, o)
}

func (s *PostgresStore) ListOrders(ctx context.Context, periodID string) ([]model.TradeOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, period_id, candidate_id, side,
		        quantity::TEXT, price::TEXT, total_value::TEXT,
		        status, fail_reason, created_at, filled_at
		 FROM trade_orders WHERE period_id = $1 ORDER BY created_at`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.TradeOrder{}
	for rows.Next() {
		var o model.TradeOrder
		var qty, price, total string
		if err := rows.Scan(&o.ID, &o.UserID, &o.PeriodID, &o.CandidateID, &o.Side,
			&qty, &price, &total, &o.Status, &o.FailReason, &o.CreatedAt, &o.FilledAt); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qty)
		o.Price, _ = decimal.NewFromString(price)
		o.TotalValue, _ = decimal.NewFromString(total)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

const positionColumns = `user_id, period_id, candidate_id, shares::TEXT, average_price::TEXT,
	total_invested::TEXT, current_value::TEXT, unrealized_pnl::TEXT, last_trade_at`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, periodID, candidateID string) (*model.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM user_positions
		 WHERE user_id = $1 AND period_id = $2 AND candidate_id = $3`,
		userID, periodID, candidateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil || len(positions) == 0 {
		return nil, err
	}
	return &positions[0], nil
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM user_positions
		 WHERE user_id = $1 ORDER BY period_id, candidate_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPeriodPositions(ctx context.Context, periodID string) ([]model.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM user_positions
		 WHERE period_id = $1 ORDER BY user_id, candidate_id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// --- Resolutions ---

func (s *PostgresStore) InsertResolution(ctx context.Context, r model.MarketResolution, payouts []model.Payout) error {
	ranking, err := json.Marshal(r.Ranking)
	if err != nil {
		return fmt.Errorf("marshal ranking: %w", err)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO market_resolutions
			   (period_id, winner_id, ranking, payout_per_share, total_winning_shares, prize_pool, house_fee, resolved_at)
			 VALUES ($1, $2, $3::JSONB, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
			 ON CONFLICT (period_id) DO NOTHING`,
			r.PeriodID, r.WinnerID, string(ranking),
			r.PayoutPerShare.String(), r.TotalWinningShares.String(),
			r.PrizePool.String(), r.HouseFee.String(), r.ResolvedAt,
		)
		if err != nil {
			return fmt.Errorf("insert resolution %s: %w", r.PeriodID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", model.ErrAlreadyResolved, r.PeriodID)
		}
		if _, err := tx.Exec(ctx, `UPDATE market_periods SET winner_id = $2 WHERE id = $1`, r.PeriodID, r.WinnerID); err != nil {
			return fmt.Errorf("set winner %s: %w", r.PeriodID, err)
		}

		batch := &pgx.Batch{}
		for _, po := range payouts {
			batch.Queue(
				`INSERT INTO payouts (period_id, user_id, shares, amount)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)`,
				r.PeriodID, po.UserID, po.Shares.String(), po.Amount.String(),
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert payouts %s: %w", r.PeriodID, err)
		}
		return nil
	})
}

func (s *PostgresStore) GetResolution(ctx context.Context, periodID string) (model.MarketResolution, error) {
	var r model.MarketResolution
	var ranking []byte
	var pps, winning, pool, fee string

	err := s.pool.QueryRow(ctx,
		`SELECT period_id, winner_id, ranking, payout_per_share::TEXT,
		        total_winning_shares::TEXT, prize_pool::TEXT, house_fee::TEXT, resolved_at
		 FROM market_resolutions WHERE period_id = $1`, periodID).
		Scan(&r.PeriodID, &r.WinnerID, &ranking, &pps, &winning, &pool, &fee, &r.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("%w: resolution %s", model.ErrNotFound, periodID)
	}
	if err != nil {
		return r, fmt.Errorf("get resolution %s: %w", periodID, err)
	}
	if err := json.Unmarshal(ranking, &r.Ranking); err != nil {
		return r, fmt.Errorf("decode ranking %s: %w", periodID, err)
	}
	r.PayoutPerShare, _ = decimal.NewFromString(pps)
	r.TotalWinningShares, _ = decimal.NewFromString(winning)
	r.PrizePool, _ = decimal.NewFromString(pool)
	r.HouseFee, _ = decimal.NewFromString(fee)
	return r, nil
}

// --- Payouts ---

func (s *PostgresStore) ListUnpaidPayouts(ctx context.Context) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT po.period_id, po.user_id, po.shares::TEXT, po.amount::TEXT
		 FROM payouts po JOIN market_periods p ON p.id = po.period_id
		 WHERE NOT po.paid
		 ORDER BY p.start_at, po.user_id`)
	if err != nil {
		return nil, fmt.Errorf("list unpaid payouts: %w", err)
	}
	defer rows.Close()

	var out []model.Payout
	for rows.Next() {
		var po model.Payout
		var shares, amount string
		if err := rows.Scan(&po.PeriodID, &po.UserID, &shares, &amount); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		po.Shares, _ = decimal.NewFromString(shares)
		po.Amount, _ = decimal.NewFromString(amount)
		out = append(out, po)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPayoutPaid(ctx context.Context, periodID, userID string, paid bool) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET paid = $3 WHERE period_id = $1 AND user_id = $2 AND paid <> $3`,
		periodID, userID, paid)
	if err != nil {
		return false, fmt.Errorf("set payout %s/%s: %w", periodID, userID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payouts WHERE period_id = $1 AND user_id = $2)`,
		periodID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check payout %s/%s: %w", periodID, userID, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: payout %s/%s", model.ErrNotFound, periodID, userID)
	}
	return false, nil
}

// --- Helpers ---

// pgxExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertOrder(ctx context.Context, db pgxExecer, o model.TradeOrder) error {
	_, err := db.Exec(ctx,
		`INSERT INTO trade_orders
		   (id, user_id, period_id, candidate_id, side, quantity, price, total_value, status, fail_reason, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)`,
		o.ID, o.UserID, o.PeriodID, o.CandidateID, string(o.Side),
		o.Quantity.String(), o.Price.String(), o.TotalValue.String(),
		string(o.Status), o.FailReason, o.CreatedAt, o.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func upsertShares(ctx context.Context, tx pgx.Tx, shares []model.CandidateShare) error {
	batch := &pgx.Batch{}
	for _, cs := range shares {
		batch.Queue(
			`INSERT INTO candidate_shares
			   (period_id, candidate_id, price, total_shares, total_invested, probability, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
			 ON CONFLICT (period_id, candidate_id) DO UPDATE
			 SET price = EXCLUDED.price, total_shares = EXCLUDED.total_shares,
			     total_invested = EXCLUDED.total_invested, probability = EXCLUDED.probability,
			     updated_at = EXCLUDED.updated_at`,
			cs.PeriodID, cs.CandidateID, cs.Price.String(), cs.TotalShares.String(),
			cs.TotalInvested.String(), cs.Probability.String(), cs.UpdatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert shares: %w", err)
	}
	return nil
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p model.UserPosition) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO user_positions
		   (user_id, period_id, candidate_id, shares, average_price, total_invested, current_value, unrealized_pnl, last_trade_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (user_id, period_id, candidate_id) DO UPDATE
		 SET shares = EXCLUDED.shares, average_price = EXCLUDED.average_price,
		     total_invested = EXCLUDED.total_invested, current_value = EXCLUDED.current_value,
		     unrealized_pnl = EXCLUDED.unrealized_pnl, last_trade_at = EXCLUDED.last_trade_at`,
		p.UserID, p.PeriodID, p.CandidateID,
		p.Shares.String(), p.AveragePrice.String(), p.TotalInvested.String(),
		p.CurrentValue.String(), p.UnrealizedPnL.String(), p.LastTradeAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.UserID, p.CandidateID, err)
	}
	return nil
}

func scanPeriod(row pgx.Row) (model.MarketPeriod, error) {
	var p model.MarketPeriod
	var winner *string
	var volume string
	if err := row.Scan(&p.ID, &p.Epoch, &p.Start, &p.End, &winner, &volume); err != nil {
		return p, err
	}
	if winner != nil {
		p.WinnerID = *winner
	}
	p.Start, p.End = p.Start.UTC(), p.End.UTC()
	p.Volume, _ = decimal.NewFromString(volume)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]model.UserPosition, error) {
	positions := []model.UserPosition{}
	for rows.Next() {
		var p model.UserPosition
		var shares, avg, invested, value, pnl string
		if err := rows.Scan(&p.UserID, &p.PeriodID, &p.CandidateID,
			&shares, &avg, &invested, &value, &pnl, &p.LastTradeAt); err != nil {
			return nil, err
		}
		p.Shares, _ = decimal.NewFromString(shares)
		p.AveragePrice, _ = decimal.NewFromString(avg)
		p.TotalInvested, _ = decimal.NewFromString(invested)
		p.CurrentValue, _ = decimal.NewFromString(value)
		p.UnrealizedPnL, _ = decimal.NewFromString(pnl)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// PostgresFunds implements Funds on the balances table. A user's row is
// created with the starting balance on first use.
type PostgresFunds struct {
	pool     *pgxpool.Pool
	starting decimal.Decimal
}

func NewPostgresFunds(pool *pgxpool.Pool, starting decimal.Decimal) *PostgresFunds {
	return &PostgresFunds{pool: pool, starting: starting}
}

func (f *PostgresFunds) ensure(ctx context.Context, db pgxExecer, userID string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO balances (user_id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO NOTHING`, userID, f.starting.String())
	return err
}

func (f *PostgresFunds) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal string
	err := f.pool.QueryRow(ctx, `SELECT balance::TEXT FROM balances WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return f.starting, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", userID, err)
	}
	b, _ := decimal.NewFromString(bal)
	return b, nil
}

func (f *PostgresFunds) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: debit %s", model.ErrInvalidAmount, amount)
	}
	return pgx.BeginFunc(ctx, f.pool, func(tx pgx.Tx) error {
		if err := f.ensure(ctx, tx, userID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE balances SET balance = balance - $2::NUMERIC
			 WHERE user_id = $1 AND balance >= $2::NUMERIC`, userID, amount.String())
		if err != nil {
			return fmt.Errorf("debit %s: %w", userID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: user %s, need %s", model.ErrInsufficientFunds, userID, amount)
		}
		return nil
	})
}

func (f *PostgresFunds) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: credit %s", model.ErrInvalidAmount, amount)
	}
	return pgx.BeginFunc(ctx, f.pool, func(tx pgx.Tx) error {
		if err := f.ensure(ctx, tx, userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE balances SET balance = balance + $2::NUMERIC WHERE user_id = $1`,
			userID, amount.String())
		return err
	})
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Funds = (*PostgresFunds)(nil)
)
