package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kolmarket/market-engine/internal/candidate"
	"github.com/kolmarket/market-engine/internal/config"
	"github.com/kolmarket/market-engine/internal/fx"
	"github.com/kolmarket/market-engine/internal/ingest"
	"github.com/kolmarket/market-engine/internal/leaderboard"
	"github.com/kolmarket/market-engine/internal/limits"
	"github.com/kolmarket/market-engine/internal/lock"
	"github.com/kolmarket/market-engine/internal/metrics"
	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/order"
	"github.com/kolmarket/market-engine/internal/settlement"
	"github.com/kolmarket/market-engine/internal/store"
	"github.com/kolmarket/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("KOLMARKET_CONFIG"), "path to TOML config file")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("unknown log level, using info", "level", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("market-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	roster, err := candidate.NewRoster(cfg.Candidates)
	if err != nil {
		return err
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache, lock, leaderboard, FX) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		slog.Info("connected to Redis")
	}

	// --- Store and funds ---
	var (
		st    store.Store
		funds store.Funds
	)
	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("invalid postgres dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		funds = store.NewPostgresFunds(pool, cfg.Market.StartingBalance)
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("no postgres dsn set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		funds = store.NewMemoryFunds(cfg.Market.StartingBalance)
	}

	// --- Lock, leaderboard, FX ---
	var (
		locker lock.Locker       = lock.NewLocalLocker()
		board  leaderboard.Board = leaderboard.NewMemoryBoard(cfg.Redis.BoardTTL.Duration)
		rates  fx.Provider       = fx.Static(cfg.FX.SOLUSD)
	)
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration)
		board = leaderboard.NewRedisBoard(rdb, cfg.Redis.BoardTTL.Duration)
		rates = fx.NewRedisProvider(rdb, cfg.FX.SOLUSD, logger)
	}

	// --- Trade event bus ---
	var (
		sink     ingest.Sink = ingest.BoardSink{Board: board}
		consumer *ingest.Consumer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		pub := ingest.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		consumer = ingest.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic, logger)
		cleanup = append(cleanup, func() { pub.Close() }, func() { consumer.Close() })
		sink = pub
		slog.Info("Kafka trade bus enabled", "topic", cfg.Kafka.Topic)
	}

	wsHub := trade.NewWSHub()

	settler := settlement.New(settlement.Deps{
		Store:    st,
		Funds:    funds,
		Board:    board,
		Rates:    rates,
		Locker:   locker,
		Notifier: wsHub,
		HouseFee: cfg.Market.HouseFee,
		Schedule: cfg.Settlement.Schedule,
		Logger:   logger,
	})

	tradeSvc := trade.NewService(trade.Deps{
		Store:    st,
		Funds:    funds,
		Roster:   roster,
		Locker:   locker,
		Engine:   order.NewEngine(cfg.Market.MinBet),
		Limiter:  limits.NewStakeLimiter(cfg.Market.MaxStakePerCandidate, cfg.Market.MaxStakePerPeriod),
		Board:    board,
		Rates:    rates,
		Parser:   ingest.NewParser(roster, logger),
		Sink:     sink,
		Resolver: settler,
		Hub:      wsHub,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      newRouter(cfg, tradeSvc, wsHub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return wsHub.Run(gctx) })

	g.Go(func() error {
		return serveHTTP(gctx, srv, cfg.Server.ShutdownTimeout.Duration)
	})

	if cfg.Settlement.Enabled {
		g.Go(func() error { return settler.Run(gctx) })
	}

	if consumer != nil {
		g.Go(func() error {
			err := consumer.Consume(gctx, func(ctx context.Context, ev model.TradeEvent) error {
				fresh, err := board.Record(ctx, ev)
				if err != nil {
					return fmt.Errorf("record trade %s: %w", ev.Signature, err)
				}
				if !fresh {
					metrics.TradeEventsTotal.WithLabelValues(ev.Program, "duplicate").Inc()
				}
				return nil
			})
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	slog.Info("market-engine starting", "port", cfg.Server.Port, "candidates", roster.Len())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newRouter(cfg *config.Config, tradeSvc *trade.Service, wsHub *trade.WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", cfg.Server.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
			tradeSvc.Routes(r)
		})
	})
	return r
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("market-engine listening", "addr", srv.Addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("shutting down market-engine...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-serverErr
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
