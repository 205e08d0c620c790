package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/fryprotocol/wreckage-engine/internal/api"
	"github.com/fryprotocol/wreckage-engine/internal/config"
	"github.com/fryprotocol/wreckage-engine/internal/engine"
	"github.com/fryprotocol/wreckage-engine/internal/ingest"
	"github.com/fryprotocol/wreckage-engine/internal/metrics"
	"github.com/fryprotocol/wreckage-engine/internal/registry"
	"github.com/fryprotocol/wreckage-engine/internal/reward"
	"github.com/fryprotocol/wreckage-engine/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("loading config failed", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fail := func(msg string, err error) {
		slog.Error(msg, "err", err)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fail("database connection failed", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			fail("database schema setup failed", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			fail("sqlite open failed", err)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", lite.Path())

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fail("invalid REDIS_URL", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	// --- Core ---
	reg, err := registry.New(cfg.Engine.MaxUtilization, cfg.Pools())
	if err != nil {
		fail("invalid venue pools", err)
	}
	calc, err := reward.NewCalculator(cfg.Rewards)
	if err != nil {
		fail("invalid reward rates", err)
	}

	// --- Outcome publishers ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	publishers := engine.MultiPublisher{wsHub}

	if len(cfg.KafkaBrokers) > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := ingest.WaitForBroker(waitCtx, cfg.KafkaBrokers)
		if err == nil {
			err = ingest.EnsureTopic(waitCtx, cfg.KafkaBrokers, cfg.OutcomesTopic)
		}
		cancel()
		if err != nil {
			fail("kafka unavailable", err)
		}
		kp := ingest.NewKafkaPublisher(ingest.NewWriter(cfg.KafkaBrokers, cfg.OutcomesTopic))
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		slog.Info("publishing outcomes to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.OutcomesTopic)
	}

	var js jetstream.JetStream
	if cfg.NATSURL != "" {
		nc, jsCtx, err := ingest.ConnectNATS(cfg.NATSURL)
		if err != nil {
			fail("nats connection failed", err)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		if err := ingest.EnsureStreams(ctx, jsCtx, cfg.EventsSubject, ingest.DefaultOutcomesPrefix); err != nil {
			fail("jetstream setup failed", err)
		}
		js = jsCtx
		publishers = append(publishers, ingest.NewJetStreamPublisher(jsCtx, ingest.DefaultOutcomesPrefix))
		slog.Info("connected to NATS", "url", cfg.NATSURL)
	}

	// --- Engine ---
	eng, err := engine.New(reg, calc, cfg.RouterOptions(),
		engine.WithStore(st),
		engine.WithPublisher(publishers),
		engine.WithLimiter(cfg.Limiter()),
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithLogger(logger),
	)
	if err != nil {
		fail("engine setup failed", err)
	}
	if err := eng.Restore(ctx); err != nil {
		fail("restoring engine state failed", err)
	}

	if js != nil {
		sub := ingest.NewSubscriber(js, eng, cfg.EventsSubject, logger)
		if err := sub.Start(ctx); err != nil {
			fail("nats subscribe failed", err)
		}
		cleanup = append(cleanup, sub.Stop)
	}

	if cfg.ProcessInterval > 0 {
		go eng.Run(ctx, cfg.ProcessInterval)
		slog.Info("scheduled processing enabled", "interval", cfg.ProcessInterval)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"wreckage-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api.NewService(eng, wsHub).Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("wreckage-engine listening", "port", cfg.Port, "pools", len(reg.Snapshot()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down wreckage-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("wreckage-engine stopped")
}
