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
	"github.com/redis/go-redis/v9"

	"github.com/hakifi/insurance-engine/internal/bus"
	"github.com/hakifi/insurance-engine/internal/chain"
	"github.com/hakifi/insurance-engine/internal/engine"
	"github.com/hakifi/insurance-engine/internal/lifecycle"
	"github.com/hakifi/insurance-engine/internal/lock"
	"github.com/hakifi/insurance-engine/internal/metrics"
	"github.com/hakifi/insurance-engine/internal/monitor"
	"github.com/hakifi/insurance-engine/internal/oracle"
	"github.com/hakifi/insurance-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(rootCtx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- On-chain client ---
	var ch chain.Client
	if rpcURL := os.Getenv("CHAIN_RPC_URL"); rpcURL != "" {
		rpc, err := chain.DialRPC(rootCtx, rpcURL, os.Getenv("CHAIN_CONTRACT"))
		if err != nil {
			slog.Error("chain gateway connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { rpc.Close() })
		go rpc.Ping(30*time.Second, rootCtx.Done())
		ch = rpc
		slog.Info("connected to chain gateway", "url", rpcURL)
	} else {
		slog.Warn("CHAIN_RPC_URL not set, using simulated chain client")
		ch = chain.NewSim()
	}

	// --- Pricing oracle ---
	var orc oracle.Oracle
	if priceURL := os.Getenv("PRICE_API_URL"); priceURL != "" {
		orc = oracle.NewHTTP(priceURL)
	} else {
		slog.Warn("PRICE_API_URL not set, using static oracle (prices must be seeded)")
		orc = oracle.NewStatic()
	}

	// --- Domain event bus + WebSocket hub ---
	eventBus := bus.New()
	wsHub := bus.NewWSHub()
	go wsHub.Run(eventBus)

	// --- Reconciliation engine ---
	eng := engine.New(st, ch, lock.NewMutex(), orc, eventBus)

	// --- Chain event listener ---
	listener := chain.NewListener(ch, eng, chain.DefaultDebounce)
	go func() {
		if err := listener.Run(rootCtx); err != nil && err != context.Canceled {
			slog.Error("chain listener stopped", "err", err)
		}
	}()

	// --- Price monitor ---
	interval := monitor.DefaultInterval
	if v := os.Getenv("MONITOR_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid MONITOR_INTERVAL", "value", v, "err", err)
			os.Exit(1)
		}
		interval = parsed
	}
	mon := monitor.New(st, eng, orc, interval)
	go func() {
		if err := mon.Run(rootCtx); err != nil && err != context.Canceled {
			slog.Error("price monitor stopped", "err", err)
		}
	}()

	// --- Lifecycle service ---
	svc := lifecycle.NewService(st, eng, orc, ch)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"insurance-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time contract updates.
		r.Get("/ws", wsHub.HandleWS)

		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("insurance-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down insurance-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("insurance-engine stopped")
}
